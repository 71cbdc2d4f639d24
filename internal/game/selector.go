package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
	"go.uber.org/zap"

	"github.com/karwin/bookline-bot/internal/config"
	"github.com/karwin/bookline-bot/internal/explorer"
	"github.com/karwin/bookline-bot/internal/obslog"
	"github.com/karwin/bookline-bot/internal/uci"
)

// ErrNoLegalMove means the selector was invoked on a terminal position.
// Sessions detect terminality before selecting; hitting this is a logic
// fault, not a recoverable runtime condition.
var ErrNoLegalMove = errors.New("game: no legal move in terminal position")

// Source names where a chosen move came from, also surfaced by the !mode
// chat command.
type Source string

const (
	SourceBookPlayer  Source = "player opening explorer"
	SourceBookGeneral Source = "general opening explorer"
	SourceEngine      Source = "engine search"
)

// Choice is the selector's answer for one turn.
type Choice struct {
	UCI     string
	Source  Source
	EvalCP  int
	HasEval bool
}

// BookSource is the opening-database boundary (implemented by
// explorer.Client).
type BookSource interface {
	Query(ctx context.Context, q explorer.Query) ([]explorer.BookEntry, explorer.Source, error)
}

// Searcher is the engine boundary (implemented by uci.Engine).
type Searcher interface {
	Search(ctx context.Context, initialFEN string, moves []string, budget time.Duration) (uci.Result, error)
}

// EngineProvider hands out the session's engine, starting it on first use.
type EngineProvider func(ctx context.Context) (Searcher, error)

// BookPolicy picks one candidate from a non-empty, legality-filtered,
// total-descending list.
type BookPolicy func(entries []explorer.BookEntry, r *rand.Rand) explorer.BookEntry

// TopPolicy always picks the most-played move.
func TopPolicy(entries []explorer.BookEntry, _ *rand.Rand) explorer.BookEntry {
	return entries[0]
}

// WeightedPolicy picks randomly, weighted by total game count.
func WeightedPolicy(entries []explorer.BookEntry, r *rand.Rand) explorer.BookEntry {
	total := 0
	for _, e := range entries {
		total += e.Total()
	}
	if total <= 0 || r == nil {
		return entries[0]
	}
	roll := r.Intn(total)
	cumulative := 0
	for _, e := range entries {
		cumulative += e.Total()
		if roll < cumulative {
			return e
		}
	}
	return entries[len(entries)-1]
}

// PolicyByName maps the config value to a policy.
func PolicyByName(name string) BookPolicy {
	if strings.EqualFold(strings.TrimSpace(name), "top") {
		return TopPolicy
	}
	return WeightedPolicy
}

// Selector decides one move per turn: a book move while the book is
// enabled, shallow enough, and the clock comfortable; an engine search
// otherwise. Stateless across turns except for the session-local book
// player set through chat commands.
type Selector struct {
	book    BookSource
	engine  EngineProvider
	policy  BookPolicy
	budget  BudgetPolicy
	bookCfg config.BookConfig
	rand    *rand.Rand

	player       string
	playerRating int
	lastSource   Source
}

func NewSelector(book BookSource, engine EngineProvider, bookCfg config.BookConfig, clockCfg config.ClockConfig) *Selector {
	return &Selector{
		book:       book,
		engine:     engine,
		policy:     PolicyByName(bookCfg.Policy),
		budget:     BudgetFromClock(clockCfg),
		bookCfg:    bookCfg,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		lastSource: SourceEngine,
	}
}

// SetSeed pins the random source; tests use it for determinism.
func (s *Selector) SetSeed(seed int64) {
	s.rand = rand.New(rand.NewSource(seed))
}

// SetPlayer switches the book to one player's games (empty string resets
// to the general database). Called from the session goroutine only.
func (s *Selector) SetPlayer(name string, rating int) {
	s.player = strings.TrimSpace(name)
	s.playerRating = rating
}

func (s *Selector) Player() string { return s.player }

// LastSource reports where the previous choice came from.
func (s *Selector) LastSource() Source { return s.lastSource }

// Choose returns exactly one legal move for the record's current position.
// Book failures fall through to the engine; engine failures propagate for
// the session's resign policy.
func (s *Selector) Choose(ctx context.Context, rec *Record) (Choice, error) {
	legal := rec.LegalUCI()
	if len(legal) == 0 {
		return Choice{}, fmt.Errorf("%w: game %s at ply %d", ErrNoLegalMove, rec.GameID, rec.Ply())
	}

	if s.bookUsable(rec) {
		if choice, ok := s.chooseFromBook(ctx, rec, legal); ok {
			s.lastSource = choice.Source
			return choice, nil
		}
	}

	choice, err := s.chooseFromEngine(ctx, rec, legal)
	if err != nil {
		return Choice{}, err
	}
	s.lastSource = choice.Source
	return choice, nil
}

func (s *Selector) bookUsable(rec *Record) bool {
	if !s.bookCfg.Enabled {
		return false
	}
	if s.bookCfg.MaxPly > 0 && rec.Ply() >= s.bookCfg.MaxPly {
		return false
	}
	return BookAllowed(rec.Clock, rec.Color)
}

func (s *Selector) chooseFromBook(ctx context.Context, rec *Record, legal map[string]bool) (Choice, bool) {
	q := explorer.Query{
		FEN:     rec.FEN(),
		Variant: explorerVariant(rec.Variant),
		Player:  s.player,
		Color:   colorName(rec.Color),
		Rating:  s.playerRating,
	}
	entries, source, err := s.book.Query(ctx, q)
	if err != nil {
		// Book failures are never fatal: no data means engine search.
		obslog.L().Debug("book lookup failed, falling back to engine",
			zap.String("game_id", rec.GameID), zap.Error(err))
		return Choice{}, false
	}

	usable := entries[:0:0]
	for _, e := range entries {
		mv := strings.ToLower(strings.TrimSpace(e.UCI))
		if mv == "" || !legal[mv] {
			continue
		}
		if e.Total() < s.bookCfg.MinGames {
			continue
		}
		usable = append(usable, e)
	}
	if len(usable) == 0 {
		return Choice{}, false
	}

	picked := s.policy(usable, s.rand)
	src := SourceBookGeneral
	if source == explorer.SourcePlayer {
		src = SourceBookPlayer
	}
	return Choice{UCI: strings.ToLower(picked.UCI), Source: src}, true
}

func (s *Selector) chooseFromEngine(ctx context.Context, rec *Record, legal map[string]bool) (Choice, error) {
	engine, err := s.engine(ctx)
	if err != nil {
		return Choice{}, err
	}

	budget := s.budget(rec.Clock, rec.Color)
	res, err := engine.Search(ctx, rec.InitialFEN, rec.MovesUCI(), budget)
	if err != nil {
		return Choice{}, err
	}

	mv := strings.ToLower(strings.TrimSpace(res.BestMove))
	if !legal[mv] {
		return Choice{}, fmt.Errorf("%w: engine played illegal move %q", uci.ErrEngineProtocol, res.BestMove)
	}
	return Choice{UCI: mv, Source: SourceEngine, EvalCP: res.EvalCP, HasEval: res.HasEval}, nil
}

func explorerVariant(key string) string {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "", "fromposition":
		return "standard"
	default:
		return strings.ToLower(strings.TrimSpace(key))
	}
}

func colorName(c nchess.Color) string {
	if c == nchess.White {
		return "white"
	}
	return "black"
}
