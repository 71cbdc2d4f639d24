package game

import (
	"errors"
	"fmt"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
)

// ErrDivergence means the server's move list no longer extends ours. The
// session rebuilds its record from scratch when this happens.
var ErrDivergence = errors.New("game: server move list diverges from record")

// ErrUnsupportedVariant marks variants the local board cannot model. The
// challenge policy declines them up front; this is the backstop.
var ErrUnsupportedVariant = errors.New("game: unsupported variant")

// ClockState is a per-side snapshot of remaining time and increment.
// Owned by the session; selectors receive it by value.
type ClockState struct {
	White    time.Duration
	Black    time.Duration
	WhiteInc time.Duration
	BlackInc time.Duration
}

func (c ClockState) Remaining(color nchess.Color) time.Duration {
	if color == nchess.White {
		return c.White
	}
	return c.Black
}

func (c ClockState) Increment(color nchess.Color) time.Duration {
	if color == nchess.White {
		return c.WhiteInc
	}
	return c.BlackInc
}

// Record is the single source of truth for one game's position. All board
// state derives from replaying the server-confirmed UCI move list; nothing
// else in the process tracks the position independently.
type Record struct {
	GameID     string
	Variant    string
	Rated      bool
	Color      nchess.Color
	Opponent   string
	InitialFEN string
	Clock      ClockState
	StartedAt  time.Time

	game  *nchess.Game
	moves []string
}

// variantSupported lists the rule sets the local board can replay. Other
// variants are declined by policy before a record is ever built.
func variantSupported(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "", "standard", "fromposition":
		return true
	default:
		return false
	}
}

func NewRecord(gameID, variant string, color nchess.Color, opponent string, rated bool, initialFEN string) (*Record, error) {
	if !variantSupported(variant) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVariant, variant)
	}
	g, err := newBoard(initialFEN)
	if err != nil {
		return nil, err
	}
	return &Record{
		GameID:     gameID,
		Variant:    variant,
		Rated:      rated,
		Color:      color,
		Opponent:   opponent,
		InitialFEN: strings.TrimSpace(initialFEN),
		StartedAt:  time.Now(),
		game:       g,
	}, nil
}

func newBoard(initialFEN string) (*nchess.Game, error) {
	fen := strings.TrimSpace(initialFEN)
	if fen == "" || fen == "startpos" {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse initial fen: %w", err)
	}
	return nchess.NewGame(opt), nil
}

// SyncMoves applies the suffix of the server's cumulative move list beyond
// what the record has already replayed. Returns the number of new moves.
// ErrDivergence if the prefix no longer matches.
func (r *Record) SyncMoves(serverMoves []string) (int, error) {
	if len(serverMoves) < len(r.moves) {
		return 0, fmt.Errorf("%w: server has %d moves, record has %d",
			ErrDivergence, len(serverMoves), len(r.moves))
	}
	for i, mv := range r.moves {
		if !strings.EqualFold(mv, serverMoves[i]) {
			return 0, fmt.Errorf("%w: move %d is %q locally, %q on server",
				ErrDivergence, i, mv, serverMoves[i])
		}
	}

	applied := 0
	for _, mv := range serverMoves[len(r.moves):] {
		uci := strings.ToLower(strings.TrimSpace(mv))
		if err := r.game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
			return applied, fmt.Errorf("apply server move %q: %w", uci, err)
		}
		r.moves = append(r.moves, uci)
		applied++
	}
	return applied, nil
}

// Reset rebuilds the board from the initial position and replays moves.
// Used after a divergence to resynchronize with the server.
func (r *Record) Reset(serverMoves []string) error {
	g, err := newBoard(r.InitialFEN)
	if err != nil {
		return err
	}
	r.game = g
	r.moves = r.moves[:0]
	_, err = r.SyncMoves(serverMoves)
	return err
}

func (r *Record) MovesUCI() []string {
	return append([]string(nil), r.moves...)
}

// Ply is the number of half-moves played.
func (r *Record) Ply() int { return len(r.moves) }

func (r *Record) FEN() string {
	return r.game.FEN()
}

func (r *Record) OurTurn() bool {
	return r.game.Position().Turn() == r.Color
}

// Terminal reports whether the position itself ends the game (checkmate,
// stalemate, or an automatic draw). Resignations and flag falls arrive only
// as server events and are not visible here.
func (r *Record) Terminal() bool {
	return r.game.Outcome() != nchess.NoOutcome
}

// LegalUCI returns the legal moves of the current position in UCI form.
func (r *Record) LegalUCI() map[string]bool {
	valid := r.game.ValidMoves()
	out := make(map[string]bool, len(valid))
	for _, mv := range valid {
		out[strings.ToLower(mv.String())] = true
	}
	return out
}
