package game

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	nchess "github.com/corentings/chess/v2"
	"go.uber.org/zap"

	"github.com/karwin/bookline-bot/internal/config"
	"github.com/karwin/bookline-bot/internal/lichess"
	"github.com/karwin/bookline-bot/internal/msgcat"
	"github.com/karwin/bookline-bot/internal/obslog"
	"github.com/karwin/bookline-bot/internal/uci"
)

// State is the session's lifecycle position. Transitions only move forward:
// AwaitingStart -> Active -> Ended.
type State int32

const (
	StateAwaitingStart State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Phase splits Active into whose move it is.
type Phase int

const (
	PhaseWaitingOpponent Phase = iota
	PhaseToMove
)

// GameAPI is the server boundary a session drives: move submission, chat,
// draw handling, resignation and abort. Rejections surface as
// lichess.ErrMoveRejected, never as a crash.
type GameAPI interface {
	SubmitMove(ctx context.Context, gameID, uci string, offerDraw bool) error
	Chat(ctx context.Context, gameID, room, text string) error
	Draw(ctx context.Context, gameID string, accept bool) error
	Resign(ctx context.Context, gameID string) error
	Abort(ctx context.Context, gameID string) error
	UserRating(ctx context.Context, username, perf string) (int, error)
}

// Snapshot is the live-game state persisted after every sync so a
// restarted process can pick up from the last known move count.
type Snapshot struct {
	GameID    string    `json:"game_id"`
	Variant   string    `json:"variant"`
	Color     string    `json:"color"`
	Opponent  string    `json:"opponent"`
	MoveCount int       `json:"move_count"`
	WtimeMS   int64     `json:"wtime_ms"`
	BtimeMS   int64     `json:"btime_ms"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotSink persists live-game snapshots. Optional; a nil sink disables
// persistence.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	DeleteSnapshot(ctx context.Context, gameID string) error
}

// ResultRecord summarizes a finished game for persistence.
type ResultRecord struct {
	GameID    string
	Variant   string
	Opponent  string
	Color     string
	Rated     bool
	Status    string
	Winner    string
	Moves     []string
	StartedAt time.Time
	EndedAt   time.Time
}

// ResultSink persists finished games. Optional.
type ResultSink interface {
	SaveResult(ctx context.Context, rec ResultRecord) error
}

// SessionConfig carries the per-session policy knobs, derived from the
// read-only application config.
type SessionConfig struct {
	BotID  string
	Engine config.EngineConfig
	Book   config.BookConfig
	Clock  config.ClockConfig
	Resign config.ScorePolicy
	Draw   config.DrawPolicy
}

// Session drives one game from the first gameFull event to termination.
// It owns the game record, the clocks, and (lazily) one engine subprocess;
// all of them are touched only from the Run goroutine.
type Session struct {
	gameID string
	api    GameAPI
	cat    *msgcat.Catalog
	cfg    SessionConfig
	log    *zap.Logger

	events    <-chan lichess.GameEvent
	streamErr <-chan error

	selector  *Selector
	rec       *Record
	state     atomic.Int32
	phase     Phase
	endReason string

	engine    *uci.Engine
	snapshots SnapshotSink
	results   ResultSink

	scores       []int // recent engine evals, bot's perspective
	greeted      bool
	rejectedOnce bool
}

// NewSession wires a session for gameID. events/streamErr come from
// lichess.Client.StreamGame; book is the opening explorer. snapshots and
// results may be nil.
func NewSession(gameID string, api GameAPI, book BookSource, cat *msgcat.Catalog, cfg SessionConfig,
	events <-chan lichess.GameEvent, streamErr <-chan error,
	snapshots SnapshotSink, results ResultSink) *Session {

	s := &Session{
		gameID:    gameID,
		api:       api,
		cat:       cat,
		cfg:       cfg,
		log:       obslog.L().With(zap.String("game_id", gameID)),
		events:    events,
		streamErr: streamErr,
		snapshots: snapshots,
		results:   results,
	}
	s.selector = NewSelector(book, s.provideEngine, cfg.Book, cfg.Clock)
	return s
}

// State is safe to read from other goroutines (tests, diagnostics). The
// supervisor tracks its own handle status instead.
func (s *Session) State() State { return State(s.state.Load()) }

// EndReason is valid once State() == StateEnded.
func (s *Session) EndReason() string { return s.endReason }

// Selector exposes the move selector for tests.
func (s *Session) Selector() *Selector { return s.selector }

// Run consumes the event stream until the game ends, the stream's retry
// budget is exhausted, or the context is cancelled. The engine subprocess
// is released on every exit path.
func (s *Session) Run(ctx context.Context) error {
	defer s.releaseEngine()

	for {
		select {
		case <-ctx.Done():
			s.cancelCleanup()
			return ctx.Err()

		case err := <-s.streamErr:
			if s.State() == StateEnded {
				return nil
			}
			if err == nil || errors.Is(err, context.Canceled) {
				s.end(ctx, "stream_closed", "")
				return nil
			}
			s.end(ctx, "stream_disconnected", "")
			return err

		case ev, ok := <-s.events:
			if !ok {
				// Terminal cause follows on streamErr.
				if s.State() == StateEnded {
					return nil
				}
				s.events = nil
				continue
			}
			s.handle(ctx, ev)
			if s.State() == StateEnded {
				return nil
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, ev lichess.GameEvent) {
	switch ev.Type {
	case "gameFull":
		s.handleGameFull(ctx, ev)
	case "gameState":
		s.handleGameState(ctx, &ev.GameState)
	case "chatLine":
		s.handleChat(ctx, ev)
	case "opponentGone":
		s.log.Info("opponent gone", zap.Bool("gone", ev.Gone),
			zap.Int("claim_win_in", ev.ClaimWinInSecs))
	default:
		s.log.Warn("skip unrecognized game event", zap.String("type", ev.Type))
	}
}

func (s *Session) handleGameFull(ctx context.Context, ev lichess.GameEvent) {
	if s.State() == StateEnded {
		return
	}

	color := nchess.Black
	opponent := ev.White.Name
	if strings.EqualFold(ev.White.ID, s.cfg.BotID) {
		color = nchess.White
		opponent = ev.Black.Name
	}

	// Reconnects resend gameFull; rebuild the record and let SyncMoves
	// fast-forward to the server's move count.
	rec, err := NewRecord(s.gameID, ev.Variant.Key, color, opponent, ev.Rated, ev.InitialFen)
	if err != nil {
		s.log.Error("cannot model game, aborting", zap.Error(err))
		s.sayf(ctx, "game.abort_unplayable")
		_ = s.api.Abort(ctx, s.gameID)
		s.end(ctx, "unsupported", "")
		return
	}
	s.rec = rec
	s.state.Store(int32(StateActive))
	s.log.Info("game started",
		zap.String("variant", ev.Variant.Key),
		zap.String("color", colorName(color)),
		zap.String("opponent", opponent),
		zap.Bool("rated", ev.Rated))

	if !s.greeted {
		s.greeted = true
		s.say(ctx, s.cat.MustRender("greeting.start", nil))
	}

	if ev.State != nil {
		s.handleGameState(ctx, ev.State)
	}
}

func (s *Session) handleGameState(ctx context.Context, st *lichess.GameState) {
	if s.rec == nil {
		s.log.Warn("gameState before gameFull, skipping")
		return
	}
	if s.State() == StateEnded {
		return
	}

	moves := st.MoveList()
	if _, err := s.rec.SyncMoves(moves); err != nil {
		if errors.Is(err, ErrDivergence) {
			s.log.Warn("record diverged from server, rebuilding", zap.Error(err))
			if rerr := s.rec.Reset(moves); rerr != nil {
				s.log.Error("resync failed, resigning", zap.Error(rerr))
				s.resign(ctx, "desync")
				return
			}
		} else {
			// A single malformed event is logged and skipped.
			s.log.Warn("skip unplayable server move list", zap.Error(err))
			return
		}
	}
	s.rec.Clock = ClockState{
		White:    time.Duration(st.Wtime) * time.Millisecond,
		Black:    time.Duration(st.Btime) * time.Millisecond,
		WhiteInc: time.Duration(st.Winc) * time.Millisecond,
		BlackInc: time.Duration(st.Binc) * time.Millisecond,
	}
	s.saveSnapshot(ctx)

	if st.Terminal() {
		s.end(ctx, st.Status, st.Winner)
		return
	}

	// Opponent offered a draw: answer before (or instead of) moving.
	if s.opponentOffersDraw(st) && s.shouldAcceptDraw() {
		if err := s.api.Draw(ctx, s.gameID, true); err == nil {
			s.log.Info("accepted draw offer")
			return
		}
	}

	// Detect terminal positions locally so no move computation is wasted;
	// the confirming server event follows.
	if s.rec.Terminal() {
		s.phase = PhaseWaitingOpponent
		return
	}

	if s.rec.OurTurn() {
		s.phase = PhaseToMove
		s.takeTurn(ctx)
	} else {
		s.phase = PhaseWaitingOpponent
	}
}

func (s *Session) takeTurn(ctx context.Context) {
	choice, err := s.selector.Choose(ctx, s.rec)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoLegalMove):
			// Guarded by rec.Terminal() above; reaching here is a bug.
			s.log.Error("selector on terminal position", zap.Error(err))
			s.phase = PhaseWaitingOpponent
		case errors.Is(err, context.Canceled):
		default:
			// Engine faults are not survivable: never silently pass a turn.
			s.log.Error("move selection failed, resigning", zap.Error(err))
			s.sayf(ctx, "game.resign_engine")
			s.resign(ctx, "engine_failure")
		}
		return
	}

	s.trackScore(choice)
	if s.shouldResignOnScore() {
		s.log.Info("position hopeless, resigning",
			zap.Int("score_cp", choice.EvalCP), zap.Int("threshold_cp", s.cfg.Resign.ScoreCP))
		s.sayf(ctx, "game.resign_lost")
		s.resign(ctx, "hopeless")
		return
	}
	offerDraw := s.shouldOfferDraw()

	if err := s.api.SubmitMove(ctx, s.gameID, choice.UCI, offerDraw); err != nil {
		if errors.Is(err, lichess.ErrMoveRejected) {
			// Stale state. Wait for the stream to resync, recompute once;
			// a second rejection means something is properly wrong.
			if !s.rejectedOnce {
				s.rejectedOnce = true
				s.log.Warn("move rejected, awaiting resync",
					zap.String("move", choice.UCI), zap.Error(err))
				return
			}
			s.log.Error("move rejected twice, resigning", zap.Error(err))
			s.sayf(ctx, "game.resign_lost")
			s.resign(ctx, "move_rejected")
			return
		}
		// The client already retried transient failures. Passing the turn
		// would leave the game to die on the clock, so give it up cleanly.
		s.log.Error("move submission failed, resigning",
			zap.String("move", choice.UCI), zap.Error(err))
		s.sayf(ctx, "game.resign_connection")
		s.resign(ctx, "submit_failure")
		return
	}
	s.rejectedOnce = false
	s.phase = PhaseWaitingOpponent
	if offerDraw {
		s.log.Info("offered draw with move", zap.String("move", choice.UCI))
		s.sayf(ctx, "game.draw_offer")
	}
	s.log.Info("played",
		zap.String("move", choice.UCI),
		zap.String("source", string(choice.Source)),
		zap.Int("ply", s.rec.Ply()+1))
}

// provideEngine starts the session's engine on first use. One subprocess
// per session, configured for the game's variant.
func (s *Session) provideEngine(ctx context.Context) (Searcher, error) {
	if s.engine != nil {
		return s.engine, nil
	}
	cfg := uci.Config{
		BinaryPath:     s.cfg.Engine.Path,
		Variant:        s.rec.Variant,
		Threads:        s.cfg.Engine.Threads,
		HashMB:         s.cfg.Engine.HashMB,
		MoveOverheadMS: s.cfg.Engine.MoveOverheadMS,
	}
	startCtx, cancel := context.WithTimeout(ctx, s.cfg.Engine.ReadyTimeout())
	defer cancel()
	eng, err := uci.Start(startCtx, cfg)
	if err != nil {
		return nil, err
	}
	if err := eng.NewGame(ctx); err != nil {
		_ = eng.Close()
		return nil, err
	}
	s.engine = eng
	return eng, nil
}

func (s *Session) releaseEngine() {
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.log.Warn("engine shutdown", zap.Error(err))
		}
		s.engine = nil
	}
}

// trackScore records the engine's view of the position. Book moves count
// as healthy so the resign policy never fires mid-book.
func (s *Session) trackScore(c Choice) {
	score := 0
	if c.HasEval {
		score = c.EvalCP
	}
	s.scores = append(s.scores, score)
	if keep := maxConsecutive(s.cfg.Resign.Consecutive, s.cfg.Draw.Consecutive); len(s.scores) > keep {
		s.scores = s.scores[len(s.scores)-keep:]
	}
}

func maxConsecutive(a, b int) int {
	n := a
	if b > n {
		n = b
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (s *Session) shouldResignOnScore() bool {
	p := s.cfg.Resign
	if !p.Enabled || p.Consecutive <= 0 || len(s.scores) < p.Consecutive {
		return false
	}
	for _, v := range s.scores[len(s.scores)-p.Consecutive:] {
		if v > p.ScoreCP {
			return false
		}
	}
	return true
}

func (s *Session) shouldOfferDraw() bool {
	p := s.cfg.Draw
	if !p.Enabled || p.Consecutive <= 0 || len(s.scores) < p.Consecutive {
		return false
	}
	if s.rec.Ply() < p.MinFullMove*2 {
		return false
	}
	for _, v := range s.scores[len(s.scores)-p.Consecutive:] {
		if v < -p.ScoreCP || v > p.ScoreCP {
			return false
		}
	}
	return true
}

// shouldAcceptDraw mirrors shouldOfferDraw: a dead-even recent history.
func (s *Session) shouldAcceptDraw() bool { return s.shouldOfferDraw() }

func (s *Session) opponentOffersDraw(st *lichess.GameState) bool {
	if s.rec.Color == nchess.White {
		return st.Bdraw
	}
	return st.Wdraw
}

// resign ends the game from our side; a hopeless position or an engine
// fault must not leave the game hanging.
func (s *Session) resign(ctx context.Context, reason string) {
	if err := s.api.Resign(ctx, s.gameID); err != nil {
		s.log.Warn("resign call failed", zap.Error(err))
		// Early game: abort is the politer fallback.
		if s.rec != nil && s.rec.Ply() < 2 {
			_ = s.api.Abort(ctx, s.gameID)
		}
	}
	s.end(ctx, "resigned", "")
	s.endReason = reason
}

// end marks the session terminal, persists the outcome, and drops the
// snapshot. Idempotent.
func (s *Session) end(ctx context.Context, status, winner string) {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateEnded)) &&
		!s.state.CompareAndSwap(int32(StateAwaitingStart), int32(StateEnded)) {
		return
	}
	s.endReason = status
	s.log.Info("game over", zap.String("status", status), zap.String("winner", winner))

	if s.snapshots != nil {
		if err := s.snapshots.DeleteSnapshot(ctx, s.gameID); err != nil {
			s.log.Warn("snapshot delete failed", zap.Error(err))
		}
	}
	if s.results != nil && s.rec != nil {
		res := ResultRecord{
			GameID:    s.gameID,
			Variant:   s.rec.Variant,
			Opponent:  s.rec.Opponent,
			Color:     colorName(s.rec.Color),
			Rated:     s.rec.Rated,
			Status:    status,
			Winner:    winner,
			Moves:     s.rec.MovesUCI(),
			StartedAt: s.rec.StartedAt,
			EndedAt:   time.Now(),
		}
		if err := s.results.SaveResult(ctx, res); err != nil {
			s.log.Warn("result persist failed", zap.Error(err))
		}
	}
}

// cancelCleanup handles supervisor-initiated cancellation: best-effort
// resignation under a fresh short-lived context, then terminal state.
func (s *Session) cancelCleanup() {
	if s.State() == StateEnded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.State() == StateActive {
		if s.rec != nil && s.rec.Ply() < 2 {
			_ = s.api.Abort(ctx, s.gameID)
		} else {
			_ = s.api.Resign(ctx, s.gameID)
		}
	}
	s.end(ctx, "canceled", "")
}

func (s *Session) saveSnapshot(ctx context.Context) {
	if s.snapshots == nil || s.rec == nil {
		return
	}
	snap := Snapshot{
		GameID:    s.gameID,
		Variant:   s.rec.Variant,
		Color:     colorName(s.rec.Color),
		Opponent:  s.rec.Opponent,
		MoveCount: s.rec.Ply(),
		WtimeMS:   s.rec.Clock.White.Milliseconds(),
		BtimeMS:   s.rec.Clock.Black.Milliseconds(),
		UpdatedAt: time.Now(),
	}
	if err := s.snapshots.SaveSnapshot(ctx, snap); err != nil {
		s.log.Warn("snapshot save failed", zap.Error(err))
	}
}

func (s *Session) say(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := s.api.Chat(ctx, s.gameID, "player", text); err != nil {
		s.log.Debug("chat failed", zap.Error(err))
	}
}

func (s *Session) sayf(ctx context.Context, key string) {
	s.say(ctx, s.cat.MustRender(key, nil))
}
