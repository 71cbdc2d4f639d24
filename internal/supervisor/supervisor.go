// Package supervisor owns the account event stream: it answers challenges
// per policy and runs one game session goroutine per active game.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/karwin/bookline-bot/internal/config"
	"github.com/karwin/bookline-bot/internal/game"
	"github.com/karwin/bookline-bot/internal/lichess"
	"github.com/karwin/bookline-bot/internal/msgcat"
	"github.com/karwin/bookline-bot/internal/obslog"
)

// Server is the lichess surface the supervisor works against, satisfied
// by lichess.Client. Tests substitute a fake.
type Server interface {
	game.GameAPI
	StreamEvents(ctx context.Context) (<-chan lichess.Event, <-chan error)
	StreamGame(ctx context.Context, gameID string) (<-chan lichess.GameEvent, <-chan error)
	AcceptChallenge(ctx context.Context, challengeID string) error
	DeclineChallenge(ctx context.Context, challengeID, reason string) error
}

// SnapshotStore extends the per-session sink with enumeration, used to
// rejoin games that were live when the previous process died.
type SnapshotStore interface {
	game.SnapshotSink
	ActiveGameIDs(ctx context.Context) ([]string, error)
}

type Supervisor struct {
	server Server
	book   game.BookSource
	cat    *msgcat.Catalog
	cfg    *config.Config
	botID  string
	log    *zap.Logger

	snapshots SnapshotStore
	results   game.ResultSink

	mu       sync.Mutex
	sessions map[string]*game.Session
}

// New wires a supervisor. snapshots and results may be nil.
func New(server Server, book game.BookSource, cat *msgcat.Catalog, cfg *config.Config,
	botID string, snapshots SnapshotStore, results game.ResultSink) *Supervisor {
	return &Supervisor{
		server:    server,
		book:      book,
		cat:       cat,
		cfg:       cfg,
		botID:     botID,
		log:       obslog.L().With(zap.String("bot_id", botID)),
		snapshots: snapshots,
		results:   results,
		sessions:  make(map[string]*game.Session),
	}
}

// Run blocks until the account stream fails terminally or ctx is
// cancelled. Game sessions share the run's lifetime: when Run unwinds,
// every session is cancelled and waited for.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	s.resume(ctx, g)

	g.Go(func() error { return s.eventLoop(ctx, g) })
	return g.Wait()
}

// resume rejoins games that have a live snapshot from a previous run.
// The game stream replays gameFull, so a session needs nothing beyond
// the id.
func (s *Supervisor) resume(ctx context.Context, g *errgroup.Group) {
	if s.snapshots == nil {
		return
	}
	ids, err := s.snapshots.ActiveGameIDs(ctx)
	if err != nil {
		s.log.Warn("cannot list resumable games", zap.Error(err))
		return
	}
	for _, id := range ids {
		s.log.Info("resuming game from snapshot", zap.String("game_id", id))
		s.launch(ctx, g, id)
	}
}

func (s *Supervisor) eventLoop(ctx context.Context, g *errgroup.Group) error {
	events, streamErr := s.server.StreamEvents(ctx)
	s.log.Info("listening for challenges")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-streamErr:
			if err == nil {
				return nil
			}
			return fmt.Errorf("account stream: %w", err)
		case ev, ok := <-events:
			if !ok {
				// Terminal cause follows on streamErr.
				events = nil
				continue
			}
			s.handleEvent(ctx, g, ev)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, g *errgroup.Group, ev lichess.Event) {
	switch ev.Type {
	case "challenge":
		s.handleChallenge(ctx, ev.Challenge)
	case "challengeCanceled", "challengeDeclined":
		if ev.Challenge != nil {
			s.log.Debug("challenge closed",
				zap.String("challenge_id", ev.Challenge.ID), zap.String("type", ev.Type))
		}
	case "gameStart":
		if ev.Game != nil {
			s.launch(ctx, g, ev.Game.ID)
		}
	case "gameFinish":
		if ev.Game != nil {
			s.log.Info("server reports game finished", zap.String("game_id", ev.Game.ID))
		}
	default:
		s.log.Warn("skip unrecognized account event", zap.String("type", ev.Type))
	}
}

func (s *Supervisor) handleChallenge(ctx context.Context, c *lichess.Challenge) {
	if c == nil {
		return
	}
	// Our own outbound challenges echo back on the stream.
	if c.Challenger.ID == s.botID {
		return
	}

	verdict := Evaluate(s.cfg.Challenge, c, s.activeCount())
	log := s.log.With(
		zap.String("challenge_id", c.ID),
		zap.String("challenger", c.Challenger.Name),
		zap.String("variant", c.Variant.Key),
		zap.Bool("rated", c.Rated))

	if !verdict.Accept {
		log.Info("declining challenge", zap.String("reason", verdict.Reason))
		if err := s.server.DeclineChallenge(ctx, c.ID, verdict.Reason); err != nil {
			log.Warn("decline failed", zap.Error(err))
		}
		return
	}

	log.Info("accepting challenge")
	if err := s.server.AcceptChallenge(ctx, c.ID); err != nil {
		log.Warn("accept failed", zap.Error(err))
	}
	// The session starts on the following gameStart event.
}

// launch starts a session goroutine for gameID unless one is already
// running. A panicking session must not take the supervisor down with it.
func (s *Supervisor) launch(ctx context.Context, g *errgroup.Group, gameID string) {
	s.mu.Lock()
	if _, running := s.sessions[gameID]; running {
		s.mu.Unlock()
		return
	}

	events, streamErr := s.server.StreamGame(ctx, gameID)
	sess := game.NewSession(gameID, s.server, s.book, s.cat, s.sessionConfig(),
		events, streamErr, s.snapshotSink(), s.results)
	s.sessions[gameID] = sess
	s.mu.Unlock()

	g.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.sessions, gameID)
			s.mu.Unlock()
			if r := recover(); r != nil {
				s.log.Error("session panicked",
					zap.String("game_id", gameID), zap.Any("panic", r),
					zap.Stack("stack"))
			}
		}()
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			// One broken game does not stop the bot.
			s.log.Error("session ended with error",
				zap.String("game_id", gameID), zap.Error(err))
		}
		return nil
	})
}

func (s *Supervisor) sessionConfig() game.SessionConfig {
	return game.SessionConfig{
		BotID:  s.botID,
		Engine: s.cfg.Engine,
		Book:   s.cfg.Book,
		Clock:  s.cfg.Clock,
		Resign: s.cfg.Resign,
		Draw:   s.cfg.Draw,
	}
}

// snapshotSink narrows the optional store to the session's interface; a
// nil store must stay a nil interface.
func (s *Supervisor) snapshotSink() game.SnapshotSink {
	if s.snapshots == nil {
		return nil
	}
	return s.snapshots
}

func (s *Supervisor) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
