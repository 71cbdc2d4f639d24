package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/karwin/bookline-bot/internal/config"
	"github.com/karwin/bookline-bot/internal/explorer"
	"github.com/karwin/bookline-bot/internal/lichess"
	"github.com/karwin/bookline-bot/internal/msgcat"
)

type fakeServer struct {
	mu        sync.Mutex
	accepted  []string
	declined  map[string]string
	streamed  []string
	moves     []string
	events    chan lichess.Event
	streamErr chan error

	gameStreams map[string]chan lichess.GameEvent
	gameErrs    map[string]chan error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		declined:    make(map[string]string),
		events:      make(chan lichess.Event, 8),
		streamErr:   make(chan error, 1),
		gameStreams: make(map[string]chan lichess.GameEvent),
		gameErrs:    make(map[string]chan error),
	}
}

func (f *fakeServer) StreamEvents(context.Context) (<-chan lichess.Event, <-chan error) {
	return f.events, f.streamErr
}

func (f *fakeServer) StreamGame(_ context.Context, gameID string) (<-chan lichess.GameEvent, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamed = append(f.streamed, gameID)
	ev := make(chan lichess.GameEvent, 8)
	errs := make(chan error, 1)
	f.gameStreams[gameID] = ev
	f.gameErrs[gameID] = errs
	return ev, errs
}

func (f *fakeServer) AcceptChallenge(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, id)
	return nil
}

func (f *fakeServer) DeclineChallenge(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined[id] = reason
	return nil
}

func (f *fakeServer) SubmitMove(_ context.Context, gameID, uci string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, gameID+":"+uci)
	return nil
}

func (f *fakeServer) Chat(context.Context, string, string, string) error   { return nil }
func (f *fakeServer) Draw(context.Context, string, bool) error            { return nil }
func (f *fakeServer) Resign(context.Context, string) error                { return nil }
func (f *fakeServer) Abort(context.Context, string) error                 { return nil }
func (f *fakeServer) UserRating(context.Context, string, string) (int, error) { return 0, nil }

func (f *fakeServer) acceptedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accepted...)
}

func (f *fakeServer) declinedReason(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.declined[id]
}

func (f *fakeServer) streamedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.streamed...)
}

type fakeExplorer struct{}

func (fakeExplorer) Query(context.Context, explorer.Query) ([]explorer.BookEntry, explorer.Source, error) {
	return nil, explorer.SourceGeneral, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Challenge: config.ChallengeConfig{
			Variants:       []string{"standard"},
			MinInitialSecs: 60,
			MaxInitialSecs: 1800,
			MaxIncrement:   10,
			AcceptRated:    true,
			AcceptCasual:   true,
			MaxGames:       1,
		},
		Book:  config.BookConfig{Enabled: true, MinGames: 1, Policy: "top"},
		Clock: config.ClockConfig{BudgetDivisor: 40, MinBudgetMS: 100, SafetyMarginMS: 500},
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeServer) {
	t.Helper()
	cat, err := msgcat.New()
	if err != nil {
		t.Fatalf("msgcat.New: %v", err)
	}
	server := newFakeServer()
	sup := New(server, fakeExplorer{}, cat, testConfig(), "bookbot", nil, nil)
	return sup, server
}

func challengeEvent(id string, rated bool) lichess.Event {
	return lichess.Event{
		Type: "challenge",
		Challenge: &lichess.Challenge{
			ID:          id,
			Challenger:  lichess.Player{ID: "rival", Name: "rival"},
			Variant:     lichess.Variant{Key: "standard"},
			Rated:       rated,
			TimeControl: lichess.TimeControl{Type: "clock", Limit: 180, Increment: 2},
		},
	}
}

func gameStartEvent(id string) lichess.Event {
	return lichess.Event{Type: "gameStart", Game: &lichess.GameInfo{ID: id}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestSupervisorAcceptsAndLaunches(t *testing.T) {
	sup, server := newTestSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	server.events <- challengeEvent("ch1", false)
	waitFor(t, func() bool { return len(server.acceptedIDs()) == 1 })

	server.events <- gameStartEvent("g1")
	waitFor(t, func() bool { return len(server.streamedIDs()) == 1 })
	waitFor(t, func() bool { return sup.activeCount() == 1 })

	// Duplicate gameStart (reconnect echo) must not spawn a second session.
	server.events <- gameStartEvent("g1")
	time.Sleep(50 * time.Millisecond)
	if got := server.streamedIDs(); len(got) != 1 {
		t.Fatalf("streamed %v, want one subscription", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not stop")
	}
}

func TestSupervisorDeclinesAtCapacity(t *testing.T) {
	sup, server := newTestSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	server.events <- gameStartEvent("g1")
	waitFor(t, func() bool { return sup.activeCount() == 1 })

	server.events <- challengeEvent("ch2", false)
	waitFor(t, func() bool { return server.declinedReason("ch2") == ReasonLater })

	cancel()
	<-done
}

func TestSupervisorDeclinesByPolicy(t *testing.T) {
	sup, server := newTestSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	ev := challengeEvent("ch-variant", false)
	ev.Challenge.Variant.Key = "antichess"
	server.events <- ev
	waitFor(t, func() bool { return server.declinedReason("ch-variant") == ReasonVariant })

	// Our own outbound challenge echoes back and must be left alone.
	own := challengeEvent("ch-own", false)
	own.Challenge.Challenger = lichess.Player{ID: "bookbot", Name: "bookbot"}
	server.events <- own
	time.Sleep(50 * time.Millisecond)
	if server.declinedReason("ch-own") != "" || len(server.acceptedIDs()) != 0 {
		t.Fatalf("answered own challenge")
	}

	cancel()
	<-done
}

func TestSupervisorStopsOnAccountStreamFailure(t *testing.T) {
	sup, server := newTestSupervisor(t)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	server.streamErr <- lichess.ErrStreamDisconnected
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("want error after stream failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not stop")
	}
}
