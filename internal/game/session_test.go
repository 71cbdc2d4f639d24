package game

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/karwin/bookline-bot/internal/config"
	"github.com/karwin/bookline-bot/internal/explorer"
	"github.com/karwin/bookline-bot/internal/lichess"
	"github.com/karwin/bookline-bot/internal/msgcat"
	"github.com/karwin/bookline-bot/internal/uci"
)

type apiCall struct {
	method string
	args   []string
}

// fakeAPI records every server call a session makes.
type fakeAPI struct {
	mu        sync.Mutex
	calls     []apiCall
	moveErr   error
	ratings   map[string]int
	ratingErr error
}

func (f *fakeAPI) record(method string, args ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, apiCall{method: method, args: args})
}

func (f *fakeAPI) SubmitMove(_ context.Context, gameID, uci string, offerDraw bool) error {
	draw := "nodraw"
	if offerDraw {
		draw = "draw"
	}
	f.record("move", gameID, uci, draw)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moveErr
}

func (f *fakeAPI) Chat(_ context.Context, gameID, room, text string) error {
	f.record("chat", gameID, room, text)
	return nil
}

func (f *fakeAPI) Draw(_ context.Context, gameID string, accept bool) error {
	verdict := "no"
	if accept {
		verdict = "yes"
	}
	f.record("draw", gameID, verdict)
	return nil
}

func (f *fakeAPI) Resign(_ context.Context, gameID string) error {
	f.record("resign", gameID)
	return nil
}

func (f *fakeAPI) Abort(_ context.Context, gameID string) error {
	f.record("abort", gameID)
	return nil
}

func (f *fakeAPI) UserRating(_ context.Context, username, perf string) (int, error) {
	f.record("rating", username, perf)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ratings[username], f.ratingErr
}

func (f *fakeAPI) byMethod(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

type sessionHarness struct {
	sess      *Session
	api       *fakeAPI
	book      *fakeBook
	events    chan lichess.GameEvent
	streamErr chan error
	done      chan error
}

func newSessionHarness(t *testing.T, book *fakeBook, engine Searcher) *sessionHarness {
	t.Helper()
	cat, err := msgcat.New()
	if err != nil {
		t.Fatalf("msgcat.New: %v", err)
	}
	api := &fakeAPI{}
	events := make(chan lichess.GameEvent, 8)
	streamErr := make(chan error, 1)
	cfg := SessionConfig{
		BotID: "bookbot",
		Book:  bookCfg(),
		Clock: clockCfg(),
	}
	sess := NewSession("g1", api, book, cat, cfg, events, streamErr, nil, nil)
	// Tests drive a fake engine; the real provider would spawn a process.
	sess.selector.engine = provider(engine, nil)
	return &sessionHarness{sess: sess, api: api, book: book, events: events, streamErr: streamErr}
}

func (h *sessionHarness) start(ctx context.Context) {
	h.done = make(chan error, 1)
	go func() { h.done <- h.sess.Run(ctx) }()
}

func (h *sessionHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish")
		return nil
	}
}

func gameFullEvent(white, black string, state *lichess.GameState) lichess.GameEvent {
	ev := lichess.GameEvent{
		ID:      "g1",
		Variant: lichess.Variant{Key: "standard", Name: "Standard"},
		White:   lichess.Player{ID: white, Name: white, Rating: 1800},
		Black:   lichess.Player{ID: black, Name: black, Rating: 1750},
		State:   state,
	}
	ev.Type = "gameFull"
	return ev
}

func stateEvent(st lichess.GameState) lichess.GameEvent {
	ev := lichess.GameEvent{GameState: st}
	ev.Type = "gameState"
	return ev
}

func runningState(moves string) lichess.GameState {
	return lichess.GameState{
		Moves: moves, Status: "started",
		Wtime: 180000, Btime: 180000, Winc: 2000, Binc: 2000,
	}
}

func TestSessionPlaysBookMoveAsWhite(t *testing.T) {
	book := &fakeBook{
		entries: []explorer.BookEntry{{UCI: "e2e4", SAN: "e4", White: 9000, Black: 4000}},
		source:  explorer.SourceGeneral,
	}
	h := newSessionHarness(t, book, &fakeSearcher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.start(ctx)

	init := runningState("")
	h.events <- gameFullEvent("bookbot", "rival", &init)

	waitFor(t, func() bool { return len(h.api.byMethod("move")) == 1 })
	mv := h.api.byMethod("move")[0]
	if mv.args[1] != "e2e4" || mv.args[2] != "nodraw" {
		t.Fatalf("submitted %v", mv.args)
	}
	if chats := h.api.byMethod("chat"); len(chats) == 0 || !strings.Contains(chats[0].args[2], "book moves") {
		t.Fatalf("greeting not sent: %v", chats)
	}
	if h.sess.State() != StateActive {
		t.Fatalf("state = %v, want active", h.sess.State())
	}

	// The confirming gameState carries our own move; no new submission.
	h.events <- stateEvent(runningState("e2e4"))
	time.Sleep(50 * time.Millisecond)
	if n := len(h.api.byMethod("move")); n != 1 {
		t.Fatalf("moved on own confirmation, %d submissions", n)
	}

	cancel()
	h.wait(t)
}

func TestSessionEndsOnServerMate(t *testing.T) {
	h := newSessionHarness(t, &fakeBook{}, &fakeSearcher{result: uci.Result{BestMove: "e7e5"}})

	ctx := context.Background()
	h.start(ctx)

	init := runningState("e2e4")
	h.events <- gameFullEvent("rival", "bookbot", &init)
	waitFor(t, func() bool { return len(h.api.byMethod("move")) == 1 })

	final := runningState("e2e4 e7e5 f1c4 b8c6 d1h5 g8f6 h5f7")
	final.Status = "mate"
	final.Winner = "white"
	h.events <- stateEvent(final)

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.sess.State() != StateEnded {
		t.Fatalf("state = %v, want ended", h.sess.State())
	}
	if h.sess.EndReason() != "mate" {
		t.Fatalf("end reason = %q", h.sess.EndReason())
	}
	if len(h.api.byMethod("resign")) != 0 {
		t.Fatalf("resigned a game the server already ended")
	}
}

func TestSessionResignsOnEngineFailure(t *testing.T) {
	engine := &fakeSearcher{err: uci.ErrEngineTimeout}
	h := newSessionHarness(t, &fakeBook{err: uci.ErrEngineUnavailable}, engine)

	h.start(context.Background())
	init := runningState("")
	h.events <- gameFullEvent("bookbot", "rival", &init)

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.api.byMethod("resign")) != 1 {
		t.Fatalf("expected one resignation, calls: %v", h.api.calls)
	}
	var sawNotice bool
	for _, c := range h.api.byMethod("chat") {
		if strings.Contains(c.args[2], "engine") {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Fatalf("no engine-failure notice in chat")
	}
	if h.sess.EndReason() != "engine_failure" {
		t.Fatalf("end reason = %q", h.sess.EndReason())
	}
}

func TestSessionCancelResigns(t *testing.T) {
	book := &fakeBook{
		entries: []explorer.BookEntry{{UCI: "g1f3", White: 9000}},
		source:  explorer.SourceGeneral,
	}
	h := newSessionHarness(t, book, &fakeSearcher{})

	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)

	init := runningState("e2e4 e7e5")
	h.events <- gameFullEvent("bookbot", "rival", &init)
	waitFor(t, func() bool { return len(h.api.byMethod("move")) == 1 })

	cancel()
	if err := h.wait(t); err != context.Canceled {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if h.sess.State() != StateEnded {
		t.Fatalf("state = %v, want ended", h.sess.State())
	}
	if len(h.api.byMethod("resign")) != 1 {
		t.Fatalf("cancellation must resign an in-progress game: %v", h.api.calls)
	}
}

func TestSessionChatCommands(t *testing.T) {
	book := &fakeBook{
		entries: []explorer.BookEntry{{UCI: "e7e5", Black: 5000}},
		source:  explorer.SourceGeneral,
	}
	h := newSessionHarness(t, book, &fakeSearcher{})
	h.api.ratings = map[string]int{"magnus": 2850}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.start(ctx)

	init := runningState("")
	h.events <- gameFullEvent("rival", "bookbot", &init)

	chat := func(text string) {
		ev := lichess.GameEvent{Username: "rival", Text: text, Room: "player"}
		ev.Type = "chatLine"
		h.events <- ev
	}

	chat("!setplayer magnus")
	waitFor(t, func() bool { return len(h.api.byMethod("rating")) == 1 })
	waitFor(t, func() bool { return h.sess.Selector().Player() == "magnus" })

	chat("!mode")
	waitFor(t, func() bool {
		for _, c := range h.api.byMethod("chat") {
			if strings.Contains(c.args[2], "Currently using") {
				return true
			}
		}
		return false
	})

	chat("!unsetplayer")
	waitFor(t, func() bool { return h.sess.Selector().Player() == "" })

	chat("!shrug")
	waitFor(t, func() bool {
		for _, c := range h.api.byMethod("chat") {
			if strings.Contains(c.args[2], "not recognized") {
				return true
			}
		}
		return false
	})

	// Plain chatter is ignored.
	chat("good luck!")
	cancel()
	h.wait(t)
}

func TestSessionSetPlayerRejectedInRatedGame(t *testing.T) {
	h := newSessionHarness(t, &fakeBook{}, &fakeSearcher{result: uci.Result{BestMove: "e7e5"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.start(ctx)

	init := runningState("e2e4")
	full := gameFullEvent("rival", "bookbot", &init)
	full.Rated = true
	h.events <- full
	waitFor(t, func() bool { return len(h.api.byMethod("move")) == 1 })

	ev := lichess.GameEvent{Username: "rival", Text: "!setplayer magnus", Room: "player"}
	ev.Type = "chatLine"
	h.events <- ev

	waitFor(t, func() bool {
		for _, c := range h.api.byMethod("chat") {
			if strings.Contains(c.args[2], "casual") {
				return true
			}
		}
		return false
	})
	if h.sess.Selector().Player() != "" {
		t.Fatalf("player book enabled in a rated game")
	}

	cancel()
	h.wait(t)
}

func TestSessionMoveRejectedThenResync(t *testing.T) {
	book := &fakeBook{
		entries: []explorer.BookEntry{{UCI: "e2e4", White: 9000}},
		source:  explorer.SourceGeneral,
	}
	h := newSessionHarness(t, book, &fakeSearcher{})
	h.api.moveErr = lichess.ErrMoveRejected

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.start(ctx)

	init := runningState("")
	h.events <- gameFullEvent("bookbot", "rival", &init)
	waitFor(t, func() bool { return len(h.api.byMethod("move")) == 1 })
	if h.sess.State() != StateActive {
		t.Fatalf("first rejection must not end the game")
	}

	// Server repeats the state, the move is rejected again: resign.
	h.events <- stateEvent(runningState(""))
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.api.byMethod("resign")) != 1 {
		t.Fatalf("expected resignation after second rejection: %v", h.api.calls)
	}
}

func TestSessionResignsWhenSubmitKeepsFailing(t *testing.T) {
	book := &fakeBook{
		entries: []explorer.BookEntry{{UCI: "e2e4", White: 9000}},
		source:  explorer.SourceGeneral,
	}
	h := newSessionHarness(t, book, &fakeSearcher{})
	h.api.moveErr = errors.New("connection reset by peer")

	h.start(context.Background())
	init := runningState("")
	h.events <- gameFullEvent("bookbot", "rival", &init)

	// A non-rejection failure means the client's retries are spent; the
	// game must not be left to flag on the clock.
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.sess.State() != StateEnded {
		t.Fatalf("state = %v, want ended", h.sess.State())
	}
	if h.sess.EndReason() != "submit_failure" {
		t.Fatalf("end reason = %q", h.sess.EndReason())
	}
	if len(h.api.byMethod("resign")) != 1 {
		t.Fatalf("expected one resignation, calls: %v", h.api.calls)
	}
}

func TestSessionAbortsUnplayableGame(t *testing.T) {
	h := newSessionHarness(t, &fakeBook{}, &fakeSearcher{})

	h.start(context.Background())
	init := runningState("")
	ev := gameFullEvent("bookbot", "rival", &init)
	ev.Variant = lichess.Variant{Key: "atomic", Name: "Atomic"}
	h.events <- ev

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.sess.EndReason() != "unsupported" {
		t.Fatalf("end reason = %q", h.sess.EndReason())
	}
	if len(h.api.byMethod("abort")) != 1 {
		t.Fatalf("expected one abort, calls: %v", h.api.calls)
	}
	var sawNotice bool
	for _, c := range h.api.byMethod("chat") {
		if strings.Contains(c.args[2], "cannot play") {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Fatalf("no abort notice in chat: %v", h.api.calls)
	}
}

func TestSessionStreamFailureEndsRun(t *testing.T) {
	h := newSessionHarness(t, &fakeBook{}, &fakeSearcher{result: uci.Result{BestMove: "e7e5"}})

	h.start(context.Background())
	init := runningState("e2e4")
	h.events <- gameFullEvent("rival", "bookbot", &init)
	waitFor(t, func() bool { return len(h.api.byMethod("move")) == 1 })

	h.streamErr <- lichess.ErrStreamDisconnected
	if err := h.wait(t); err != lichess.ErrStreamDisconnected {
		t.Fatalf("Run = %v, want stream error", err)
	}
	if h.sess.State() != StateEnded {
		t.Fatalf("state = %v, want ended", h.sess.State())
	}
}

func TestSessionAcceptsDrawWhenDead(t *testing.T) {
	book := &fakeBook{
		entries: []explorer.BookEntry{{UCI: "e2e4", White: 9000}},
		source:  explorer.SourceGeneral,
	}
	h := newSessionHarness(t, book, &fakeSearcher{})
	h.sess.cfg.Draw = config.DrawPolicy{Enabled: true, ScoreCP: 10, Consecutive: 1, MinFullMove: 0}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.start(ctx)

	init := runningState("")
	h.events <- gameFullEvent("bookbot", "rival", &init)
	waitFor(t, func() bool { return len(h.api.byMethod("move")) == 1 })

	// Book moves count as score 0, so one even reading is on file.
	st := runningState("e2e4 e7e5")
	st.Bdraw = true
	h.events <- stateEvent(st)

	waitFor(t, func() bool {
		draws := h.api.byMethod("draw")
		return len(draws) == 1 && draws[0].args[1] == "yes"
	})

	cancel()
	h.wait(t)
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
