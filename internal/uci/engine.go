// Package uci manages one long-lived UCI engine subprocess per game
// session. The line protocol is stateful and blocking, so the process is
// wrapped in a request/response handle with guaranteed termination.
package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrEngineUnavailable: binary missing or process died during startup.
	ErrEngineUnavailable = errors.New("uci: engine unavailable")
	// ErrEngineTimeout: no bestmove within the budget plus grace period.
	ErrEngineTimeout = errors.New("uci: engine timeout")
	// ErrEngineProtocol: unparseable output, or the process died mid-search.
	ErrEngineProtocol = errors.New("uci: engine protocol error")
)

const (
	handshakeTimeout = 15 * time.Second
	// searchGrace is added on top of the caller's budget before a search is
	// declared hung. Engines routinely overshoot movetime by a few dozen ms.
	searchGrace = 2 * time.Second

	mateScore = 30000
)

// Config describes one engine process. Variant selects the rule set via
// the UCI_Variant option (fairy-stockfish convention); empty or "standard"
// leaves the engine in normal chess mode.
type Config struct {
	BinaryPath     string
	Variant        string
	Threads        int
	HashMB         int
	MoveOverheadMS int
}

// Result is the engine's answer to a timed search.
type Result struct {
	BestMove  string
	EvalCP    int  // centipawns from the side to move; mate mapped to ±mateScore
	HasEval   bool
	Principal []string
}

// Engine owns a running subprocess. Not safe for concurrent searches; each
// game session owns exactly one Engine.
type Engine struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// lines carries the engine's stdout, one trimmed line each. A single
	// reader goroutine owns the pipe; readErr is set before lines closes.
	lines   chan string
	readErr error

	writeMu  sync.Mutex
	searchMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Available checks the engine binary without starting it. Used for the
// fatal startup check: a missing binary halts the process.
func Available(binaryPath string) error {
	if strings.TrimSpace(binaryPath) == "" {
		return fmt.Errorf("%w: empty binary path", ErrEngineUnavailable)
	}
	if _, err := os.Stat(binaryPath); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// Start launches and initializes the subprocess: uci handshake, options,
// readiness probe. The context bounds startup only; the process itself
// lives until Close.
func Start(ctx context.Context, cfg Config) (*Engine, error) {
	if err := Available(cfg.BinaryPath); err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.BinaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrEngineUnavailable, err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrEngineUnavailable, err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("%w: start: %v", ErrEngineUnavailable, err)
	}

	e := &Engine{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 64),
	}
	go e.readLoop(stdoutPipe)
	if err := e.initialize(ctx, cfg); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) initialize(ctx context.Context, cfg Config) error {
	initCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := e.send("uci\n"); err != nil {
		return fmt.Errorf("%w: send uci: %v", ErrEngineUnavailable, err)
	}
	if err := e.awaitToken(initCtx, "uciok"); err != nil {
		return fmt.Errorf("%w: wait uciok: %v", ErrEngineUnavailable, err)
	}

	if err := e.applyOptions(cfg); err != nil {
		return err
	}

	if err := e.send("isready\n"); err != nil {
		return fmt.Errorf("%w: send isready: %v", ErrEngineUnavailable, err)
	}
	if err := e.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("%w: wait readyok: %v", ErrEngineUnavailable, err)
	}
	return nil
}

func (e *Engine) applyOptions(cfg Config) error {
	threads := cfg.Threads
	if threads <= 0 {
		threads = 1
	}
	hash := cfg.HashMB
	if hash <= 0 {
		hash = 64
	}
	overhead := cfg.MoveOverheadMS
	if overhead <= 0 {
		overhead = 100
	}
	cmds := []string{
		fmt.Sprintf("setoption name Threads value %d\n", threads),
		fmt.Sprintf("setoption name Hash value %d\n", hash),
		fmt.Sprintf("setoption name Move Overhead value %d\n", overhead),
	}
	if v := strings.TrimSpace(cfg.Variant); v != "" && !strings.EqualFold(v, "standard") {
		cmds = append(cmds, fmt.Sprintf("setoption name UCI_Variant value %s\n", v))
	}
	for _, cmd := range cmds {
		if err := e.send(cmd); err != nil {
			return fmt.Errorf("%w: apply options: %v", ErrEngineUnavailable, err)
		}
	}
	return nil
}

// NewGame resets engine state between games.
func (e *Engine) NewGame(ctx context.Context) error {
	if err := e.send("ucinewgame\n"); err != nil {
		return fmt.Errorf("%w: send ucinewgame: %v", ErrEngineProtocol, err)
	}
	readyCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := e.send("isready\n"); err != nil {
		return fmt.Errorf("%w: send isready: %v", ErrEngineProtocol, err)
	}
	if err := e.awaitToken(readyCtx, "readyok"); err != nil {
		return fmt.Errorf("%w: wait readyok: %v", ErrEngineProtocol, err)
	}
	return nil
}

// Search sets the position (move history from the initial position, or a
// FEN for non-standard starts) and runs a timed search. Blocks until the
// engine reports a best move or budget+grace elapses.
func (e *Engine) Search(ctx context.Context, initialFEN string, moves []string, budget time.Duration) (Result, error) {
	e.searchMu.Lock()
	defer e.searchMu.Unlock()

	if budget <= 0 {
		budget = 100 * time.Millisecond
	}

	if err := e.send(buildPositionCommand(initialFEN, moves)); err != nil {
		return Result{}, fmt.Errorf("%w: send position: %v", ErrEngineProtocol, err)
	}
	goCmd := fmt.Sprintf("go movetime %d\n", budget.Milliseconds())
	if err := e.send(goCmd); err != nil {
		return Result{}, fmt.Errorf("%w: send go: %v", ErrEngineProtocol, err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, budget+searchGrace)
	defer cancel()

	var latest Result
	for {
		line, err := e.readLine(searchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				// Interrupt and swallow the late bestmove so the next
				// search starts from a clean stream.
				_ = e.send("stop\n")
				e.drainBestmove()
				return Result{}, fmt.Errorf("%w: no bestmove within %s", ErrEngineTimeout, budget+searchGrace)
			}
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, fmt.Errorf("%w: read: %v", ErrEngineProtocol, err)
		}
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "info "):
			if r, ok := parseInfo(line); ok {
				latest = r
			}
		case strings.HasPrefix(line, "bestmove"):
			parts := strings.Fields(line)
			if len(parts) < 2 || parts[1] == "(none)" {
				return Result{}, fmt.Errorf("%w: %q", ErrEngineProtocol, line)
			}
			latest.BestMove = parts[1]
			return latest, nil
		}
	}
}

// Close terminates the subprocess and reclaims its pipes. Safe to call on
// every exit path, repeatedly.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.stdin != nil {
			_, _ = io.WriteString(e.stdin, "quit\n")
			e.stdin.Close()
		}
		if e.cmd != nil && e.cmd.Process != nil {
			done := make(chan error, 1)
			go func() { done <- e.cmd.Wait() }()
			select {
			case e.closeErr = <-done:
			case <-time.After(2 * time.Second):
				_ = e.cmd.Process.Kill()
				e.closeErr = <-done
			}
		}
	})
	return e.closeErr
}

func buildPositionCommand(initialFEN string, moves []string) string {
	var sb strings.Builder
	if fen := strings.TrimSpace(initialFEN); fen == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

// parseInfo extracts score and principal variation from an info line.
func parseInfo(line string) (Result, bool) {
	parts := strings.Fields(line)
	var (
		r     Result
		pvIdx = -1
	)
	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "score":
			if i+2 < len(parts) {
				val := parts[i+2]
				switch parts[i+1] {
				case "cp":
					if v, err := strconv.Atoi(val); err == nil {
						r.EvalCP = v
						r.HasEval = true
					}
				case "mate":
					if v, err := strconv.Atoi(val); err == nil {
						if v >= 0 {
							r.EvalCP = mateScore
						} else {
							r.EvalCP = -mateScore
						}
						r.HasEval = true
					}
				}
				i += 2
			}
		case "pv":
			pvIdx = i + 1
			i = len(parts)
		}
	}
	if pvIdx == -1 || pvIdx >= len(parts) {
		return Result{}, false
	}
	r.Principal = append([]string(nil), parts[pvIdx:]...)
	return r, true
}

func (e *Engine) send(msg string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_, err := io.WriteString(e.stdin, msg)
	return err
}

func (e *Engine) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := e.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (e *Engine) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		e.lines <- strings.TrimSpace(sc.Text())
	}
	if err := sc.Err(); err != nil {
		e.readErr = err
	} else {
		e.readErr = io.EOF
	}
	close(e.lines)
}

func (e *Engine) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-e.lines:
		if !ok {
			return "", e.readErr
		}
		return line, nil
	}
}

// drainBestmove consumes the tail of an interrupted search. Bounded so a
// dead engine cannot wedge the caller.
func (e *Engine) drainBestmove() {
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case line, ok := <-e.lines:
			if !ok {
				return
			}
			if strings.HasPrefix(line, "bestmove") {
				return
			}
		case <-deadline:
			return
		}
	}
}
