package uci

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

const fakeEngineScript = `#!/bin/sh
while read line; do
  case "$line" in
    uci)
      echo "id name fakefish"
      echo "uciok"
      ;;
    isready)
      echo "readyok"
      ;;
    go*)
      echo "info depth 10 score cp 31 pv e2e4 e7e5"
      echo "bestmove e2e4 ponder e7e5"
      ;;
    quit)
      exit 0
      ;;
  esac
done
`

const dyingEngineScript = `#!/bin/sh
while read line; do
  case "$line" in
    uci)
      echo "uciok"
      ;;
    isready)
      echo "readyok"
      ;;
    go*)
      exit 1
      ;;
  esac
done
`

const silentEngineScript = `#!/bin/sh
while read line; do
  case "$line" in
    uci)
      echo "uciok"
      ;;
    isready)
      echo "readyok"
      ;;
    quit)
      exit 0
      ;;
  esac
done
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine script requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fakefish")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestStartSearchClose(t *testing.T) {
	eng, err := Start(context.Background(), Config{BinaryPath: writeScript(t, fakeEngineScript)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Close()

	res, err := eng.Search(context.Background(), "", []string{"d2d4", "d7d5"}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.BestMove != "e2e4" {
		t.Errorf("best move = %q", res.BestMove)
	}
	if !res.HasEval || res.EvalCP != 31 {
		t.Errorf("eval = %+v", res)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	// Close is idempotent.
	if err := eng.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSearchTimeout(t *testing.T) {
	eng, err := Start(context.Background(), Config{BinaryPath: writeScript(t, silentEngineScript)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Close()

	// The fake engine never answers "go"; the search must give up after
	// budget plus grace instead of blocking.
	_, err = eng.Search(context.Background(), "", nil, 10*time.Millisecond)
	if !errors.Is(err, ErrEngineTimeout) {
		t.Fatalf("err = %v, want ErrEngineTimeout", err)
	}
}

func TestSearchEngineDiesMidSearch(t *testing.T) {
	eng, err := Start(context.Background(), Config{BinaryPath: writeScript(t, dyingEngineScript)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Close()

	// The process exits on "go": the search must report a protocol error
	// instead of waiting out the budget.
	_, err = eng.Search(context.Background(), "", nil, 5*time.Second)
	if !errors.Is(err, ErrEngineProtocol) {
		t.Fatalf("err = %v, want ErrEngineProtocol", err)
	}
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(context.Background(), Config{BinaryPath: filepath.Join(t.TempDir(), "nope")})
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("err = %v, want ErrEngineUnavailable", err)
	}
	if err := Available(""); !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("Available(\"\") = %v", err)
	}
}

func TestBuildPositionCommand(t *testing.T) {
	if got := buildPositionCommand("", nil); got != "position startpos\n" {
		t.Errorf("got %q", got)
	}
	if got := buildPositionCommand("startpos", []string{"e2e4", "c7c5"}); got != "position startpos moves e2e4 c7c5\n" {
		t.Errorf("got %q", got)
	}
	fen := "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	if got := buildPositionCommand(fen, []string{"e2e4"}); got != "position fen "+fen+" moves e2e4\n" {
		t.Errorf("got %q", got)
	}
}

func TestParseInfo(t *testing.T) {
	r, ok := parseInfo("info depth 22 seldepth 30 multipv 1 score cp -45 nodes 1000 pv g8f6 b1c3")
	if !ok || r.EvalCP != -45 || !r.HasEval {
		t.Fatalf("parseInfo = %+v ok=%v", r, ok)
	}
	if len(r.Principal) != 2 || r.Principal[0] != "g8f6" {
		t.Errorf("pv = %v", r.Principal)
	}

	r, ok = parseInfo("info depth 12 score mate -3 pv h7h8q")
	if !ok || r.EvalCP != -mateScore {
		t.Errorf("mate parse = %+v ok=%v", r, ok)
	}

	if _, ok := parseInfo("info string currmove d2d4"); ok {
		t.Error("info without pv should not parse")
	}
}
