package lichess

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/karwin/bookline-bot/internal/obslog"
)

// ErrStreamDisconnected is delivered on the error channel once the
// reconnect budget for a stream is exhausted.
var ErrStreamDisconnected = errors.New("lichess: stream disconnected")

// StreamEvents opens the account-wide event stream. Events arrive on the
// returned channel; it is closed after a terminal failure, with the cause
// on the error channel. Reconnects are bounded and use exponential backoff.
// Lichess resends state snapshots after reconnect, so no cursor is kept.
func (c *Client) StreamEvents(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		errCh <- c.runStream(ctx, "/api/stream/event", func(line []byte) {
			ev, err := decodeEvent(line)
			if err != nil {
				obslog.L().Warn("skip malformed account event", zap.Error(err))
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return out, errCh
}

// StreamGame opens the per-game event stream for gameID.
func (c *Client) StreamGame(ctx context.Context, gameID string) (<-chan GameEvent, <-chan error) {
	out := make(chan GameEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		errCh <- c.runStream(ctx, "/api/bot/game/stream/"+gameID, func(line []byte) {
			ev, err := decodeGameEvent(line)
			if err != nil {
				obslog.L().Warn("skip malformed game event",
					zap.String("game_id", gameID), zap.Error(err))
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return out, errCh
}

// runStream drives one logical stream across reconnects. deliver is called
// for every non-empty line; empty lines are the server's keepalives and
// only reset the idle watchdog.
func (c *Client) runStream(ctx context.Context, path string, deliver func([]byte)) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delivered, err := c.streamOnce(ctx, path, deliver)
		if err != nil && ctx.Err() == nil {
			obslog.L().Warn("stream interrupted",
				zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A connection that produced events earns a fresh reconnect budget.
		if delivered {
			attempt = 0
		}
		attempt++
		if attempt > c.streamRetryMax {
			return fmt.Errorf("%w: %s after %d attempts", ErrStreamDisconnected, path, c.streamRetryMax)
		}
		if err := sleepWithContext(ctx, backoffDuration(attempt)); err != nil {
			return err
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, path string, deliver func([]byte)) (delivered bool, err error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		_ = resp.CloseBodyStream()
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", "application/x-ndjson")
	c.authorize(req)

	if err := c.streamHTTP.Do(req, resp); err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	if status := resp.StatusCode(); status != fasthttp.StatusOK {
		return false, fmt.Errorf("open stream: status=%d", status)
	}

	body := resp.BodyStream()
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	// quit releases the reader on every exit path, including the idle
	// watchdog, where ctx is still live.
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadBytes('\n')
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				cp := make([]byte, len(trimmed))
				copy(cp, trimmed)
				select {
				case lines <- cp:
				case <-quit:
					return
				}
			} else if err == nil {
				// Keepalive newline.
				select {
				case lines <- nil:
				case <-quit:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	idle := time.NewTimer(c.streamIdleLimit)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case <-idle.C:
			return delivered, errors.New("stream idle limit exceeded")
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return delivered, errors.New("stream closed by server")
			}
			return delivered, err
		case line := <-lines:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.streamIdleLimit)
			if line != nil {
				delivered = true
				deliver(line)
			}
		}
	}
}
