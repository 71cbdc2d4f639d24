package lichess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrMoveRejected marks a server refusal of a game action (stale move, not
// our turn). Recoverable: the caller re-derives state before retrying.
var ErrMoveRejected = errors.New("lichess: move rejected")

// ErrUnauthorized marks a rejected token. Fatal at startup.
var ErrUnauthorized = errors.New("lichess: unauthorized")

type Client struct {
	baseURL string
	token   string
	http    *fasthttp.Client
	// Separate client for the long-lived ndjson streams: body is consumed
	// incrementally and must not be bounded by a read timeout.
	streamHTTP *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int

	streamRetryMax  int
	streamIdleLimit time.Duration
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithStreamRetry(max int) Option {
	return func(c *Client) { c.streamRetryMax = max }
}

func WithStreamIdleLimit(d time.Duration) Option {
	return func(c *Client) { c.streamIdleLimit = d }
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		http: &fasthttp.Client{
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxConnsPerHost: 64,
		},
		streamHTTP: &fasthttp.Client{
			WriteTimeout:       10 * time.Second,
			MaxConnsPerHost:    16,
			StreamResponseBody: true,
		},
		defaultTimeout:  10 * time.Second,
		retryMax:        3,
		streamRetryMax:  8,
		streamIdleLimit: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Account fetches the authenticated account. ErrUnauthorized on a bad token.
func (c *Client) Account(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/account", nil, &acct, false); err != nil {
		return nil, err
	}
	return &acct, nil
}

// UserRating fetches a user's rating for one performance type (perf keys
// match variant keys, with "standard" games split by speed). Zero with a
// nil error means the user has no rating there.
func (c *Client) UserRating(ctx context.Context, username, perf string) (int, error) {
	var user struct {
		Perfs map[string]struct {
			Rating int `json:"rating"`
		} `json:"perfs"`
	}
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/user/"+username, nil, &user, true); err != nil {
		return 0, err
	}
	return user.Perfs[perf].Rating, nil
}

func (c *Client) AcceptChallenge(ctx context.Context, challengeID string) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/api/challenge/"+challengeID+"/accept", nil, nil, true)
}

// DeclineChallenge declines with a lichess reason key ("generic",
// "variant", "timeControl", "rated", "casual", "later").
func (c *Client) DeclineChallenge(ctx context.Context, challengeID, reason string) error {
	form := url.Values{}
	if strings.TrimSpace(reason) != "" {
		form.Set("reason", reason)
	}
	return c.doForm(ctx, "/api/challenge/"+challengeID+"/decline", form)
}

// SubmitMove plays a UCI move, optionally offering a draw on the same move.
// Safe to retry: replaying a move the server already applied comes back as a
// 400 and surfaces as ErrMoveRejected.
func (c *Client) SubmitMove(ctx context.Context, gameID, uci string, offerDraw bool) error {
	path := fmt.Sprintf("/api/bot/game/%s/move/%s", gameID, uci)
	if offerDraw {
		path += "?offeringDraw=true"
	}
	return c.doJSON(ctx, fasthttp.MethodPost, path, nil, nil, true)
}

// Chat posts a chat line to the "player" or "spectator" room.
func (c *Client) Chat(ctx context.Context, gameID, room, text string) error {
	form := url.Values{}
	form.Set("room", room)
	form.Set("text", text)
	return c.doForm(ctx, "/api/bot/game/"+gameID+"/chat", form)
}

// Draw answers (or withdraws) a draw offer.
func (c *Client) Draw(ctx context.Context, gameID string, accept bool) error {
	verdict := "no"
	if accept {
		verdict = "yes"
	}
	return c.doJSON(ctx, fasthttp.MethodPost, "/api/bot/game/"+gameID+"/draw/"+verdict, nil, nil, false)
}

func (c *Client) Resign(ctx context.Context, gameID string) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/api/bot/game/"+gameID+"/resign", nil, nil, false)
}

func (c *Client) Abort(ctx context.Context, gameID string) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/api/bot/game/"+gameID+"/abort", nil, nil, false)
}

func (c *Client) doForm(ctx context.Context, path string, form url.Values) error {
	return c.do(ctx, fasthttp.MethodPost, path, "application/x-www-form-urlencoded",
		[]byte(form.Encode()), nil, true)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, retry bool) error {
	var body []byte
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = payload
	}
	return c.do(ctx, method, path, "application/json", body, out, retry)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType(contentType)
	c.authorize(req)
	if len(body) > 0 {
		req.SetBody(body)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request %s: %w", path, err)
			if attempt == attempts {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		switch {
		case status >= 200 && status < 300:
			if out != nil {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil
		case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
			return fmt.Errorf("%w: status=%d body=%s", ErrUnauthorized, status, truncate(string(resp.Body()), 256))
		case status == fasthttp.StatusBadRequest:
			// Lichess answers 400 for stale/illegal game actions.
			return fmt.Errorf("%w: %s", ErrMoveRejected, truncate(string(resp.Body()), 256))
		default:
			lastErr = fmt.Errorf("lichess api error: path=%s status=%d body=%s", path, status, truncate(string(resp.Body()), 256))
			if attempt == attempts || !shouldRetryStatus(status) {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

func (c *Client) authorize(req *fasthttp.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 250 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}

func shouldRetryStatus(code int) bool {
	switch code {
	case fasthttp.StatusTooManyRequests,
		fasthttp.StatusInternalServerError,
		fasthttp.StatusBadGateway,
		fasthttp.StatusServiceUnavailable,
		fasthttp.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
