// Package explorer queries the lichess opening explorer for aggregate move
// statistics at a position. Results are transient: callers re-query per
// position and never cache across positions.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/karwin/bookline-bot/internal/obslog"
)

// ErrLookupUnavailable wraps every transport, timeout, and rate-limit
// failure. Always non-fatal: callers treat it as "no book data".
var ErrLookupUnavailable = errors.New("explorer: lookup unavailable")

// ratingLadder is the explorer's rating bucket ladder. Player-filtered
// lookups fall back to the general database restricted to buckets at or
// above the tracked player's rating.
var ratingLadder = []int{0, 400, 1000, 1200, 1400, 1600, 1800, 2000, 2200, 2500}

// BookEntry is one candidate move with its aggregate game counts.
type BookEntry struct {
	UCI   string `json:"uci"`
	SAN   string `json:"san"`
	White int    `json:"white"`
	Draws int    `json:"draws"`
	Black int    `json:"black"`
}

// Total is the number of games in which the move was played.
func (e BookEntry) Total() int { return e.White + e.Draws + e.Black }

// Query identifies a position, optionally filtered to one player's games.
type Query struct {
	FEN     string
	Variant string

	// Player filter. When set, the per-player database is consulted first;
	// Color and Rating steer the fallback to the general database.
	Player string
	Color  string
	Rating int
}

// Source reports which database answered a query.
type Source string

const (
	SourcePlayer  Source = "player opening explorer"
	SourceGeneral Source = "general opening explorer"
)

type Client struct {
	baseURL string
	http    *fasthttp.Client
	timeout time.Duration
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &fasthttp.Client{
			ReadTimeout:     8 * time.Second,
			WriteTimeout:    8 * time.Second,
			MaxConnsPerHost: 8,
		},
		timeout: 8 * time.Second,
	}
}

// Query returns candidates sorted by descending total game count. An empty
// slice means the position is unknown to the database; that is not an error.
func (c *Client) Query(ctx context.Context, q Query) ([]BookEntry, Source, error) {
	if q.Player != "" {
		entries, err := c.fetch(ctx, "/player", playerParams(q))
		if err != nil {
			return nil, "", err
		}
		if len(entries) > 0 {
			return entries, SourcePlayer, nil
		}
		// No games by this player here: general database, at or above the
		// player's rating so the statistics stay representative.
		entries, err = c.fetch(ctx, "/lichess", generalParams(q, ladderAtOrAbove(q.Rating)))
		if err != nil {
			return nil, "", err
		}
		return entries, SourceGeneral, nil
	}

	entries, err := c.fetch(ctx, "/lichess", generalParams(q, nil))
	if err != nil {
		return nil, "", err
	}
	return entries, SourceGeneral, nil
}

func playerParams(q Query) url.Values {
	v := url.Values{}
	v.Set("player", q.Player)
	v.Set("color", q.Color)
	v.Set("fen", q.FEN)
	v.Set("variant", q.Variant)
	v.Set("moves", "100")
	v.Set("recentGames", "0")
	return v
}

func generalParams(q Query, ratings []int) url.Values {
	v := url.Values{}
	v.Set("fen", q.FEN)
	v.Set("variant", q.Variant)
	v.Set("moves", "100")
	v.Set("topGames", "0")
	v.Set("recentGames", "0")
	if len(ratings) > 0 {
		parts := make([]string, 0, len(ratings))
		for _, r := range ratings {
			parts = append(parts, strconv.Itoa(r))
		}
		v.Set("ratings", strings.Join(parts, ","))
	}
	return v
}

func ladderAtOrAbove(rating int) []int {
	var out []int
	for _, r := range ratingLadder {
		if r >= rating {
			out = append(out, r)
		}
	}
	return out
}

func (c *Client) fetch(ctx context.Context, path string, params url.Values) ([]BookEntry, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + path + "?" + params.Encode())

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
	}
	if status := resp.StatusCode(); status != fasthttp.StatusOK {
		if status == fasthttp.StatusTooManyRequests {
			obslog.L().Warn("explorer rate limited", zap.String("path", path))
		}
		return nil, fmt.Errorf("%w: status=%d", ErrLookupUnavailable, status)
	}

	entries, err := decodeMoves(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
	}
	return entries, nil
}

func decodeMoves(body []byte) ([]BookEntry, error) {
	var payload struct {
		Moves []BookEntry `json:"moves"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	entries := payload.Moves
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Total() > entries[j].Total()
	})
	return entries, nil
}
