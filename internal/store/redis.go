// Package store persists live-game snapshots in Redis so a restarted
// process knows which games it was playing and can rejoin their streams.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/karwin/bookline-bot/internal/game"
)

// Snapshots expire on their own so a crashed process never leaves stale
// game keys behind forever.
const ttlSnapshot = 24 * time.Hour

type Store struct{ rdb *redis.Client }

// Open connects to redisURL and verifies the connection with a ping.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url required for snapshot store")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewStore wraps an existing client; tests pass a miniredis-backed one.
func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *Store) keyGame(gameID string) string { return "game:" + strings.TrimSpace(gameID) }
func (s *Store) keyActive() string            { return "game:index:active" }

// SaveSnapshot upserts a game snapshot and tracks its id in the active set.
func (s *Store) SaveSnapshot(ctx context.Context, snap game.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.keyGame(snap.GameID), raw, ttlSnapshot).Err(); err != nil {
		return err
	}
	if err := s.rdb.SAdd(ctx, s.keyActive(), snap.GameID).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, s.keyActive(), ttlSnapshot).Err()
}

// LoadSnapshot returns nil without error when no snapshot exists.
func (s *Store) LoadSnapshot(ctx context.Context, gameID string) (*game.Snapshot, error) {
	raw, err := s.rdb.Get(ctx, s.keyGame(gameID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap game.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteSnapshot drops a finished game from the store and the active set.
func (s *Store) DeleteSnapshot(ctx context.Context, gameID string) error {
	if err := s.rdb.Del(ctx, s.keyGame(gameID)).Err(); err != nil {
		return err
	}
	return s.rdb.SRem(ctx, s.keyActive(), gameID).Err()
}

// ActiveGameIDs lists games with a live snapshot. IDs whose snapshot has
// expired are pruned from the index as a side effect.
func (s *Store) ActiveGameIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyActive()).Result()
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		snap, err := s.LoadSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			_ = s.rdb.SRem(ctx, s.keyActive(), id).Err()
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
