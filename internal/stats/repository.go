// Package stats archives finished games in Postgres. Persistence is
// optional; the bot plays fine without a database.
package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/karwin/bookline-bot/internal/game"
)

type Repository struct {
	db         *sql.DB
	instanceID string
}

// NewRepository opens the database, verifies connectivity, and ensures
// the games table exists. instanceID tags rows with the bot run that
// produced them.
func NewRepository(databaseURL, instanceID string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	r := &Repository{db: db, instanceID: instanceID}
	if err := r.migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS bot_games (
		game_id      TEXT PRIMARY KEY,
		instance_id  TEXT NOT NULL,
		variant      TEXT NOT NULL,
		opponent     TEXT NOT NULL,
		color        TEXT NOT NULL,
		rated        BOOLEAN NOT NULL,
		status       TEXT NOT NULL,
		winner       TEXT NOT NULL DEFAULT '',
		result       TEXT NOT NULL,
		moves_uci    TEXT NOT NULL,
		move_count   INTEGER NOT NULL,
		started_at   TIMESTAMPTZ NOT NULL,
		ended_at     TIMESTAMPTZ NOT NULL,
		duration_ms  BIGINT NOT NULL
	)`
	_, err := r.db.ExecContext(ctx, q)
	return err
}

// SaveResult upserts a finished game. Reconnect races can report the same
// game twice; the last write wins.
func (r *Repository) SaveResult(ctx context.Context, rec game.ResultRecord) error {
	if r == nil || r.db == nil {
		return nil
	}

	movesRaw, _ := json.Marshal(rec.Moves)
	duration := rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO bot_games (
		game_id, instance_id, variant, opponent, color, rated,
		status, winner, result, moves_uci, move_count,
		started_at, ended_at, duration_ms
	  ) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	  ) ON CONFLICT (game_id) DO UPDATE SET
		status=EXCLUDED.status,
		winner=EXCLUDED.winner,
		result=EXCLUDED.result,
		moves_uci=EXCLUDED.moves_uci,
		move_count=EXCLUDED.move_count,
		ended_at=EXCLUDED.ended_at,
		duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		rec.GameID, r.instanceID, rec.Variant, rec.Opponent, rec.Color, rec.Rated,
		rec.Status, rec.Winner, resultToken(rec), string(movesRaw), len(rec.Moves),
		rec.StartedAt, rec.EndedAt, duration,
	)
	return err
}

// resultToken maps a finished game to its PGN result string from the
// server's point of view.
func resultToken(rec game.ResultRecord) string {
	switch strings.ToLower(rec.Winner) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	}
	switch rec.Status {
	case "draw", "stalemate":
		return "1/2-1/2"
	default:
		return "*"
	}
}
