// internal/database/results.go
package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coffeederby/derby/internal/gameflow"
)

// EnsureSchema creates the game_results table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS game_results (
			id UUID PRIMARY KEY,
			room_code TEXT NOT NULL,
			game_id TEXT NOT NULL,
			loser_id TEXT NOT NULL,
			rankings JSONB NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure game_results schema: %w", err)
	}
	return nil
}

// InsertResults batch-inserts result records into game_results. Rankings
// are stored as JSONB; the table is append-only history.
func InsertResults(ctx context.Context, pool *pgxpool.Pool, records []gameflow.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		rankings, err := json.Marshal(rec.Rankings)
		if err != nil {
			return fmt.Errorf("marshal rankings for %s: %w", rec.ID, err)
		}
		batch.Queue(`
			INSERT INTO game_results (id, room_code, game_id, loser_id, rankings, finished_at)
			VALUES ($1, $2, $3, $4, $5, to_timestamp($6::double precision / 1000))
			ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.RoomCode, rec.GameID, rec.LoserID, rankings, rec.FinishedAt,
		)
	}

	br := pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert game_results: %w", err)
		}
	}
	return nil
}
