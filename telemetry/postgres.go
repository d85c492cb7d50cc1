package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS workflow_events (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	event TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, sequence)
)`

const insertEvent = `
INSERT INTO workflow_events (run_id, sequence, event, payload)
VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id, sequence) DO NOTHING`

// PostgresExporter persists events into a Postgres table for later
// querying and replay.
type PostgresExporter struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresExporter wraps an existing connection pool.
func NewPostgresExporter(pool *pgxpool.Pool) *PostgresExporter {
	return &PostgresExporter{pool: pool, timeout: 5 * time.Second}
}

// EnsureSchema creates the events table when missing.
func (e *PostgresExporter) EnsureSchema(ctx context.Context) error {
	_, err := e.pool.Exec(ctx, createEventsTable)
	if err != nil {
		return fmt.Errorf("telemetry: create events table: %w", err)
	}
	return nil
}

func (e *PostgresExporter) Export(event string, payload map[string]any) error {
	runID, _ := payload["run_id"].(string)
	sequence, _ := payload["sequence"].(int)
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telemetry: marshal event payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	_, err = e.pool.Exec(ctx, insertEvent, runID, sequence, event, raw)
	if err != nil {
		return fmt.Errorf("telemetry: insert event: %w", err)
	}
	return nil
}
