package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/factorscreen/internal/contracts"
)

// Schema creates the execution archive table
const Schema = `
CREATE SCHEMA IF NOT EXISTS screener;
CREATE TABLE IF NOT EXISTS screener.executions (
	execution_id     TEXT PRIMARY KEY,
	strategy_id      TEXT NOT NULL,
	status           TEXT NOT NULL,
	overall_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message    TEXT,
	cancel_reason    TEXT,
	stages           JSONB NOT NULL,
	logs             JSONB NOT NULL,
	result           JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_executions_strategy ON screener.executions (strategy_id, created_at DESC);
`

// Repository archives terminal execution records
// ⭐ SSOT: 실행 이력 저장/조회는 여기서만
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new execution repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Save upserts a snapshot; it implements Archive
func (r *Repository) Save(ctx context.Context, snap *Snapshot) error {
	stages, err := json.Marshal(snap.Stages)
	if err != nil {
		return fmt.Errorf("failed to encode stages: %w", err)
	}
	logs, err := json.Marshal(snap.Logs)
	if err != nil {
		return fmt.Errorf("failed to encode logs: %w", err)
	}
	var result []byte
	if snap.Result != nil {
		if result, err = json.Marshal(snap.Result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	}

	query := `
		INSERT INTO screener.executions (
			execution_id, strategy_id, status, overall_progress, error_message, cancel_reason,
			stages, logs, result, created_at, started_at, ended_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11, $12)
		ON CONFLICT (execution_id) DO UPDATE SET
			status = EXCLUDED.status,
			overall_progress = EXCLUDED.overall_progress,
			error_message = EXCLUDED.error_message,
			cancel_reason = EXCLUDED.cancel_reason,
			stages = EXCLUDED.stages,
			logs = EXCLUDED.logs,
			result = EXCLUDED.result,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at
	`

	_, err = r.pool.Exec(ctx, query,
		snap.ID, snap.StrategyID, string(snap.Status), snap.OverallProgress, snap.Error, snap.CancelReason,
		stages, logs, result, snap.CreatedAt, snap.StartedAt, snap.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", snap.ID, err)
	}

	return nil
}

// Get loads an archived snapshot
func (r *Repository) Get(ctx context.Context, id string) (*Snapshot, error) {
	query := `
		SELECT execution_id, strategy_id, status, overall_progress,
		       COALESCE(error_message, ''), COALESCE(cancel_reason, ''),
		       stages, logs, result, created_at, started_at, ended_at
		FROM screener.executions
		WHERE execution_id = $1
	`

	var (
		snap                 Snapshot
		status               string
		stages, logs, result []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&snap.ID, &snap.StrategyID, &status, &snap.OverallProgress,
		&snap.Error, &snap.CancelReason,
		&stages, &logs, &result, &snap.CreatedAt, &snap.StartedAt, &snap.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}

	snap.Status = Status(status)
	if err := json.Unmarshal(stages, &snap.Stages); err != nil {
		return nil, fmt.Errorf("failed to decode stages: %w", err)
	}
	if err := json.Unmarshal(logs, &snap.Logs); err != nil {
		return nil, fmt.Errorf("failed to decode logs: %w", err)
	}
	if len(result) > 0 {
		snap.Result = &Result{}
		if err := json.Unmarshal(result, snap.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}

	return &snap, nil
}

// ListByStrategy returns the most recent archived executions of a strategy,
// without logs
func (r *Repository) ListByStrategy(ctx context.Context, strategyID string, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT execution_id, strategy_id, status, overall_progress,
		       COALESCE(error_message, ''), created_at, ended_at
		FROM screener.executions
		WHERE strategy_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var (
			snap   Snapshot
			status string
		)
		if err := rows.Scan(&snap.ID, &snap.StrategyID, &status, &snap.OverallProgress,
			&snap.Error, &snap.CreatedAt, &snap.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		snap.Status = Status(status)
		out = append(out, &snap)
	}

	return out, rows.Err()
}
