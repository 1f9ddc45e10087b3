package strategystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/internal/factor"
)

// Schema creates the strategy tables
const Schema = `
CREATE SCHEMA IF NOT EXISTS screener;
CREATE TABLE IF NOT EXISTS screener.strategies (
	strategy_id TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	scoring     JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS screener.strategy_factors (
	strategy_id     TEXT NOT NULL REFERENCES screener.strategies (strategy_id) ON DELETE CASCADE,
	factor_id       TEXT NOT NULL,
	position        INT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	weight          DOUBLE PRECISION NOT NULL,
	enabled         BOOLEAN NOT NULL DEFAULT TRUE,
	kind            TEXT NOT NULL,
	field           TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL DEFAULT '',
	params          JSONB,
	required_fields TEXT[],
	lookback_days   INT NOT NULL DEFAULT 0,
	PRIMARY KEY (strategy_id, factor_id)
);
`

// PostgresStore loads strategies from the screener schema
type PostgresStore struct {
	pool *pgxpool.Pool
	lib  *factor.Library
}

// NewPostgresStore creates a database-backed store
func NewPostgresStore(pool *pgxpool.Pool, lib *factor.Library) *PostgresStore {
	if lib == nil {
		lib = factor.NewLibrary()
	}
	return &PostgresStore{pool: pool, lib: lib}
}

// Load reads, binds and validates one strategy
func (p *PostgresStore) Load(ctx context.Context, id string) (*contracts.Strategy, error) {
	var (
		s       contracts.Strategy
		scoring []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT strategy_id, name, scoring
		FROM screener.strategies
		WHERE strategy_id = $1
	`, id).Scan(&s.ID, &s.Name, &scoring)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("strategy %s: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy %s: %w", id, err)
	}
	if err := json.Unmarshal(scoring, &s.Scoring); err != nil {
		return nil, fmt.Errorf("failed to decode scoring for %s: %w", id, err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT factor_id, name, weight, enabled, kind, field, body, params, required_fields, lookback_days
		FROM screener.strategy_factors
		WHERE strategy_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load factors for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f      contracts.FactorDescriptor
			params []byte
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.Weight, &f.Enabled, &f.Kind, &f.Field, &f.Body,
			&params, &f.RequiredFields, &f.LookbackDays); err != nil {
			return nil, fmt.Errorf("failed to scan factor: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &f.Params); err != nil {
				return nil, fmt.Errorf("failed to decode params of %s: %w", f.ID, err)
			}
		}
		s.Factors = append(s.Factors, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := Bind(p.lib, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save replaces a strategy and its factor list in one transaction
func (p *PostgresStore) Save(ctx context.Context, s *contracts.Strategy) error {
	scoring, err := json.Marshal(s.Scoring)
	if err != nil {
		return fmt.Errorf("failed to encode scoring: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO screener.strategies (strategy_id, name, scoring, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (strategy_id) DO UPDATE SET
			name = EXCLUDED.name,
			scoring = EXCLUDED.scoring,
			updated_at = EXCLUDED.updated_at
	`, s.ID, s.Name, scoring, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save strategy %s: %w", s.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM screener.strategy_factors WHERE strategy_id = $1`, s.ID); err != nil {
		return fmt.Errorf("failed to clear factors of %s: %w", s.ID, err)
	}

	for i, f := range s.Factors {
		var params []byte
		if len(f.Params) > 0 {
			if params, err = json.Marshal(f.Params); err != nil {
				return fmt.Errorf("failed to encode params of %s: %w", f.ID, err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO screener.strategy_factors (
				strategy_id, factor_id, position, name, weight, enabled, kind, field, body,
				params, required_fields, lookback_days
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, s.ID, f.ID, i, f.Name, f.Weight, f.Enabled, f.Kind, f.Field, f.Body,
			params, f.RequiredFields, f.LookbackDays)
		if err != nil {
			return fmt.Errorf("failed to save factor %s: %w", f.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// List returns every stored strategy id
func (p *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT strategy_id FROM screener.strategies ORDER BY strategy_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan strategy id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
