// Package sqlite persists durable spend and health rollup snapshots backed
// by a pure-Go SQLite file, grounded on the corpus's single-connection
// modernc.org/sqlite store pattern.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// RollupStore persists periodic spend/health snapshots for durability across
// process restarts; the in-memory observability.Aggregator remains the
// source of truth for live state.
type RollupStore struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at dbPath with a single
// shared connection, serializing all writers through it.
func Open(dbPath string) (*RollupStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	s := &RollupStore{db: db}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RollupStore) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS spend_rollups (
		model_ref TEXT PRIMARY KEY,
		total_cost_usd REAL NOT NULL,
		tokens_in INTEGER NOT NULL,
		tokens_out INTEGER NOT NULL,
		calls INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create spend_rollups: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS circuit_rollups (
		candidate_key TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		open_until INTEGER,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create circuit_rollups: %w", err)
	}
	return nil
}

// RecordSpend upserts one model ref's accumulated spend.
func (s *RollupStore) RecordSpend(ctx context.Context, modelRef string, costUSD float64, tokensIn, tokensOut int64, calls int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spend_rollups (model_ref, total_cost_usd, tokens_in, tokens_out, calls, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_ref) DO UPDATE SET
			total_cost_usd = total_cost_usd + excluded.total_cost_usd,
			tokens_in = tokens_in + excluded.tokens_in,
			tokens_out = tokens_out + excluded.tokens_out,
			calls = calls + excluded.calls,
			updated_at = excluded.updated_at`,
		modelRef, costUSD, tokensIn, tokensOut, calls, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

// SpendTotals is one model ref's cumulative rollup.
type SpendTotals struct {
	ModelRef     string
	TotalCostUSD float64
	TokensIn     int64
	TokensOut    int64
	Calls        int
}

// SpendSnapshot returns every model ref's accumulated totals.
func (s *RollupStore) SpendSnapshot(ctx context.Context) ([]SpendTotals, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model_ref, total_cost_usd, tokens_in, tokens_out, calls FROM spend_rollups`)
	if err != nil {
		return nil, fmt.Errorf("spend snapshot: %w", err)
	}
	defer rows.Close()

	var out []SpendTotals
	for rows.Next() {
		var t SpendTotals
		if err := rows.Scan(&t.ModelRef, &t.TotalCostUSD, &t.TokensIn, &t.TokensOut, &t.Calls); err != nil {
			return nil, fmt.Errorf("scan spend rollup: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordCircuitState upserts one candidate key's current circuit state.
func (s *RollupStore) RecordCircuitState(ctx context.Context, candidateKey, state string, openUntil *int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_rollups (candidate_key, state, open_until, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(candidate_key) DO UPDATE SET
			state = excluded.state, open_until = excluded.open_until, updated_at = excluded.updated_at`,
		candidateKey, state, openUntil, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record circuit state: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *RollupStore) Close() error {
	return s.db.Close()
}
