package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *RollupStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "rollups.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchemaOnFreshFile(t *testing.T) {
	s := openTestStore(t)
	totals, err := s.SpendSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestRecordSpendAccumulatesAcrossCalls(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSpend(ctx, "openai/gpt", 0.50, 100, 50, 1))
	require.NoError(t, s.RecordSpend(ctx, "openai/gpt", 0.25, 10, 5, 1))

	totals, err := s.SpendSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, "openai/gpt", totals[0].ModelRef)
	assert.InDelta(t, 0.75, totals[0].TotalCostUSD, 0.0001)
	assert.Equal(t, int64(110), totals[0].TokensIn)
	assert.Equal(t, int64(55), totals[0].TokensOut)
	assert.Equal(t, 2, totals[0].Calls)
}

func TestRecordCircuitStateUpsertsLatestState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordCircuitState(ctx, "anthropic/claude", "open", int64Ptr(1000)))
	require.NoError(t, s.RecordCircuitState(ctx, "anthropic/claude", "half_open", nil))

	var state string
	row := s.db.QueryRowContext(ctx, `SELECT state FROM circuit_rollups WHERE candidate_key = ?`, "anthropic/claude")
	require.NoError(t, row.Scan(&state))
	assert.Equal(t, "half_open", state)
}

func int64Ptr(v int64) *int64 { return &v }
