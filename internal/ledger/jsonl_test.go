package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingagentlab/league/internal/broker"
)

func newTestStore(t *testing.T) (*JSONLStore, func(time.Time)) {
	t.Helper()
	store, err := NewJSONLStore(t.TempDir())
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	return store, func(next time.Time) { now = next }
}

func TestJSONLStore_StepRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	fills := []broker.Fill{
		{OrderID: "sim-1", Symbol: "SPY", Side: broker.Buy, Qty: 10, Price: 100, RealizedPnL: 0},
	}
	rejections := []Rejection{
		{Symbol: "QQQ", Side: "buy", Qty: 5, Reason: "max_order_notional"},
	}
	equity := broker.EquitySnapshot{Cash: 9_000, PositionsValue: 1_000, Equity: 10_000}

	require.NoError(t, store.RecordStep(ctx, "momo-1", fills, rejections, equity))

	gotFills, err := store.FillsSince(ctx, "momo-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, gotFills, 1)
	assert.Equal(t, fills[0], gotFills[0])

	snaps, err := store.EquityHistory(ctx, "momo-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 10_000.0, snaps[0].Equity)
}

func TestJSONLStore_SinceFilters(t *testing.T) {
	ctx := context.Background()
	store, setNow := newTestStore(t)

	day1 := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	setNow(day1)
	require.NoError(t, store.RecordFill(ctx, "momo-1", broker.Fill{OrderID: "old", Symbol: "SPY"}))
	setNow(day2)
	require.NoError(t, store.RecordFill(ctx, "momo-1", broker.Fill{OrderID: "new", Symbol: "SPY"}))

	fills, err := store.FillsSince(ctx, "momo-1", day1.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "new", fills[0].OrderID)
}

func TestJSONLStore_AgentsLatestWins(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.RecordAgent(ctx, AgentRecord{AgentID: "momo-1", Builder: "ana", ConfigHash: "v1"}))
	require.NoError(t, store.RecordAgent(ctx, AgentRecord{AgentID: "rsi-2", Builder: "ben", ConfigHash: "a"}))
	require.NoError(t, store.RecordAgent(ctx, AgentRecord{AgentID: "momo-1", Builder: "ana", ConfigHash: "v2"}))

	agents, err := store.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "momo-1", agents[0].AgentID)
	assert.Equal(t, "v2", agents[0].ConfigHash)
	assert.Equal(t, "rsi-2", agents[1].AgentID)
}

func TestJSONLStore_IsolatesAgents(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.RecordFill(ctx, "momo-1", broker.Fill{OrderID: "a", Symbol: "SPY"}))
	require.NoError(t, store.RecordFill(ctx, "rsi-2", broker.Fill{OrderID: "b", Symbol: "QQQ"}))

	fills, err := store.FillsSince(ctx, "momo-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "a", fills[0].OrderID)
}

func TestJSONLStore_ToleratesTornLine(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.RecordFill(ctx, "momo-1", broker.Fill{OrderID: "good", Symbol: "SPY"}))

	// Simulate a crash mid-append.
	path := filepath.Join(store.dir, "momo-1.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"fill","event":"2026-03-0`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fills, err := store.FillsSince(ctx, "momo-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "good", fills[0].OrderID)
}

func TestJSONLStore_Allocations(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	run := AllocationRun{
		Timestamp: time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC),
		Lookback:  "168h0m0s",
		GroupBy:   "agent",
		Allocations: []Allocation{
			{AgentID: "momo-1", Action: "promote", Weight: 0.6, Rationale: "rank 1/2"},
		},
	}
	require.NoError(t, store.RecordAllocations(ctx, run))

	raw, err := os.ReadFile(filepath.Join(store.dir, "allocations.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"action":"promote"`)
}

func TestJSONLStore_MissingFileIsEmpty(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	fills, err := store.FillsSince(ctx, "never-ran", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, fills)
}
