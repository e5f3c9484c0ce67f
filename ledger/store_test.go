package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(path, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleDecision(agentID string, cycle int) *Decision {
	return &Decision{
		AgentID:       agentID,
		Cycle:         cycle,
		Timestamp:     time.Date(2026, 8, 30, 12, cycle, 0, 0, time.UTC),
		UserPrompt:    "prompt",
		CoTTrace:      "reasoning",
		Success:       true,
		Equity:        1000,
		Available:     800,
		PositionCount: 1,
		Actions: []ActionRecord{
			{Kind: "open_long", Symbol: "BTCUSDT", Quantity: 0.002, Price: 100000, Leverage: 10, Success: true, Timestamp: time.Date(2026, 8, 30, 12, cycle, 30, 0, time.UTC)},
			{Kind: "wait", Symbol: "ALL", Success: true, Timestamp: time.Date(2026, 8, 30, 12, cycle, 31, 0, time.UTC)},
		},
	}
}

func TestSaveAndLoadDecision(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.SaveDecision(sampleDecision("alpha", 1)))
	require.NoError(t, store.SaveDecision(sampleDecision("alpha", 2)))

	decisions, err := store.Decisions("alpha", 10, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	// oldest first
	assert.Equal(t, 1, decisions[0].Cycle)
	assert.Equal(t, 2, decisions[1].Cycle)
	assert.Len(t, decisions[0].Actions, 2)
	assert.Equal(t, "open_long", decisions[0].Actions[0].Kind)
	assert.Equal(t, 0.002, decisions[0].Actions[0].Quantity)

	latest, err := store.LatestDecision("alpha")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Cycle)
}

func TestDecisionsPagination(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for cycle := 1; cycle <= 5; cycle++ {
		require.NoError(t, store.SaveDecision(sampleDecision("alpha", cycle)))
	}

	// offset skips the newest records; the page itself stays oldest first
	page, err := store.Decisions("alpha", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 3, page[0].Cycle)
	assert.Equal(t, 4, page[1].Cycle)

	past, err := store.Decisions("alpha", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, past)

	// a negative offset reads from the top
	top, err := store.Decisions("alpha", 1, -3)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 5, top[0].Cycle)
}

func TestSaveDecisionDropsRawResponseOnSuccess(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	ok := sampleDecision("alpha", 1)
	ok.RawResponse = "huge model output"
	require.NoError(t, store.SaveDecision(ok))

	failed := sampleDecision("alpha", 2)
	failed.Success = false
	failed.ErrorMessage = "model call failed"
	failed.RawResponse = "kept for debugging"
	require.NoError(t, store.SaveDecision(failed))

	decisions, err := store.Decisions("alpha", 10, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Empty(t, decisions[0].RawResponse)
	assert.Equal(t, "kept for debugging", decisions[1].RawResponse)
}

func TestMaxCycleRestoresAcrossAgents(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	cycle, err := store.MaxCycle("alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, cycle)

	require.NoError(t, store.SaveDecision(sampleDecision("alpha", 1)))
	require.NoError(t, store.SaveDecision(sampleDecision("alpha", 2)))
	require.NoError(t, store.SaveDecision(sampleDecision("beta", 7)))

	cycle, err = store.MaxCycle("alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, cycle)

	cycle, err = store.MaxCycle("beta")
	require.NoError(t, err)
	assert.Equal(t, 7, cycle)
}

func TestDuplicateCycleRejected(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.SaveDecision(sampleDecision("alpha", 1)))
	assert.Error(t, store.SaveDecision(sampleDecision("alpha", 1)))

	// same cycle number for a different agent is fine
	assert.NoError(t, store.SaveDecision(sampleDecision("beta", 1)))
}

func TestTradesScopedByAgent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	for i, pnl := range []float64{5, -3, 12} {
		require.NoError(t, store.RecordTrade(&Trade{
			AgentID: "alpha", Symbol: "BTCUSDT", Side: "long",
			Quantity: 0.001, EntryPrice: 100000, ExitPrice: 100000 + pnl*1000,
			RealizedPnL: pnl, Leverage: 10,
			OpenedAt: base.Add(time.Duration(i) * time.Hour),
			ClosedAt: base.Add(time.Duration(i)*time.Hour + 30*time.Minute),
		}))
	}
	require.NoError(t, store.RecordTrade(&Trade{
		AgentID: "beta", Symbol: "ETHUSDT", Side: "short",
		RealizedPnL: 99, Leverage: 5, OpenedAt: base, ClosedAt: base,
	}))

	trades, err := store.Trades("alpha", 0)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	// newest first
	assert.Equal(t, 12.0, trades[0].RealizedPnL)

	limited, err := store.Trades("alpha", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	pnl, err := store.RealizedPnLSince("alpha", base)
	require.NoError(t, err)
	assert.InDelta(t, 14.0, pnl, 1e-9)

	pnl, err = store.RealizedPnLSince("alpha", base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 9.0, pnl, 1e-9)
}

func TestEquityHistoryAndDayStart(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	midnight := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	samples := []struct {
		at     time.Time
		equity float64
	}{
		{midnight.Add(-2 * time.Hour), 990}, // previous day
		{midnight.Add(1 * time.Hour), 1000},
		{midnight.Add(2 * time.Hour), 1010},
	}
	for i, s := range samples {
		require.NoError(t, store.RecordEquityPoint(&EquityPoint{
			AgentID: "alpha", Cycle: i + 1, Timestamp: s.at,
			Equity: s.equity, WalletBalance: s.equity,
		}))
	}

	points, err := store.EquityHistory("alpha", 0)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 990.0, points[0].Equity, "oldest first")

	last, err := store.LastEquityPoint("alpha")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1010.0, last.Equity)

	dayStart, err := store.FirstEquitySince("alpha", midnight)
	require.NoError(t, err)
	require.NotNil(t, dayStart)
	assert.Equal(t, 1000.0, dayStart.Equity)

	missing, err := store.FirstEquitySince("alpha", midnight.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLatestDecisionEmptyStore(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	latest, err := store.LatestDecision("nobody")
	require.NoError(t, err)
	assert.Nil(t, latest)
}
