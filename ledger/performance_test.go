package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordTrades(t *testing.T, store *Store, agentID string, pnls []float64) {
	t.Helper()
	base := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	for i, pnl := range pnls {
		symbol := "BTCUSDT"
		if i%2 == 1 {
			symbol = "ETHUSDT"
		}
		require.NoError(t, store.RecordTrade(&Trade{
			AgentID: agentID, Symbol: symbol, Side: "long",
			Quantity: 1, EntryPrice: 100, ExitPrice: 100 + pnl,
			RealizedPnL: pnl, Leverage: 5,
			OpenedAt: base.Add(time.Duration(i) * time.Hour),
			ClosedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
		}))
	}
}

func recordEquityCurve(t *testing.T, store *Store, agentID string, equities []float64) {
	t.Helper()
	base := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	for i, eq := range equities {
		require.NoError(t, store.RecordEquityPoint(&EquityPoint{
			AgentID: agentID, Cycle: i + 1,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Equity:    eq, WalletBalance: eq,
		}))
	}
}

func TestComputePerformanceBasics(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	// BTC gets trades 0,2,4 (10, 30, -5); ETH gets 1,3 (-20, 15)
	recordTrades(t, store, "alpha", []float64{10, -20, 30, 15, -5})

	perf, err := store.ComputePerformance("alpha")
	require.NoError(t, err)

	assert.Equal(t, 5, perf.TotalTrades)
	assert.Equal(t, 3, perf.WinningTrades)
	assert.Equal(t, 2, perf.LosingTrades)
	assert.InDelta(t, 60.0, perf.WinRate, 1e-9)
	assert.InDelta(t, 30.0, perf.TotalPnL, 1e-9)
	assert.InDelta(t, 55.0/3, perf.AvgWin, 1e-9)
	assert.InDelta(t, -12.5, perf.AvgLoss, 1e-9)
	assert.InDelta(t, 55.0/25.0, perf.ProfitFactor, 1e-9)

	assert.Equal(t, "BTCUSDT", perf.BestSymbol)
	assert.Equal(t, "ETHUSDT", perf.WorstSymbol)
	assert.InDelta(t, 35.0, perf.SymbolStats["BTCUSDT"].TotalPnL, 1e-9)

	// newest trade is the -5 loss
	assert.Equal(t, -1, perf.Streak)
}

func TestComputePerformanceWinStreak(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	recordTrades(t, store, "alpha", []float64{-10, 5, 8, 12})

	perf, err := store.ComputePerformance("alpha")
	require.NoError(t, err)
	assert.Equal(t, 3, perf.Streak)
}

func TestComputePerformanceNoLosses(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	recordTrades(t, store, "alpha", []float64{10, 20})

	perf, err := store.ComputePerformance("alpha")
	require.NoError(t, err)
	assert.Equal(t, 999.0, perf.ProfitFactor, "capped, must stay JSON-safe")
}

func TestComputePerformanceEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	perf, err := store.ComputePerformance("alpha")
	require.NoError(t, err)

	assert.Zero(t, perf.TotalTrades)
	assert.Zero(t, perf.WinRate)
	assert.Zero(t, perf.SharpeRatio)
	assert.Empty(t, perf.PromptSummary())
}

func TestMaxDrawdown(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	recordEquityCurve(t, store, "alpha", []float64{1000, 1100, 990, 1045, 1200})

	perf, err := store.ComputePerformance("alpha")
	require.NoError(t, err)
	// peak 1100 to trough 990 = 10%
	assert.InDelta(t, 10.0, perf.MaxDrawdown, 1e-9)
}

func TestSharpeRatioDegenerateSuppressed(t *testing.T) {
	t.Parallel()

	// perfectly flat curve has zero variance
	flat := make([]float64, 10)
	for i := range flat {
		flat[i] = 1000
	}
	assert.Zero(t, sharpeRatio(flat))

	assert.Zero(t, sharpeRatio(nil))
	assert.Zero(t, sharpeRatio(flat[:2]))
}

func TestSharpeRatioLookbackWindow(t *testing.T) {
	t.Parallel()

	// 50 early points of heavy losses followed by a steady recent climb;
	// only the recent window should count
	var curve []float64
	equity := 10000.0
	for i := 0; i < 50; i++ {
		equity *= 0.98
		curve = append(curve, equity)
	}
	for i := 0; i < sharpeLookback+1; i++ {
		if i%2 == 0 {
			equity *= 1.003
		} else {
			equity *= 1.001
		}
		curve = append(curve, equity)
	}

	assert.Greater(t, sharpeRatio(curve), 0.0)
}

// A deposit doubling the account and a later withdrawal halving it are not
// trading returns; with the transfers recorded the adjusted curve is flat.
func TestPerformanceIgnoresExternalTransfers(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	base := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	samples := []struct {
		equity  float64
		deposit float64
	}{
		{1000, 0},
		{2000, 1000},  // external deposit
		{1000, -1000}, // external withdrawal
		{1000, 0},
	}
	for i, sample := range samples {
		require.NoError(t, store.RecordEquityPoint(&EquityPoint{
			AgentID: "alpha", Cycle: i + 1,
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
			Equity:        sample.equity,
			WalletBalance: sample.equity,
			NetDeposit:    sample.deposit,
		}))
	}

	perf, err := store.ComputePerformance("alpha")
	require.NoError(t, err)
	assert.Zero(t, perf.SharpeRatio)
	assert.Zero(t, perf.MaxDrawdown)

	// round-trip check on the stored column
	points, err := store.EquityHistory("alpha", 0)
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, 1000.0, points[1].NetDeposit)
	assert.Equal(t, -1000.0, points[2].NetDeposit)
}

func TestPromptSummaryMentionsLossStreak(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	recordTrades(t, store, "alpha", []float64{10, -5, -6, -7})

	perf, err := store.ComputePerformance("alpha")
	require.NoError(t, err)
	require.Equal(t, -3, perf.Streak)

	summary := perf.PromptSummary()
	assert.Contains(t, summary, "3 losses")
	assert.Contains(t, summary, "Win rate: 25.0%")
}
