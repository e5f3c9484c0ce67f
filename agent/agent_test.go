package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roma/config"
	"roma/decision"
	"roma/ledger"
	"roma/market"
	"roma/mcp"
	"roma/risk"
	"roma/trader"
)

// stubTrader serves canned account state so cycles run without a venue
type stubTrader struct {
	balance      trader.Balance
	positionsErr error
	markPrice    float64

	// onBalance runs inside GetBalance, for concurrency tests
	onBalance func()

	// openCtxErr captures ctx.Err() as seen by OpenPosition
	openCtxErr error
	opened     []trader.OpenRequest
}

func (s *stubTrader) Name() string { return "stub" }

func (s *stubTrader) GetBalance(ctx context.Context) (*trader.Balance, error) {
	if s.onBalance != nil {
		s.onBalance()
	}
	b := s.balance
	return &b, nil
}

func (s *stubTrader) GetPositions(ctx context.Context) ([]trader.Position, error) {
	if s.positionsErr != nil {
		return nil, s.positionsErr
	}
	return nil, nil
}

func (s *stubTrader) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if s.markPrice <= 0 {
		return 0, errors.New("no mark price")
	}
	return s.markPrice, nil
}

func (s *stubTrader) MinOrderSize(ctx context.Context, symbol string) (float64, error) {
	return 10, nil
}

func (s *stubTrader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (s *stubTrader) OpenPosition(ctx context.Context, req trader.OpenRequest) (*trader.OrderResult, error) {
	if s.markPrice <= 0 {
		return nil, errors.New("stub does not trade")
	}
	s.openCtxErr = ctx.Err()
	s.opened = append(s.opened, req)
	return &trader.OrderResult{
		OrderID:     "stub-1",
		Symbol:      req.Symbol,
		Side:        req.Side,
		ExecutedQty: req.Quantity,
		AvgPrice:    s.markPrice,
		Status:      "FILLED",
	}, nil
}

func (s *stubTrader) ClosePosition(ctx context.Context, req trader.CloseRequest) (*trader.OrderResult, error) {
	return nil, errors.New("stub does not trade")
}

func (s *stubTrader) PlaceProtectiveOrders(ctx context.Context, req trader.ProtectiveRequest) error {
	return nil
}

func newAgentStore(t *testing.T) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(filepath.Join(t.TempDir(), "agent.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testAgent(t *testing.T, id string, st *stubTrader, store *ledger.Store, accountMu *sync.Mutex) *Agent {
	t.Helper()

	cfg := config.AgentConfig{
		ID:              id,
		Name:            id,
		Enabled:         true,
		Symbols:         []string{"BTCUSDT"},
		IntervalMinutes: 3,
	}
	cfg.Risk.ApplyDefaults()

	ag, err := New(cfg, mcp.New(), st, market.NewProvider(""), store, accountMu)
	require.NoError(t, err)
	return ag
}

func TestFailedCycleStillRecorded(t *testing.T) {
	store := newAgentStore(t)
	st := &stubTrader{
		balance:      trader.Balance{TotalEquity: 1000, WalletBalance: 1000, Available: 800},
		positionsErr: errors.New("venue unavailable"),
	}
	ag := testAgent(t, "alpha", st, store, &sync.Mutex{})

	ag.runCycle(context.Background())

	latest, err := store.LatestDecision("alpha")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.False(t, latest.Success)
	assert.Contains(t, latest.ErrorMessage, "venue unavailable")
	assert.Equal(t, 1, latest.Cycle)
	assert.Equal(t, 1000.0, latest.Equity)

	// the equity curve advances even when the cycle dies early
	last, err := store.LastEquityPoint("alpha")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Cycle)
	assert.Equal(t, 1000.0, last.Equity)
}

func TestBusyCycleSkipsTick(t *testing.T) {
	store := newAgentStore(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	st := &stubTrader{
		balance:      trader.Balance{TotalEquity: 1000, WalletBalance: 1000, Available: 1000},
		positionsErr: errors.New("venue unavailable"),
		onBalance: func() {
			close(entered)
			<-release
		},
	}
	ag := testAgent(t, "busy", st, store, &sync.Mutex{})

	done := make(chan struct{})
	go func() {
		ag.runCycle(context.Background())
		close(done)
	}()
	<-entered

	// the overlapping tick returns without starting a second cycle
	ag.runCycle(context.Background())

	close(release)
	<-done

	cycle, err := store.MaxCycle("busy")
	require.NoError(t, err)
	assert.Equal(t, 1, cycle)
}

func TestSharedAccountSerialized(t *testing.T) {
	store := newAgentStore(t)

	var active, maxActive int32
	observe := func() {
		n := atomic.AddInt32(&active, 1)
		for {
			seen := atomic.LoadInt32(&maxActive)
			if n <= seen || atomic.CompareAndSwapInt32(&maxActive, seen, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}

	accountMu := &sync.Mutex{}
	build := func(id string) *Agent {
		st := &stubTrader{
			balance:      trader.Balance{TotalEquity: 500, WalletBalance: 500, Available: 500},
			positionsErr: errors.New("venue unavailable"),
			onBalance:    observe,
		}
		return testAgent(t, id, st, store, accountMu)
	}

	var wg sync.WaitGroup
	for _, ag := range []*Agent{build("shared-a"), build("shared-b")} {
		wg.Add(1)
		go func(ag *Agent) {
			defer wg.Done()
			ag.runCycle(context.Background())
		}(ag)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive),
		"agents on one account must not touch the venue concurrently")
}

func TestShutdownDoesNotAbortOrders(t *testing.T) {
	store := newAgentStore(t)
	st := &stubTrader{
		balance:   trader.Balance{TotalEquity: 1000, WalletBalance: 1000, Available: 1000},
		markPrice: 100000,
	}
	ag := testAgent(t, "shutdown", st, store, &sync.Mutex{})

	// scheduling context already cancelled, as StopAll leaves it
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	action := decision.Action{
		Kind: decision.OpenLong, Symbol: "BTCUSDT",
		Leverage: 5, NotionalUSD: 200,
		StopLoss: 99000, TakeProfit: 103000,
	}
	record := &ledger.Decision{AgentID: "shutdown", Cycle: 1, Timestamp: time.Now().UTC(), Success: true}
	acct := risk.AccountState{TotalEquity: 1000, AvailableBalance: 1000}

	ag.executeActions(ctx, []decision.Action{action}, acct, &st.balance,
		nil, map[string]float64{"BTCUSDT": 100000}, record)

	require.Len(t, st.opened, 1)
	assert.NoError(t, st.openCtxErr, "order placement must outlive scheduler shutdown")
	require.Len(t, record.Actions, 1)
	assert.True(t, record.Actions[0].Success)
	assert.Equal(t, "open_long", record.Actions[0].Kind)
}

func TestDailyLossBreakerSkipsReasoning(t *testing.T) {
	store := newAgentStore(t)
	require.NoError(t, store.RecordEquityPoint(&ledger.EquityPoint{
		AgentID: "breaker", Cycle: 0, Timestamp: time.Now().UTC(),
		Equity: 1000, WalletBalance: 1000,
	}))

	// down 10% on the day against the default 5% limit; the agent has no
	// usable model or market endpoint, so reaching either would fail the cycle
	st := &stubTrader{balance: trader.Balance{TotalEquity: 900, WalletBalance: 900, Available: 900}}
	ag := testAgent(t, "breaker", st, store, &sync.Mutex{})

	ag.runCycle(context.Background())

	latest, err := store.LatestDecision("breaker")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Success)
	assert.Contains(t, latest.CoTTrace, "Daily loss limit")
	assert.Empty(t, latest.Actions)

	last, err := store.LastEquityPoint("breaker")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Cycle)
	assert.Equal(t, 900.0, last.Equity)
}
