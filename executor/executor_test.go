package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roma/decision"
	"roma/trader"
)

// stubTrader scripts venue behavior for executor tests
type stubTrader struct {
	positions []trader.Position
	prices    map[string]float64

	openErr       error
	closeErr      error
	protectiveErr error

	opened     []trader.OpenRequest
	closed     []trader.CloseRequest
	protective []trader.ProtectiveRequest
}

func (s *stubTrader) Name() string { return "stub" }

func (s *stubTrader) GetBalance(ctx context.Context) (*trader.Balance, error) {
	return &trader.Balance{TotalEquity: 1000, Available: 1000}, nil
}

func (s *stubTrader) GetPositions(ctx context.Context) ([]trader.Position, error) {
	return s.positions, nil
}

func (s *stubTrader) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	price, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (s *stubTrader) MinOrderSize(ctx context.Context, symbol string) (float64, error) {
	return 10, nil
}

func (s *stubTrader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (s *stubTrader) OpenPosition(ctx context.Context, req trader.OpenRequest) (*trader.OrderResult, error) {
	s.opened = append(s.opened, req)
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &trader.OrderResult{
		OrderID: "1", Symbol: req.Symbol, Side: req.Side,
		ExecutedQty: req.Quantity, AvgPrice: s.prices[req.Symbol], Status: "FILLED",
	}, nil
}

func (s *stubTrader) ClosePosition(ctx context.Context, req trader.CloseRequest) (*trader.OrderResult, error) {
	s.closed = append(s.closed, req)
	if s.closeErr != nil {
		return nil, s.closeErr
	}
	quantity := req.Quantity
	if quantity == 0 {
		for _, pos := range s.positions {
			if pos.Symbol == req.Symbol && pos.Side == req.Side {
				quantity = pos.Quantity
			}
		}
	}
	return &trader.OrderResult{
		OrderID: "2", Symbol: req.Symbol, Side: req.Side,
		ExecutedQty: quantity, AvgPrice: s.prices[req.Symbol], Status: "FILLED",
	}, nil
}

func (s *stubTrader) PlaceProtectiveOrders(ctx context.Context, req trader.ProtectiveRequest) error {
	s.protective = append(s.protective, req)
	return s.protectiveErr
}

func btcLong(quantity float64) trader.Position {
	return trader.Position{
		Symbol: "BTCUSDT", Side: "long", EntryPrice: 100000,
		MarkPrice: 101000, Quantity: quantity, Leverage: 10,
	}
}

func openLongAction() decision.Action {
	return decision.Action{
		Kind: decision.OpenLong, Symbol: "BTCUSDT",
		Leverage: 10, NotionalUSD: 1000, StopLoss: 98000, TakeProfit: 105000,
	}
}

func TestExecuteOpenSizesFromNotional(t *testing.T) {
	t.Parallel()

	stub := &stubTrader{prices: map[string]float64{"BTCUSDT": 100000}}
	fills, err := New(stub).Execute(context.Background(), openLongAction(), nil)
	require.NoError(t, err)
	require.Len(t, fills, 1)

	require.Len(t, stub.opened, 1)
	assert.InDelta(t, 0.01, stub.opened[0].Quantity, 1e-9, "quantity = notional / price")
	assert.Equal(t, 10, stub.opened[0].Leverage)

	require.Len(t, stub.protective, 1)
	assert.Equal(t, 98000.0, stub.protective[0].StopLoss)
	assert.Equal(t, 105000.0, stub.protective[0].TakeProfit)

	fill := fills[0]
	assert.Equal(t, decision.OpenLong, fill.Kind)
	assert.Empty(t, fill.Warning)
}

func TestExecuteOpenRejectsSameSideDuplicate(t *testing.T) {
	t.Parallel()

	stub := &stubTrader{
		prices:    map[string]float64{"BTCUSDT": 100000},
		positions: []trader.Position{btcLong(0.01)},
	}
	_, err := New(stub).Execute(context.Background(), openLongAction(), stub.positions)
	assert.ErrorContains(t, err, "already open")
	assert.Empty(t, stub.opened)
}

func TestExecuteOppositeSideClosesFirst(t *testing.T) {
	t.Parallel()

	stub := &stubTrader{
		prices:    map[string]float64{"BTCUSDT": 101000},
		positions: []trader.Position{btcLong(0.01)},
	}
	action := openLongAction()
	action.Kind = decision.OpenShort
	action.StopLoss = 103000
	action.TakeProfit = 95000

	fills, err := New(stub).Execute(context.Background(), action, stub.positions)
	require.NoError(t, err)
	require.Len(t, fills, 2, "close fill then open fill")

	assert.Equal(t, decision.CloseLong, fills[0].Kind)
	assert.InDelta(t, 10.0, fills[0].RealizedPnL, 1e-9) // long 0.01, 100000 -> 101000
	assert.Equal(t, decision.OpenShort, fills[1].Kind)
	require.Len(t, stub.closed, 1)
	require.Len(t, stub.opened, 1)
}

func TestExecuteCloseFullAndPartial(t *testing.T) {
	t.Parallel()

	stub := &stubTrader{
		prices:    map[string]float64{"BTCUSDT": 101000},
		positions: []trader.Position{btcLong(0.01)},
	}

	partial := decision.Action{Kind: decision.CloseLong, Symbol: "BTCUSDT", CloseFraction: 0.5}
	fills, err := New(stub).Execute(context.Background(), partial, stub.positions)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.InDelta(t, 0.005, fills[0].Quantity, 1e-9)
	assert.InDelta(t, 5.0, fills[0].RealizedPnL, 1e-9) // half of (101000-100000)*0.01
	require.Len(t, stub.closed, 1)
	assert.InDelta(t, 0.005, stub.closed[0].Quantity, 1e-9)

	full := decision.Action{Kind: decision.CloseLong, Symbol: "BTCUSDT", CloseFraction: 1}
	fills, err = New(stub).Execute(context.Background(), full, stub.positions)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.InDelta(t, 0.01, fills[0].Quantity, 1e-9)
	require.Len(t, stub.closed, 2)
	assert.Zero(t, stub.closed[1].Quantity, "full close lets the venue resolve the size")
}

func TestExecuteCloseShortRealizesInverse(t *testing.T) {
	t.Parallel()

	short := trader.Position{
		Symbol: "ETHUSDT", Side: "short", EntryPrice: 4000,
		MarkPrice: 3900, Quantity: 0.5, Leverage: 5,
	}
	stub := &stubTrader{
		prices:    map[string]float64{"ETHUSDT": 3900},
		positions: []trader.Position{short},
	}
	action := decision.Action{Kind: decision.CloseShort, Symbol: "ETHUSDT", CloseFraction: 1}

	fills, err := New(stub).Execute(context.Background(), action, stub.positions)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.InDelta(t, 50.0, fills[0].RealizedPnL, 1e-9) // short profits as price falls
	assert.Equal(t, 4000.0, fills[0].EntryPrice)
}

func TestExecuteCloseWithoutPosition(t *testing.T) {
	t.Parallel()

	stub := &stubTrader{prices: map[string]float64{"BTCUSDT": 100000}}
	action := decision.Action{Kind: decision.CloseShort, Symbol: "BTCUSDT", CloseFraction: 1}

	_, err := New(stub).Execute(context.Background(), action, nil)
	assert.ErrorContains(t, err, "no short position")
}

func TestExecuteProtectiveFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	stub := &stubTrader{
		prices:        map[string]float64{"BTCUSDT": 100000},
		protectiveErr: fmt.Errorf("venue rejected stop"),
	}
	fills, err := New(stub).Execute(context.Background(), openLongAction(), nil)
	require.NoError(t, err, "the position is live even when stops fail")
	require.Len(t, fills, 1)
	assert.Contains(t, fills[0].Warning, "protective orders not placed")
}

func TestExecuteAmbiguousOpenReconciles(t *testing.T) {
	t.Parallel()

	// the order "times out" but the position shows up on re-query
	stub := &stubTrader{
		prices:    map[string]float64{"BTCUSDT": 100000},
		openErr:   fmt.Errorf("request timeout"),
		positions: []trader.Position{btcLong(0.01)},
	}
	fills, err := New(stub).Execute(context.Background(), openLongAction(), nil)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.InDelta(t, 0.01, fills[0].Quantity, 1e-9)
	assert.Equal(t, 100000.0, fills[0].AvgPrice, "entry from the live position")
}

func TestExecuteDefiniteOpenFailurePropagates(t *testing.T) {
	t.Parallel()

	stub := &stubTrader{
		prices:  map[string]float64{"BTCUSDT": 100000},
		openErr: fmt.Errorf("margin is insufficient"),
	}
	_, err := New(stub).Execute(context.Background(), openLongAction(), nil)
	assert.Error(t, err)
}

func TestExecuteHoldAndWaitAreNoOps(t *testing.T) {
	t.Parallel()

	stub := &stubTrader{prices: map[string]float64{"BTCUSDT": 100000}}
	exec := New(stub)

	for _, kind := range []decision.Kind{decision.Hold, decision.Wait} {
		fills, err := exec.Execute(context.Background(), decision.Action{Kind: kind, Symbol: "ALL"}, nil)
		require.NoError(t, err)
		assert.Empty(t, fills)
	}
	assert.Empty(t, stub.opened)
	assert.Empty(t, stub.closed)
}
