package executor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"roma/decision"
	"roma/trader"
)

// Fill describes what actually happened on the venue for one action
type Fill struct {
	Kind        decision.Kind `json:"kind"`
	Symbol      string        `json:"symbol"`
	Side        string        `json:"side"`
	OrderID     string        `json:"order_id,omitempty"`
	Quantity    float64       `json:"quantity"`
	AvgPrice    float64       `json:"avg_price"`
	EntryPrice  float64       `json:"entry_price,omitempty"`  // closes
	RealizedPnL float64       `json:"realized_pnl,omitempty"` // closes
	Leverage    int           `json:"leverage,omitempty"`
	Warning     string        `json:"warning,omitempty"` // non-fatal issue, e.g. protective orders missing
	Timestamp   time.Time     `json:"timestamp"`
}

// Executor turns approved actions into venue orders. It enforces one
// position per symbol: a same-side open on an occupied symbol is rejected,
// an opposite-side open closes the existing position first.
type Executor struct {
	trader trader.Trader
}

func New(t trader.Trader) *Executor {
	return &Executor{trader: t}
}

// Execute runs one approved action against the venue. positions is the
// pre-cycle position snapshot; Execute re-queries the venue whenever an
// order's outcome is ambiguous rather than trusting the snapshot.
// It returns every fill produced (an opposite-side open yields two).
func (e *Executor) Execute(ctx context.Context, action decision.Action, positions []trader.Position) ([]Fill, error) {
	switch {
	case action.Kind.IsOpen():
		return e.executeOpen(ctx, action, positions)
	case action.Kind.IsClose():
		fill, err := e.executeClose(ctx, action, positions)
		if err != nil {
			return nil, err
		}
		return []Fill{*fill}, nil
	default:
		return nil, nil
	}
}

func (e *Executor) executeOpen(ctx context.Context, action decision.Action, positions []trader.Position) ([]Fill, error) {
	side := action.Kind.Side()
	var fills []Fill

	if existing := findPosition(positions, action.Symbol); existing != nil {
		if existing.Side == side {
			return nil, fmt.Errorf("%s %s position already open, not adding", action.Symbol, side)
		}
		// flip: close the opposite side before opening
		log.Printf("🔄 %s has an open %s position, closing before opening %s", action.Symbol, existing.Side, side)
		closeFill, err := e.closePosition(ctx, *existing, existing.Quantity)
		if err != nil {
			return nil, fmt.Errorf("failed to close opposite position: %w", err)
		}
		fills = append(fills, *closeFill)
	}

	price, err := e.trader.MarkPrice(ctx, action.Symbol)
	if err != nil {
		return fills, fmt.Errorf("failed to get price for %s: %w", action.Symbol, err)
	}
	quantity := action.NotionalUSD / price

	result, err := e.trader.OpenPosition(ctx, trader.OpenRequest{
		Symbol:   action.Symbol,
		Side:     side,
		Quantity: quantity,
		Leverage: action.Leverage,
	})
	if err != nil {
		// a timeout can mean the order went through; check the venue
		if isAmbiguousError(err) {
			if pos := e.requeryPosition(ctx, action.Symbol, side); pos != nil {
				log.Printf("  ⚠ Open order for %s looked failed but position exists, treating as filled", action.Symbol)
				result = &trader.OrderResult{
					Symbol:      action.Symbol,
					Side:        side,
					ExecutedQty: pos.Quantity,
					AvgPrice:    pos.EntryPrice,
					Status:      "FILLED",
				}
			}
		}
		if result == nil {
			return fills, fmt.Errorf("failed to open %s %s: %w", action.Symbol, side, err)
		}
	}

	fill := Fill{
		Kind:      action.Kind,
		Symbol:    action.Symbol,
		Side:      side,
		OrderID:   result.OrderID,
		Quantity:  result.ExecutedQty,
		AvgPrice:  result.AvgPrice,
		Leverage:  action.Leverage,
		Timestamp: time.Now().UTC(),
	}
	if fill.AvgPrice == 0 {
		fill.AvgPrice = price
	}
	if fill.Quantity == 0 {
		fill.Quantity = quantity
	}

	// protective orders failing never unwinds the fill; the position is
	// live and the next cycle can still manage it
	protErr := e.trader.PlaceProtectiveOrders(ctx, trader.ProtectiveRequest{
		Symbol:     action.Symbol,
		Side:       side,
		Quantity:   fill.Quantity,
		StopLoss:   action.StopLoss,
		TakeProfit: action.TakeProfit,
	})
	if protErr != nil {
		fill.Warning = fmt.Sprintf("protective orders not placed: %v", protErr)
		log.Printf("  ⚠ %s", fill.Warning)
	}

	fills = append(fills, fill)
	return fills, nil
}

func (e *Executor) executeClose(ctx context.Context, action decision.Action, positions []trader.Position) (*Fill, error) {
	side := action.Kind.Side()
	pos := findPositionSide(positions, action.Symbol, side)
	if pos == nil {
		// snapshot may be stale, ask the venue before giving up
		pos = e.requeryPosition(ctx, action.Symbol, side)
	}
	if pos == nil {
		return nil, fmt.Errorf("no %s position on %s to close", side, action.Symbol)
	}

	quantity := pos.Quantity
	if action.CloseFraction > 0 && action.CloseFraction < 1 {
		quantity = pos.Quantity * action.CloseFraction
	}

	return e.closePosition(ctx, *pos, quantity)
}

func (e *Executor) closePosition(ctx context.Context, pos trader.Position, quantity float64) (*Fill, error) {
	full := quantity >= pos.Quantity
	req := trader.CloseRequest{Symbol: pos.Symbol, Side: pos.Side}
	if !full {
		req.Quantity = quantity
	}

	result, err := e.trader.ClosePosition(ctx, req)
	if err != nil {
		if isAmbiguousError(err) {
			if e.requeryPosition(ctx, pos.Symbol, pos.Side) == nil && full {
				log.Printf("  ⚠ Close order for %s looked failed but position is gone, treating as filled", pos.Symbol)
				result = &trader.OrderResult{
					Symbol:      pos.Symbol,
					Side:        pos.Side,
					ExecutedQty: pos.Quantity,
					AvgPrice:    pos.MarkPrice,
					Status:      "FILLED",
				}
			}
		}
		if result == nil {
			return nil, fmt.Errorf("failed to close %s %s: %w", pos.Symbol, pos.Side, err)
		}
	}

	exitPrice := result.AvgPrice
	if exitPrice == 0 {
		exitPrice = pos.MarkPrice
	}
	closedQty := result.ExecutedQty
	if closedQty == 0 {
		closedQty = quantity
	}

	direction := 1.0
	if pos.Side == "short" {
		direction = -1.0
	}
	realized := (exitPrice - pos.EntryPrice) * closedQty * direction

	return &Fill{
		Kind:        closeKind(pos.Side),
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		OrderID:     result.OrderID,
		Quantity:    closedQty,
		AvgPrice:    exitPrice,
		EntryPrice:  pos.EntryPrice,
		RealizedPnL: realized,
		Leverage:    pos.Leverage,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// requeryPosition asks the venue for the live position, nil when absent
func (e *Executor) requeryPosition(ctx context.Context, symbol, side string) *trader.Position {
	positions, err := e.trader.GetPositions(ctx)
	if err != nil {
		log.Printf("  ⚠ Failed to re-query positions: %v", err)
		return nil
	}
	return findPositionSide(positions, symbol, side)
}

func findPosition(positions []trader.Position, symbol string) *trader.Position {
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i]
		}
	}
	return nil
}

func findPositionSide(positions []trader.Position, symbol, side string) *trader.Position {
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].Side == side {
			return &positions[i]
		}
	}
	return nil
}

func closeKind(side string) decision.Kind {
	if side == "short" {
		return decision.CloseShort
	}
	return decision.CloseLong
}

// isAmbiguousError reports whether the order may have executed despite the
// error, so the venue should be re-queried before declaring failure
func isAmbiguousError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "unknown order status")
}
