package trader

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"
)

// PriceFunc supplies the current mark price for a symbol
type PriceFunc func(ctx context.Context, symbol string) (float64, error)

// PaperTrader in-memory trading simulator. Does not touch any exchange;
// used for dry runs and tests.
type PaperTrader struct {
	mu sync.RWMutex

	initialBalance float64
	balance        float64 // wallet balance, moves on realized pnl

	positions map[string]*paperPosition // keyed symbol + "_" + side
	prices    PriceFunc

	protective map[string]ProtectiveRequest // recorded, never triggered

	orderSeq int64
}

type paperPosition struct {
	symbol     string
	side       string
	entryPrice float64
	quantity   float64
	leverage   int
	marginUsed float64
	openedAt   time.Time
}

// NewPaperTrader creates a simulator funded with initialBalance
func NewPaperTrader(initialBalance float64, prices PriceFunc) *PaperTrader {
	return &PaperTrader{
		initialBalance: initialBalance,
		balance:        initialBalance,
		positions:      make(map[string]*paperPosition),
		protective:     make(map[string]ProtectiveRequest),
		prices:         prices,
	}
}

func (t *PaperTrader) Name() string { return "paper" }

func (t *PaperTrader) markPrice(ctx context.Context, symbol string) (float64, error) {
	if t.prices == nil {
		return 0, fmt.Errorf("no price source configured")
	}
	return t.prices(ctx, symbol)
}

// MarkPrice returns the current price from the configured source
func (t *PaperTrader) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	return t.markPrice(ctx, symbol)
}

// GetBalance computes the simulated account state at current prices
func (t *PaperTrader) GetBalance(ctx context.Context) (*Balance, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	totalUnrealized := 0.0
	totalMargin := 0.0
	for _, pos := range t.positions {
		totalMargin += pos.marginUsed
		price, err := t.markPrice(ctx, pos.symbol)
		if err != nil {
			continue
		}
		totalUnrealized += unrealizedPnL(pos, price)
	}

	equity := t.balance + totalUnrealized
	available := equity - totalMargin
	if available < 0 {
		available = 0
	}

	return &Balance{
		TotalEquity:   equity,
		WalletBalance: t.balance,
		Available:     available,
		UnrealizedPnL: totalUnrealized,
		MarginUsed:    totalMargin,
	}, nil
}

func unrealizedPnL(pos *paperPosition, price float64) float64 {
	if pos.side == "long" {
		return (price - pos.entryPrice) * pos.quantity
	}
	return (pos.entryPrice - price) * pos.quantity
}

// GetPositions returns all simulated positions at current prices
func (t *PaperTrader) GetPositions(ctx context.Context) ([]Position, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Position, 0, len(t.positions))
	for _, pos := range t.positions {
		price, err := t.markPrice(ctx, pos.symbol)
		if err != nil {
			price = pos.entryPrice
		}

		// Simplified liquidation: entry ± margin fraction of notional
		liquidation := pos.entryPrice * (1 - 1/float64(pos.leverage)*0.9)
		if pos.side == "short" {
			liquidation = pos.entryPrice * (1 + 1/float64(pos.leverage)*0.9)
		}

		result = append(result, Position{
			Symbol:           pos.symbol,
			Side:             pos.side,
			EntryPrice:       pos.entryPrice,
			MarkPrice:        price,
			Quantity:         pos.quantity,
			Leverage:         pos.leverage,
			UnrealizedPnL:    unrealizedPnL(pos, price),
			LiquidationPrice: liquidation,
			OpenedAt:         pos.openedAt.UnixMilli(),
		})
	}

	return result, nil
}

// MinOrderSize mirrors the 10 USDT minimum the live venues enforce
func (t *PaperTrader) MinOrderSize(ctx context.Context, symbol string) (float64, error) {
	return 10, nil
}

// SetLeverage is a no-op in simulation
func (t *PaperTrader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

// OpenPosition opens a simulated position at the current price
func (t *PaperTrader) OpenPosition(ctx context.Context, req OpenRequest) (*OrderResult, error) {
	price, err := t.markPrice(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get market price: %w", err)
	}

	balance, err := t.GetBalance(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	notional := req.Quantity * price
	marginUsed := notional / float64(req.Leverage)
	// Floor to 2 decimals and allow 0.1 USDT tolerance so float drift between
	// sizing and execution doesn't fail an otherwise affordable order
	marginUsed = math.Floor(marginUsed*100) / 100
	const tolerance = 0.1
	if marginUsed > balance.Available+tolerance {
		return nil, fmt.Errorf("insufficient available balance: need %.2f, available %.2f", marginUsed, balance.Available)
	}

	key := req.Symbol + "_" + req.Side
	if _, exists := t.positions[key]; exists {
		return nil, fmt.Errorf("position already exists for %s %s", req.Symbol, req.Side)
	}

	t.positions[key] = &paperPosition{
		symbol:     req.Symbol,
		side:       req.Side,
		entryPrice: price,
		quantity:   req.Quantity,
		leverage:   req.Leverage,
		marginUsed: marginUsed,
		openedAt:   time.Now(),
	}

	t.orderSeq++
	log.Printf("📈 [Simulated] Open %s: %s %f @ %.4f (Leverage %dx, Margin %.2f)",
		req.Side, req.Symbol, req.Quantity, price, req.Leverage, marginUsed)

	return &OrderResult{
		OrderID:     strconv.FormatInt(t.orderSeq, 10),
		Symbol:      req.Symbol,
		Side:        req.Side,
		ExecutedQty: req.Quantity,
		AvgPrice:    price,
		Status:      "FILLED",
	}, nil
}

// ClosePosition closes (part of) a simulated position. Quantity 0 closes all.
func (t *PaperTrader) ClosePosition(ctx context.Context, req CloseRequest) (*OrderResult, error) {
	price, priceErr := t.markPrice(ctx, req.Symbol)

	t.mu.Lock()
	defer t.mu.Unlock()

	key := req.Symbol + "_" + req.Side
	pos, exists := t.positions[key]
	if !exists {
		return nil, fmt.Errorf("no %s position for %s", req.Side, req.Symbol)
	}
	if priceErr != nil {
		price = pos.entryPrice
	}

	quantity := req.Quantity
	if quantity == 0 || quantity >= pos.quantity {
		quantity = pos.quantity
	}

	ratio := quantity / pos.quantity
	realizedPnl := unrealizedPnL(pos, price) * ratio
	t.balance += realizedPnl

	if quantity >= pos.quantity {
		delete(t.positions, key)
		delete(t.protective, key)
		log.Printf("📤 [Simulated] Close %s: %s (all) @ %.4f, P&L=%.2f", req.Side, req.Symbol, price, realizedPnl)
	} else {
		pos.quantity -= quantity
		pos.marginUsed *= 1 - ratio
		log.Printf("📤 [Simulated] Close %s: %s (partial %f) @ %.4f, P&L=%.2f", req.Side, req.Symbol, quantity, price, realizedPnl)
	}

	t.orderSeq++
	return &OrderResult{
		OrderID:     strconv.FormatInt(t.orderSeq, 10),
		Symbol:      req.Symbol,
		Side:        req.Side,
		ExecutedQty: quantity,
		AvgPrice:    price,
		Status:      "FILLED",
	}, nil
}

// PlaceProtectiveOrders records the protective levels without simulating fills
func (t *PaperTrader) PlaceProtectiveOrders(ctx context.Context, req ProtectiveRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.protective[req.Symbol+"_"+req.Side] = req
	return nil
}
