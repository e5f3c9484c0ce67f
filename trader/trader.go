package trader

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Trader is the venue gateway bound to one exchange account. Implementations
// must be safe for use from a single agent goroutine plus the API server's
// read paths.
type Trader interface {
	Name() string
	GetBalance(ctx context.Context) (*Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	// MinOrderSize is the venue's minimum order notional in USD for symbol
	MinOrderSize(ctx context.Context, symbol string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	OpenPosition(ctx context.Context, req OpenRequest) (*OrderResult, error)
	ClosePosition(ctx context.Context, req CloseRequest) (*OrderResult, error)
	PlaceProtectiveOrders(ctx context.Context, req ProtectiveRequest) error
}

// Balance account balance snapshot
type Balance struct {
	TotalEquity   float64 `json:"total_equity"` // wallet + unrealized
	WalletBalance float64 `json:"wallet_balance"`
	Available     float64 `json:"available_balance"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	MarginUsed    float64 `json:"margin_used"`
}

// Position one open position as reported by the venue
type Position struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"` // "long" or "short"
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	Quantity         float64 `json:"quantity"` // always positive
	Leverage         int     `json:"leverage"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	LiquidationPrice float64 `json:"liquidation_price"`
	OpenedAt         int64   `json:"opened_at,omitempty"` // milliseconds, 0 when venue doesn't report it
}

// NotionalUSD returns the position's notional value at mark price
func (p *Position) NotionalUSD() float64 {
	return p.Quantity * p.MarkPrice
}

// Margin returns the margin backing the position
func (p *Position) Margin() float64 {
	if p.Leverage <= 0 {
		return p.NotionalUSD()
	}
	return p.NotionalUSD() / float64(p.Leverage)
}

// OpenRequest opens a new position at market
type OpenRequest struct {
	Symbol   string
	Side     string // "long" or "short"
	Quantity float64
	Leverage int
}

// CloseRequest closes (part of) a position at market. Quantity 0 closes all.
type CloseRequest struct {
	Symbol   string
	Side     string
	Quantity float64
}

// ProtectiveRequest places stop-loss and take-profit orders guarding an
// open position
type ProtectiveRequest struct {
	Symbol     string
	Side       string
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
}

// OrderResult outcome of a placed order
type OrderResult struct {
	OrderID     string  `json:"order_id"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	ExecutedQty float64 `json:"executed_qty"`
	AvgPrice    float64 `json:"avg_price"`
	Status      string  `json:"status"`
}

// RoundQuantity floors quantity to the venue's step size. Flooring never
// rounds an order above what the margin affords.
func RoundQuantity(quantity float64, stepSize string) (float64, error) {
	step, err := decimal.NewFromString(stepSize)
	if err != nil || step.IsZero() {
		return 0, fmt.Errorf("invalid step size %q", stepSize)
	}
	qty := decimal.NewFromFloat(quantity)
	rounded := qty.Div(step).Floor().Mul(step)
	result, _ := rounded.Float64()
	return result, nil
}

// FormatQuantity renders a floored quantity with the step size's precision
func FormatQuantity(quantity float64, stepSize string) (string, error) {
	rounded, err := RoundQuantity(quantity, stepSize)
	if err != nil {
		return "", err
	}
	precision := int32(stepPrecision(stepSize))
	return decimal.NewFromFloat(rounded).StringFixed(precision), nil
}

// stepPrecision counts the decimal places of a step size like "0.001"
func stepPrecision(stepSize string) int {
	stepSize = strings.TrimRight(stepSize, "0")
	dotIndex := strings.Index(stepSize, ".")
	if dotIndex == -1 || dotIndex == len(stepSize)-1 {
		return 0
	}
	return len(stepSize) - dotIndex - 1
}
