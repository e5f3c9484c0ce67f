package trader

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	hyperliquid "github.com/sonirico/go-hyperliquid"
)

const hlSlippage = 0.01 // max slippage for market orders

// HyperliquidTrader Hyperliquid perp gateway. Orders go through the exchange
// client signed by the API wallet, account state comes from the info client.
type HyperliquidTrader struct {
	exchange *hyperliquid.Exchange
	info     *hyperliquid.Info
	address  string
}

// NewHyperliquidTrader creates a gateway for one private key. accountAddress
// may be empty when the key's own address holds the account.
func NewHyperliquidTrader(privateKey, accountAddress string, testnet bool) (*HyperliquidTrader, error) {
	apiURL := hyperliquid.MainnetAPIURL
	if testnet {
		apiURL = hyperliquid.TestnetAPIURL
	}

	info := hyperliquid.NewInfo(apiURL, true, nil, nil)
	exchange, err := hyperliquid.NewExchange(privateKey, apiURL, nil, "", accountAddress, info)
	if err != nil {
		return nil, fmt.Errorf("failed to create hyperliquid exchange client: %w", err)
	}

	address := accountAddress
	if address == "" {
		address = exchange.AccountAddress()
	}

	return &HyperliquidTrader{
		exchange: exchange,
		info:     info,
		address:  address,
	}, nil
}

func (t *HyperliquidTrader) Name() string { return "hyperliquid" }

// hlCoin maps a USDT-quoted symbol to a Hyperliquid coin name
func hlCoin(symbol string) string {
	return strings.TrimSuffix(strings.TrimSuffix(symbol, "USDT"), "USD")
}

// hlSymbol maps a coin name back to the symbol convention used everywhere else
func hlSymbol(coin string) string {
	return coin + "USDT"
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// GetBalance reads the account margin summary
func (t *HyperliquidTrader) GetBalance(ctx context.Context) (*Balance, error) {
	state, err := t.info.UserState(ctx, t.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get user state: %w", err)
	}

	equity := parseFloat(state.MarginSummary.AccountValue)
	marginUsed := parseFloat(state.MarginSummary.TotalMarginUsed)
	withdrawable := parseFloat(state.Withdrawable)

	unrealized := 0.0
	for _, ap := range state.AssetPositions {
		unrealized += parseFloat(ap.Position.UnrealizedPnl)
	}

	return &Balance{
		TotalEquity:   equity,
		WalletBalance: equity - unrealized,
		Available:     withdrawable,
		UnrealizedPnL: unrealized,
		MarginUsed:    marginUsed,
	}, nil
}

// GetPositions reads open positions from the user state
func (t *HyperliquidTrader) GetPositions(ctx context.Context) ([]Position, error) {
	state, err := t.info.UserState(ctx, t.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get user state: %w", err)
	}

	mids, err := t.info.AllMids(ctx)
	if err != nil {
		log.Printf("⚠️  Failed to get mids, falling back to entry prices: %v", err)
		mids = map[string]string{}
	}

	result := make([]Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		szi := parseFloat(ap.Position.Szi)
		if szi == 0 {
			continue
		}

		side := "long"
		quantity := szi
		if szi < 0 {
			side = "short"
			quantity = -szi
		}

		entryPrice := parseFloat(ap.Position.EntryPx)
		markPrice := entryPrice
		if mid, ok := mids[ap.Position.Coin]; ok {
			markPrice = parseFloat(mid)
		}

		result = append(result, Position{
			Symbol:           hlSymbol(ap.Position.Coin),
			Side:             side,
			EntryPrice:       entryPrice,
			MarkPrice:        markPrice,
			Quantity:         quantity,
			Leverage:         ap.Position.Leverage.Value,
			UnrealizedPnL:    parseFloat(ap.Position.UnrealizedPnl),
			LiquidationPrice: parseFloat(ap.Position.LiquidationPx),
		})
	}

	return result, nil
}

// MarkPrice returns the current mid for symbol
func (t *HyperliquidTrader) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	mids, err := t.info.AllMids(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get mids: %w", err)
	}
	mid, ok := mids[hlCoin(symbol)]
	if !ok {
		return 0, fmt.Errorf("no mid price for %s", symbol)
	}
	return parseFloat(mid), nil
}

// MinOrderSize reports the venue-wide $10 minimum order notional
func (t *HyperliquidTrader) MinOrderSize(ctx context.Context, symbol string) (float64, error) {
	return 10, nil
}

// SetLeverage updates cross leverage for the coin
func (t *HyperliquidTrader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if _, err := t.exchange.UpdateLeverage(ctx, leverage, hlCoin(symbol), true); err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	log.Printf("  ✓ %s leverage set to %dx", symbol, leverage)
	return nil
}

// OpenPosition opens at market with bounded slippage
func (t *HyperliquidTrader) OpenPosition(ctx context.Context, req OpenRequest) (*OrderResult, error) {
	if err := t.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return nil, err
	}

	coin := hlCoin(req.Symbol)
	isBuy := req.Side == "long"

	resp, err := t.exchange.MarketOpen(ctx, coin, isBuy, req.Quantity, nil, hlSlippage, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s position: %w", req.Side, err)
	}

	filled := resp.Filled()
	log.Printf("✓ %s position opened: %s quantity: %f @ %f", strings.ToUpper(req.Side), req.Symbol, filled.TotalSz, filled.AvgPx)

	return &OrderResult{
		OrderID:     strconv.FormatInt(filled.Oid, 10),
		Symbol:      req.Symbol,
		Side:        req.Side,
		ExecutedQty: filled.TotalSz,
		AvgPrice:    filled.AvgPx,
		Status:      "FILLED",
	}, nil
}

// ClosePosition closes at market. Quantity 0 closes the whole position.
func (t *HyperliquidTrader) ClosePosition(ctx context.Context, req CloseRequest) (*OrderResult, error) {
	coin := hlCoin(req.Symbol)

	var size *float64
	if req.Quantity > 0 {
		size = &req.Quantity
	}

	resp, err := t.exchange.MarketClose(ctx, coin, size, nil, hlSlippage, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to close %s position: %w", req.Side, err)
	}

	filled := resp.Filled()
	log.Printf("✓ %s position closed: %s quantity: %f @ %f", strings.ToUpper(req.Side), req.Symbol, filled.TotalSz, filled.AvgPx)

	return &OrderResult{
		OrderID:     strconv.FormatInt(filled.Oid, 10),
		Symbol:      req.Symbol,
		Side:        req.Side,
		ExecutedQty: filled.TotalSz,
		AvgPrice:    filled.AvgPx,
		Status:      "FILLED",
	}, nil
}

// PlaceProtectiveOrders places reduce-only trigger orders for stop and target
func (t *HyperliquidTrader) PlaceProtectiveOrders(ctx context.Context, req ProtectiveRequest) error {
	coin := hlCoin(req.Symbol)
	// Exits take the opposite side of the position
	isBuy := req.Side == "short"

	stopOrder := hyperliquid.OrderType{
		Trigger: &hyperliquid.TriggerOrderType{
			TriggerPx: req.StopLoss,
			IsMarket:  true,
			Tpsl:      hyperliquid.TriggerSl,
		},
	}
	if _, err := t.exchange.Order(ctx, coin, isBuy, req.Quantity, req.StopLoss, stopOrder, true, nil); err != nil {
		return fmt.Errorf("failed to set stop loss: %w", err)
	}
	log.Printf("  ✓ Stop loss set: %.4f", req.StopLoss)

	tpOrder := hyperliquid.OrderType{
		Trigger: &hyperliquid.TriggerOrderType{
			TriggerPx: req.TakeProfit,
			IsMarket:  true,
			Tpsl:      hyperliquid.TriggerTp,
		},
	}
	if _, err := t.exchange.Order(ctx, coin, isBuy, req.Quantity, req.TakeProfit, tpOrder, true, nil); err != nil {
		return fmt.Errorf("failed to set take profit: %w", err)
	}
	log.Printf("  ✓ Take profit set: %.4f", req.TakeProfit)

	return nil
}
