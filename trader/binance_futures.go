package trader

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

// BinanceTrader Binance USD-M futures gateway
type BinanceTrader struct {
	client *futures.Client

	// Balance cache
	cachedBalance     *Balance
	balanceCacheTime  time.Time
	balanceCacheMutex sync.RWMutex

	// Positions cache
	cachedPositions     []Position
	positionsCacheTime  time.Time
	positionsCacheMutex sync.RWMutex

	// Symbol filter caches, filled from exchange info on demand
	stepSizes    map[string]string
	minNotionals map[string]float64
	filterMutex  sync.Mutex

	// Cache duration (15 seconds)
	cacheDuration time.Duration

	// Multi-Assets Mode detection
	isMultiAssetsMode bool
	multiAssetsMutex  sync.RWMutex

	// Time sync tracking
	lastTimeSync  time.Time
	timeSyncMutex sync.Mutex
}

// NewBinanceTrader creates a futures gateway for one API key pair
func NewBinanceTrader(apiKey, secretKey string, testnet bool) *BinanceTrader {
	futures.UseTestnet = testnet
	client := futures.NewClient(apiKey, secretKey)

	// Sync with Binance server time to avoid timestamp errors
	syncServerTime(client)

	return &BinanceTrader{
		client:        client,
		cacheDuration: 15 * time.Second,
		stepSizes:     make(map[string]string),
		minNotionals:  make(map[string]float64),
	}
}

func (t *BinanceTrader) Name() string { return "binance" }

// syncServerTime checks the offset between local and Binance server time
func syncServerTime(client *futures.Client) {
	serverTime, err := client.NewServerTimeService().Do(context.Background())
	if err != nil {
		log.Printf("⚠️  Failed to get Binance server time: %v (will continue without sync)", err)
		return
	}

	timeOffset := serverTime - time.Now().UnixMilli()
	if timeOffset > 1000 || timeOffset < -1000 {
		log.Printf("⚠️  Time offset detected: %d ms - sync your system clock if timestamp errors persist", timeOffset)
	} else {
		log.Printf("✓ Time synchronized with Binance server (offset: %d ms)", timeOffset)
	}
}

// reSyncServerTime re-syncs server time, rate-limited to once per minute
func (t *BinanceTrader) reSyncServerTime() {
	t.timeSyncMutex.Lock()
	defer t.timeSyncMutex.Unlock()

	if time.Since(t.lastTimeSync) < 1*time.Minute {
		return
	}

	log.Printf("🔄 Re-syncing with Binance server time due to timestamp error...")
	syncServerTime(t.client)
	t.lastTimeSync = time.Now()
}

func isTimestampError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "-1021") || strings.Contains(msg, "recvWindow") || strings.Contains(msg, "timestamp")
}

// GetBalance returns the account balance, cached for 15s
func (t *BinanceTrader) GetBalance(ctx context.Context) (*Balance, error) {
	t.balanceCacheMutex.RLock()
	if t.cachedBalance != nil && time.Since(t.balanceCacheTime) < t.cacheDuration {
		cached := *t.cachedBalance
		t.balanceCacheMutex.RUnlock()
		return &cached, nil
	}
	t.balanceCacheMutex.RUnlock()

	account, err := t.client.NewGetAccountService().Do(ctx)
	if err != nil {
		if isTimestampError(err) {
			t.reSyncServerTime()
			account, err = t.client.NewGetAccountService().Do(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get account info: %w", err)
		}
	}

	walletBalance, _ := strconv.ParseFloat(account.TotalWalletBalance, 64)
	available, _ := strconv.ParseFloat(account.AvailableBalance, 64)
	unrealized, _ := strconv.ParseFloat(account.TotalUnrealizedProfit, 64)
	marginUsed, _ := strconv.ParseFloat(account.TotalPositionInitialMargin, 64)

	balance := &Balance{
		TotalEquity:   walletBalance + unrealized,
		WalletBalance: walletBalance,
		Available:     available,
		UnrealizedPnL: unrealized,
		MarginUsed:    marginUsed,
	}

	t.balanceCacheMutex.Lock()
	t.cachedBalance = balance
	t.balanceCacheTime = time.Now()
	t.balanceCacheMutex.Unlock()

	result := *balance
	return &result, nil
}

// GetPositions returns all open positions, cached for 15s
func (t *BinanceTrader) GetPositions(ctx context.Context) ([]Position, error) {
	t.positionsCacheMutex.RLock()
	if t.cachedPositions != nil && time.Since(t.positionsCacheTime) < t.cacheDuration {
		cached := make([]Position, len(t.cachedPositions))
		copy(cached, t.cachedPositions)
		t.positionsCacheMutex.RUnlock()
		return cached, nil
	}
	t.positionsCacheMutex.RUnlock()

	positions, err := t.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		if isTimestampError(err) {
			t.reSyncServerTime()
			positions, err = t.client.NewGetPositionRiskService().Do(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get positions: %w", err)
		}
	}

	result := make([]Position, 0, len(positions))
	for _, pos := range positions {
		posAmt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
		if posAmt == 0 {
			continue
		}

		entryPrice, _ := strconv.ParseFloat(pos.EntryPrice, 64)
		markPrice, _ := strconv.ParseFloat(pos.MarkPrice, 64)
		unrealized, _ := strconv.ParseFloat(pos.UnRealizedProfit, 64)
		leverage, _ := strconv.ParseFloat(pos.Leverage, 64)
		liqPrice, _ := strconv.ParseFloat(pos.LiquidationPrice, 64)

		side := "long"
		quantity := posAmt
		if posAmt < 0 {
			side = "short"
			quantity = -posAmt
		}

		result = append(result, Position{
			Symbol:           pos.Symbol,
			Side:             side,
			EntryPrice:       entryPrice,
			MarkPrice:        markPrice,
			Quantity:         quantity,
			Leverage:         int(leverage),
			UnrealizedPnL:    unrealized,
			LiquidationPrice: liqPrice,
			OpenedAt:         pos.UpdateTime,
		})
	}

	t.positionsCacheMutex.Lock()
	t.cachedPositions = result
	t.positionsCacheTime = time.Now()
	t.positionsCacheMutex.Unlock()

	out := make([]Position, len(result))
	copy(out, result)
	return out, nil
}

// invalidateCaches drops the balance and position caches after an execution
// so reconciliation reads fresh state from the venue
func (t *BinanceTrader) invalidateCaches() {
	t.balanceCacheMutex.Lock()
	t.cachedBalance = nil
	t.balanceCacheMutex.Unlock()
	t.positionsCacheMutex.Lock()
	t.cachedPositions = nil
	t.positionsCacheMutex.Unlock()
}

// MarkPrice returns the current price for symbol
func (t *BinanceTrader) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := t.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get price: %w", err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("price not found for %s", symbol)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

// SetLeverage sets leverage for symbol, skipping the call when unchanged
func (t *BinanceTrader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	positions, err := t.GetPositions(ctx)
	if err == nil {
		for _, pos := range positions {
			if pos.Symbol == symbol && pos.Leverage == leverage {
				log.Printf("  ✓ %s leverage already %dx, no need to change", symbol, leverage)
				return nil
			}
		}
	}

	_, err = t.client.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "No need to change") {
			log.Printf("  ✓ %s leverage already %dx", symbol, leverage)
			return nil
		}
		return fmt.Errorf("failed to set leverage: %w", err)
	}

	log.Printf("  ✓ %s leverage switched to %dx", symbol, leverage)
	return nil
}

// setMarginType switches to isolated margin, tolerating Multi-Assets accounts
func (t *BinanceTrader) setMarginType(ctx context.Context, symbol string) error {
	t.multiAssetsMutex.RLock()
	if t.isMultiAssetsMode {
		t.multiAssetsMutex.RUnlock()
		return nil
	}
	t.multiAssetsMutex.RUnlock()

	err := t.client.NewChangeMarginTypeService().
		Symbol(symbol).
		MarginType(futures.MarginTypeIsolated).
		Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "No need to change") {
			return nil
		}
		// -4168/-4050: Multi-Assets Mode accounts reject isolated margin
		if strings.Contains(err.Error(), "Multi-Assets mode") || strings.Contains(err.Error(), "-4168") || strings.Contains(err.Error(), "-4050") {
			log.Printf("  ⚠ %s account uses Multi-Assets Mode, skipping margin mode setting", symbol)
			t.multiAssetsMutex.Lock()
			t.isMultiAssetsMode = true
			t.multiAssetsMutex.Unlock()
			return nil
		}
		return fmt.Errorf("failed to set margin mode: %w", err)
	}
	return nil
}

// positionSide returns the PositionSide for the account mode
func (t *BinanceTrader) positionSide(side string) futures.PositionSideType {
	t.multiAssetsMutex.RLock()
	defer t.multiAssetsMutex.RUnlock()
	if t.isMultiAssetsMode {
		return futures.PositionSideTypeBoth
	}
	if side == "long" {
		return futures.PositionSideTypeLong
	}
	return futures.PositionSideTypeShort
}

// OpenPosition opens a market position
func (t *BinanceTrader) OpenPosition(ctx context.Context, req OpenRequest) (*OrderResult, error) {
	// Clear stale protective orders from a previous position first
	if err := t.cancelAllOrders(ctx, req.Symbol); err != nil {
		log.Printf("  ⚠ Failed to cancel old orders (may not exist): %v", err)
	}

	if err := t.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return nil, err
	}
	if err := t.setMarginType(ctx, req.Symbol); err != nil {
		return nil, err
	}

	quantityStr, err := t.formatQuantity(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return nil, err
	}

	orderSide := futures.SideTypeBuy
	if req.Side == "short" {
		orderSide = futures.SideTypeSell
	}

	order, err := t.placeMarketOrder(ctx, req.Symbol, orderSide, req.Side, quantityStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s position: %w", req.Side, err)
	}

	log.Printf("✓ %s position opened: %s quantity: %s (order %d)", strings.ToUpper(req.Side), req.Symbol, quantityStr, order.OrderID)
	t.invalidateCaches()

	return orderResultFrom(order, req.Side), nil
}

// ClosePosition closes (part of) a position at market. Quantity 0 closes all.
func (t *BinanceTrader) ClosePosition(ctx context.Context, req CloseRequest) (*OrderResult, error) {
	quantity := req.Quantity
	if quantity == 0 {
		positions, err := t.GetPositions(ctx)
		if err != nil {
			return nil, err
		}
		for _, pos := range positions {
			if pos.Symbol == req.Symbol && pos.Side == req.Side {
				quantity = pos.Quantity
				break
			}
		}
		if quantity == 0 {
			return nil, fmt.Errorf("no %s position found for %s", req.Side, req.Symbol)
		}
	}

	quantityStr, err := t.formatQuantity(ctx, req.Symbol, quantity)
	if err != nil {
		return nil, err
	}

	// Closing a long sells, closing a short buys
	orderSide := futures.SideTypeSell
	if req.Side == "short" {
		orderSide = futures.SideTypeBuy
	}

	order, err := t.placeMarketOrder(ctx, req.Symbol, orderSide, req.Side, quantityStr)
	if err != nil {
		return nil, fmt.Errorf("failed to close %s position: %w", req.Side, err)
	}

	log.Printf("✓ %s position closed: %s quantity: %s", strings.ToUpper(req.Side), req.Symbol, quantityStr)
	t.invalidateCaches()

	// Clean up protective orders once the position is gone
	if err := t.cancelAllOrders(ctx, req.Symbol); err != nil {
		log.Printf("  ⚠ Failed to cancel orders: %v", err)
	}

	return orderResultFrom(order, req.Side), nil
}

// placeMarketOrder sends a market order, retrying with PositionSide BOTH when
// the account turns out to run Multi-Assets Mode (-4061)
func (t *BinanceTrader) placeMarketOrder(ctx context.Context, symbol string, orderSide futures.SideType, positionSide, quantityStr string) (*futures.CreateOrderResponse, error) {
	order, err := t.client.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide).
		PositionSide(t.positionSide(positionSide)).
		Type(futures.OrderTypeMarket).
		Quantity(quantityStr).
		Do(ctx)
	if err != nil && (strings.Contains(err.Error(), "-4061") || strings.Contains(err.Error(), "position side does not match")) {
		log.Printf("  ⚠ Detected Multi-Assets Mode, retrying with PositionSide BOTH...")
		t.multiAssetsMutex.Lock()
		t.isMultiAssetsMode = true
		t.multiAssetsMutex.Unlock()
		order, err = t.client.NewCreateOrderService().
			Symbol(symbol).
			Side(orderSide).
			PositionSide(futures.PositionSideTypeBoth).
			Type(futures.OrderTypeMarket).
			Quantity(quantityStr).
			Do(ctx)
	}
	return order, err
}

func orderResultFrom(order *futures.CreateOrderResponse, side string) *OrderResult {
	executedQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	return &OrderResult{
		OrderID:     strconv.FormatInt(order.OrderID, 10),
		Symbol:      order.Symbol,
		Side:        side,
		ExecutedQty: executedQty,
		AvgPrice:    avgPrice,
		Status:      string(order.Status),
	}
}

// PlaceProtectiveOrders sets stop-loss and take-profit close orders. Failures
// are returned so the caller can record them; the position stays open.
func (t *BinanceTrader) PlaceProtectiveOrders(ctx context.Context, req ProtectiveRequest) error {
	// A protective order exits the position: sell for longs, buy for shorts
	exitSide := futures.SideTypeSell
	if req.Side == "short" {
		exitSide = futures.SideTypeBuy
	}

	quantityStr, err := t.formatQuantity(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return err
	}

	_, err = t.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(exitSide).
		PositionSide(t.positionSide(req.Side)).
		Type(futures.OrderTypeStopMarket).
		StopPrice(strconv.FormatFloat(req.StopLoss, 'f', -1, 64)).
		Quantity(quantityStr).
		WorkingType(futures.WorkingTypeContractPrice).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to set stop loss: %w", err)
	}
	log.Printf("  ✓ Stop loss set: %.4f", req.StopLoss)

	_, err = t.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(exitSide).
		PositionSide(t.positionSide(req.Side)).
		Type(futures.OrderTypeTakeProfitMarket).
		StopPrice(strconv.FormatFloat(req.TakeProfit, 'f', -1, 64)).
		Quantity(quantityStr).
		WorkingType(futures.WorkingTypeContractPrice).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to set take profit: %w", err)
	}
	log.Printf("  ✓ Take profit set: %.4f", req.TakeProfit)

	return nil
}

// cancelAllOrders cancels every open order for symbol
func (t *BinanceTrader) cancelAllOrders(ctx context.Context, symbol string) error {
	err := t.client.NewCancelAllOpenOrdersService().
		Symbol(symbol).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel orders: %w", err)
	}
	return nil
}

// loadSymbolFilters fills the step size and min notional caches from exchange
// info. Callers hold filterMutex.
func (t *BinanceTrader) loadSymbolFilters(ctx context.Context) error {
	exchangeInfo, err := t.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to get exchange info: %w", err)
	}

	for _, s := range exchangeInfo.Symbols {
		for _, filter := range s.Filters {
			switch filter["filterType"] {
			case "LOT_SIZE":
				if step, ok := filter["stepSize"].(string); ok {
					t.stepSizes[s.Symbol] = step
				}
			case "MIN_NOTIONAL":
				if notional, ok := filter["notional"].(string); ok {
					if v, err := strconv.ParseFloat(notional, 64); err == nil {
						t.minNotionals[s.Symbol] = v
					}
				}
			}
		}
	}
	return nil
}

// stepSize returns the LOT_SIZE step for symbol, cached after first lookup
func (t *BinanceTrader) stepSize(ctx context.Context, symbol string) (string, error) {
	t.filterMutex.Lock()
	defer t.filterMutex.Unlock()

	if step, ok := t.stepSizes[symbol]; ok {
		return step, nil
	}
	if err := t.loadSymbolFilters(ctx); err != nil {
		return "", err
	}
	if step, ok := t.stepSizes[symbol]; ok {
		return step, nil
	}
	return "", fmt.Errorf("no LOT_SIZE filter for %s", symbol)
}

// MinOrderSize returns the MIN_NOTIONAL floor for symbol
func (t *BinanceTrader) MinOrderSize(ctx context.Context, symbol string) (float64, error) {
	t.filterMutex.Lock()
	defer t.filterMutex.Unlock()

	if notional, ok := t.minNotionals[symbol]; ok {
		return notional, nil
	}
	if err := t.loadSymbolFilters(ctx); err != nil {
		return 0, err
	}
	if notional, ok := t.minNotionals[symbol]; ok {
		return notional, nil
	}
	return 0, fmt.Errorf("no MIN_NOTIONAL filter for %s", symbol)
}

// formatQuantity floors quantity to the symbol's step size
func (t *BinanceTrader) formatQuantity(ctx context.Context, symbol string, quantity float64) (string, error) {
	step, err := t.stepSize(ctx, symbol)
	if err != nil {
		log.Printf("  ⚠ %s step size unknown, using default precision 3", symbol)
		return strconv.FormatFloat(quantity, 'f', 3, 64), nil
	}
	return FormatQuantity(quantity, step)
}
