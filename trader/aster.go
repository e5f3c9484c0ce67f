package trader

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
)

const asterBaseURL = "https://fapi.asterdex.com"

// AsterTrader Aster perp DEX gateway. The REST surface is Binance-shaped but
// authentication signs each request with the API wallet's EVM key.
type AsterTrader struct {
	client     *resty.Client
	user       common.Address // main wallet
	signer     common.Address // API wallet
	privateKey *ecdsa.PrivateKey

	stepSizes    map[string]string
	minNotionals map[string]float64
	filterMutex  sync.Mutex
}

// NewAsterTrader creates a gateway bound to one Aster API wallet
func NewAsterTrader(user, signer, privateKeyHex string) (*AsterTrader, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid aster private key: %w", err)
	}

	client := resty.New().
		SetBaseURL(asterBaseURL).
		SetTimeout(15 * time.Second)

	return &AsterTrader{
		client:       client,
		user:         common.HexToAddress(user),
		signer:       common.HexToAddress(signer),
		privateKey:   key,
		stepSizes:    make(map[string]string),
		minNotionals: make(map[string]float64),
	}, nil
}

func (t *AsterTrader) Name() string { return "aster" }

// signParams signs the business params with the API wallet key. The digest
// is keccak256(abi.encode(sortedParamsJSON, user, signer, nonce)).
func (t *AsterTrader) signParams(params map[string]string) (map[string]string, error) {
	nonce := big.NewInt(time.Now().UnixMicro())

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]string, len(params))
	for _, k := range keys {
		ordered[k] = params[k]
	}
	paramsJSON, err := json.Marshal(ordered)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize params: %w", err)
	}

	stringTy, _ := abi.NewType("string", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	args := abi.Arguments{
		{Type: stringTy},
		{Type: addressTy},
		{Type: addressTy},
		{Type: uint256Ty},
	}
	encoded, err := args.Pack(string(paramsJSON), t.user, t.signer, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signature payload: %w", err)
	}

	signature, err := crypto.Sign(crypto.Keccak256(encoded), t.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	// EIP-155 style recovery id
	signature[64] += 27

	signed := make(map[string]string, len(params)+4)
	for k, v := range params {
		signed[k] = v
	}
	signed["user"] = t.user.Hex()
	signed["signer"] = t.signer.Hex()
	signed["nonce"] = nonce.String()
	signed["signature"] = "0x" + hex.EncodeToString(signature)
	return signed, nil
}

// call performs a signed API call and decodes the JSON response into out
func (t *AsterTrader) call(ctx context.Context, method, path string, params map[string]string, out interface{}) error {
	if params == nil {
		params = map[string]string{}
	}
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = "50000"

	signed, err := t.signParams(params)
	if err != nil {
		return err
	}

	req := t.client.R().SetContext(ctx)
	if out != nil {
		req.SetResult(out)
	}

	var resp *resty.Response
	switch method {
	case "GET":
		resp, err = req.SetQueryParams(signed).Get(path)
	case "POST":
		resp, err = req.SetFormData(signed).Post(path)
	case "DELETE":
		resp, err = req.SetQueryParams(signed).Delete(path)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return fmt.Errorf("aster API call %s %s failed: %w", method, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("aster API %s returned %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

type asterAccount struct {
	TotalWalletBalance    string `json:"totalWalletBalance"`
	TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
	AvailableBalance      string `json:"availableBalance"`
	TotalPositionMargin   string `json:"totalPositionInitialMargin"`
	Positions             []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedProfit string `json:"unrealizedProfit"`
		Leverage         string `json:"leverage"`
		LiquidationPrice string `json:"liquidationPrice"`
		UpdateTime       int64  `json:"updateTime"`
	} `json:"positions"`
}

// GetBalance reads the account summary
func (t *AsterTrader) GetBalance(ctx context.Context) (*Balance, error) {
	var account asterAccount
	if err := t.call(ctx, "GET", "/fapi/v3/account", nil, &account); err != nil {
		return nil, err
	}

	wallet := parseFloat(account.TotalWalletBalance)
	unrealized := parseFloat(account.TotalUnrealizedProfit)

	return &Balance{
		TotalEquity:   wallet + unrealized,
		WalletBalance: wallet,
		Available:     parseFloat(account.AvailableBalance),
		UnrealizedPnL: unrealized,
		MarginUsed:    parseFloat(account.TotalPositionMargin),
	}, nil
}

// GetPositions reads open positions from the account summary
func (t *AsterTrader) GetPositions(ctx context.Context) ([]Position, error) {
	var account asterAccount
	if err := t.call(ctx, "GET", "/fapi/v3/account", nil, &account); err != nil {
		return nil, err
	}

	result := make([]Position, 0, len(account.Positions))
	for _, pos := range account.Positions {
		posAmt := parseFloat(pos.PositionAmt)
		if posAmt == 0 {
			continue
		}

		side := "long"
		quantity := posAmt
		if posAmt < 0 {
			side = "short"
			quantity = -posAmt
		}

		leverage, _ := strconv.Atoi(pos.Leverage)
		result = append(result, Position{
			Symbol:           pos.Symbol,
			Side:             side,
			EntryPrice:       parseFloat(pos.EntryPrice),
			MarkPrice:        parseFloat(pos.MarkPrice),
			Quantity:         quantity,
			Leverage:         leverage,
			UnrealizedPnL:    parseFloat(pos.UnrealizedProfit),
			LiquidationPrice: parseFloat(pos.LiquidationPrice),
			OpenedAt:         pos.UpdateTime,
		})
	}

	return result, nil
}

// MarkPrice returns the current price (public endpoint, unsigned)
func (t *AsterTrader) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker struct {
		Price string `json:"price"`
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&ticker).
		Get("/fapi/v1/ticker/price")
	if err != nil {
		return 0, fmt.Errorf("failed to get price: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("ticker request returned %d", resp.StatusCode())
	}
	price := parseFloat(ticker.Price)
	if price <= 0 {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

// SetLeverage sets leverage for symbol
func (t *AsterTrader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	err := t.call(ctx, "POST", "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	log.Printf("  ✓ %s leverage set to %dx", symbol, leverage)
	return nil
}

type asterOrder struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
}

// OpenPosition opens a market position
func (t *AsterTrader) OpenPosition(ctx context.Context, req OpenRequest) (*OrderResult, error) {
	if err := t.cancelAllOrders(ctx, req.Symbol); err != nil {
		log.Printf("  ⚠ Failed to cancel old orders (may not exist): %v", err)
	}
	if err := t.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return nil, err
	}

	quantityStr, err := t.formatQuantity(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return nil, err
	}

	orderSide := "BUY"
	positionSide := "LONG"
	if req.Side == "short" {
		orderSide = "SELL"
		positionSide = "SHORT"
	}

	var order asterOrder
	err = t.call(ctx, "POST", "/fapi/v3/order", map[string]string{
		"symbol":       req.Symbol,
		"side":         orderSide,
		"positionSide": positionSide,
		"type":         "MARKET",
		"quantity":     quantityStr,
	}, &order)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s position: %w", req.Side, err)
	}

	log.Printf("✓ %s position opened: %s quantity: %s (order %d)", strings.ToUpper(req.Side), req.Symbol, quantityStr, order.OrderID)

	return &OrderResult{
		OrderID:     strconv.FormatInt(order.OrderID, 10),
		Symbol:      order.Symbol,
		Side:        req.Side,
		ExecutedQty: parseFloat(order.ExecutedQty),
		AvgPrice:    parseFloat(order.AvgPrice),
		Status:      order.Status,
	}, nil
}

// ClosePosition closes (part of) a position at market. Quantity 0 closes all.
func (t *AsterTrader) ClosePosition(ctx context.Context, req CloseRequest) (*OrderResult, error) {
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

	orderSide := "SELL"
	positionSide := "LONG"
	if req.Side == "short" {
		orderSide = "BUY"
		positionSide = "SHORT"
	}

	var order asterOrder
	err = t.call(ctx, "POST", "/fapi/v3/order", map[string]string{
		"symbol":       req.Symbol,
		"side":         orderSide,
		"positionSide": positionSide,
		"type":         "MARKET",
		"quantity":     quantityStr,
	}, &order)
	if err != nil {
		return nil, fmt.Errorf("failed to close %s position: %w", req.Side, err)
	}

	log.Printf("✓ %s position closed: %s quantity: %s", strings.ToUpper(req.Side), req.Symbol, quantityStr)

	if err := t.cancelAllOrders(ctx, req.Symbol); err != nil {
		log.Printf("  ⚠ Failed to cancel orders: %v", err)
	}

	return &OrderResult{
		OrderID:     strconv.FormatInt(order.OrderID, 10),
		Symbol:      order.Symbol,
		Side:        req.Side,
		ExecutedQty: parseFloat(order.ExecutedQty),
		AvgPrice:    parseFloat(order.AvgPrice),
		Status:      order.Status,
	}, nil
}

// PlaceProtectiveOrders sets stop-loss and take-profit close orders
func (t *AsterTrader) PlaceProtectiveOrders(ctx context.Context, req ProtectiveRequest) error {
	exitSide := "SELL"
	positionSide := "LONG"
	if req.Side == "short" {
		exitSide = "BUY"
		positionSide = "SHORT"
	}

	stopParams := map[string]string{
		"symbol":        req.Symbol,
		"side":          exitSide,
		"positionSide":  positionSide,
		"type":          "STOP_MARKET",
		"stopPrice":     strconv.FormatFloat(req.StopLoss, 'f', -1, 64),
		"closePosition": "true",
	}
	if err := t.call(ctx, "POST", "/fapi/v3/order", stopParams, nil); err != nil {
		return fmt.Errorf("failed to set stop loss: %w", err)
	}
	log.Printf("  ✓ Stop loss set: %.4f", req.StopLoss)

	tpParams := map[string]string{
		"symbol":        req.Symbol,
		"side":          exitSide,
		"positionSide":  positionSide,
		"type":          "TAKE_PROFIT_MARKET",
		"stopPrice":     strconv.FormatFloat(req.TakeProfit, 'f', -1, 64),
		"closePosition": "true",
	}
	if err := t.call(ctx, "POST", "/fapi/v3/order", tpParams, nil); err != nil {
		return fmt.Errorf("failed to set take profit: %w", err)
	}
	log.Printf("  ✓ Take profit set: %.4f", req.TakeProfit)

	return nil
}

// cancelAllOrders cancels every open order for symbol
func (t *AsterTrader) cancelAllOrders(ctx context.Context, symbol string) error {
	return t.call(ctx, "DELETE", "/fapi/v1/allOpenOrders", map[string]string{
		"symbol": symbol,
	}, nil)
}

// loadSymbolFilters fills the step size and min notional caches from exchange
// info. Callers hold filterMutex.
func (t *AsterTrader) loadSymbolFilters(ctx context.Context) error {
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	resp, err := t.client.R().SetContext(ctx).SetResult(&info).Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return fmt.Errorf("failed to get exchange info: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("exchange info returned %d", resp.StatusCode())
	}

	for _, s := range info.Symbols {
		for _, filter := range s.Filters {
			switch filter.FilterType {
			case "LOT_SIZE":
				t.stepSizes[s.Symbol] = filter.StepSize
			case "MIN_NOTIONAL":
				if v, err := strconv.ParseFloat(filter.Notional, 64); err == nil {
					t.minNotionals[s.Symbol] = v
				}
			}
		}
	}
	return nil
}

// stepSize returns the LOT_SIZE step for symbol, cached after first lookup
func (t *AsterTrader) stepSize(ctx context.Context, symbol string) (string, error) {
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
func (t *AsterTrader) MinOrderSize(ctx context.Context, symbol string) (float64, error) {
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

func (t *AsterTrader) formatQuantity(ctx context.Context, symbol string, quantity float64) (string, error) {
	step, err := t.stepSize(ctx, symbol)
	if err != nil {
		log.Printf("  ⚠ %s step size unknown, using default precision 3", symbol)
		return strconv.FormatFloat(quantity, 'f', 3, 64), nil
	}
	return FormatQuantity(quantity, step)
}
