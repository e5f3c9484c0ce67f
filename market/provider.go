package market

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultBaseURL = "https://api.coindata.pro"
	cacheTTL       = 30 * time.Second
)

// Snapshot is one symbol's market state as served by the indicator API.
// Indicator values are consumed verbatim, never recomputed locally.
type Snapshot struct {
	Symbol        string  `json:"symbol"`
	CurrentPrice  float64 `json:"price"`
	PriceChange1h float64 `json:"price_change_1h"`
	PriceChange4h float64 `json:"price_change_4h"`

	// 3-minute timeframe
	Prices3m []float64 `json:"prices_3m"`
	EMA20    float64   `json:"ema_20"`
	MACD     float64   `json:"macd"`
	RSI7     float64   `json:"rsi_7"`
	RSI14    float64   `json:"rsi_14"`

	// 4-hour timeframe
	EMA20H4 float64   `json:"ema_20_4h"`
	EMA50H4 float64   `json:"ema_50_4h"`
	MACDH4  []float64 `json:"macd_4h"`
	RSI14H4 []float64 `json:"rsi_14_4h"`

	FundingRate     float64 `json:"funding_rate"`
	OpenInterest    float64 `json:"oi_latest"`
	OpenInterestAvg float64 `json:"oi_avg"`
	Volume          float64 `json:"vol_curr"`
	VolumeAvg       float64 `json:"vol_avg"`
}

type cacheEntry struct {
	snapshot  *Snapshot
	fetchedAt time.Time
}

// Provider fetches market snapshots from the indicator API with a short
// per-symbol cache so agents sharing symbols don't hammer the endpoint
type Provider struct {
	client  *resty.Client
	baseURL string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewProvider creates a provider; baseURL "" selects the default endpoint
func NewProvider(baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)
	return &Provider{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   make(map[string]cacheEntry),
	}
}

// Get returns the snapshot for symbol, from cache when fresh
func (p *Provider) Get(ctx context.Context, symbol string) (*Snapshot, error) {
	p.mu.Lock()
	if entry, ok := p.cache[symbol]; ok && time.Since(entry.fetchedAt) < cacheTTL {
		p.mu.Unlock()
		return entry.snapshot, nil
	}
	p.mu.Unlock()

	var snapshot Snapshot
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&snapshot).
		Get(p.baseURL + "/api/market-data")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch market data for %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("market data API returned %d for %s", resp.StatusCode(), symbol)
	}
	if snapshot.CurrentPrice <= 0 {
		return nil, fmt.Errorf("market data API returned no price for %s", symbol)
	}
	snapshot.Symbol = symbol

	p.mu.Lock()
	p.cache[symbol] = cacheEntry{snapshot: &snapshot, fetchedAt: time.Now()}
	p.mu.Unlock()

	return &snapshot, nil
}

// GetAll fetches snapshots for all symbols; individual failures are skipped
// so one dead symbol doesn't starve the rest of the cycle
func (p *Provider) GetAll(ctx context.Context, symbols []string) map[string]*Snapshot {
	snapshots := make(map[string]*Snapshot, len(symbols))
	for _, symbol := range symbols {
		data, err := p.Get(ctx, symbol)
		if err != nil {
			continue
		}
		snapshots[symbol] = data
	}
	return snapshots
}

// Format renders a snapshot as compact prompt text
func Format(s *Snapshot) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Price: %.4f (1h: %+.2f%%, 4h: %+.2f%%)\n",
		s.CurrentPrice, s.PriceChange1h, s.PriceChange4h))
	sb.WriteString(fmt.Sprintf("3m: EMA20 %.4f | MACD %.4f | RSI7 %.2f | RSI14 %.2f\n",
		s.EMA20, s.MACD, s.RSI7, s.RSI14))
	sb.WriteString(fmt.Sprintf("4h: EMA20 %.4f | EMA50 %.4f", s.EMA20H4, s.EMA50H4))
	if len(s.MACDH4) > 0 {
		sb.WriteString(fmt.Sprintf(" | MACD %.4f", s.MACDH4[len(s.MACDH4)-1]))
	}
	if len(s.RSI14H4) > 0 {
		sb.WriteString(fmt.Sprintf(" | RSI14 %.2f", s.RSI14H4[len(s.RSI14H4)-1]))
	}
	sb.WriteString("\n")
	if len(s.Prices3m) > 0 {
		sb.WriteString("Recent 3m prices: ")
		start := 0
		if len(s.Prices3m) > 10 {
			start = len(s.Prices3m) - 10
		}
		for i, price := range s.Prices3m[start:] {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%.4f", price))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("Funding: %.5f%% | OI: %.0f (avg %.0f) | Vol: %.0f (avg %.0f)\n",
		s.FundingRate*100, s.OpenInterest, s.OpenInterestAvg, s.Volume, s.VolumeAvg))
	return sb.String()
}
