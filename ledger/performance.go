package ledger

import (
	"fmt"
	"math"
	"strings"
)

// sharpeLookback caps how many equity returns feed the Sharpe ratio so one
// long-running agent doesn't dilute its recent behavior
const sharpeLookback = 20

// Performance is the analytics block computed from an agent's trades and
// equity curve
type Performance struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"` // percent
	TotalPnL      float64 `json:"total_pnl"`
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"` // negative
	ProfitFactor  float64 `json:"profit_factor"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
	MaxDrawdown   float64 `json:"max_drawdown"` // percent, peak to trough
	Streak        int     `json:"streak"`       // positive = wins, negative = losses

	SymbolStats map[string]*SymbolPerformance `json:"symbol_stats,omitempty"`
	BestSymbol  string                        `json:"best_symbol,omitempty"`
	WorstSymbol string                        `json:"worst_symbol,omitempty"`
}

// SymbolPerformance is the per-symbol breakdown
type SymbolPerformance struct {
	Symbol      string  `json:"symbol"`
	TotalTrades int     `json:"total_trades"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
}

// ComputePerformance builds the analytics block from the store
func (s *Store) ComputePerformance(agentID string) (*Performance, error) {
	trades, err := s.Trades(agentID, 0)
	if err != nil {
		return nil, err
	}
	points, err := s.EquityHistory(agentID, 0)
	if err != nil {
		return nil, err
	}

	perf := &Performance{SymbolStats: make(map[string]*SymbolPerformance)}

	var grossWin, grossLoss float64
	for _, t := range trades {
		perf.TotalTrades++
		perf.TotalPnL += t.RealizedPnL
		if t.RealizedPnL > 0 {
			perf.WinningTrades++
			grossWin += t.RealizedPnL
		} else if t.RealizedPnL < 0 {
			perf.LosingTrades++
			grossLoss += -t.RealizedPnL
		}

		stat, ok := perf.SymbolStats[t.Symbol]
		if !ok {
			stat = &SymbolPerformance{Symbol: t.Symbol}
			perf.SymbolStats[t.Symbol] = stat
		}
		stat.TotalTrades++
		stat.TotalPnL += t.RealizedPnL
		if t.RealizedPnL > 0 {
			stat.WinRate++ // win count for now, converted below
		}
	}

	if perf.TotalTrades > 0 {
		perf.WinRate = float64(perf.WinningTrades) / float64(perf.TotalTrades) * 100
	}
	if perf.WinningTrades > 0 {
		perf.AvgWin = grossWin / float64(perf.WinningTrades)
	}
	if perf.LosingTrades > 0 {
		perf.AvgLoss = -grossLoss / float64(perf.LosingTrades)
	}
	if grossLoss > 0 {
		perf.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		// no losses yet; cap instead of +Inf so the value stays JSON-safe
		perf.ProfitFactor = 999
	}

	for sym, stat := range perf.SymbolStats {
		wins := stat.WinRate
		stat.WinRate = wins / float64(stat.TotalTrades) * 100
		if perf.BestSymbol == "" || stat.TotalPnL > perf.SymbolStats[perf.BestSymbol].TotalPnL {
			perf.BestSymbol = sym
		}
		if perf.WorstSymbol == "" || stat.TotalPnL < perf.SymbolStats[perf.WorstSymbol].TotalPnL {
			perf.WorstSymbol = sym
		}
	}

	// Trades() is newest first, so the streak counts back from the latest
	for _, t := range trades {
		if t.RealizedPnL > 0 {
			if perf.Streak < 0 {
				break
			}
			perf.Streak++
		} else if t.RealizedPnL < 0 {
			if perf.Streak > 0 {
				break
			}
			perf.Streak--
		} else {
			break
		}
	}

	curve := adjustedEquity(points)
	perf.SharpeRatio = sharpeRatio(curve)
	perf.MaxDrawdown = maxDrawdown(curve)

	return perf, nil
}

// adjustedEquity strips external deposits and withdrawals out of the equity
// curve so Sharpe and drawdown measure trading, not capital flows. Each
// sample has the cumulative net deposit up to that point subtracted.
func adjustedEquity(points []*EquityPoint) []float64 {
	curve := make([]float64, len(points))
	var deposits float64
	for i, p := range points {
		deposits += p.NetDeposit
		curve[i] = p.Equity - deposits
	}
	return curve
}

// sharpeRatio computes the Sharpe ratio over cycle-to-cycle equity returns,
// capped to the lookback window. A degenerate value from near-zero variance
// is reported as 0 rather than a misleading extreme.
func sharpeRatio(curve []float64) float64 {
	if len(curve) < 3 {
		return 0
	}
	if len(curve) > sharpeLookback+1 {
		curve = curve[len(curve)-sharpeLookback-1:]
	}

	var returns []float64
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1]
		if prev <= 0 {
			continue
		}
		returns = append(returns, (curve[i]-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}

	sharpe := mean / std * math.Sqrt(float64(len(returns)))
	if math.Abs(sharpe) > 999 || math.IsNaN(sharpe) || math.IsInf(sharpe, 0) {
		return 0
	}
	return sharpe
}

// maxDrawdown returns the largest peak-to-trough equity drop in percent
func maxDrawdown(curve []float64) float64 {
	var peak, worst float64
	for _, equity := range curve {
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak * 100
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// PromptSummary renders the analytics as a compact text block for the
// decision prompt. Empty when there is no history yet.
func (p *Performance) PromptSummary() string {
	if p.TotalTrades == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Closed trades: %d | Win rate: %.1f%% | Total PnL: %.2f USDT\n",
		p.TotalTrades, p.WinRate, p.TotalPnL)
	if p.WinningTrades > 0 || p.LosingTrades > 0 {
		fmt.Fprintf(&b, "Avg win: %.2f | Avg loss: %.2f", p.AvgWin, p.AvgLoss)
		if p.ProfitFactor > 0 && p.ProfitFactor < 999 {
			fmt.Fprintf(&b, " | Profit factor: %.2f", p.ProfitFactor)
		}
		b.WriteString("\n")
	}
	if p.SharpeRatio != 0 {
		fmt.Fprintf(&b, "Sharpe ratio (recent): %.2f\n", p.SharpeRatio)
	}
	if p.MaxDrawdown > 0 {
		fmt.Fprintf(&b, "Max drawdown: %.1f%%\n", p.MaxDrawdown)
	}
	switch {
	case p.Streak >= 3:
		fmt.Fprintf(&b, "Current streak: %d wins. Do not get overconfident.\n", p.Streak)
	case p.Streak <= -3:
		fmt.Fprintf(&b, "Current streak: %d losses. Consider reducing size or waiting for clearer setups.\n", -p.Streak)
	}
	if p.BestSymbol != "" && p.WorstSymbol != "" && p.BestSymbol != p.WorstSymbol {
		fmt.Fprintf(&b, "Best symbol: %s (%.2f) | Worst symbol: %s (%.2f)\n",
			p.BestSymbol, p.SymbolStats[p.BestSymbol].TotalPnL,
			p.WorstSymbol, p.SymbolStats[p.WorstSymbol].TotalPnL)
	}
	return strings.TrimRight(b.String(), "\n")
}
