package decision

import (
	"fmt"
	"strings"
	"time"

	"roma/market"
)

// PositionInfo position information
type PositionInfo struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"` // "long" or "short"
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	Quantity         float64 `json:"quantity"`
	Leverage         int     `json:"leverage"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"`
	LiquidationPrice float64 `json:"liquidation_price"`
	MarginUsed       float64 `json:"margin_used"`
	OpenedAt         int64   `json:"opened_at"` // milliseconds
}

// AccountInfo account information
type AccountInfo struct {
	TotalEquity      float64 `json:"total_equity"`
	WalletBalance    float64 `json:"wallet_balance"`
	AvailableBalance float64 `json:"available_balance"`
	TotalPnL         float64 `json:"total_pnl"`
	TotalPnLPct      float64 `json:"total_pnl_pct"`
	MarginUsed       float64 `json:"margin_used"`
	MarginUsedPct    float64 `json:"margin_used_pct"`
	PositionCount    int     `json:"position_count"`
}

// TradingRules mirrors risk.Limits for prompt rendering.
// We define it here to avoid a circular import.
type TradingRules struct {
	MaxPositions        int
	MaxLeverageMajor    int
	MaxLeverageAlt      int
	MaxPositionSizePct  float64
	MaxTotalExposurePct float64
	SingleTradeFlatPct  float64
	SingleTradeBusyPct  float64
	MinRiskReward       float64
	MaxDailyLossPct     float64
	MinOrderUSD         float64
}

// Context is the complete state passed to the LLM for one cycle
type Context struct {
	CurrentTime        string
	CycleNumber        int
	RuntimeMinutes     int
	Account            AccountInfo
	Positions          []PositionInfo
	Symbols            []string
	Snapshots          map[string]*market.Snapshot
	Rules              TradingRules
	PerformanceSummary string // prompt-ready text from the ledger
	Persona            string // optional operator-supplied preamble override
}

// BuildSystemPrompt builds the fixed-rules system prompt
func BuildSystemPrompt(ctx *Context) string {
	var sb strings.Builder

	if ctx.Persona != "" {
		sb.WriteString(ctx.Persona)
		sb.WriteString("\n\n")
	} else {
		sb.WriteString("You are a professional cryptocurrency trading AI, conducting autonomous trading on a perpetual futures account.\n\n")
	}
	sb.WriteString("**IMPORTANT: All your responses, including chain of thought analysis and reasoning fields, must be in English.**\n\n")

	sb.WriteString("# 🎯 Core Objective\n\n")
	sb.WriteString("**Maximize Sharpe Ratio** (average return / return volatility)\n\n")
	sb.WriteString("- ✅ High-quality trades, stable returns, controlled drawdowns\n")
	sb.WriteString("- ❌ Frequent trading and fee drain destroy Sharpe\n")
	sb.WriteString("- Most cycles should be `wait` or `hold`; only act on strong signals\n\n")

	rules := ctx.Rules
	equity := ctx.Account.TotalEquity
	sb.WriteString("# ⚖️ Hard Constraints (the risk validator rejects violations outright)\n\n")
	sb.WriteString(fmt.Sprintf("1. **Daily loss limit**: trading halts for the UTC day after a %.1f%% drawdown from day-start equity (closes always allowed)\n", rules.MaxDailyLossPct))
	sb.WriteString(fmt.Sprintf("2. **Max positions**: %d total\n", rules.MaxPositions))
	sb.WriteString(fmt.Sprintf("3. **Max leverage**: %dx BTC/ETH, %dx altcoins\n", rules.MaxLeverageMajor, rules.MaxLeverageAlt))
	sb.WriteString(fmt.Sprintf("4. **Position size**: notional ≤ %.0f%% of equity (≈ %.0f USDT right now)\n", rules.MaxPositionSizePct, equity*rules.MaxPositionSizePct/100))
	sb.WriteString(fmt.Sprintf("5. **Total exposure**: aggregate notional ≤ %.0f%% of equity\n", rules.MaxTotalExposurePct))
	sb.WriteString(fmt.Sprintf("6. **Single trade margin**: ≤ %.0f%% of available balance when flat, ≤ %.0f%% with positions open\n", rules.SingleTradeFlatPct, rules.SingleTradeBusyPct))
	sb.WriteString(fmt.Sprintf("7. **Risk-reward ratio**: ≥ %.1f:1 (distance to take profit / distance to stop loss)\n", rules.MinRiskReward))
	sb.WriteString(fmt.Sprintf("8. **Minimum order**: %.0f USDT notional\n", rules.MinOrderUSD))
	sb.WriteString("\nA rejected action is dropped entirely, never resized. Size trades so they pass.\n\n")

	sb.WriteString("# 📉 Long/Short Balance\n\n")
	sb.WriteString("Shorting in downtrends = longing in uptrends. Don't have long bias.\n")
	sb.WriteString("Uptrend → long | Downtrend → short | Range-bound → wait\n\n")

	sb.WriteString("# 📤 Output Format\n\n")
	sb.WriteString("**CRITICAL: You MUST output BOTH parts. The JSON array is MANDATORY, even if all actions are \"wait\".**\n\n")
	sb.WriteString("**Step 1: Chain of Thought** (plain text analysis in English)\n\n")
	sb.WriteString("**Step 2: JSON Action Array** (REQUIRED)\n\n")
	sb.WriteString("Format example:\n")
	sb.WriteString("```json\n[\n")
	sb.WriteString(fmt.Sprintf("  {\"symbol\": \"BTCUSDT\", \"action\": \"open_short\", \"leverage\": %d, \"notional_usd\": %.0f, \"stop_loss\": 97000, \"take_profit\": 91000, \"confidence\": 85, \"reasoning\": \"Downtrend + MACD bearish crossover\"},\n", rules.MaxLeverageMajor, equity*rules.MaxPositionSizePct/200))
	sb.WriteString("  {\"symbol\": \"SOLUSDT\", \"action\": \"close_long\", \"close_fraction\": 0.5, \"reasoning\": \"Take half off the table at resistance\"},\n")
	sb.WriteString("  {\"symbol\": \"ALL\", \"action\": \"wait\", \"reasoning\": \"No setup elsewhere\"}\n")
	sb.WriteString("]\n```\n\n")
	sb.WriteString("**Field rules**:\n")
	sb.WriteString("- `action`: open_long | open_short | close_long | close_short | hold | wait\n")
	sb.WriteString("- `notional_usd` is the NOTIONAL position value. Margin consumed = notional / leverage.\n")
	sb.WriteString("- Required for opening: leverage, notional_usd, stop_loss, take_profit, confidence, reasoning\n")
	sb.WriteString("- `close_fraction` (optional, closes only): fraction of the position to close, in (0,1]. Omit for a full close.\n")
	sb.WriteString("- Stop loss and take profit must be on the correct side of the current price\n")
	sb.WriteString("- If no actions: use `{\"symbol\": \"ALL\", \"action\": \"wait\", \"reasoning\": \"your reason\"}`\n")

	return sb.String()
}

// BuildUserPrompt builds the dynamic-state user prompt
func BuildUserPrompt(ctx *Context) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("**Time**: %s | **Cycle**: #%d | **Runtime**: %d minutes\n\n",
		ctx.CurrentTime, ctx.CycleNumber, ctx.RuntimeMinutes))

	// BTC leads the market; surface regime before anything else
	if btc, ok := ctx.Snapshots["BTCUSDT"]; ok {
		sb.WriteString(fmt.Sprintf("**BTC**: %.2f (1h: %+.2f%%, 4h: %+.2f%%) | MACD: %.4f | RSI7: %.2f\n\n",
			btc.CurrentPrice, btc.PriceChange1h, btc.PriceChange4h, btc.MACD, btc.RSI7))
		switch {
		case btc.PriceChange1h < -1.0 && btc.PriceChange4h < -0.5:
			sb.WriteString("🚨 **MARKET REGIME: CRASHING** - do not open longs; oversold bounces are traps. SHORT or WAIT.\n\n")
		case btc.PriceChange1h > 0.5 && btc.PriceChange4h > 0.3:
			sb.WriteString("✅ **MARKET REGIME: BULLISH** - long positions preferred.\n\n")
		default:
			sb.WriteString("⚠️ **MARKET REGIME: NEUTRAL** - no clear direction, be cautious.\n\n")
		}
	}

	acct := ctx.Account
	sb.WriteString(fmt.Sprintf("**Account**: Equity %.2f | Available %.2f | P&L %+.2f%% | Margin %.1f%% | Positions %d\n\n",
		acct.TotalEquity, acct.AvailableBalance, acct.TotalPnLPct, acct.MarginUsedPct, acct.PositionCount))

	if len(ctx.Positions) > 0 {
		sb.WriteString("## Current Positions\n\n")
		for i, pos := range ctx.Positions {
			holding := ""
			if pos.OpenedAt > 0 {
				minutes := (time.Now().UnixMilli() - pos.OpenedAt) / (1000 * 60)
				holding = fmt.Sprintf(" | Holding %dm", minutes)
			}
			sb.WriteString(fmt.Sprintf("%d. %s %s | Entry %.4f Mark %.4f | P&L %+.2f%% | %dx | Margin %.0f | Liq %.4f%s\n",
				i+1, pos.Symbol, strings.ToUpper(pos.Side), pos.EntryPrice, pos.MarkPrice,
				pos.UnrealizedPnLPct, pos.Leverage, pos.MarginUsed, pos.LiquidationPrice, holding))
			if snapshot, ok := ctx.Snapshots[pos.Symbol]; ok {
				sb.WriteString(market.Format(snapshot))
			}
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString("**Current Positions**: None\n\n")
	}

	sb.WriteString(fmt.Sprintf("## Candidate Symbols (%d)\n\n", len(ctx.Symbols)))
	shown := 0
	for _, symbol := range ctx.Symbols {
		snapshot, ok := ctx.Snapshots[symbol]
		if !ok {
			continue
		}
		shown++
		sb.WriteString(fmt.Sprintf("### %d. %s\n\n", shown, symbol))
		sb.WriteString(market.Format(snapshot))
		sb.WriteString("\n")
	}

	if ctx.PerformanceSummary != "" {
		sb.WriteString("## 📊 Historical Performance (learn from past trades)\n\n")
		sb.WriteString(ctx.PerformanceSummary)
		sb.WriteString("\n")
	}

	sb.WriteString("---\n\n")
	sb.WriteString("Now analyze and output your decision: chain of thought first, then the MANDATORY JSON action array (use \"wait\" if no trades).\n")

	return sb.String()
}
