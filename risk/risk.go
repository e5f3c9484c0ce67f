package risk

import (
	"fmt"
	"strings"

	"roma/decision"
)

// Limits are the per-agent guardrails applied to every proposed action.
// Zero values are filled in by ApplyDefaults.
type Limits struct {
	MaxPositions          int     `json:"max_positions"`
	MaxLeverageMajor      int     `json:"max_leverage_major"` // BTC, ETH
	MaxLeverageAlt        int     `json:"max_leverage_alt"`
	MaxPositionSizePct    float64 `json:"max_position_size_pct"`    // notional vs equity
	MaxTotalExposurePct   float64 `json:"max_total_exposure_pct"`   // summed notional vs equity
	MaxSingleTradePct     float64 `json:"max_single_trade_pct"`     // margin vs equity, no open positions
	MaxSingleTradeBusyPct float64 `json:"max_single_trade_busy_pct"` // margin vs equity, with open positions
	MinRiskReward         float64 `json:"min_risk_reward"`
	DailyLossLimitPct     float64 `json:"daily_loss_limit_pct"`
	MinOrderUSD           float64 `json:"min_order_usd"`
}

// ApplyDefaults fills any unset limit with its default
func (l *Limits) ApplyDefaults() {
	if l.MaxPositions == 0 {
		l.MaxPositions = 6
	}
	if l.MaxLeverageMajor == 0 {
		l.MaxLeverageMajor = 20
	}
	if l.MaxLeverageAlt == 0 {
		l.MaxLeverageAlt = 10
	}
	if l.MaxPositionSizePct == 0 {
		l.MaxPositionSizePct = 30
	}
	if l.MaxTotalExposurePct == 0 {
		l.MaxTotalExposurePct = 150
	}
	if l.MaxSingleTradePct == 0 {
		l.MaxSingleTradePct = 15
	}
	if l.MaxSingleTradeBusyPct == 0 {
		l.MaxSingleTradeBusyPct = 10
	}
	if l.MinRiskReward == 0 {
		l.MinRiskReward = 1.5
	}
	if l.DailyLossLimitPct == 0 {
		l.DailyLossLimitPct = 5
	}
	if l.MinOrderUSD == 0 {
		l.MinOrderUSD = 10
	}
}

// Validate rejects limits that could never pass a trade
func (l *Limits) Validate() error {
	if l.MaxPositions < 1 {
		return fmt.Errorf("max_positions must be at least 1: %d", l.MaxPositions)
	}
	if l.MaxLeverageMajor < 1 || l.MaxLeverageAlt < 1 {
		return fmt.Errorf("leverage limits must be at least 1")
	}
	if l.MaxPositionSizePct <= 0 || l.MaxPositionSizePct > 100 {
		return fmt.Errorf("max_position_size_pct must be in (0,100]: %.2f", l.MaxPositionSizePct)
	}
	if l.MaxTotalExposurePct <= 0 {
		return fmt.Errorf("max_total_exposure_pct must be positive: %.2f", l.MaxTotalExposurePct)
	}
	if l.MaxSingleTradePct <= 0 || l.MaxSingleTradeBusyPct <= 0 {
		return fmt.Errorf("single trade limits must be positive")
	}
	if l.MaxSingleTradeBusyPct > l.MaxSingleTradePct {
		return fmt.Errorf("max_single_trade_busy_pct %.2f exceeds max_single_trade_pct %.2f", l.MaxSingleTradeBusyPct, l.MaxSingleTradePct)
	}
	if l.MinRiskReward <= 0 {
		return fmt.Errorf("min_risk_reward must be positive: %.2f", l.MinRiskReward)
	}
	if l.DailyLossLimitPct <= 0 || l.DailyLossLimitPct > 100 {
		return fmt.Errorf("daily_loss_limit_pct must be in (0,100]: %.2f", l.DailyLossLimitPct)
	}
	if l.MinOrderUSD < 0 {
		return fmt.Errorf("min_order_usd must not be negative: %.2f", l.MinOrderUSD)
	}
	return nil
}

// AccountState is the snapshot of the account the rules run against
type AccountState struct {
	TotalEquity      float64
	AvailableBalance float64
	DayStartEquity   float64
	OpenPositions    int
	TotalNotional    float64 // summed notional of open positions
}

// Violation names the rule that rejected an action
type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Rule, v.Detail)
}

// Result is the outcome of evaluating one action
type Result struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

func isMajor(symbol string) bool {
	base := strings.TrimSuffix(strings.ToUpper(symbol), "USDT")
	return base == "BTC" || base == "ETH"
}

// Evaluate runs the rule chain against one proposed action. Rules run in a
// fixed order and stop at the first violation. Actions are rejected whole,
// never resized. Hold/wait always pass; closes only face the daily loss
// exemption (reducing exposure is always allowed).
func Evaluate(limits Limits, acct AccountState, action decision.Action, markPrice float64) Result {
	reject := func(rule, format string, args ...interface{}) Result {
		return Result{Violations: []Violation{{Rule: rule, Detail: fmt.Sprintf(format, args...)}}}
	}

	if !action.Kind.IsOpen() {
		return Result{Allowed: true}
	}

	// 1. daily loss limit blocks new exposure for the rest of the day
	if acct.DayStartEquity > 0 {
		lossPct := (acct.DayStartEquity - acct.TotalEquity) / acct.DayStartEquity * 100
		if lossPct >= limits.DailyLossLimitPct {
			return reject("daily_loss_limit", "down %.2f%% today, limit %.2f%%", lossPct, limits.DailyLossLimitPct)
		}
	}

	// 2. position count
	if acct.OpenPositions >= limits.MaxPositions {
		return reject("max_positions", "%d positions open, limit %d", acct.OpenPositions, limits.MaxPositions)
	}

	// 3. leverage, split by symbol class
	maxLev := limits.MaxLeverageAlt
	class := "alt"
	if isMajor(action.Symbol) {
		maxLev = limits.MaxLeverageMajor
		class = "major"
	}
	if action.Leverage > maxLev {
		return reject("max_leverage", "%dx exceeds %s limit %dx", action.Leverage, class, maxLev)
	}

	// 4. single position notional vs equity
	maxNotional := acct.TotalEquity * limits.MaxPositionSizePct / 100
	if action.NotionalUSD > maxNotional {
		return reject("position_size_limit", "notional $%.2f exceeds %.0f%% of equity ($%.2f)", action.NotionalUSD, limits.MaxPositionSizePct, maxNotional)
	}

	// 5. total account exposure
	maxExposure := acct.TotalEquity * limits.MaxTotalExposurePct / 100
	if acct.TotalNotional+action.NotionalUSD > maxExposure {
		return reject("total_exposure_limit", "exposure $%.2f would exceed %.0f%% of equity ($%.2f)", acct.TotalNotional+action.NotionalUSD, limits.MaxTotalExposurePct, maxExposure)
	}

	// 6. margin per trade, measured against what is actually free to commit,
	// tighter when positions are already open
	margin := action.Margin()
	tradePct := limits.MaxSingleTradePct
	rule := "single_trade_limit"
	if acct.OpenPositions > 0 {
		tradePct = limits.MaxSingleTradeBusyPct
		rule = "single_trade_limit_with_positions"
	}
	maxMargin := acct.AvailableBalance * tradePct / 100
	if margin > maxMargin {
		return reject(rule, "margin $%.2f exceeds %.0f%% of available balance ($%.2f)", margin, tradePct, maxMargin)
	}

	// 7. reward must justify the risk
	rr := action.RiskReward(markPrice)
	if rr < limits.MinRiskReward {
		return reject("risk_reward_ratio", "ratio %.2f below minimum %.2f", rr, limits.MinRiskReward)
	}

	// 8. order must be sendable
	if action.NotionalUSD < limits.MinOrderUSD {
		return reject("min_order_size", "notional $%.2f below exchange minimum $%.2f", action.NotionalUSD, limits.MinOrderUSD)
	}
	if margin > acct.AvailableBalance {
		return reject("min_order_size", "margin $%.2f exceeds available balance $%.2f", margin, acct.AvailableBalance)
	}

	return Result{Allowed: true}
}
