package decision

import (
	"fmt"
	"time"
)

// Kind is the action an agent can take on a symbol
type Kind string

const (
	OpenLong   Kind = "open_long"
	OpenShort  Kind = "open_short"
	CloseLong  Kind = "close_long"
	CloseShort Kind = "close_short"
	Hold       Kind = "hold"
	Wait       Kind = "wait"
)

// Valid reports whether k is one of the six known kinds
func (k Kind) Valid() bool {
	switch k {
	case OpenLong, OpenShort, CloseLong, CloseShort, Hold, Wait:
		return true
	}
	return false
}

// IsOpen reports whether k opens a position
func (k Kind) IsOpen() bool {
	return k == OpenLong || k == OpenShort
}

// IsClose reports whether k closes a position
func (k Kind) IsClose() bool {
	return k == CloseLong || k == CloseShort
}

// Side returns "long" or "short" for open/close kinds, "" otherwise
func (k Kind) Side() string {
	switch k {
	case OpenLong, CloseLong:
		return "long"
	case OpenShort, CloseShort:
		return "short"
	}
	return ""
}

// Action is a single validated trading action. Fields beyond Kind/Symbol/
// Reasoning are only meaningful for the kinds that carry them: opens carry
// Leverage/NotionalUSD/StopLoss/TakeProfit, closes carry CloseFraction.
type Action struct {
	Kind          Kind    `json:"action"`
	Symbol        string  `json:"symbol"`
	Leverage      int     `json:"leverage,omitempty"`
	NotionalUSD   float64 `json:"notional_usd,omitempty"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
	CloseFraction float64 `json:"close_fraction,omitempty"` // (0,1], 1 = full close
	Confidence    int     `json:"confidence,omitempty"`     // 0-100
	Reasoning     string  `json:"reasoning"`
}

// Margin returns the margin an open action would consume
func (a *Action) Margin() float64 {
	if !a.Kind.IsOpen() || a.Leverage <= 0 {
		return 0
	}
	return a.NotionalUSD / float64(a.Leverage)
}

// RiskReward returns the reward/risk ratio of an open action at the given
// entry price, or 0 when it cannot be computed
func (a *Action) RiskReward(entryPrice float64) float64 {
	if !a.Kind.IsOpen() || entryPrice <= 0 {
		return 0
	}
	var riskDist, rewardDist float64
	if a.Kind == OpenLong {
		riskDist = entryPrice - a.StopLoss
		rewardDist = a.TakeProfit - entryPrice
	} else {
		riskDist = a.StopLoss - entryPrice
		rewardDist = entryPrice - a.TakeProfit
	}
	if riskDist <= 0 {
		return 0
	}
	return rewardDist / riskDist
}

// Result is the parsed outcome of one LLM response
type Result struct {
	UserPrompt  string    `json:"user_prompt"`
	CoTTrace    string    `json:"cot_trace"`
	Actions     []Action  `json:"actions"`
	ParseNotes  []string  `json:"parse_notes,omitempty"` // one note per discarded entry
	RawResponse string    `json:"raw_response"`
	Timestamp   time.Time `json:"timestamp"`
}

// validate checks the fields an action of this kind must carry.
// price is the current mark price, 0 when unknown.
func (a *Action) validate(price float64) error {
	if !a.Kind.Valid() {
		return fmt.Errorf("invalid action: %q", a.Kind)
	}
	if a.Symbol == "" && a.Kind != Wait && a.Kind != Hold {
		return fmt.Errorf("%s requires a symbol", a.Kind)
	}

	if a.Kind.IsOpen() {
		if a.Leverage < 1 {
			return fmt.Errorf("leverage must be at least 1: %d", a.Leverage)
		}
		if a.NotionalUSD <= 0 {
			return fmt.Errorf("notional must be greater than 0: %.2f", a.NotionalUSD)
		}
		if a.StopLoss <= 0 || a.TakeProfit <= 0 {
			return fmt.Errorf("stop loss and take profit must be greater than 0")
		}
		if a.Kind == OpenLong && a.StopLoss >= a.TakeProfit {
			return fmt.Errorf("for long positions, stop loss must be below take profit")
		}
		if a.Kind == OpenShort && a.StopLoss <= a.TakeProfit {
			return fmt.Errorf("for short positions, stop loss must be above take profit")
		}
		if price <= 0 {
			return fmt.Errorf("no market price available for %s", a.Symbol)
		}
		if a.Kind == OpenLong && (a.StopLoss >= price || a.TakeProfit <= price) {
			return fmt.Errorf("stop loss %.4f / take profit %.4f on wrong side of price %.4f", a.StopLoss, a.TakeProfit, price)
		}
		if a.Kind == OpenShort && (a.StopLoss <= price || a.TakeProfit >= price) {
			return fmt.Errorf("stop loss %.4f / take profit %.4f on wrong side of price %.4f", a.StopLoss, a.TakeProfit, price)
		}
	}

	if a.Kind.IsClose() {
		if a.CloseFraction == 0 {
			a.CloseFraction = 1
		}
		if a.CloseFraction <= 0 || a.CloseFraction > 1 {
			return fmt.Errorf("close_fraction must be in (0,1]: %.4f", a.CloseFraction)
		}
	}

	return nil
}

// sortActions orders closes before opens before hold/wait, stable otherwise
func sortActions(actions []Action) []Action {
	rank := func(k Kind) int {
		switch {
		case k.IsClose():
			return 0
		case k.IsOpen():
			return 1
		default:
			return 2
		}
	}
	sorted := make([]Action, 0, len(actions))
	for pass := 0; pass <= 2; pass++ {
		for _, a := range actions {
			if rank(a.Kind) == pass {
				sorted = append(sorted, a)
			}
		}
	}
	return sorted
}
