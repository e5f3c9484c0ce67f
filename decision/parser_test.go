package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPrices = map[string]float64{
	"BTCUSDT": 100000,
	"ETHUSDT": 4000,
	"SOLUSDT": 200,
}

func TestParseFencedResponse(t *testing.T) {
	t.Parallel()

	raw := `Market is trending down on the 4h.

BTC broke support, looking to short.

` + "```json\n" + `[
  {"symbol": "BTCUSDT", "action": "open_short", "leverage": 10, "notional_usd": 200, "stop_loss": 103000, "take_profit": 94000, "confidence": 80, "reasoning": "breakdown"},
  {"symbol": "ETHUSDT", "action": "wait", "reasoning": "no setup"}
]` + "\n```"

	result := Parse(raw, testPrices)

	require.Len(t, result.Actions, 2)
	assert.Empty(t, result.ParseNotes)
	assert.Contains(t, result.CoTTrace, "trending down")
	assert.NotContains(t, result.CoTTrace, "open_short")

	short := result.Actions[0]
	assert.Equal(t, OpenShort, short.Kind)
	assert.Equal(t, "BTCUSDT", short.Symbol)
	assert.Equal(t, 10, short.Leverage)
	assert.Equal(t, 200.0, short.NotionalUSD)
	assert.Equal(t, Wait, result.Actions[1].Kind)
}

func TestParseBareArray(t *testing.T) {
	t.Parallel()

	raw := `Thinking out loud here.
[{"symbol": "SOLUSDT", "action": "close_long", "reasoning": "take profit"}]`

	result := Parse(raw, testPrices)

	require.Len(t, result.Actions, 1)
	assert.Equal(t, CloseLong, result.Actions[0].Kind)
	assert.Equal(t, 1.0, result.Actions[0].CloseFraction, "full close implied when fraction omitted")
}

func TestParseSkipsNumericArraysInCoT(t *testing.T) {
	t.Parallel()

	raw := `Support levels at [94000, 92000, 90000] look weak.
[{"symbol": "ALL", "action": "wait", "reasoning": "choppy"}]`

	result := Parse(raw, testPrices)

	require.Len(t, result.Actions, 1)
	assert.Equal(t, Wait, result.Actions[0].Kind)
	assert.Equal(t, "choppy", result.Actions[0].Reasoning)
}

func TestParseRepairsSmartQuotesAndTrailingCommas(t *testing.T) {
	t.Parallel()

	raw := `Analysis.
[{“symbol”: “BTCUSDT”, “action”: “hold”, “reasoning”: “let it run”,}]`

	result := Parse(raw, testPrices)

	require.Len(t, result.Actions, 1)
	assert.Equal(t, Hold, result.Actions[0].Kind)
}

func TestParseDiscardsMalformedEntriesIndividually(t *testing.T) {
	t.Parallel()

	raw := `CoT.
[
  {"symbol": "BTCUSDT", "action": "open_long", "leverage": 5, "notional_usd": 200, "stop_loss": 97000, "take_profit": 107000, "reasoning": "good"},
  {"symbol": "ETHUSDT", "action": "open_long", "leverage": 5, "notional_usd": 200, "stop_loss": 4100, "take_profit": 4500, "reasoning": "stop above price"},
  {"symbol": "SOLUSDT", "action": "launch_rocket", "reasoning": "not a real action"}
]`

	result := Parse(raw, testPrices)

	require.Len(t, result.Actions, 1)
	assert.Equal(t, "BTCUSDT", result.Actions[0].Symbol)
	assert.Len(t, result.ParseNotes, 2)
}

func TestParseUnknownSymbolDiscarded(t *testing.T) {
	t.Parallel()

	// no price for the symbol, the open cannot be validated
	raw := `[{"symbol": "PEPEUSDT", "action": "open_long", "leverage": 5, "notional_usd": 50, "stop_loss": 0.9, "take_profit": 1.5, "reasoning": "meme"}]`

	result := Parse(raw, testPrices)

	require.Len(t, result.Actions, 1)
	assert.Equal(t, Wait, result.Actions[0].Kind)
	assert.NotEmpty(t, result.ParseNotes)
}

func TestParseFallbackWhenNoArray(t *testing.T) {
	t.Parallel()

	raw := "The market looks indecisive today.\nI would rather stay flat."

	result := Parse(raw, testPrices)

	require.Len(t, result.Actions, 1)
	wait := result.Actions[0]
	assert.Equal(t, Wait, wait.Kind)
	assert.Equal(t, "ALL", wait.Symbol)
	assert.Equal(t, "The market looks indecisive today.", wait.Reasoning)
	assert.Equal(t, raw, result.CoTTrace)
	assert.NotEmpty(t, result.ParseNotes)
}

func TestParseOrdersClosesBeforeOpens(t *testing.T) {
	t.Parallel()

	raw := `[
  {"symbol": "BTCUSDT", "action": "open_long", "leverage": 5, "notional_usd": 200, "stop_loss": 97000, "take_profit": 107000, "reasoning": "a"},
  {"symbol": "ETHUSDT", "action": "hold", "reasoning": "b"},
  {"symbol": "SOLUSDT", "action": "close_short", "reasoning": "c"}
]`

	result := Parse(raw, testPrices)

	require.Len(t, result.Actions, 3)
	assert.Equal(t, CloseShort, result.Actions[0].Kind, "closes free margin for the opens that follow")
	assert.Equal(t, OpenLong, result.Actions[1].Kind)
	assert.Equal(t, Hold, result.Actions[2].Kind)
}

func TestActionRiskReward(t *testing.T) {
	t.Parallel()

	long := Action{Kind: OpenLong, StopLoss: 95, TakeProfit: 110}
	assert.InDelta(t, 2.0, long.RiskReward(100), 1e-9)

	short := Action{Kind: OpenShort, StopLoss: 105, TakeProfit: 90}
	assert.InDelta(t, 2.0, short.RiskReward(100), 1e-9)

	inverted := Action{Kind: OpenLong, StopLoss: 105, TakeProfit: 110}
	assert.Zero(t, inverted.RiskReward(100))
}

func TestActionMargin(t *testing.T) {
	t.Parallel()

	open := Action{Kind: OpenLong, Leverage: 10, NotionalUSD: 500}
	assert.InDelta(t, 50.0, open.Margin(), 1e-9)

	hold := Action{Kind: Hold}
	assert.Zero(t, hold.Margin())
}

func TestValidateCloseFraction(t *testing.T) {
	t.Parallel()

	a := Action{Kind: CloseLong, Symbol: "BTCUSDT", CloseFraction: 1.5}
	assert.Error(t, a.validate(100000))

	b := Action{Kind: CloseLong, Symbol: "BTCUSDT", CloseFraction: 0.5}
	assert.NoError(t, b.validate(100000))
}
