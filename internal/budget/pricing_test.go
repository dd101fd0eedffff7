package budget

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCost_StandardPricing(t *testing.T) {
	p := DefaultPricing[anthropic.ModelClaudeOpus4_6]

	// 1000 input at $5/MTok + 500 output at $25/MTok = $0.005 + $0.0125
	cost := p.Cost(Usage{InputTokens: 1000, OutputTokens: 500})
	expected := decimal.NewFromFloat(0.0175)
	assert.True(t, expected.Equal(cost), "expected %s, got %s", expected, cost)
}

func TestCost_LongContext(t *testing.T) {
	p := DefaultPricing[anthropic.ModelClaudeOpus4_6]

	// 250K input → long rates: 250000 * $10/MTok + 1000 * $37.50/MTok
	cost := p.Cost(Usage{InputTokens: 250_000, OutputTokens: 1000})
	expected := decimal.NewFromFloat(2.5375)
	assert.True(t, expected.Equal(cost), "expected %s, got %s", expected, cost)
}

func TestCost_HaikuNoLongContext(t *testing.T) {
	p := DefaultPricing[anthropic.ModelClaudeHaiku4_5]

	cost := p.Cost(Usage{InputTokens: 500_000})
	expected := decimal.NewFromFloat(0.5)
	assert.True(t, expected.Equal(cost), "expected %s, got %s", expected, cost)
}

func TestEstimate_ProviderPrefix(t *testing.T) {
	cost, ok := Estimate("anthropic/"+string(anthropic.ModelClaudeHaiku4_5), Usage{InputTokens: 1_000_000})
	assert.True(t, ok)
	assert.True(t, decimal.NewFromInt(1).Equal(cost))
}

func TestEstimate_UnknownModel(t *testing.T) {
	cost, ok := Estimate("gpt-unknown", Usage{InputTokens: 1000})
	assert.False(t, ok)
	assert.True(t, cost.IsZero())
}

func TestFormatUSD(t *testing.T) {
	assert.Equal(t, "$0.0125", FormatUSD(decimal.NewFromFloat(0.0125)))
	assert.Equal(t, "$2.54", FormatUSD(decimal.NewFromFloat(2.5375)))
}
