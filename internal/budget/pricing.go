// Package budget estimates the USD cost of a session from its token usage.
package budget

import (
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/shopspring/decimal"
)

// ModelPricing holds per-model token prices in USD per million tokens.
type ModelPricing struct {
	InputPerMTok         decimal.Decimal
	OutputPerMTok        decimal.Decimal
	LongInputPerMTok     decimal.Decimal // Premium rate when input > LongContextThreshold
	LongOutputPerMTok    decimal.Decimal
	LongContextThreshold int64 // 0 = no long context pricing
}

// Usage is the token usage recorded for a session.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

var million = decimal.NewFromInt(1_000_000)

// Cost prices usage, switching both rates to the long-context tier when the
// input exceeds the threshold.
func (p ModelPricing) Cost(u Usage) decimal.Decimal {
	in, out := p.InputPerMTok, p.OutputPerMTok
	if p.LongContextThreshold > 0 && u.InputTokens > p.LongContextThreshold {
		in, out = p.LongInputPerMTok, p.LongOutputPerMTok
	}
	cost := decimal.NewFromInt(u.InputTokens).Mul(in).Div(million)
	return cost.Add(decimal.NewFromInt(u.OutputTokens).Mul(out).Div(million))
}

// DefaultPricing contains built-in pricing for Claude models (USD per million tokens).
var DefaultPricing = map[anthropic.Model]ModelPricing{
	anthropic.ModelClaudeOpus4_6: {
		InputPerMTok:         decimal.NewFromFloat(5),
		OutputPerMTok:        decimal.NewFromFloat(25),
		LongInputPerMTok:     decimal.NewFromFloat(10),
		LongOutputPerMTok:    decimal.NewFromFloat(37.5),
		LongContextThreshold: 200_000,
	},
	anthropic.ModelClaudeSonnet4_5: {
		InputPerMTok:         decimal.NewFromFloat(3),
		OutputPerMTok:        decimal.NewFromFloat(15),
		LongInputPerMTok:     decimal.NewFromFloat(6),
		LongOutputPerMTok:    decimal.NewFromFloat(22.5),
		LongContextThreshold: 200_000,
	},
	anthropic.ModelClaudeHaiku4_5: {
		InputPerMTok:  decimal.NewFromFloat(1),
		OutputPerMTok: decimal.NewFromFloat(5),
	},
}

// Estimate prices usage for model. ok is false for models without known
// pricing. A "provider/" prefix on the model name is ignored.
func Estimate(model string, u Usage) (cost decimal.Decimal, ok bool) {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	p, ok := DefaultPricing[anthropic.Model(model)]
	if !ok {
		return decimal.Zero, false
	}
	return p.Cost(u), true
}

// FormatUSD renders a cost for display: four decimals below one dollar,
// two above, e.g. "$0.0125", "$2.54".
func FormatUSD(d decimal.Decimal) string {
	if d.LessThan(decimal.NewFromInt(1)) {
		return "$" + d.Round(4).StringFixed(4)
	}
	return "$" + d.Round(2).StringFixed(2)
}
