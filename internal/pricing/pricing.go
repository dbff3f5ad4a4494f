// Package pricing holds the static per-model price table used to derive
// event costs when the backend does not report one.
package pricing

// ModelPricing contains per-token USD rates for a model.
type ModelPricing struct {
	InputCostPerToken     float64
	OutputCostPerToken    float64
	CacheReadCostPerToken float64
}

// Table maps raw backend model identifiers to their rates. Rates are per
// token, not per million.
type Table map[string]ModelPricing

// Default is the built-in price table.
var Default = Table{
	"claude-opus-4-5-20251101": {
		InputCostPerToken:     0.000005,
		OutputCostPerToken:    0.000025,
		CacheReadCostPerToken: 0.0000005,
	},
	"claude-haiku-4-5-20251001": {
		InputCostPerToken:     0.000001,
		OutputCostPerToken:    0.000005,
		CacheReadCostPerToken: 0.0000001,
	},
	"global.anthropic.claude-opus-4-5-20251101-v1:0": {
		InputCostPerToken:     0.000005,
		OutputCostPerToken:    0.000025,
		CacheReadCostPerToken: 0.0000005,
	},
	"global.anthropic.claude-3-5-haiku-20241022-v1:0": {
		InputCostPerToken:     0.0000008,
		OutputCostPerToken:    0.000004,
		CacheReadCostPerToken: 0.00000008,
	},
	"au.anthropic.claude-haiku-4-5-20251001-v1:0": {
		InputCostPerToken:     0.000001,
		OutputCostPerToken:    0.000005,
		CacheReadCostPerToken: 0.0000001,
	},
}

// Lookup returns the price entry for a model and whether one exists.
func (t Table) Lookup(model string) (ModelPricing, bool) {
	p, ok := t[model]
	return p, ok
}

// Cost computes the USD cost for the given token counts, or (0, false)
// when the model is not in the table.
func (t Table) Cost(model string, inputTokens, outputTokens, cachedTokens int64) (float64, bool) {
	p, ok := t[model]
	if !ok {
		return 0, false
	}
	cost := float64(inputTokens)*p.InputCostPerToken +
		float64(outputTokens)*p.OutputCostPerToken +
		float64(cachedTokens)*p.CacheReadCostPerToken
	return cost, true
}
