// Package cost accounts for the tokens and dollars the AI judge spends.
// Totals are exposed on the admin API so operators can see what the
// escalation path costs before tightening the rule set.
package cost

// ModelPricing holds per-token pricing for a model.
type ModelPricing struct {
	InputPerMToken  float64 // USD per million input tokens
	OutputPerMToken float64 // USD per million output tokens
}

// DefaultPricingTable covers the models commonly configured as the
// judge (Feb 2026 prices). Unknown models fall back to a moderate rate.
var DefaultPricingTable = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":        {InputPerMToken: 2.50, OutputPerMToken: 10.00},
	"gpt-4o-mini":   {InputPerMToken: 0.15, OutputPerMToken: 0.60},
	"gpt-4-turbo":   {InputPerMToken: 10.00, OutputPerMToken: 30.00},
	"gpt-3.5-turbo": {InputPerMToken: 0.50, OutputPerMToken: 1.50},
	"o1-mini":       {InputPerMToken: 3.00, OutputPerMToken: 12.00},
	"o3-mini":       {InputPerMToken: 1.10, OutputPerMToken: 4.40},

	// Anthropic
	"claude-3-5-sonnet": {InputPerMToken: 3.00, OutputPerMToken: 15.00},
	"claude-3-5-haiku":  {InputPerMToken: 0.80, OutputPerMToken: 4.00},

	// Google
	"gemini-2.0-flash": {InputPerMToken: 0.10, OutputPerMToken: 0.40},
	"gemini-1.5-flash": {InputPerMToken: 0.075, OutputPerMToken: 0.30},

	// DeepSeek
	"deepseek-chat": {InputPerMToken: 0.14, OutputPerMToken: 0.28},
}

// GetPricing returns pricing for a model, falling back to a default.
func GetPricing(model string) ModelPricing {
	if p, ok := DefaultPricingTable[model]; ok {
		return p
	}
	return ModelPricing{InputPerMToken: 1.00, OutputPerMToken: 3.00}
}

// CalculateCost computes the USD cost for one judge call.
func CalculateCost(model string, inputTokens, outputTokens int) float64 {
	pricing := GetPricing(model)
	inputCost := float64(inputTokens) / 1_000_000.0 * pricing.InputPerMToken
	outputCost := float64(outputTokens) / 1_000_000.0 * pricing.OutputPerMToken
	return inputCost + outputCost
}
