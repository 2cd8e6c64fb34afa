package cost

import (
	"log/slog"
	"sync"
)

// Usage is the accumulated judge spend, overall or for one model.
type Usage struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Tracker accumulates judge usage per model.
type Tracker struct {
	mu      sync.RWMutex
	byModel map[string]Usage
	total   Usage
	logger  *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		byModel: make(map[string]Usage),
		logger:  logger.With("component", "cost.Tracker"),
	}
}

// Record adds one judge call's token usage and returns its USD cost.
func (t *Tracker) Record(model string, inputTokens, outputTokens int) float64 {
	usd := CalculateCost(model, inputTokens, outputTokens)

	t.mu.Lock()
	u := t.byModel[model]
	u.Calls++
	u.InputTokens += int64(inputTokens)
	u.OutputTokens += int64(outputTokens)
	u.CostUSD += usd
	t.byModel[model] = u

	t.total.Calls++
	t.total.InputTokens += int64(inputTokens)
	t.total.OutputTokens += int64(outputTokens)
	t.total.CostUSD += usd
	t.mu.Unlock()

	t.logger.Debug("judge usage recorded",
		"model", model,
		"input_tokens", inputTokens,
		"output_tokens", outputTokens,
		"cost_usd", usd,
	)
	return usd
}

// Total returns the overall accumulated usage.
func (t *Tracker) Total() Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// ByModel returns a copy of per-model usage.
func (t *Tracker) ByModel() map[string]Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Usage, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = v
	}
	return out
}

// EstimateTokens gives a rough token count (~4 chars per token) for
// when the provider response carries no usage block.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
