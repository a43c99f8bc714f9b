package agent

import "sync"

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultModelPricing contains pricing for the models in the default role table.
var DefaultModelPricing = map[string]ModelPricing{
	ModelOpus:   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	ModelSonnet: {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	ModelHaiku:  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
}

// TokenUsage is an input/output token pair.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// TokenTracker tracks token usage across calls, overall and per agent.
type TokenTracker struct {
	mu      sync.Mutex
	total   TokenUsage
	byAgent map[string]TokenUsage
	calls   int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{byAgent: make(map[string]TokenUsage)}
}

// Add records token usage from one call.
func (t *TokenTracker) Add(agent string, input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total.InputTokens += input
	t.total.OutputTokens += output
	u := t.byAgent[agent]
	u.InputTokens += input
	u.OutputTokens += output
	t.byAgent[agent] = u
	t.calls++
}

// Total returns the overall usage.
func (t *TokenTracker) Total() TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ByAgent returns a copy of per-agent usage.
func (t *TokenTracker) ByAgent() map[string]TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]TokenUsage, len(t.byAgent))
	for k, v := range t.byAgent {
		out[k] = v
	}
	return out
}

// Calls returns the number of calls recorded.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Cost estimates USD cost of the overall usage at the given model's pricing.
// Unknown models are priced as Sonnet.
func (t *TokenTracker) Cost(model string) float64 {
	p, ok := DefaultModelPricing[model]
	if !ok {
		p = DefaultModelPricing[ModelSonnet]
	}
	u := t.Total()
	return float64(u.InputTokens)/1_000_000*p.InputPerMillion + float64(u.OutputTokens)/1_000_000*p.OutputPerMillion
}
