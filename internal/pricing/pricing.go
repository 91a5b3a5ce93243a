package pricing

import "sync"

// ============================================================================
// COST ESTIMATOR - static price table, USD per 1K tokens
// ============================================================================

// ModelPrice holds prompt/completion prices per 1K tokens.
type ModelPrice struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k"`
	Free            bool    `yaml:"free"`
}

// Estimator computes USD cost from a static price table. Safe for concurrent
// use; UpdatePrice exists for the thresholds-file override path only.
type Estimator struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewEstimator returns an estimator loaded with the default price table.
func NewEstimator() *Estimator {
	return &Estimator{prices: defaultPrices()}
}

// Cost returns the USD cost for (model, tokensIn, tokensOut) and whether the
// model is in the price table. Unknown models cost 0; the caller tags the
// event with unknown_model_pricing.
func (e *Estimator) Cost(model string, tokensIn, tokensOut int) (float64, bool) {
	e.mu.RLock()
	p, ok := e.prices[model]
	e.mu.RUnlock()

	if !ok {
		return 0, false
	}
	if p.Free {
		return 0, true
	}
	return float64(tokensIn)/1000*p.PromptPer1K +
		float64(tokensOut)/1000*p.CompletionPer1K, true
}

// IsFree reports whether the table marks a model free.
func (e *Estimator) IsFree(model string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.prices[model]
	return ok && p.Free
}

// UpdatePrice overrides or adds one model's pricing.
func (e *Estimator) UpdatePrice(model string, price ModelPrice) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[model] = price
}

// Models returns every model in the table, for the /v1/models listing.
func (e *Estimator) Models() map[string]ModelPrice {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]ModelPrice, len(e.prices))
	for k, v := range e.prices {
		out[k] = v
	}
	return out
}

// EstimateTokens is the chars/4 heuristic used when an upstream response
// carries no usage block. English text averages ~4 chars per token.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return len(text)/4 + 3
}

func defaultPrices() map[string]ModelPrice {
	return map[string]ModelPrice{
		// OpenAI
		"gpt-4o":        {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
		"gpt-4o-mini":   {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
		"gpt-4-turbo":   {PromptPer1K: 0.01, CompletionPer1K: 0.03},
		"gpt-3.5-turbo": {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
		"o1":            {PromptPer1K: 0.015, CompletionPer1K: 0.06},
		"o1-mini":       {PromptPer1K: 0.003, CompletionPer1K: 0.012},

		// Anthropic
		"claude-3-opus-20240229":   {PromptPer1K: 0.015, CompletionPer1K: 0.075},
		"claude-3-5-sonnet-latest": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
		"claude-3-5-haiku-latest":  {PromptPer1K: 0.0008, CompletionPer1K: 0.004},

		// Groq free tier
		"llama-3.1-8b-instant":    {Free: true},
		"llama-3.3-70b-versatile": {Free: true},
		"mixtral-8x7b-32768":      {Free: true},
		"gemma2-9b-it":            {Free: true},

		// OpenRouter (slash-routed)
		"mistralai/mistral-7b-instruct:free":    {Free: true},
		"meta-llama/llama-3.2-3b-instruct:free": {Free: true},
		"meta-llama/llama-3.1-8b-instruct:free": {Free: true},
		"google/gemma-2-9b-it:free":             {Free: true},
		"qwen/qwen-2.5-7b-instruct:free":        {Free: true},
		"huggingfaceh4/zephyr-7b-beta:free":     {Free: true},
		"anthropic/claude-3.5-sonnet":           {PromptPer1K: 0.003, CompletionPer1K: 0.015},
		"openai/gpt-4o":                         {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
	}
}
