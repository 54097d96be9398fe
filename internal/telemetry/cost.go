package telemetry

import "sync"

// ModelPrice is one model's per-1K-token input/output pricing, in USD.
type ModelPrice struct {
	Provider    string
	Model       string
	PriceInput  float64
	PriceOutput float64
}

// CostCalculator prices a dispatch's token counts against a per-
// provider/model rate table. Safe for concurrent use.
type CostCalculator struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice // key: provider:model
}

// NewCostCalculator returns a calculator seeded with the rates for the
// adapters this module ships.
func NewCostCalculator() *CostCalculator {
	c := &CostCalculator{prices: make(map[string]ModelPrice)}
	for _, p := range defaultPrices {
		c.SetPrice(p.Provider, p.Model, p.PriceInput, p.PriceOutput)
	}
	return c
}

var defaultPrices = []ModelPrice{
	{Provider: "deepseek", Model: "deepseek-chat", PriceInput: 0.00014, PriceOutput: 0.00028},
	{Provider: "deepseek", Model: "deepseek-reasoner", PriceInput: 0.00055, PriceOutput: 0.00219},
	{Provider: "qwen", Model: "qwen-turbo", PriceInput: 0.0003, PriceOutput: 0.0006},
	{Provider: "qwen", Model: "qwen3-235b-a22b", PriceInput: 0.002, PriceOutput: 0.006},
	{Provider: "doubao", Model: "Doubao-1.5-pro-32k", PriceInput: 0.0008, PriceOutput: 0.002},
	{Provider: "grok", Model: "grok-beta", PriceInput: 0.005, PriceOutput: 0.015},
	{Provider: "glm", Model: "glm-4-plus", PriceInput: 0.0007, PriceOutput: 0.0007},
	{Provider: "kimi", Model: "moonshot-v1-8k", PriceInput: 0.0017, PriceOutput: 0.0017},
	{Provider: "minimax", Model: "abab6.5s-chat", PriceInput: 0.0014, PriceOutput: 0.0014},
}

// SetPrice registers or overrides one model's rate, for operator
// pricing updates that don't require a redeploy.
func (c *CostCalculator) SetPrice(provider, model string, priceInput, priceOutput float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[provider+":"+model] = ModelPrice{Provider: provider, Model: model, PriceInput: priceInput, PriceOutput: priceOutput}
}

// GetPrice returns the registered rate, or false if the provider/model
// pair has none.
func (c *CostCalculator) GetPrice(provider, model string) (ModelPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[provider+":"+model]
	return p, ok
}

// Calculate returns the USD cost of tokensInput/tokensOutput against the
// registered rate, or 0 for an unpriced provider/model pair.
func (c *CostCalculator) Calculate(provider, model string, tokensInput, tokensOutput int) float64 {
	price, ok := c.GetPrice(provider, model)
	if !ok {
		return 0
	}
	return float64(tokensInput)/1000*price.PriceInput + float64(tokensOutput)/1000*price.PriceOutput
}
