// Package usage provides token accounting, pricing and budget window math.
package usage

import (
	"strings"
	"sync"
)

// Usage represents token usage for a single model turn.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns the total token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add adds another usage record to this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Cost represents pricing for a model (per million tokens).
type Cost struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Estimate calculates the cost for the given usage.
func (c Cost) Estimate(usage *Usage) float64 {
	if usage == nil {
		return 0
	}
	total := float64(usage.InputTokens)*c.Input + float64(usage.OutputTokens)*c.Output
	return total / 1_000_000
}

// Pricing resolves per-model costs. Keys are "provider/model" or a bare
// model name; the most specific match wins.
type Pricing struct {
	mu       sync.RWMutex
	table    map[string]Cost
	fallback Cost
}

// NewPricing creates a price table. fallback applies to unknown models.
func NewPricing(table map[string]Cost, fallback Cost) *Pricing {
	p := &Pricing{table: make(map[string]Cost, len(table)), fallback: fallback}
	for k, v := range table {
		p.table[strings.ToLower(k)] = v
	}
	return p
}

// Set adds or replaces an entry.
func (p *Pricing) Set(key string, cost Cost) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table[strings.ToLower(key)] = cost
}

// Lookup returns the cost for a provider and model.
func (p *Pricing) Lookup(provider, model string) Cost {
	if p == nil {
		return Cost{}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	provider = strings.ToLower(provider)
	model = strings.ToLower(model)
	if c, ok := p.table[provider+"/"+model]; ok {
		return c
	}
	if c, ok := p.table[model]; ok {
		return c
	}
	return p.fallback
}

// Price computes the cost of usage for a provider and model.
func (p *Pricing) Price(provider, model string, u *Usage) float64 {
	cost := p.Lookup(provider, model)
	return cost.Estimate(u)
}
