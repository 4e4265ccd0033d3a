// Package cost attributes API spend to pipeline stages.
package cost

import (
	"sort"
	"sync"

	"github.com/sells-group/vmrs-cli/internal/config"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic  map[string]ModelRate
	Jina       JinaRate
	Perplexity PerplexityRate
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64
	Output        float64
	CacheWriteMul float64
	CacheReadMul  float64
}

// JinaRate holds Jina Search pricing.
type JinaRate struct {
	PerMTok float64
}

// PerplexityRate holds Perplexity pricing.
type PerplexityRate struct {
	PerQuery float64
}

// Calculator computes costs for API usage and keeps a per-stage ledger.
type Calculator struct {
	rates Rates

	mu      sync.Mutex
	byStage map[string]float64
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates, byStage: make(map[string]float64)}
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Jina computes the cost for Jina Search token usage.
func (c *Calculator) Jina(tokens int) float64 {
	return (float64(tokens) / 1e6) * c.rates.Jina.PerMTok
}

// PerplexityQuery returns the flat cost per Perplexity query.
func (c *Calculator) PerplexityQuery() float64 {
	return c.rates.Perplexity.PerQuery
}

// Attribute records usd against stage and returns it.
func (c *Calculator) Attribute(stage string, usd float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byStage[stage] += usd
	return usd
}

// StageCost is the spend attributed to one stage.
type StageCost struct {
	Stage string  `json:"stage"`
	USD   float64 `json:"usd"`
}

// Breakdown returns attributed spend sorted by stage name.
func (c *Calculator) Breakdown() []StageCost {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StageCost, 0, len(c.byStage))
	for s, usd := range c.byStage {
		out = append(out, StageCost{Stage: s, USD: usd})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Jina:       JinaRate{PerMTok: 0.02},
		Perplexity: PerplexityRate{PerQuery: 0.005},
	}
}

// RatesFromConfig overlays configured pricing on the defaults.
func RatesFromConfig(cfg config.PricingConfig) Rates {
	rates := DefaultRates()
	for model, p := range cfg.Anthropic {
		rates.Anthropic[model] = ModelRate{
			Input:         p.Input,
			Output:        p.Output,
			CacheWriteMul: p.CacheWriteMul,
			CacheReadMul:  p.CacheReadMul,
		}
	}
	if cfg.Jina.PerMTok > 0 {
		rates.Jina.PerMTok = cfg.Jina.PerMTok
	}
	if cfg.Perplexity.PerQuery > 0 {
		rates.Perplexity.PerQuery = cfg.Perplexity.PerQuery
	}
	return rates
}
