// Package cost attributes estimated USD cost to the external calls a run
// makes.
package cost

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/fitcheck/internal/config"
	"github.com/sells-group/fitcheck/internal/model"
)

// Calculator computes costs for API usage.
type Calculator struct {
	rates     config.PricingConfig
	fastModel string
}

// NewCalculator creates a Calculator with the given rates. fastModel is the
// Anthropic model billed at the anthropic_fast rate.
func NewCalculator(rates config.PricingConfig, fastModel string) *Calculator {
	return &Calculator{rates: rates, fastModel: fastModel}
}

// Inference computes the cost of one LLM call.
func (c *Calculator) Inference(provider, modelName string, input, output int64) float64 {
	var rate config.ModelPricing
	switch provider {
	case "anthropic":
		rate = c.rates.Anthropic
		if modelName != "" && modelName == c.fastModel {
			rate = c.rates.AnthropicFast
		}
	case "gemini":
		rate = c.rates.Gemini
	default:
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Search returns the flat cost of one live search call.
func (c *Calculator) Search(provider string) float64 {
	switch provider {
	case "jina":
		return c.rates.Jina.PerSearch
	case "perplexity":
		return c.rates.Perplexity.PerQuery
	default:
		return 0
	}
}

// Jina computes the cost for Jina Reader token usage.
func (c *Calculator) Jina(tokens int) float64 {
	return (float64(tokens) / 1e6) * c.rates.Jina.PerMTok
}

// Fetch returns the cost of one fetched page. Direct HTTP fetches are free.
func (c *Calculator) Fetch(fetcher string, tokens int) float64 {
	switch fetcher {
	case "jina_reader":
		return c.Jina(tokens)
	case "firecrawl":
		return c.rates.Firecrawl.PerPage
	default:
		return 0
	}
}

// Ledger accumulates usage and cost for one run. It is safe for concurrent use.
type Ledger struct {
	calc  *Calculator
	runID string

	mu    sync.Mutex
	usage model.TokenUsage
}

// NewLedger returns an empty ledger for runID. A nil calculator records
// tokens without cost.
func NewLedger(calc *Calculator, runID string) *Ledger {
	return &Ledger{calc: calc, runID: runID}
}

// AddInference records one LLM call.
func (l *Ledger) AddInference(task, provider, modelName string, input, output int64) {
	var usd float64
	if l.calc != nil {
		usd = l.calc.Inference(provider, modelName, input, output)
	}

	l.mu.Lock()
	l.usage.InputTokens += input
	l.usage.OutputTokens += output
	l.usage.Calls++
	l.usage.CostUSD += usd
	l.mu.Unlock()

	zap.L().Debug("cost attribution",
		zap.String("run_id", l.runID),
		zap.String("task", task),
		zap.String("provider", provider),
		zap.String("model", modelName),
		zap.Int64("input_tokens", input),
		zap.Int64("output_tokens", output),
		zap.Float64("cost_usd", usd),
	)
}

// AddSearch records one live search call.
func (l *Ledger) AddSearch(provider string) {
	if l.calc == nil {
		return
	}
	usd := l.calc.Search(provider)
	l.mu.Lock()
	l.usage.CostUSD += usd
	l.mu.Unlock()
}

// AddFetch records one enriched page.
func (l *Ledger) AddFetch(fetcher string, tokens int) {
	if l.calc == nil {
		return
	}
	usd := l.calc.Fetch(fetcher, tokens)
	l.mu.Lock()
	l.usage.CostUSD += usd
	l.mu.Unlock()
}

// Usage returns the totals so far.
func (l *Ledger) Usage() model.TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage
}
