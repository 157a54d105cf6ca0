package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fitcheck/internal/config"
	"github.com/sells-group/fitcheck/internal/cost"
	"github.com/sells-group/fitcheck/internal/fetch"
	"github.com/sells-group/fitcheck/internal/llm"
	"github.com/sells-group/fitcheck/internal/pipeline"
	"github.com/sells-group/fitcheck/internal/profile"
	"github.com/sells-group/fitcheck/internal/resilience"
	"github.com/sells-group/fitcheck/internal/search"
	"github.com/sells-group/fitcheck/internal/store"
	anthropicpkg "github.com/sells-group/fitcheck/pkg/anthropic"
	"github.com/sells-group/fitcheck/pkg/firecrawl"
	"github.com/sells-group/fitcheck/pkg/gemini"
	"github.com/sells-group/fitcheck/pkg/jina"
	"github.com/sells-group/fitcheck/pkg/perplexity"
)

// pipelineEnv holds the store, the breaker set and the pipeline shared by
// the serve and check commands.
type pipelineEnv struct {
	Store    store.Store
	Breakers *resilience.Breakers
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates cfg for mode, opens the store and builds every
// guarded collaborator. Callers should defer env.Close().
func initPipeline(ctx context.Context, c *config.Config, mode string) (*pipelineEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	prof, err := profile.Load(c.Profile.Path)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, c.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}

	breakers := initBreakers(c.Breakers)
	retry := resilience.FromRetryConfig(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs)

	client, err := initLLM(ctx, c, breakers.Inference)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	p, err := pipeline.New(pipeline.OptionsFromConfig(c), pipeline.Deps{
		LLM:     client,
		Search:  initSearch(c, breakers.Search, st, retry),
		Fetcher: initFetcher(c, breakers.Fetch, retry),
		Profile: prof,
		Store:   st,
		Cost:    cost.NewCalculator(c.Pricing, c.Anthropic.FastModel),
	})
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "build pipeline")
	}

	zap.L().Info("pipeline ready",
		zap.String("inference", c.Inference.Provider),
		zap.String("search", c.Search.Provider),
		zap.String("store", c.Store.Driver),
		zap.String("scoring", c.Scoring.Mode),
		zap.String("profile", prof.Name),
	)

	return &pipelineEnv{Store: st, Breakers: breakers, Pipeline: p}, nil
}

func initBreakers(c config.BreakersConfig) *resilience.Breakers {
	logTransition := func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("circuit breaker state change",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	search := resilience.FromCircuitConfig(resilience.BreakerSearch, c.Search.FailureThreshold, c.Search.SuccessThreshold, c.Search.ResetTimeoutSecs)
	fetchCfg := resilience.FromCircuitConfig(resilience.BreakerFetch, c.Fetch.FailureThreshold, c.Fetch.SuccessThreshold, c.Fetch.ResetTimeoutSecs)
	inference := resilience.FromCircuitConfig(resilience.BreakerInference, c.Inference.FailureThreshold, c.Inference.SuccessThreshold, c.Inference.ResetTimeoutSecs)
	search.OnStateChange = logTransition
	fetchCfg.OnStateChange = logTransition
	inference.OnStateChange = logTransition
	return resilience.NewBreakers(search, fetchCfg, inference)
}

// initLLM builds the configured inference client behind the inference breaker.
func initLLM(ctx context.Context, c *config.Config, breaker *resilience.CircuitBreaker) (llm.Client, error) {
	var inner llm.Client
	switch c.Inference.Provider {
	case "anthropic":
		inner = llm.NewAnthropic(anthropicpkg.NewClient(c.Anthropic.Key), c.Anthropic.Model, c.Anthropic.FastModel, c.Anthropic.MaxTokens)
	case "gemini":
		gen, err := gemini.NewGenerator(ctx, c.Gemini.Key, c.Gemini.Model)
		if err != nil {
			return nil, eris.Wrap(err, "init gemini")
		}
		inner = llm.NewGemini(gen)
	default:
		return nil, eris.Errorf("unknown inference provider %q", c.Inference.Provider)
	}
	return llm.NewGuarded(inner, breaker,
		llm.WithTimeout(time.Duration(c.Inference.CallTimeoutSecs)*time.Second),
	), nil
}

// initSearch builds the configured search provider behind the search breaker,
// with the store as its result cache.
func initSearch(c *config.Config, breaker *resilience.CircuitBreaker, st store.Store, retry resilience.RetryConfig) *search.Guarded {
	var provider search.Provider
	switch c.Search.Provider {
	case "perplexity":
		provider = search.NewPerplexity(perplexity.NewClient(c.Perplexity.Key,
			perplexity.WithBaseURL(c.Perplexity.BaseURL),
			perplexity.WithModel(c.Perplexity.Model),
		), retry)
	default:
		provider = search.NewJina(newJinaClient(c), retry)
	}
	return search.NewGuarded(provider, breaker, st, search.Options{
		Timeout:  time.Duration(c.Search.CallTimeoutSecs) * time.Second,
		Limit:    c.Search.ResultsPerQuery,
		CacheTTL: time.Duration(c.Store.SearchCacheTTLHours) * time.Hour,
	})
}

// initFetcher chains Jina Reader (when a key is set) and direct HTTP behind
// the fetch breaker. It returns nil when no fetcher is available, which
// disables enrichment.
func initFetcher(c *config.Config, breaker *resilience.CircuitBreaker, retry resilience.RetryConfig) fetch.Fetcher {
	var fetchers []fetch.Fetcher
	if c.Jina.Key != "" {
		fetchers = append(fetchers, fetch.NewJinaReader(newJinaClient(c), retry))
	}
	if c.Fetch.DirectFetch {
		fetchers = append(fetchers, fetch.NewHTTPFetcher(fetch.HTTPOptions{
			UserAgent:   c.Fetch.UserAgent,
			Timeout:     time.Duration(c.Fetch.TimeoutSecs) * time.Second,
			RatePerHost: c.Fetch.RatePerHost,
			Retry:       retry,
		}))
	}
	if c.Firecrawl.Key != "" {
		fetchers = append(fetchers, fetch.NewFirecrawl(
			firecrawl.NewClient(c.Firecrawl.Key, firecrawl.WithBaseURL(c.Firecrawl.BaseURL)), retry))
	}
	if len(fetchers) == 0 {
		return nil
	}
	return fetch.NewGuarded(fetch.NewChain(fetchers...), breaker,
		time.Duration(c.Fetch.TimeoutSecs)*time.Second, c.Fetch.MaxChars)
}

func newJinaClient(c *config.Config) jina.Client {
	opts := []jina.Option{jina.WithBaseURL(c.Jina.BaseURL)}
	if c.Jina.SearchBaseURL != "" {
		opts = append(opts, jina.WithSearchBaseURL(c.Jina.SearchBaseURL))
	}
	return jina.NewClient(c.Jina.Key, opts...)
}
