package config

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Inference  InferenceConfig  `yaml:"inference" mapstructure:"inference"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Firecrawl  FirecrawlConfig  `yaml:"firecrawl" mapstructure:"firecrawl"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Breakers   BreakersConfig   `yaml:"breakers" mapstructure:"breakers"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Profile    ProfileConfig    `yaml:"profile" mapstructure:"profile"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port              int      `yaml:"port" mapstructure:"port"`
	MaxConcurrentRuns int      `yaml:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
	EventBuffer       int      `yaml:"event_buffer" mapstructure:"event_buffer"`
	AllowedOrigins    []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// StoreConfig configures run history persistence. Driver is "sqlite",
// "postgres" or "none".
type StoreConfig struct {
	Driver              string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL         string `yaml:"database_url" mapstructure:"database_url"`
	SearchCacheTTLHours int    `yaml:"search_cache_ttl_hours" mapstructure:"search_cache_ttl_hours"`
}

// InferenceConfig selects the LLM provider ("anthropic" or "gemini").
type InferenceConfig struct {
	Provider        string `yaml:"provider" mapstructure:"provider"`
	CallTimeoutSecs int    `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	FastModel string `yaml:"fast_model" mapstructure:"fast_model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GeminiConfig holds Google Gemini API settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// SearchConfig selects the web search provider ("jina" or "perplexity").
type SearchConfig struct {
	Provider        string `yaml:"provider" mapstructure:"provider"`
	ResultsPerQuery int    `yaml:"results_per_query" mapstructure:"results_per_query"`
	CallTimeoutSecs int    `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
}

// JinaConfig holds Jina search and reader settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// FirecrawlConfig holds Firecrawl scrape settings. An empty key leaves
// Firecrawl out of the fetch chain.
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FetchConfig configures source content enrichment.
type FetchConfig struct {
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxEnrich   int     `yaml:"max_enrich" mapstructure:"max_enrich"`
	MaxChars    int     `yaml:"max_chars" mapstructure:"max_chars"`
	RatePerHost float64 `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	DirectFetch bool    `yaml:"direct_fetch" mapstructure:"direct_fetch"`
}

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold" mapstructure:"success_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BreakersConfig configures the search, fetch and inference breakers.
type BreakersConfig struct {
	Search    BreakerConfig `yaml:"search" mapstructure:"search"`
	Fetch     BreakerConfig `yaml:"fetch" mapstructure:"fetch"`
	Inference BreakerConfig `yaml:"inference" mapstructure:"inference"`
}

// RetryConfig configures backoff for the search, reader and fetch clients.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// PipelineConfig configures the orchestrator's loop bounds and budgets.
type PipelineConfig struct {
	MaxIterations     int  `yaml:"max_iterations" mapstructure:"max_iterations"`
	MinSources        int  `yaml:"min_sources" mapstructure:"min_sources"`
	MaxConcurrency    int  `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	MaxSteps          int  `yaml:"max_steps" mapstructure:"max_steps"`
	MaxClarifications int  `yaml:"max_clarifications" mapstructure:"max_clarifications"`
	TimeoutSecs       int  `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PhaseTimeoutSecs  int  `yaml:"phase_timeout_secs" mapstructure:"phase_timeout_secs"`
	EscalateOnLowData bool `yaml:"escalate_on_low_data" mapstructure:"escalate_on_low_data"`
}

// ScoringConfig configures the document scorer. Mode is "llm" or "heuristic".
type ScoringConfig struct {
	Mode           string             `yaml:"mode" mapstructure:"mode"`
	FailureScore   float64            `yaml:"failure_score" mapstructure:"failure_score"`
	Weights        ScoringWeights     `yaml:"weights" mapstructure:"weights"`
	Extractability map[string]float64 `yaml:"extractability" mapstructure:"extractability"`
	Threshold      ThresholdConfig    `yaml:"threshold" mapstructure:"threshold"`
}

// ScoringWeights weights the three scoring dimensions.
type ScoringWeights struct {
	Relevance  float64 `yaml:"relevance" mapstructure:"relevance"`
	Quality    float64 `yaml:"quality" mapstructure:"quality"`
	Usefulness float64 `yaml:"usefulness" mapstructure:"usefulness"`
}

// ThresholdConfig bounds the adaptive acceptance threshold.
type ThresholdConfig struct {
	Base float64 `yaml:"base" mapstructure:"base"`
	Min  float64 `yaml:"min" mapstructure:"min"`
	Max  float64 `yaml:"max" mapstructure:"max"`
}

// ProfileConfig points at the candidate profile YAML. Empty uses the
// embedded default.
type ProfileConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PricingConfig holds pricing for the configured models. Rates are keyed
// by role rather than model name because model names contain dots, which
// viper treats as key separators.
type PricingConfig struct {
	Anthropic     ModelPricing      `yaml:"anthropic" mapstructure:"anthropic"`
	AnthropicFast ModelPricing      `yaml:"anthropic_fast" mapstructure:"anthropic_fast"`
	Gemini        ModelPricing      `yaml:"gemini" mapstructure:"gemini"`
	Jina          JinaPricing       `yaml:"jina" mapstructure:"jina"`
	Perplexity    PerplexityPricing `yaml:"perplexity" mapstructure:"perplexity"`
	Firecrawl     FirecrawlPricing  `yaml:"firecrawl" mapstructure:"firecrawl"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// JinaPricing holds Jina pricing.
type JinaPricing struct {
	PerMTok   float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
	PerSearch float64 `yaml:"per_search" mapstructure:"per_search"`
}

// PerplexityPricing holds Perplexity pricing.
type PerplexityPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// FirecrawlPricing holds Firecrawl pricing.
type FirecrawlPricing struct {
	PerPage float64 `yaml:"per_page" mapstructure:"per_page"`
}

// MonitoringConfig configures the status snapshot and background alerting.
// Alerting is disabled when WebhookURL is empty.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
}

// secretKeys have no default, so they are bound explicitly for
// FITCHECK_*_KEY environment variables to reach Unmarshal.
var secretKeys = []string{
	"anthropic.key",
	"gemini.key",
	"jina.key",
	"perplexity.key",
	"firecrawl.key",
	"store.database_url",
	"monitoring.webhook_url",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FITCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range secretKeys {
		_ = v.BindEnv(key)
	}

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.validateBounds(); err != nil {
		return nil, eris.Wrap(err, "config: validate")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_concurrent_runs", 16)
	v.SetDefault("server.event_buffer", 64)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "fitcheck.db")
	v.SetDefault("store.search_cache_ttl_hours", 6)

	v.SetDefault("inference.provider", "anthropic")
	v.SetDefault("inference.call_timeout_secs", 30)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.fast_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("gemini.model", "gemini-2.5-flash")

	v.SetDefault("search.provider", "jina")
	v.SetDefault("search.results_per_query", 8)
	v.SetDefault("search.call_timeout_secs", 15)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v1")

	v.SetDefault("fetch.timeout_secs", 15)
	v.SetDefault("fetch.max_enrich", 3)
	v.SetDefault("fetch.max_chars", 8000)
	v.SetDefault("fetch.rate_per_host", 2.0)
	v.SetDefault("fetch.user_agent", "fitcheck/1.0 (+https://github.com/sells-group/fitcheck)")
	v.SetDefault("fetch.direct_fetch", true)

	v.SetDefault("breakers.search.failure_threshold", 3)
	v.SetDefault("breakers.search.success_threshold", 2)
	v.SetDefault("breakers.search.reset_timeout_secs", 30)
	v.SetDefault("breakers.fetch.failure_threshold", 5)
	v.SetDefault("breakers.fetch.success_threshold", 2)
	v.SetDefault("breakers.fetch.reset_timeout_secs", 20)
	v.SetDefault("breakers.inference.failure_threshold", 3)
	v.SetDefault("breakers.inference.success_threshold", 1)
	v.SetDefault("breakers.inference.reset_timeout_secs", 60)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 250)
	v.SetDefault("retry.max_backoff_ms", 5000)

	v.SetDefault("pipeline.max_iterations", 3)
	v.SetDefault("pipeline.min_sources", 3)
	v.SetDefault("pipeline.max_concurrency", 8)
	v.SetDefault("pipeline.max_steps", 24)
	v.SetDefault("pipeline.max_clarifications", 1)
	v.SetDefault("pipeline.timeout_secs", 120)
	v.SetDefault("pipeline.phase_timeout_secs", 45)
	v.SetDefault("pipeline.escalate_on_low_data", true)

	v.SetDefault("scoring.mode", "llm")
	v.SetDefault("scoring.failure_score", 0.1)
	v.SetDefault("scoring.weights.relevance", 0.5)
	v.SetDefault("scoring.weights.quality", 0.3)
	v.SetDefault("scoring.weights.usefulness", 0.2)
	v.SetDefault("scoring.threshold.base", 0.55)
	v.SetDefault("scoring.threshold.min", 0.45)
	v.SetDefault("scoring.threshold.max", 0.65)

	v.SetDefault("pricing.anthropic.input", 3.0)
	v.SetDefault("pricing.anthropic.output", 15.0)
	v.SetDefault("pricing.anthropic_fast.input", 1.0)
	v.SetDefault("pricing.anthropic_fast.output", 5.0)
	v.SetDefault("pricing.gemini.input", 0.30)
	v.SetDefault("pricing.gemini.output", 2.50)
	v.SetDefault("pricing.jina.per_mtok", 0.02)
	v.SetDefault("pricing.jina.per_search", 0.002)
	v.SetDefault("pricing.perplexity.per_query", 0.005)
	v.SetDefault("pricing.firecrawl.per_page", 0.001)

	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)
}

// Validate checks the settings required by a command mode ("serve" or
// "check") on top of the pipeline bounds. All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string
	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.MaxConcurrentRuns < 1 {
			errs = append(errs, "server.max_concurrent_runs must be >= 1")
		}
		errs = append(errs, c.credentialErrors()...)
	case "check":
		errs = append(errs, c.credentialErrors()...)
	case "runs":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	if err := c.validateBounds(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) credentialErrors() []string {
	var errs []string
	switch c.Inference.Provider {
	case "anthropic":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case "gemini":
		if c.Gemini.Key == "" {
			errs = append(errs, "gemini.key is required")
		}
	}
	switch c.Search.Provider {
	case "jina":
		if c.Jina.Key == "" {
			errs = append(errs, "jina.key is required")
		}
	case "perplexity":
		if c.Perplexity.Key == "" {
			errs = append(errs, "perplexity.key is required")
		}
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

// validateBounds rejects configurations the pipeline cannot run with.
func (c *Config) validateBounds() error {
	p := c.Pipeline
	if p.MaxIterations < 1 {
		return eris.Errorf("pipeline.max_iterations must be >= 1, got %d", p.MaxIterations)
	}
	if p.MinSources < 1 {
		return eris.Errorf("pipeline.min_sources must be >= 1, got %d", p.MinSources)
	}
	if p.MaxConcurrency < 1 {
		return eris.Errorf("pipeline.max_concurrency must be >= 1, got %d", p.MaxConcurrency)
	}

	w := c.Scoring.Weights
	if w.Relevance < 0 || w.Quality < 0 || w.Usefulness < 0 {
		return eris.New("scoring.weights values must be >= 0")
	}
	if sum := w.Relevance + w.Quality + w.Usefulness; math.Abs(sum-1) > 0.01 {
		return eris.Errorf("scoring.weights must sum to 1, got %.2f", sum)
	}

	th := c.Scoring.Threshold
	if th.Min > th.Max || th.Base < th.Min || th.Base > th.Max {
		return eris.Errorf("scoring.threshold must satisfy min <= base <= max, got %.2f/%.2f/%.2f", th.Min, th.Base, th.Max)
	}

	switch c.Scoring.Mode {
	case "llm", "heuristic":
	default:
		return eris.Errorf("unknown scoring.mode %q", c.Scoring.Mode)
	}
	switch c.Inference.Provider {
	case "anthropic", "gemini":
	default:
		return eris.Errorf("unknown inference.provider %q", c.Inference.Provider)
	}
	switch c.Search.Provider {
	case "jina", "perplexity":
	default:
		return eris.Errorf("unknown search.provider %q", c.Search.Provider)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		return eris.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
