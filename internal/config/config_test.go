package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 64, cfg.Server.EventBuffer)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "anthropic", cfg.Inference.Provider)
	assert.Equal(t, "jina", cfg.Search.Provider)
	assert.Equal(t, "https://s.jina.ai", cfg.Jina.SearchBaseURL)

	assert.Equal(t, 3, cfg.Pipeline.MaxIterations)
	assert.Equal(t, 3, cfg.Pipeline.MinSources)
	assert.Equal(t, 8, cfg.Pipeline.MaxConcurrency)
	assert.Equal(t, 120, cfg.Pipeline.TimeoutSecs)
	assert.True(t, cfg.Pipeline.EscalateOnLowData)

	assert.InDelta(t, 0.5, cfg.Scoring.Weights.Relevance, 0.001)
	assert.InDelta(t, 0.3, cfg.Scoring.Weights.Quality, 0.001)
	assert.InDelta(t, 0.2, cfg.Scoring.Weights.Usefulness, 0.001)
	assert.InDelta(t, 0.45, cfg.Scoring.Threshold.Min, 0.001)
	assert.InDelta(t, 0.65, cfg.Scoring.Threshold.Max, 0.001)

	assert.Equal(t, 3, cfg.Breakers.Search.FailureThreshold)
	assert.Equal(t, 2, cfg.Breakers.Search.SuccessThreshold)
	assert.Equal(t, 30, cfg.Breakers.Search.ResetTimeoutSecs)
	assert.Equal(t, 5, cfg.Breakers.Fetch.FailureThreshold)
	assert.Equal(t, 20, cfg.Breakers.Fetch.ResetTimeoutSecs)
	assert.Equal(t, 1, cfg.Breakers.Inference.SuccessThreshold)
	assert.Equal(t, 60, cfg.Breakers.Inference.ResetTimeoutSecs)

	assert.InDelta(t, 3.0, cfg.Pricing.Anthropic.Input, 0.001)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250, cfg.Retry.InitialBackoffMs)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
pipeline:
  max_iterations: 4
scoring:
  mode: heuristic
  extractability:
    video: 0.1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Pipeline.MaxIterations)
	assert.Equal(t, "heuristic", cfg.Scoring.Mode)
	assert.InDelta(t, 0.1, cfg.Scoring.Extractability["video"], 0.001)
	// Defaults still apply for unset values.
	assert.Equal(t, 3, cfg.Pipeline.MinSources)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: debug\n"), 0o644))

	t.Setenv("FITCHECK_LOG_LEVEL", "warn")
	t.Setenv("FITCHECK_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadSecretsFromEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("FITCHECK_ANTHROPIC_KEY", "sk-ant")
	t.Setenv("FITCHECK_FIRECRAWL_KEY", "fc-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", cfg.Anthropic.Key)
	assert.Equal(t, "fc-key", cfg.Firecrawl.Key)
	assert.Equal(t, "https://api.firecrawl.dev/v1", cfg.Firecrawl.BaseURL)
	assert.Empty(t, cfg.Jina.Key)
}

func TestLoadRejectsInvalidBounds(t *testing.T) {
	chdirTemp(t)
	t.Setenv("FITCHECK_PIPELINE_MAX_ITERATIONS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

// validDefaults returns a Config that passes bounds validation.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Server.MaxConcurrentRuns = 4
	cfg.Store.Driver = "sqlite"
	cfg.Inference.Provider = "anthropic"
	cfg.Search.Provider = "jina"
	cfg.Pipeline.MaxIterations = 3
	cfg.Pipeline.MinSources = 3
	cfg.Pipeline.MaxConcurrency = 8
	cfg.Scoring.Weights = ScoringWeights{Relevance: 0.5, Quality: 0.3, Usefulness: 0.2}
	cfg.Scoring.Threshold = ThresholdConfig{Base: 0.55, Min: 0.45, Max: 0.65}
	return cfg
}

func TestValidateServe_MissingCredentials(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "jina.key is required")

	cfg.Anthropic.Key = "sk-ant"
	cfg.Jina.Key = "jina"
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key, cfg.Jina.Key = "k", "k"
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateCheck_AlternateProviders(t *testing.T) {
	cfg := validDefaults()
	cfg.Inference.Provider = "gemini"
	cfg.Search.Provider = "perplexity"

	err := cfg.Validate("check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini.key is required")
	assert.Contains(t, err.Error(), "perplexity.key is required")
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	assert.NoError(t, cfg.Validate("runs"))

	cfg.Anthropic.Key, cfg.Jina.Key = "k", "k"
	err := cfg.Validate("check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"weights sum", func(c *Config) { c.Scoring.Weights.Relevance = 0.9 }, "sum to 1"},
		{"negative weight", func(c *Config) { c.Scoring.Weights.Quality = -0.3 }, "must be >= 0"},
		{"threshold order", func(c *Config) { c.Scoring.Threshold.Base = 0.7 }, "min <= base <= max"},
		{"provider", func(c *Config) { c.Inference.Provider = "openai" }, "inference.provider"},
		{"driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"concurrency", func(c *Config) { c.Pipeline.MaxConcurrency = 0 }, "max_concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate("runs")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
