// Package scorer scores search results for relevance to a fit-check query
// and decides which are good enough to reason over.
package scorer

import (
	"math"

	"github.com/sells-group/fitcheck/internal/config"
	"github.com/sells-group/fitcheck/internal/model"
)

// Scoring modes.
const (
	ModeLLM       = "llm"
	ModeHeuristic = "heuristic"
)

// DefaultScoringConfig returns a config.ScoringConfig with the production
// weights and threshold bounds. Weights sum to 1.
func DefaultScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		Mode:         ModeLLM,
		FailureScore: 0.1,
		Weights: config.ScoringWeights{
			Relevance:  0.50,
			Quality:    0.30,
			Usefulness: 0.20,
		},
		Threshold: config.ThresholdConfig{Base: 0.55, Min: 0.45, Max: 0.65},
	}
}

// DefaultExtractability is the expected share of usable text per source type.
var DefaultExtractability = map[model.SourceType]float64{
	model.SourceVideo:    0.20,
	model.SourceSocial:   0.40,
	model.SourceDocument: 0.70,
	model.SourceReviews:  0.90,
	model.SourceBlog:     0.95,
	model.SourceForum:    1.00,
	model.SourceNews:     1.00,
	model.SourceJobs:     1.00,
	model.SourceCompany:  1.05,
	model.SourceWiki:     1.10,
	model.SourceOther:    0.85,
}

// WeightSum returns the sum of the dimension weights.
func WeightSum(cfg config.ScoringConfig) float64 {
	w := cfg.Weights
	return w.Relevance + w.Quality + w.Usefulness
}

// normalizedWeights returns weights that sum to 1, falling back to the
// defaults when none are set.
func normalizedWeights(cfg config.ScoringConfig) config.ScoringWeights {
	sum := WeightSum(cfg)
	if sum <= 0 || math.IsNaN(sum) {
		return DefaultScoringConfig().Weights
	}
	w := cfg.Weights
	return config.ScoringWeights{
		Relevance:  w.Relevance / sum,
		Quality:    w.Quality / sum,
		Usefulness: w.Usefulness / sum,
	}
}

func withDefaults(cfg config.ScoringConfig) config.ScoringConfig {
	def := DefaultScoringConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.FailureScore <= 0 {
		cfg.FailureScore = def.FailureScore
	}
	cfg.Weights = normalizedWeights(cfg)
	if cfg.Threshold == (config.ThresholdConfig{}) {
		cfg.Threshold = def.Threshold
	}
	return cfg
}
