package scorer

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fitcheck/internal/config"
	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/resilience"
)

// Query is what documents are scored against.
type Query struct {
	Text   string
	Type   model.QueryType
	Entity string
	Skills []string
}

// Dimensions are the raw per-document scores, each in [0,1].
type Dimensions struct {
	Relevance  float64 `json:"relevance"`
	Quality    float64 `json:"quality"`
	Usefulness float64 `json:"usefulness"`
}

// DimensionScorer produces the raw dimension scores for one document.
type DimensionScorer interface {
	Name() string
	Dimensions(ctx context.Context, doc model.Document, q Query) (Dimensions, error)
}

// Scorer scores batches of documents.
type Scorer struct {
	dims DimensionScorer
	cfg  config.ScoringConfig
}

// New creates a Scorer. Zero-valued config fields take the defaults.
func New(dims DimensionScorer, cfg config.ScoringConfig) *Scorer {
	return &Scorer{dims: dims, cfg: withDefaults(cfg)}
}

// Config returns the effective scoring config.
func (s *Scorer) Config() config.ScoringConfig { return s.cfg }

// ScoreBatch scores docs with at most maxConcurrency in flight and returns
// one result per input, sorted by FinalScore descending. Ties keep input
// order. A document whose scoring fails, or that was never scheduled because
// ctx ended, gets the failure default and a ScoreError.
func (s *Scorer) ScoreBatch(ctx context.Context, docs []model.Document, q Query, maxConcurrency int) []model.ScoredDocument {
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	start := time.Now()
	out := make([]model.ScoredDocument, len(docs))
	scheduled := make([]bool, len(docs))

	var g errgroup.Group
	g.SetLimit(maxConcurrency)
	for i, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		scheduled[i] = true
		g.Go(func() error {
			out[i] = s.Score(ctx, doc, q)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i := range docs {
		if !scheduled[i] {
			out[i] = s.failed(docs[i], q, "not scored: "+ctx.Err().Error())
		}
		if out[i].ScoreError != "" {
			failed++
		}
	}

	Sort(out)

	zap.L().Debug("scorer: batch complete",
		zap.String("dimensions", s.dims.Name()),
		zap.Int("documents", len(docs)),
		zap.Int("failed", failed),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return out
}

// Score scores a single document. When the dimension scorer's dependency is
// behind an open circuit, the heuristic dimensions stand in and the result
// is marked Degraded.
func (s *Scorer) Score(ctx context.Context, doc model.Document, q Query) model.ScoredDocument {
	d, err := s.dims.Dimensions(ctx, doc, q)
	if err != nil && resilience.IsCircuitOpen(err) {
		if _, heuristic := s.dims.(HeuristicDimensions); !heuristic {
			if hd, herr := (HeuristicDimensions{}).Dimensions(ctx, doc, q); herr == nil {
				sd := s.compose(doc, q, hd)
				sd.Degraded = true
				return sd
			}
		}
	}
	if err != nil {
		zap.L().Debug("scorer: document failed", zap.String("url", doc.URL), zap.Error(err))
		return s.failed(doc, q, err.Error())
	}
	return s.compose(doc, q, d)
}

func (s *Scorer) failed(doc model.Document, q Query, reason string) model.ScoredDocument {
	f := s.cfg.FailureScore
	sd := s.compose(doc, q, Dimensions{Relevance: f, Quality: f, Usefulness: f})
	sd.ScoreError = reason
	return sd
}

func (s *Scorer) compose(doc model.Document, q Query, d Dimensions) model.ScoredDocument {
	w := s.cfg.Weights
	sd := model.ScoredDocument{
		Document:   doc,
		Relevance:  clamp01(d.Relevance),
		Quality:    clamp01(d.Quality),
		Usefulness: clamp01(d.Usefulness),
	}
	sd.Composite = w.Relevance*sd.Relevance + w.Quality*sd.Quality + w.Usefulness*sd.Usefulness
	sd.ExtractabilityMultiplier = Extractability(doc.SourceType, s.cfg.Extractability)
	sd.QueryRelevanceMultiplier = QueryRelevance(doc, q)
	sd.FinalScore = clamp01(sd.Composite * sd.ExtractabilityMultiplier * sd.QueryRelevanceMultiplier)
	return sd
}

// QueryRelevance returns the multiplier for how directly doc addresses the
// query. Company queries reward naming the entity in the title or host
// (1.15) over the snippet (1.0) and penalize absence (0.75). Job description
// queries scale with the share of extracted skills mentioned, 0.75 to 1.15.
func QueryRelevance(doc model.Document, q Query) float64 {
	switch q.Type {
	case model.QueryCompany:
		entity := strings.ToLower(strings.TrimSpace(q.Entity))
		if entity == "" {
			return 1.0
		}
		slug := Slug(entity)
		title := strings.ToLower(doc.Title)
		if strings.Contains(title, entity) || (slug != "" && strings.Contains(hostOf(doc.URL), slug)) {
			return 1.15
		}
		if strings.Contains(strings.ToLower(doc.Snippet), entity) {
			return 1.0
		}
		return 0.75
	case model.QueryJobDescription:
		if len(q.Skills) == 0 {
			return 1.0
		}
		text := strings.ToLower(doc.Title + " " + doc.Snippet)
		hits := 0
		for _, sk := range q.Skills {
			if sk = strings.ToLower(strings.TrimSpace(sk)); sk != "" && strings.Contains(text, sk) {
				hits++
			}
		}
		return math.Min(0.75+0.4*float64(hits)/float64(len(q.Skills)), 1.15)
	default:
		return 1.0
	}
}

// AdaptiveThreshold returns the acceptance threshold for a result pool of
// rawCount documents of which lowValueFraction are social or video. Sparse
// pools lower the bar, abundant or noisy pools raise it, and the result is
// clamped to the configured range.
func (s *Scorer) AdaptiveThreshold(rawCount int, lowValueFraction float64) float64 {
	th := s.cfg.Threshold
	t := th.Base
	switch {
	case rawCount < 10:
		t -= 0.10
	case rawCount < 20:
		t -= 0.05
	case rawCount >= 40:
		t += 0.05
	}
	switch {
	case lowValueFraction > 0.5:
		t += 0.10
	case lowValueFraction > 0.3:
		t += 0.05
	}
	return math.Max(th.Min, math.Min(th.Max, t))
}

// Accept returns the documents scoring at or above threshold, preserving order.
func Accept(scored []model.ScoredDocument, threshold float64) []model.ScoredDocument {
	out := make([]model.ScoredDocument, 0, len(scored))
	for _, d := range scored {
		if d.FinalScore >= threshold {
			out = append(out, d)
		}
	}
	return out
}

// Sort orders by FinalScore descending; equal scores keep their order.
func Sort(scored []model.ScoredDocument) {
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].FinalScore > scored[j].FinalScore
	})
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func hostOf(rawURL string) string {
	rawURL = strings.ToLower(rawURL)
	rawURL = strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	host, _, _ := strings.Cut(rawURL, "/")
	return strings.ReplaceAll(host, "-", "")
}
