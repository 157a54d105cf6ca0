package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/scorer"
)

type qualityGateNode struct {
	env *runEnv
}

func (n *qualityGateNode) Phase() model.Phase { return model.PhaseQualityGate }

// GateSummary is the phase_complete payload of the quality gate.
type GateSummary struct {
	GateDecision
	Scored   int `json:"scored"`
	Enriched int `json:"enriched,omitempty"`
}

func (n *qualityGateNode) Run(ctx context.Context, s *model.PipelineState, emit Emit) (Outcome, error) {
	unscored := unscoredDocuments(s)
	if len(unscored) > 0 {
		reason(emit, n.Phase(), fmt.Sprintf("scoring %d new documents", len(unscored)))
		scored := n.env.scorer.ScoreBatch(ctx, unscored, scoringQuery(s), n.env.opts.MaxConcurrency)
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if degraded := countDegraded(scored); degraded > 0 {
			s.RecordError(n.Phase(), model.ErrorExternal, fmt.Sprintf("inference unavailable, %d documents scored by heuristics", degraded))
			reason(emit, n.Phase(), fmt.Sprintf("inference unavailable, scored %d documents heuristically", degraded))
		}
		s.ScoredDocuments = append(s.ScoredDocuments, scored...)
		scorer.Sort(s.ScoredDocuments)
	}
	return n.decide(ctx, s, emit, len(unscored), true), nil
}

// Fallback applies the gate to whatever has been scored so far.
func (n *qualityGateNode) Fallback(s *model.PipelineState, emit Emit) Outcome {
	reason(emit, n.Phase(), "scoring interrupted, deciding on documents scored so far")
	return n.decide(context.Background(), s, emit, 0, false)
}

func (n *qualityGateNode) decide(ctx context.Context, s *model.PipelineState, emit Emit, scored int, enrich bool) Outcome {
	s.Threshold = n.env.scorer.AdaptiveThreshold(len(s.RawResults), scorer.LowValueFraction(s.RawResults))
	s.AcceptedSources = scorer.Accept(s.ScoredDocuments, s.Threshold)

	d := Decide(s, n.env.opts.MinSources)
	reason(emit, n.Phase(), fmt.Sprintf("threshold %.2f, %d accepted: %s", s.Threshold, d.Accepted, d.Reason))
	sum := GateSummary{GateDecision: d, Scored: scored}

	switch d.Outcome {
	case GateAbort:
		s.Abort(model.CodeInsufficientData, "Not enough reliable information was found to assess this employer ("+d.Reason+").")
		return Outcome{Next: TransitionAbort, Summary: d.Reason, Data: sum}
	case GateInsufficient:
		s.SearchQueries = Reformulate(s)
		reason(emit, n.Phase(), fmt.Sprintf("%s strategy for next iteration: %v", strategyFor(s.IterationCount), s.SearchQueries))
		return Outcome{Next: TransitionInsufficient, Summary: d.Reason, Data: sum}
	}

	if enrich {
		sum.Enriched = n.enrich(ctx, s, emit)
	}
	return Outcome{
		Next:    TransitionSufficient,
		Summary: fmt.Sprintf("%d sources accepted at threshold %.2f", d.Accepted, s.Threshold),
		Data:    sum,
	}
}

// enrich fetches page content for the top accepted sources not fetched yet.
// Failures are recorded and skipped.
func (n *qualityGateNode) enrich(ctx context.Context, s *model.PipelineState, emit Emit) int {
	limit := n.env.opts.MaxEnrich
	if limit <= 0 || !n.env.tools.Has(ToolFetchPage) || ctx.Err() != nil {
		return 0
	}
	done := make(map[string]bool, len(s.EnrichedSources))
	for _, e := range s.EnrichedSources {
		done[e.URL] = true
	}
	var targets []model.Document
	for _, d := range s.AcceptedSources {
		if len(targets) >= limit {
			break
		}
		if !done[d.URL] && !d.SourceType.LowValue() {
			targets = append(targets, d.Document)
		}
	}
	if len(targets) == 0 {
		return 0
	}

	for _, d := range targets {
		thought(emit, n.Phase(), model.ThoughtToolCall, ToolFetchPage, d.URL, "")
	}
	results := make([]ToolResult, len(targets))
	errs := make([]error, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(n.env.opts.MaxConcurrency)
	for i, d := range targets {
		g.Go(func() error {
			results[i], errs[i] = n.env.tools.Invoke(ctx, ToolFetchPage, d.URL)
			return nil
		})
	}
	_ = g.Wait()

	added := 0
	for i, d := range targets {
		if errs[i] != nil {
			s.RecordError(n.Phase(), Classify(errs[i]), fmt.Sprintf("fetch %s: %v", d.URL, errs[i]))
			thought(emit, n.Phase(), model.ThoughtObservation, ToolFetchPage, d.URL, "fetch failed")
			continue
		}
		page := results[i].Page
		fetchedAt := page.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = time.Now()
		}
		s.EnrichedSources = append(s.EnrichedSources, model.EnrichedDocument{
			Document:  d,
			Content:   page.Content,
			Fetcher:   page.Fetcher,
			FetchedAt: fetchedAt,
		})
		added++
		if n.env.onFetch != nil {
			n.env.onFetch(page.Fetcher, page.Tokens)
		}
		thought(emit, n.Phase(), model.ThoughtObservation, ToolFetchPage, d.URL, results[i].Summary)
	}
	return added
}

func countDegraded(docs []model.ScoredDocument) int {
	n := 0
	for _, d := range docs {
		if d.Degraded {
			n++
		}
	}
	return n
}

func unscoredDocuments(s *model.PipelineState) []model.Document {
	scored := make(map[string]bool, len(s.ScoredDocuments))
	for _, d := range s.ScoredDocuments {
		scored[d.URL] = true
	}
	var out []model.Document
	for _, d := range s.RawResults {
		if !scored[d.URL] {
			out = append(out, d)
		}
	}
	return out
}

func scoringQuery(s *model.PipelineState) scorer.Query {
	q := scorer.Query{Text: s.Query, Type: s.QueryType, Entity: s.Entity()}
	if s.Classification != nil {
		q.Skills = s.Classification.ExtractedSkills
	}
	return q
}
