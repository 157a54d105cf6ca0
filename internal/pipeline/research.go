package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/resilience"
	"github.com/sells-group/fitcheck/internal/scorer"
	"github.com/sells-group/fitcheck/internal/search"
)

type researchNode struct {
	env *runEnv
}

func (n *researchNode) Phase() model.Phase { return model.PhaseResearch }

// ResearchSummary is the phase_complete payload of a research pass.
type ResearchSummary struct {
	Iteration    int      `json:"iteration"`
	Queries      []string `json:"queries"`
	NewResults   int      `json:"new_results"`
	TotalResults int      `json:"total_results"`
	FailedQuery  int      `json:"failed_queries,omitempty"`
}

func (n *researchNode) Run(ctx context.Context, s *model.PipelineState, emit Emit) (Outcome, error) {
	if s.IterationCount < s.MaxIterations {
		s.IterationCount++
	}

	queries := pendingQueries(s)
	for _, q := range queries {
		thought(emit, n.Phase(), model.ThoughtToolCall, ToolWebSearch, q, "")
	}

	results := make([]ToolResult, len(queries))
	errs := make([]error, len(queries))
	g := new(errgroup.Group)
	g.SetLimit(n.env.opts.MaxConcurrency)
	for i, q := range queries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i], errs[i] = n.env.tools.Invoke(ctx, ToolWebSearch, q)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	entity := s.Entity()
	summary := ResearchSummary{Iteration: s.IterationCount, Queries: queries}
	for i, q := range queries {
		res := results[i]
		switch {
		case errs[i] != nil:
			summary.FailedQuery++
			s.RecordError(n.Phase(), Classify(errs[i]), fmt.Sprintf("search %q: %v", q, errs[i]))
			thought(emit, n.Phase(), model.ThoughtObservation, ToolWebSearch, q, "search failed")
			continue
		case res.Degraded:
			class := model.ErrorExternal
			if res.Err != nil && !resilience.IsCircuitOpen(res.Err) && !resilience.IsTransient(res.Err) {
				class = model.ErrorRecoverable
			}
			s.RecordError(n.Phase(), class, fmt.Sprintf("search %q degraded: %v", q, res.Err))
		}
		if res.Live && n.env.onSearch != nil {
			n.env.onSearch(res.Provider)
		}

		docs := make([]model.Document, len(res.Documents))
		for j, d := range res.Documents {
			if d.ID == "" {
				d.ID = search.DocumentID(d.URL)
			}
			if d.SourceType == "" {
				d.SourceType = scorer.ClassifyForEntity(d.URL, entity)
			}
			docs[j] = d
		}
		added := s.AppendRaw(docs)
		summary.NewResults += len(added)
		thought(emit, n.Phase(), model.ThoughtObservation, ToolWebSearch, q,
			fmt.Sprintf("%s, %d new", res.Summary, len(added)))
	}
	s.ExecutedQueries = append(s.ExecutedQueries, queries...)
	summary.TotalResults = len(s.RawResults)

	zap.L().Debug("research: iteration complete",
		zap.String("run_id", s.RunID),
		zap.Int("iteration", s.IterationCount),
		zap.Int("queries", len(queries)),
		zap.Int("new_results", summary.NewResults),
	)

	return Outcome{
		Next:    TransitionDone,
		Summary: fmt.Sprintf("Iteration %d: %d new sources from %d queries", s.IterationCount, summary.NewResults, len(queries)),
		Data:    summary,
	}, nil
}

// pendingQueries is the current query set minus executed queries. When
// everything has run already, a reformulated set is used instead.
func pendingQueries(s *model.PipelineState) []string {
	executed := make(map[string]bool, len(s.ExecutedQueries))
	for _, q := range s.ExecutedQueries {
		executed[search.NormalizeQuery(q)] = true
	}
	var out []string
	for _, q := range s.SearchQueries {
		if !executed[search.NormalizeQuery(q)] {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		out = Reformulate(s)
		s.SearchQueries = out
	}
	return out
}
