package pipeline

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/fitcheck/internal/llm"
	"github.com/sells-group/fitcheck/internal/model"
)

// MaxReviewAdjustment bounds how far the LLM review may move the base score.
const MaxReviewAdjustment = 15

const calibrateSystem = `You review a job-fit analysis for overconfidence or underconfidence.
Given the deterministic confidence score and the evidence summary, return JSON: {"adjustment": integer between -15 and 15, "reason": "..."}.
Lower the score when conclusions rest on thin or indirect evidence; raise it only when the evidence is specific and consistent.`

type calibrateNode struct {
	env *runEnv
}

func (n *calibrateNode) Phase() model.Phase { return model.PhaseConfidenceCalibration }

type reviewResponse struct {
	Adjustment float64 `json:"adjustment"`
	Reason     string  `json:"reason"`
}

// CalibrationSummary is the phase_complete payload.
type CalibrationSummary struct {
	model.Confidence
	Base       int    `json:"base"`
	Adjustment int    `json:"adjustment"`
	Escalate   bool   `json:"escalate,omitempty"`
	Review     string `json:"review,omitempty"`
}

func (n *calibrateNode) Run(ctx context.Context, s *model.PipelineState, emit Emit) (Outcome, error) {
	base, flags := BaseConfidence(s, n.env.opts.MinSources)
	sum := CalibrationSummary{Base: base}

	review, err := n.review(ctx, s, base, flags)
	switch {
	case err != nil && ctx.Err() != nil:
		return Outcome{}, ctx.Err()
	case err != nil:
		s.RecordError(n.Phase(), Classify(err), "confidence review: "+err.Error())
		reason(emit, n.Phase(), "confidence review unavailable, keeping the computed score")
	default:
		sum.Adjustment = clampAdjustment(review.Adjustment)
		sum.Review = strings.TrimSpace(review.Reason)
		if sum.Adjustment != 0 {
			reason(emit, n.Phase(), fmt.Sprintf("review adjusted confidence by %+d: %s", sum.Adjustment, sum.Review))
		}
	}
	return n.finish(s, emit, sum, flags), nil
}

// Fallback keeps the deterministic score.
func (n *calibrateNode) Fallback(s *model.PipelineState, emit Emit) Outcome {
	base, flags := BaseConfidence(s, n.env.opts.MinSources)
	return n.finish(s, emit, CalibrationSummary{Base: base}, flags)
}

func (n *calibrateNode) finish(s *model.PipelineState, emit Emit, sum CalibrationSummary, flags []string) Outcome {
	score := clampScore(sum.Base + sum.Adjustment)
	c := &model.Confidence{Score: score, Tier: model.TierFor(score), Flags: flags}
	s.Confidence = c
	sum.Confidence = *c

	out := Outcome{Next: TransitionDone, Data: sum}
	if n.shouldEscalate(s) {
		s.Escalated = true
		s.SearchQueries = Reformulate(s)
		sum.Escalate = true
		out.Next = TransitionEscalate
		out.Data = sum
		reason(emit, n.Phase(), fmt.Sprintf("too few sources for a reliable verdict, searching again with %d queries", len(s.SearchQueries)))
		zap.L().Info("pipeline: escalating to research",
			zap.String("run_id", s.RunID),
			zap.Int("iteration", s.IterationCount),
			zap.Int("accepted", len(s.AcceptedSources)),
		)
	}
	out.Summary = fmt.Sprintf("confidence %d (%s)", score, c.Tier)
	if len(flags) > 0 {
		out.Summary += ", " + strings.Join(flags, ", ")
	}
	return out
}

func (n *calibrateNode) shouldEscalate(s *model.PipelineState) bool {
	return n.env.opts.EscalateOnLowData &&
		s.Confidence.HasFlag(model.FlagLowData) &&
		!s.Escalated &&
		s.IterationCount < s.MaxIterations
}

func (n *calibrateNode) review(ctx context.Context, s *model.PipelineState, base int, flags []string) (reviewResponse, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Employer or role: %s\nBase confidence: %d\nFlags: %s\n", subjectLabel(s), base, strings.Join(flags, ", "))
	fmt.Fprintf(&b, "Accepted sources: %d across %d hosts, %d enriched\n", len(s.AcceptedSources), hostCount(s.AcceptedSources), len(s.EnrichedSources))
	if c := s.Comparison; c != nil {
		fmt.Fprintf(&b, "Strengths: %s\nGaps: %s\nRisk: %s\n", strings.Join(c.Strengths, "; "), strings.Join(c.Gaps, "; "), c.Risk)
	}
	if m := s.SkillMatch; m != nil {
		fmt.Fprintf(&b, "Skill match: %.2f (%d matched, %d unmatched)\n", m.Score, len(m.Matched), len(m.Unmatched))
	}
	resp, _, err := llm.GenerateJSON[reviewResponse](ctx, n.env.llm, llm.Request{
		Task:        "calibrate",
		System:      calibrateSystem,
		Prompt:      b.String(),
		MaxTokens:   256,
		Temperature: llm.Float(0),
		Fast:        true,
	})
	return resp, err
}

// lowDataMargin is how many sources beyond the gate minimum a run needs to
// avoid FLAG_LOW_DATA.
const lowDataMargin = 2

// BaseConfidence computes the deterministic confidence score and flags.
// Source volume contributes up to 35 points, host diversity 15, mean source
// score 20 and skill match 20, on top of a floor of 10. Degraded runs and
// forced stops each cost 10.
func BaseConfidence(s *model.PipelineState, minSources int) (int, []string) {
	accepted := len(s.AcceptedSources)
	hosts := hostCount(s.AcceptedSources)

	score := 10.0
	score += math.Min(float64(accepted), 8) / 8 * 35
	score += math.Min(float64(hosts), 5) / 5 * 15
	if accepted > 0 {
		var sum float64
		for _, d := range s.AcceptedSources {
			sum += d.FinalScore
		}
		score += sum / float64(accepted) * 20
	}
	if s.SkillMatch != nil {
		score += clamp(s.SkillMatch.Score, 0, 1) * 20
	}

	var flags []string
	if accepted < minSources+lowDataMargin {
		flags = append(flags, model.FlagLowData)
	}
	if accepted >= 2 && hosts < min(3, accepted) {
		flags = append(flags, model.FlagLowDiversity)
	}
	if s.Degraded {
		flags = append(flags, model.FlagDegraded)
		score -= 10
	}
	if s.IterationCount >= s.MaxIterations && accepted < minSources {
		flags = append(flags, model.FlagForcedStop)
		score -= 10
	}
	return clampScore(int(math.Round(score))), flags
}

func hostCount(docs []model.ScoredDocument) int {
	hosts := make(map[string]bool, len(docs))
	for _, d := range docs {
		u, err := url.Parse(d.URL)
		if err != nil || u.Hostname() == "" {
			continue
		}
		hosts[strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")] = true
	}
	return len(hosts)
}

func clampAdjustment(v float64) int {
	return int(math.Round(clamp(v, -MaxReviewAdjustment, MaxReviewAdjustment)))
}

func clampScore(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
