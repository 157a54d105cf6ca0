package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/fitcheck/internal/fetch"
	"github.com/sells-group/fitcheck/internal/llm"
	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/profile"
)

// MinGaps is the least number of gaps a comparison may report.
const MinGaps = 2

const compareSystem = `You are a skeptical career advisor comparing a candidate against an employer using only the evidence provided.
Return JSON: {"strengths": [...], "gaps": [...], "risk": "low"|"medium"|"high"}.
Each strength and gap is one specific sentence that names the skill, practice or fact it rests on. Always list at least two genuine gaps; no candidate is a perfect fit.`

const (
	maxEvidenceSources = 8
	maxEvidenceChars   = 1500
)

type comparisonNode struct {
	env *runEnv
}

func (n *comparisonNode) Phase() model.Phase { return model.PhaseCriticalComparison }

type comparisonResponse struct {
	Strengths []string `json:"strengths"`
	Gaps      []string `json:"gaps"`
	Risk      string   `json:"risk"`
}

func (n *comparisonNode) Run(ctx context.Context, s *model.PipelineState, emit Emit) (Outcome, error) {
	prompt := fmt.Sprintf("%s\nEmployer or role: %s\n\nEvidence:\n%s", n.env.profile.PromptSummary(), subjectLabel(s), evidence(s))
	resp, _, err := llm.GenerateJSON[comparisonResponse](ctx, n.env.llm, llm.Request{
		Task:      "compare",
		System:    compareSystem,
		Prompt:    prompt,
		MaxTokens: 1024,
	})
	if err != nil {
		return Outcome{}, err
	}

	c := &model.Comparison{
		Strengths: dedupe(resp.Strengths),
		Gaps:      dedupe(resp.Gaps),
		Risk:      normalizeRisk(resp.Risk),
	}
	if added := EnsureMinimumGaps(c, s, n.env.profile); added > 0 {
		reason(emit, n.Phase(), fmt.Sprintf("model reported too few gaps, added %d from evidence review", added))
	}
	return n.finish(s, c), nil
}

// Fallback compares profile vocabulary against the source text.
func (n *comparisonNode) Fallback(s *model.PipelineState, emit Emit) Outcome {
	c := heuristicComparison(s, n.env.profile)
	reason(emit, n.Phase(), "compared using profile vocabulary only")
	return n.finish(s, c)
}

func (n *comparisonNode) finish(s *model.PipelineState, c *model.Comparison) Outcome {
	s.Comparison = c
	return Outcome{
		Next:    TransitionDone,
		Summary: fmt.Sprintf("%d strengths, %d gaps, %s risk", len(c.Strengths), len(c.Gaps), c.Risk),
		Data:    c,
	}
}

func normalizeRisk(r string) model.RiskTier {
	switch model.RiskTier(strings.ToLower(strings.TrimSpace(r))) {
	case model.RiskLow:
		return model.RiskLow
	case model.RiskHigh:
		return model.RiskHigh
	default:
		return model.RiskMedium
	}
}

// EnsureMinimumGaps tops c.Gaps up to MinGaps from the evidence and returns
// how many gaps it added.
func EnsureMinimumGaps(c *model.Comparison, s *model.PipelineState, p *profile.Profile) int {
	before := len(c.Gaps)
	for _, g := range candidateGaps(s, p) {
		if len(c.Gaps) >= MinGaps {
			break
		}
		c.Gaps = dedupe(append(c.Gaps, g))
	}
	return len(c.Gaps) - before
}

// candidateGaps lists gaps derivable without inference, most specific first.
func candidateGaps(s *model.PipelineState, p *profile.Profile) []string {
	var gaps []string
	text := sourceText(s) + " " + s.Query
	for _, term := range findTerms(text, techTerms) {
		if !p.HasCapability(term) {
			gaps = append(gaps, fmt.Sprintf("No listed experience with %s, which the sources mention", term))
		}
	}
	subject := subjectLabel(s)
	if len(s.EnrichedSources) == 0 {
		gaps = append(gaps, fmt.Sprintf("Limited first-hand detail about %s's day-to-day engineering practices", subject))
	}
	if len(s.AcceptedSources) < 5 {
		gaps = append(gaps, fmt.Sprintf("Thin public evidence about %s, so team expectations are unverified", subject))
	}
	return append(gaps,
		fmt.Sprintf("No prior work in %s's specific business domain", subject),
		"Seniority and scope expectations for the role are not confirmed by the sources",
	)
}

func heuristicComparison(s *model.PipelineState, p *profile.Profile) *model.Comparison {
	text := sourceText(s) + " " + s.Query
	c := &model.Comparison{}
	for _, term := range findTerms(text, p.Terms()) {
		sk, _ := p.FindSkill(term)
		c.Strengths = append(c.Strengths, fmt.Sprintf("%s experience (%s, %d years) matches what the sources describe", sk.Name, sk.Level, sk.Years))
	}
	c.Strengths = truncateList(dedupe(c.Strengths), 5)
	for _, g := range candidateGaps(s, p) {
		c.Gaps = append(c.Gaps, g)
		if len(c.Gaps) >= 4 {
			break
		}
	}
	switch {
	case len(c.Strengths) >= 3 && len(c.Strengths) > len(c.Gaps):
		c.Risk = model.RiskLow
	case len(c.Strengths) == 0:
		c.Risk = model.RiskHigh
	default:
		c.Risk = model.RiskMedium
	}
	EnsureMinimumGaps(c, s, p)
	return c
}

func subjectLabel(s *model.PipelineState) string {
	if e := s.Entity(); e != "" {
		return e
	}
	return searchSubject(s)
}

// evidence renders the accepted sources for prompts.
func evidence(s *model.PipelineState) string {
	content := make(map[string]string, len(s.EnrichedSources))
	for _, e := range s.EnrichedSources {
		content[e.URL] = e.Content
	}
	var b strings.Builder
	for i, d := range s.AcceptedSources {
		if i >= maxEvidenceSources {
			break
		}
		fmt.Fprintf(&b, "[%d] %s (%s, score %.2f)\n%s\n", i+1, d.Title, d.URL, d.FinalScore, d.Snippet)
		if c := content[d.URL]; c != "" {
			b.WriteString(fetch.Truncate(c, maxEvidenceChars))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "(no sources)"
	}
	return b.String()
}
