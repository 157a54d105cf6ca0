package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sells-group/fitcheck/internal/llm"
	"github.com/sells-group/fitcheck/internal/model"
)

const synthesizeSystem = `You write the final job-fit verdict for a candidate, in Markdown, 150 to 300 words.
Open with a one-sentence verdict. Then cite the specific strengths and gaps you are given, by name, and state the confidence score and tier exactly as given.
Never invent facts that are not in the analysis. Do not hedge with generic advice.`

// chunkSize is the target length of template response chunks.
const chunkSize = 48

type synthesizeNode struct {
	env *runEnv
}

func (n *synthesizeNode) Phase() model.Phase { return model.PhaseSynthesize }

func (n *synthesizeNode) Run(ctx context.Context, s *model.PipelineState, emit Emit) (Outcome, error) {
	var text strings.Builder
	_, err := n.env.llm.Stream(ctx, llm.Request{
		Task:      "synthesize",
		System:    synthesizeSystem,
		Prompt:    synthesisPrompt(s, n.env.profile.PromptSummary()),
		MaxTokens: 1024,
	}, func(delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		text.WriteString(delta)
		s.FinalResponse = text.String()
		emit(model.NewResponse(delta))
		return nil
	})
	if err != nil {
		// Chunks already sent cannot be retracted, so a retry would
		// duplicate them.
		return Outcome{}, &PhaseError{Phase: n.Phase(), Class: Classify(err), Err: err, Partial: text.Len() > 0}
	}

	if extra := groundingSummary(text.String(), s); extra != "" {
		streamText(emit, extra)
		text.WriteString(extra)
		reason(emit, n.Phase(), "verdict did not cite the analysis, appended a structured summary")
	}
	s.FinalResponse = text.String()
	return n.finish(s), nil
}

// Fallback streams a template verdict, continuing any partial response.
func (n *synthesizeNode) Fallback(s *model.PipelineState, emit Emit) Outcome {
	verdict := TemplateVerdict(s)
	if s.FinalResponse != "" {
		verdict = "\n\n" + verdict
	}
	streamText(emit, verdict)
	s.FinalResponse += verdict
	return n.finish(s)
}

func (n *synthesizeNode) finish(s *model.PipelineState) Outcome {
	return Outcome{
		Next:    TransitionDone,
		Summary: fmt.Sprintf("verdict written (%d characters)", len(s.FinalResponse)),
	}
}

func synthesisPrompt(s *model.PipelineState, profileSummary string) string {
	var b strings.Builder
	b.WriteString(profileSummary)
	fmt.Fprintf(&b, "\nQuery: %s\nEmployer or role: %s\n", s.Query, subjectLabel(s))
	if c := s.Comparison; c != nil {
		fmt.Fprintf(&b, "\nStrengths:\n- %s\nGaps:\n- %s\nRisk: %s\n",
			strings.Join(c.Strengths, "\n- "), strings.Join(c.Gaps, "\n- "), c.Risk)
	}
	if m := s.SkillMatch; m != nil {
		fmt.Fprintf(&b, "\nSkill match score: %.2f\n", m.Score)
		for _, mt := range m.Matched {
			fmt.Fprintf(&b, "- %s: %s (%.2f)\n", mt.Requirement, mt.Capability, mt.Confidence)
		}
		if len(m.Unmatched) > 0 {
			fmt.Fprintf(&b, "Unmatched: %s\n", strings.Join(m.Unmatched, ", "))
		}
	}
	if c := s.Confidence; c != nil {
		fmt.Fprintf(&b, "\nConfidence: %d/100 (%s)", c.Score, c.Tier)
		if len(c.Flags) > 0 {
			fmt.Fprintf(&b, " flags: %s", strings.Join(c.Flags, ", "))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nSources:\n")
	for i, d := range s.AcceptedSources {
		if i >= maxEvidenceSources {
			break
		}
		fmt.Fprintf(&b, "- %s (%s)\n", d.Title, d.URL)
	}
	return b.String()
}

// groundingSummary returns a structured summary to append when text cites
// none of the upstream strengths, gaps or confidence, and "" otherwise.
func groundingSummary(text string, s *model.PipelineState) string {
	if referencesAnalysis(text, s) {
		return ""
	}
	return "\n\n" + analysisSummary(s)
}

func referencesAnalysis(text string, s *model.PipelineState) bool {
	lower := strings.ToLower(text)
	if c := s.Confidence; c != nil {
		if containsTerm(lower, strconv.Itoa(c.Score)) || strings.Contains(lower, string(c.Tier)+" confidence") {
			return true
		}
	}
	var items []string
	if c := s.Comparison; c != nil {
		items = append(items, c.Strengths...)
		items = append(items, c.Gaps...)
	}
	if m := s.SkillMatch; m != nil {
		for _, mt := range m.Matched {
			items = append(items, mt.Capability)
		}
	}
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" && containsTerm(lower, it) {
			return true
		}
	}
	keywords := strings.Join(items, "\n")
	for _, t := range findTerms(keywords, techTerms) {
		if containsTerm(lower, t) {
			return true
		}
	}
	return false
}

func analysisSummary(s *model.PipelineState) string {
	var b strings.Builder
	b.WriteString("**Summary of the analysis**\n")
	if c := s.Comparison; c != nil {
		if len(c.Strengths) > 0 {
			fmt.Fprintf(&b, "- Strengths: %s\n", strings.Join(c.Strengths, "; "))
		}
		if len(c.Gaps) > 0 {
			fmt.Fprintf(&b, "- Gaps: %s\n", strings.Join(c.Gaps, "; "))
		}
		fmt.Fprintf(&b, "- Risk: %s\n", c.Risk)
	}
	if m := s.SkillMatch; m != nil {
		fmt.Fprintf(&b, "- Skill match: %d%% (%d requirements matched, %d unmatched)\n",
			int(m.Score*100+0.5), len(m.Matched), len(m.Unmatched))
	}
	if c := s.Confidence; c != nil {
		fmt.Fprintf(&b, "- Confidence: %d/100 (%s)", c.Score, c.Tier)
		if len(c.Flags) > 0 {
			fmt.Fprintf(&b, ", flags: %s", strings.Join(c.Flags, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// TemplateVerdict renders a verdict from the structured analysis alone.
func TemplateVerdict(s *model.PipelineState) string {
	var b strings.Builder
	subject := subjectLabel(s)
	tier := model.TierLow
	if s.Confidence != nil {
		tier = s.Confidence.Tier
	}
	switch {
	case s.Comparison != nil && s.Comparison.Risk == model.RiskLow:
		fmt.Fprintf(&b, "**Verdict:** %s looks like a strong fit for this candidate", subject)
	case s.Comparison != nil && s.Comparison.Risk == model.RiskHigh:
		fmt.Fprintf(&b, "**Verdict:** %s looks like a weak fit for this candidate", subject)
	default:
		fmt.Fprintf(&b, "**Verdict:** %s looks like a partial fit for this candidate", subject)
	}
	fmt.Fprintf(&b, ", assessed with %s confidence from %d sources.\n\n", tier, len(s.AcceptedSources))
	b.WriteString(analysisSummary(s))
	if s.Degraded {
		b.WriteString("\nSome research services were unavailable, so this assessment is based on partial information.\n")
	}
	return b.String()
}

// streamText emits text as response chunks split on word boundaries.
func streamText(emit Emit, text string) {
	for _, c := range splitChunks(text, chunkSize) {
		emit(model.NewResponse(c))
	}
}

func splitChunks(text string, size int) []string {
	var out []string
	for len(text) > size {
		cut := strings.LastIndexByte(text[:size], ' ')
		if cut <= 0 {
			cut = size
			for cut < len(text) && text[cut]&0xC0 == 0x80 {
				cut++
			}
		} else {
			cut++
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
