package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/fitcheck/internal/llm"
	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/profile"
)

const skillMatchSystem = `You map an employer's requirements to a candidate's capabilities.
Infer the concrete requirements (skills, technologies, practices) from the evidence.
For each requirement, name the candidate capability that satisfies it, exactly as written in the profile, or leave capability empty.
Return JSON: {"requirements": [{"requirement": "...", "capability": "...", "confidence": 0.0-1.0}]}.`

const maxRequirements = 15

type skillMatchNode struct {
	env *runEnv
}

func (n *skillMatchNode) Phase() model.Phase { return model.PhaseSkillMatch }

type requirementResponse struct {
	Requirements []struct {
		Requirement string   `json:"requirement"`
		Capability  string   `json:"capability"`
		Confidence  *float64 `json:"confidence"`
	} `json:"requirements"`
}

func (n *skillMatchNode) Run(ctx context.Context, s *model.PipelineState, emit Emit) (Outcome, error) {
	prompt := fmt.Sprintf("%s\nEmployer or role: %s\nQuery: %s\n\nEvidence:\n%s",
		n.env.profile.PromptSummary(), subjectLabel(s), s.Query, evidence(s))
	resp, _, err := llm.GenerateJSON[requirementResponse](ctx, n.env.llm, llm.Request{
		Task:        "skill_match",
		System:      skillMatchSystem,
		Prompt:      prompt,
		MaxTokens:   1024,
		Temperature: llm.Float(0),
	})
	if err != nil {
		return Outcome{}, err
	}

	m := &model.SkillMatch{}
	var rejected int
	for i, r := range resp.Requirements {
		if i >= maxRequirements {
			break
		}
		req := strings.TrimSpace(r.Requirement)
		if req == "" {
			continue
		}
		sk, ok := n.env.profile.FindSkill(r.Capability)
		if !ok {
			// The model may name the requirement itself as the capability.
			sk, ok = n.env.profile.FindSkill(req)
		}
		if !ok {
			if strings.TrimSpace(r.Capability) != "" {
				rejected++
			}
			m.Unmatched = append(m.Unmatched, req)
			continue
		}
		conf := sk.Level.Confidence()
		if r.Confidence != nil {
			conf = clamp(*r.Confidence, 0, 1)
		}
		m.Matched = append(m.Matched, model.Match{Requirement: req, Capability: sk.Name, Confidence: conf})
	}
	if rejected > 0 {
		reason(emit, n.Phase(), fmt.Sprintf("%d claimed capabilities are not in the profile and were marked unmatched", rejected))
	}
	if len(m.Matched)+len(m.Unmatched) == 0 {
		m = vocabularyMatch(s, n.env.profile)
		reason(emit, n.Phase(), "model returned no requirements, matched profile vocabulary instead")
	}
	return n.finish(s, m), nil
}

// Fallback matches vocabulary found in the sources against profile aliases.
func (n *skillMatchNode) Fallback(s *model.PipelineState, emit Emit) Outcome {
	m := vocabularyMatch(s, n.env.profile)
	reason(emit, n.Phase(), "matched requirements using vocabulary only")
	return n.finish(s, m)
}

func (n *skillMatchNode) finish(s *model.PipelineState, m *model.SkillMatch) Outcome {
	m.Score = MatchScore(m)
	if m.Matched == nil {
		m.Matched = []model.Match{}
	}
	if m.Unmatched == nil {
		m.Unmatched = []string{}
	}
	s.SkillMatch = m
	return Outcome{
		Next:    TransitionDone,
		Summary: fmt.Sprintf("%d of %d requirements matched (score %.2f)", len(m.Matched), len(m.Matched)+len(m.Unmatched), m.Score),
		Data:    m,
	}
}

// MatchScore is the summed confidence of the matched requirements over all
// requirements. A match with no requirements scores 0.
func MatchScore(m *model.SkillMatch) float64 {
	total := len(m.Matched) + len(m.Unmatched)
	if total == 0 {
		return 0
	}
	var sum float64
	for _, mt := range m.Matched {
		sum += clamp(mt.Confidence, 0, 1)
	}
	return clamp(sum/float64(total), 0, 1)
}

// vocabularyMatch extracts requirements from the query, the classified
// skills and the sources, then resolves them against profile aliases.
func vocabularyMatch(s *model.PipelineState, p *profile.Profile) *model.SkillMatch {
	text := s.Query + "\n" + sourceText(s)
	var reqs []string
	if s.Classification != nil {
		reqs = append(reqs, s.Classification.ExtractedSkills...)
	}
	reqs = append(reqs, findTerms(text, p.Terms())...)
	reqs = append(reqs, findTerms(text, techTerms)...)

	m := &model.SkillMatch{}
	seen := make(map[string]bool)
	for _, r := range dedupe(reqs) {
		if len(m.Matched)+len(m.Unmatched) >= maxRequirements {
			break
		}
		sk, ok := p.FindSkill(r)
		key := profile.Normalize(r)
		if ok {
			key = "skill:" + sk.Name
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		if ok {
			m.Matched = append(m.Matched, model.Match{Requirement: r, Capability: sk.Name, Confidence: sk.Level.Confidence()})
		} else {
			m.Unmatched = append(m.Unmatched, r)
		}
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
