package pipeline

import (
	"fmt"
	"strings"

	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/search"
)

// GateOutcome is the sufficiency gate's verdict.
type GateOutcome string

const (
	GateSufficient   GateOutcome = "sufficient"
	GateInsufficient GateOutcome = "insufficient"
	GateAbort        GateOutcome = "abort"
)

// GateDecision explains a gate verdict.
type GateDecision struct {
	Outcome   GateOutcome `json:"outcome"`
	Reason    string      `json:"reason"`
	Accepted  int         `json:"accepted"`
	Threshold float64     `json:"threshold"`
	// ForcedStop is set when the iteration cap ended research below the
	// minimum source count.
	ForcedStop bool `json:"forced_stop,omitempty"`
}

// earlyExitIteration is the iteration at which zero accepted sources ends
// research early.
const earlyExitIteration = 2

// Decide evaluates the research loop after a quality gate pass.
func Decide(s *model.PipelineState, minSources int) GateDecision {
	accepted := len(s.AcceptedSources)
	d := GateDecision{Accepted: accepted, Threshold: s.Threshold}

	switch {
	case accepted == 0 && s.IterationCount == earlyExitIteration:
		d.Outcome = GateAbort
		d.Reason = fmt.Sprintf("no usable sources after %d iterations", s.IterationCount)
	case accepted == 0 && s.IterationCount >= s.MaxIterations:
		d.Outcome = GateAbort
		d.Reason = fmt.Sprintf("no usable sources after %d of %d iterations", s.IterationCount, s.MaxIterations)
	case s.IterationCount >= s.MaxIterations:
		d.Outcome = GateSufficient
		d.ForcedStop = accepted < minSources
		d.Reason = fmt.Sprintf("iteration cap reached with %d accepted sources", accepted)
	case accepted >= minSources:
		d.Outcome = GateSufficient
		d.Reason = fmt.Sprintf("%d sources at or above threshold %.2f", accepted, s.Threshold)
	default:
		d.Outcome = GateInsufficient
		d.Reason = fmt.Sprintf("%d of %d required sources", accepted, minSources)
	}
	return d
}

// Reformulation strategies, chosen by the iteration just completed.
const (
	strategyBroaden  = "broaden"
	strategyNarrow   = "narrow"
	strategySynonyms = "synonyms"
)

func strategyFor(iteration int) string {
	switch {
	case iteration <= 1:
		return strategyBroaden
	case iteration == 2:
		return strategyNarrow
	default:
		return strategySynonyms
	}
}

const (
	minQueries = 3
	maxQueries = 5
)

// Reformulate returns the next query set. It never repeats an executed
// query and always returns between 3 and 5 queries.
func Reformulate(s *model.PipelineState) []string {
	subject := searchSubject(s)
	var skill string
	if s.Classification != nil && len(s.Classification.ExtractedSkills) > 0 {
		skill = s.Classification.ExtractedSkills[0]
	}

	var candidates []string
	switch strategyFor(s.IterationCount) {
	case strategyBroaden:
		candidates = []string{
			subject,
			subject + " company",
			subject + " about",
			subject + " news",
			subject + " overview",
			subject + " products",
		}
	case strategyNarrow:
		candidates = []string{
			quoted(subject) + " engineering team",
			quoted(subject) + " tech stack",
			quoted(subject) + " careers software engineer",
			quoted(subject) + " employee reviews",
			quoted(subject) + " engineering blog",
		}
		if skill != "" {
			candidates = append([]string{quoted(subject) + " " + skill}, candidates...)
		}
	default:
		candidates = []string{
			subject + " employer",
			subject + " workplace culture",
			subject + " developer jobs",
			subject + " organization hiring",
			subject + " business model",
			subject + " competitors",
			subject + " interview process",
		}
	}

	executed := make(map[string]bool, len(s.ExecutedQueries))
	for _, q := range s.ExecutedQueries {
		executed[search.NormalizeQuery(q)] = true
	}

	out := make([]string, 0, maxQueries)
	add := func(q string) {
		key := search.NormalizeQuery(q)
		if key == "" || executed[key] || len(out) >= maxQueries {
			return
		}
		executed[key] = true
		out = append(out, q)
	}
	for _, q := range candidates {
		add(q)
	}
	for i := 1; len(out) < minQueries; i++ {
		add(fmt.Sprintf("%s research %d-%d", subject, s.IterationCount, i))
	}
	return out
}

// searchSubject is the phrase research queries are built around.
func searchSubject(s *model.PipelineState) string {
	if e := s.Entity(); e != "" {
		return e
	}
	words := strings.Fields(s.Query)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}

func quoted(s string) string {
	if strings.ContainsRune(s, ' ') {
		return `"` + s + `"`
	}
	return s
}
