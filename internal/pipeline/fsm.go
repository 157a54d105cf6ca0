package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/fitcheck/internal/model"
)

// Transition labels an edge of the phase graph.
type Transition string

const (
	TransitionDone       Transition = "done"
	TransitionResearch   Transition = Transition(model.IntentResearch)
	TransitionChitchat   Transition = Transition(model.IntentChitchat)
	TransitionClarify    Transition = Transition(model.IntentClarification)
	TransitionRejected   Transition = Transition(model.IntentRejected)
	TransitionClarifyEnd Transition = "clarification_exhausted"

	TransitionInsufficient Transition = "insufficient"
	TransitionSufficient   Transition = "sufficient"
	TransitionAbort        Transition = "abort"
	TransitionEscalate     Transition = "escalate"
)

// transitions is the complete phase graph. Terminal phases have no entry.
var transitions = map[model.Phase]map[Transition]model.Phase{
	model.PhaseClassify: {
		TransitionResearch:   model.PhaseResearch,
		TransitionChitchat:   model.PhaseConversationalReply,
		TransitionClarify:    model.PhaseClassify,
		TransitionClarifyEnd: model.PhaseClarificationReply,
		TransitionRejected:   model.PhaseRefusalReply,
	},
	model.PhaseResearch: {
		TransitionDone: model.PhaseQualityGate,
	},
	model.PhaseQualityGate: {
		TransitionInsufficient: model.PhaseResearch,
		TransitionSufficient:   model.PhaseCriticalComparison,
		TransitionAbort:        model.PhaseAbortReply,
	},
	model.PhaseCriticalComparison: {
		TransitionDone: model.PhaseSkillMatch,
	},
	model.PhaseSkillMatch: {
		TransitionDone: model.PhaseConfidenceCalibration,
	},
	model.PhaseConfidenceCalibration: {
		TransitionDone:     model.PhaseSynthesize,
		TransitionEscalate: model.PhaseResearch,
	},
}

// Next returns the phase reached from `from` over `t`. Undefined edges are
// errors; the orchestrator treats them as fatal.
func Next(from model.Phase, t Transition) (model.Phase, error) {
	edges, ok := transitions[from]
	if !ok {
		return "", eris.Errorf("pipeline: %s is terminal", from)
	}
	to, ok := edges[t]
	if !ok {
		return "", eris.Errorf("pipeline: no transition %q from %s", t, from)
	}
	return to, nil
}

// Terminal reports whether p ends a run.
func Terminal(p model.Phase) bool {
	_, ok := transitions[p]
	return !ok
}

// defaultTransition is taken when a node fails without a fallback.
func defaultTransition(p model.Phase) Transition {
	switch p {
	case model.PhaseClassify:
		return TransitionResearch
	case model.PhaseQualityGate:
		return TransitionAbort
	default:
		return TransitionDone
	}
}
