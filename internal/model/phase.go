package model

import "time"

// Phase names a node of the pipeline state machine.
type Phase string

const (
	PhaseClassify              Phase = "classify"
	PhaseResearch              Phase = "research"
	PhaseQualityGate           Phase = "quality_gate"
	PhaseCriticalComparison    Phase = "critical_comparison"
	PhaseSkillMatch            Phase = "skill_match"
	PhaseConfidenceCalibration Phase = "confidence_calibration"
	PhaseSynthesize            Phase = "synthesize"

	PhaseConversationalReply Phase = "conversational_reply"
	PhaseClarificationReply  Phase = "clarification_reply"
	PhaseRefusalReply        Phase = "refusal_reply"
	PhaseAbortReply          Phase = "abort_reply"
)

// Label is the human-readable phase name used in phase events.
func (p Phase) Label() string {
	switch p {
	case PhaseClassify:
		return "Classifying query"
	case PhaseResearch:
		return "Researching"
	case PhaseQualityGate:
		return "Evaluating sources"
	case PhaseCriticalComparison:
		return "Comparing against profile"
	case PhaseSkillMatch:
		return "Matching skills"
	case PhaseConfidenceCalibration:
		return "Calibrating confidence"
	case PhaseSynthesize:
		return "Writing verdict"
	default:
		return "Responding"
	}
}

// PhaseStatus is the lifecycle of a PhaseEntry.
type PhaseStatus string

const (
	PhaseActive   PhaseStatus = "active"
	PhaseComplete PhaseStatus = "complete"
	PhaseError    PhaseStatus = "error"
)

// PhaseEntry records one pass through a phase. The same phase may appear
// more than once when the research loop iterates.
type PhaseEntry struct {
	Phase     Phase       `json:"phase"`
	Message   string      `json:"message,omitempty"`
	Summary   string      `json:"summary,omitempty"`
	Data      any         `json:"data,omitempty"`
	Status    PhaseStatus `json:"status"`
	StartTime time.Time   `json:"start_time"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
}

// DurationMs returns the elapsed phase time, or 0 while active.
func (e PhaseEntry) DurationMs() int64 {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime).Milliseconds()
}
