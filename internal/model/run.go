package model

import "time"

// RunStatus represents the lifecycle of a persisted fit-check run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusAborted   RunStatus = "aborted"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is the persisted record of one pipeline execution.
type Run struct {
	ID        string     `json:"id"`
	Query     string     `json:"query"`
	QueryType QueryType  `json:"query_type"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunResult is the outcome summary stored with a finished run.
type RunResult struct {
	Entity          string         `json:"entity,omitempty"`
	ConfidenceScore int            `json:"confidence_score"`
	ConfidenceTier  ConfidenceTier `json:"confidence_tier,omitempty"`
	Flags           []string       `json:"flags,omitempty"`
	Strengths       []string       `json:"strengths,omitempty"`
	Gaps            []string       `json:"gaps,omitempty"`
	Risk            RiskTier       `json:"risk,omitempty"`
	SkillScore      float64        `json:"skill_score"`
	Iterations      int            `json:"iterations"`
	Sources         int            `json:"sources"`
	Response        string         `json:"response,omitempty"`
	DurationMs      int64          `json:"duration_ms"`
	Usage           TokenUsage     `json:"usage"`
	Errors          []ErrorRecord  `json:"errors,omitempty"`
}

// RunPhase is a persisted PhaseEntry.
type RunPhase struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	Name       Phase       `json:"name"`
	Status     PhaseStatus `json:"status"`
	Summary    string      `json:"summary,omitempty"`
	DurationMs int64       `json:"duration_ms"`
	StartedAt  time.Time   `json:"started_at"`
}

// ResultFromState summarizes a finished state.
func ResultFromState(s *PipelineState, durationMs int64) *RunResult {
	r := &RunResult{
		Entity:     s.Entity(),
		Iterations: s.IterationCount,
		Sources:    len(s.AcceptedSources),
		Response:   s.FinalResponse,
		DurationMs: durationMs,
		Usage:      s.Usage,
		Errors:     s.ProcessingErrors,
	}
	if s.Confidence != nil {
		r.ConfidenceScore = s.Confidence.Score
		r.ConfidenceTier = s.Confidence.Tier
		r.Flags = s.Confidence.Flags
	}
	if s.Comparison != nil {
		r.Strengths = s.Comparison.Strengths
		r.Gaps = s.Comparison.Gaps
		r.Risk = s.Comparison.Risk
	}
	if s.SkillMatch != nil {
		r.SkillScore = s.SkillMatch.Score
	}
	return r
}
