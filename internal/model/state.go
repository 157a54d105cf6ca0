package model

import "time"

// QueryType describes what the user's query refers to.
type QueryType string

const (
	QueryCompany        QueryType = "company"
	QueryJobDescription QueryType = "job_description"
	QueryUnknown        QueryType = "unknown"
)

// Intent is the routing decision of the classify phase.
type Intent string

const (
	IntentResearch      Intent = "research_required"
	IntentChitchat      Intent = "chitchat"
	IntentClarification Intent = "needs_clarification"
	IntentRejected      Intent = "rejected"
)

// Classification is the output of the classify phase. Entity fields only
// ever hold values present in the query text.
type Classification struct {
	Intent          Intent    `json:"intent"`
	QueryType       QueryType `json:"query_type"`
	CompanyName     string    `json:"company_name,omitempty"`
	JobTitle        string    `json:"job_title,omitempty"`
	ExtractedSkills []string  `json:"extracted_skills,omitempty"`
	SearchQueries   []string  `json:"search_queries,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// Entity returns the best name to search for.
func (c *Classification) Entity() string {
	if c == nil {
		return ""
	}
	if c.CompanyName != "" {
		return c.CompanyName
	}
	return c.JobTitle
}

// RiskTier is the critical comparison's overall risk assessment.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Comparison is the output of the critical comparison phase.
type Comparison struct {
	Strengths []string `json:"strengths"`
	Gaps      []string `json:"gaps"`
	Risk      RiskTier `json:"risk"`
}

// Match pairs an employer requirement with a candidate capability.
type Match struct {
	Requirement string  `json:"requirement"`
	Capability  string  `json:"capability"`
	Confidence  float64 `json:"confidence"`
}

// SkillMatch is the output of the skill match phase. Score is in [0,1].
type SkillMatch struct {
	Matched   []Match  `json:"matched"`
	Unmatched []string `json:"unmatched"`
	Score     float64  `json:"score"`
}

// ConfidenceTier buckets a 0-100 confidence score.
type ConfidenceTier string

const (
	TierHigh   ConfidenceTier = "high"
	TierMedium ConfidenceTier = "medium"
	TierLow    ConfidenceTier = "low"
)

// Confidence flags.
const (
	FlagLowData      = "FLAG_LOW_DATA"
	FlagLowDiversity = "FLAG_LOW_DIVERSITY"
	FlagDegraded     = "FLAG_DEGRADED"
	FlagForcedStop   = "FLAG_FORCED_STOP"
)

// TierFor maps a 0-100 score to its tier: high >= 70, medium 40-69, low < 40.
func TierFor(score int) ConfidenceTier {
	switch {
	case score >= 70:
		return TierHigh
	case score >= 40:
		return TierMedium
	default:
		return TierLow
	}
}

// Confidence is the output of the confidence calibration phase.
type Confidence struct {
	Score int            `json:"score"`
	Tier  ConfidenceTier `json:"tier"`
	Flags []string       `json:"flags,omitempty"`
}

// HasFlag reports whether flag is set.
func (c *Confidence) HasFlag(flag string) bool {
	if c == nil {
		return false
	}
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// ErrorClass is the failure taxonomy used to decide how a run proceeds.
type ErrorClass string

const (
	ErrorRecoverable ErrorClass = "recoverable"
	ErrorFatal       ErrorClass = "fatal"
	ErrorExternal    ErrorClass = "external"
	ErrorValidation  ErrorClass = "validation"
)

// ErrorRecord is one entry of PipelineState.ProcessingErrors.
type ErrorRecord struct {
	Phase   Phase      `json:"phase"`
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// TokenUsage accumulates inference usage over a run.
type TokenUsage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Calls        int     `json:"calls"`
	CostUSD      float64 `json:"cost_usd"`
}

// PipelineState is the single mutable record of one run. It is owned by the
// orchestrator; phase nodes write only the fields they produce.
type PipelineState struct {
	RunID     string    `json:"run_id"`
	Query     string    `json:"query"`
	QueryType QueryType `json:"query_type"`
	StartedAt time.Time `json:"started_at"`

	Classification  *Classification    `json:"classification,omitempty"`
	SearchQueries   []string           `json:"search_queries,omitempty"`
	ExecutedQueries []string           `json:"executed_queries,omitempty"`
	RawResults      []Document         `json:"raw_results"`
	ScoredDocuments []ScoredDocument   `json:"scored_documents"`
	AcceptedSources []ScoredDocument   `json:"accepted_sources"`
	EnrichedSources []EnrichedDocument `json:"enriched_sources"`
	Threshold       float64            `json:"threshold"`

	Comparison    *Comparison `json:"comparison,omitempty"`
	SkillMatch    *SkillMatch `json:"skill_match,omitempty"`
	Confidence    *Confidence `json:"confidence,omitempty"`
	FinalResponse string      `json:"final_response,omitempty"`

	CurrentPhase   Phase        `json:"current_phase"`
	Phases         []PhaseEntry `json:"phases"`
	IterationCount int          `json:"iteration_count"`
	MaxIterations  int          `json:"max_iterations"`
	Steps          int          `json:"steps"`
	Clarifications int          `json:"clarifications"`
	Escalated      bool         `json:"escalated"`
	Degraded       bool         `json:"degraded"`

	ShouldAbort bool   `json:"should_abort"`
	AbortReason string `json:"abort_reason,omitempty"`
	AbortCode   string `json:"abort_code,omitempty"`

	ProcessingErrors []ErrorRecord `json:"processing_errors,omitempty"`
	Usage            TokenUsage    `json:"usage"`

	seen map[string]bool
}

// NewPipelineState returns the initial state for a query.
func NewPipelineState(runID, query string, maxIterations int) *PipelineState {
	return &PipelineState{
		RunID:         runID,
		Query:         query,
		QueryType:     QueryUnknown,
		StartedAt:     time.Now(),
		MaxIterations: maxIterations,
		CurrentPhase:  PhaseClassify,
	}
}

// AppendRaw adds newly discovered documents to RawResults. It never removes
// or reorders existing entries; documents whose URL is already present are
// skipped. It returns the documents actually appended.
func (s *PipelineState) AppendRaw(docs []Document) []Document {
	if s.seen == nil {
		s.seen = make(map[string]bool, len(s.RawResults)+len(docs))
		for _, d := range s.RawResults {
			s.seen[d.URL] = true
		}
	}
	var added []Document
	for _, d := range docs {
		if d.URL == "" || s.seen[d.URL] {
			continue
		}
		s.seen[d.URL] = true
		s.RawResults = append(s.RawResults, d)
		added = append(added, d)
	}
	return added
}

// RecordError appends to ProcessingErrors.
func (s *PipelineState) RecordError(phase Phase, class ErrorClass, msg string) {
	s.ProcessingErrors = append(s.ProcessingErrors, ErrorRecord{
		Phase: phase, Class: class, Message: msg, At: time.Now(),
	})
	if class == ErrorExternal {
		s.Degraded = true
	}
}

// Abort marks the run for the abort reply.
func (s *PipelineState) Abort(code, reason string) {
	s.ShouldAbort = true
	s.AbortCode = code
	s.AbortReason = reason
}

// Entity returns the classified entity name, or "" before classification.
func (s *PipelineState) Entity() string {
	return s.Classification.Entity()
}
