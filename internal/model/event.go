package model

// EventType is the outward event name, used as the SSE event field.
type EventType string

const (
	EventStatus        EventType = "status"
	EventPhase         EventType = "phase"
	EventPhaseComplete EventType = "phase_complete"
	EventThought       EventType = "thought"
	EventResponse      EventType = "response"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Droppable reports whether the event may be discarded under backpressure.
// Only thoughts are best-effort.
func (t EventType) Droppable() bool {
	return t == EventThought
}

// Terminal reports whether the event ends a stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is one outward event. Data is one of the *Data payload types.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// StatusData is the payload of a status event.
type StatusData struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PhaseData is the payload of a phase event.
type PhaseData struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message"`
}

// PhaseCompleteData is the payload of a phase_complete event.
type PhaseCompleteData struct {
	Phase   Phase  `json:"phase"`
	Summary string `json:"summary"`
	Data    any    `json:"data,omitempty"`
}

// Thought step types.
const (
	ThoughtReasoning   = "reasoning"
	ThoughtToolCall    = "tool_call"
	ThoughtObservation = "observation"
)

// ThoughtData is the payload of a thought event.
type ThoughtData struct {
	Step    int    `json:"step"`
	Type    string `json:"type"`
	Tool    string `json:"tool,omitempty"`
	Input   string `json:"input,omitempty"`
	Content string `json:"content,omitempty"`
	Phase   Phase  `json:"phase"`
}

// ResponseData is the payload of a response event.
type ResponseData struct {
	Chunk string `json:"chunk"`
}

// CompleteData is the payload of a complete event.
type CompleteData struct {
	DurationMs int64 `json:"duration_ms"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Stable error codes carried by error events.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeInsufficientData = "INSUFFICIENT_DATA"
	CodeTimeout          = "TIMEOUT"
	CodeStepBudget       = "STEP_BUDGET_EXCEEDED"
	CodePipeline         = "PIPELINE_ERROR"
	CodeBusy             = "BUSY"
)

// Convenience constructors.

func NewStatus(status, msg string) Event {
	return Event{Type: EventStatus, Data: StatusData{Status: status, Message: msg}}
}

func NewPhase(p Phase, msg string) Event {
	return Event{Type: EventPhase, Data: PhaseData{Phase: p, Message: msg}}
}

func NewPhaseComplete(p Phase, summary string, data any) Event {
	return Event{Type: EventPhaseComplete, Data: PhaseCompleteData{Phase: p, Summary: summary, Data: data}}
}

func NewThought(t ThoughtData) Event {
	return Event{Type: EventThought, Data: t}
}

func NewResponse(chunk string) Event {
	return Event{Type: EventResponse, Data: ResponseData{Chunk: chunk}}
}

func NewComplete(durationMs int64) Event {
	return Event{Type: EventComplete, Data: CompleteData{DurationMs: durationMs}}
}

func NewError(code, msg string) Event {
	return Event{Type: EventError, Data: ErrorData{Code: code, Message: msg}}
}
