package pipeline

import (
	"context"

	"github.com/sells-group/fitcheck/internal/llm"
	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/profile"
	"github.com/sells-group/fitcheck/internal/scorer"
)

// Emit delivers an outward event. The orchestrator numbers thought steps,
// so nodes leave ThoughtData.Step zero.
type Emit func(model.Event)

// Outcome is a node's result: the edge to follow plus what to report in
// phase_complete.
type Outcome struct {
	Next    Transition
	Summary string
	Data    any
}

// Node is one phase of the pipeline. Run mutates only the state fields the
// phase produces.
type Node interface {
	Phase() model.Phase
	Run(ctx context.Context, s *model.PipelineState, emit Emit) (Outcome, error)
}

// Fallbacker is implemented by nodes that can finish in degraded form after
// a failure.
type Fallbacker interface {
	Fallback(s *model.PipelineState, emit Emit) Outcome
}

// runEnv is the per-run set of collaborators shared by the nodes.
type runEnv struct {
	llm      llm.Client
	tools    *Toolbox
	scorer   *scorer.Scorer
	profile  *profile.Profile
	opts     Options
	onSearch func(provider string)
	onFetch  func(fetcher string, tokens int)
}

func thought(emit Emit, phase model.Phase, typ, tool, input, content string) {
	emit(model.NewThought(model.ThoughtData{
		Type:    typ,
		Tool:    tool,
		Input:   input,
		Content: content,
		Phase:   phase,
	}))
}

func reason(emit Emit, phase model.Phase, content string) {
	thought(emit, phase, model.ThoughtReasoning, "", "", content)
}
