package pipeline

import (
	"context"
	"strings"

	"github.com/sells-group/fitcheck/internal/llm"
	"github.com/sells-group/fitcheck/internal/model"
)

const chitchatSystem = `You are the assistant of a job-fit analysis tool. Reply briefly and warmly in at most two sentences, then invite the user to name a company or paste a job description to analyze.`

const (
	cannedChitchat = "Hi! I assess how well a candidate fits a company or role. " +
		"Name a company or paste a job description and I will research it and give you a verdict."
	cannedClarification = "I need a bit more detail to research this. " +
		"Please name the company you are considering, or paste the job description or title you want assessed."
	cannedRefusal = "I can only help assess how well a candidate fits a company or role, so I can't help with that request."
	cannedAbort   = "The analysis could not be completed."
)

type conversationalNode struct {
	env *runEnv
}

func (n *conversationalNode) Phase() model.Phase { return model.PhaseConversationalReply }

func (n *conversationalNode) Run(ctx context.Context, s *model.PipelineState, emit Emit) (Outcome, error) {
	resp, err := n.env.llm.Generate(ctx, llm.Request{
		Task:      "chitchat",
		System:    chitchatSystem,
		Prompt:    s.Query,
		MaxTokens: 200,
		Fast:      true,
	})
	if err != nil {
		return Outcome{}, err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		text = cannedChitchat
	}
	return reply(s, emit, text), nil
}

func (n *conversationalNode) Fallback(s *model.PipelineState, emit Emit) Outcome {
	return reply(s, emit, cannedChitchat)
}

type clarificationNode struct{}

func (clarificationNode) Phase() model.Phase { return model.PhaseClarificationReply }

func (n clarificationNode) Run(_ context.Context, s *model.PipelineState, emit Emit) (Outcome, error) {
	text := cannedClarification
	if s.Classification != nil && s.Classification.Reason != "" {
		text = strings.TrimSpace(s.Classification.Reason) + " " + text
	}
	return reply(s, emit, text), nil
}

type refusalNode struct{}

func (refusalNode) Phase() model.Phase { return model.PhaseRefusalReply }

func (refusalNode) Run(_ context.Context, s *model.PipelineState, emit Emit) (Outcome, error) {
	return reply(s, emit, cannedRefusal), nil
}

// abortNode ends the run with an error event instead of a response.
type abortNode struct{}

func (abortNode) Phase() model.Phase { return model.PhaseAbortReply }

func (abortNode) Run(_ context.Context, s *model.PipelineState, emit Emit) (Outcome, error) {
	code := s.AbortCode
	if code == "" {
		code = model.CodeInsufficientData
	}
	msg := s.AbortReason
	if msg == "" {
		msg = cannedAbort
	}
	s.AbortCode, s.AbortReason = code, msg
	emit(model.NewError(code, msg))
	return Outcome{Next: TransitionDone, Summary: code + ": " + msg}, nil
}

func reply(s *model.PipelineState, emit Emit, text string) Outcome {
	streamText(emit, text)
	s.FinalResponse = text
	return Outcome{Next: TransitionDone, Summary: "replied"}
}
