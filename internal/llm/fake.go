package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// ScriptFunc produces the response text for a request.
type ScriptFunc func(req Request) (string, error)

// Scripted is an in-process Client driven by per-task handlers. It is used
// by tests of the packages that consume a Client.
type Scripted struct {
	mu       sync.Mutex
	handlers map[string]ScriptFunc
	fallback ScriptFunc
	calls    []Request
}

// NewScripted creates an empty Scripted client.
func NewScripted() *Scripted {
	return &Scripted{handlers: map[string]ScriptFunc{}}
}

// On registers a handler for a task.
func (s *Scripted) On(task string, fn ScriptFunc) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[task] = fn
	return s
}

// Reply registers a fixed reply for a task.
func (s *Scripted) Reply(task, text string) *Scripted {
	return s.On(task, func(Request) (string, error) { return text, nil })
}

// Otherwise sets the handler used for unregistered tasks.
func (s *Scripted) Otherwise(fn ScriptFunc) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
	return s
}

// Calls returns the requests seen so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// CallsFor counts requests for a task.
func (s *Scripted) CallsFor(task string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Task == task {
			n++
		}
	}
	return n
}

// Provider implements Client.
func (s *Scripted) Provider() string { return "scripted" }

// Generate implements Client.
func (s *Scripted) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	fn, ok := s.handlers[req.Task]
	if !ok {
		fn = s.fallback
	}
	s.mu.Unlock()
	if fn == nil {
		return nil, eris.Errorf("llm: no script for task %q", req.Task)
	}
	text, err := fn(req)
	if err != nil {
		return nil, err
	}
	return &Response{
		Text:     text,
		Model:    "scripted",
		Provider: s.Provider(),
		Usage:    Usage{InputTokens: int64(len(req.Prompt) / 4), OutputTokens: int64(len(text) / 4)},
	}, nil
}

// Stream implements Client by splitting the scripted text on spaces.
func (s *Scripted) Stream(ctx context.Context, req Request, onDelta func(string) error) (*Response, error) {
	resp, err := s.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	words := strings.SplitAfter(resp.Text, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := onDelta(w); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
