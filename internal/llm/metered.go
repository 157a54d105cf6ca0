package llm

import "context"

// Metered reports the usage of every successful call to a hook. The
// orchestrator wraps the shared client in one per run.
type Metered struct {
	inner Client
	hook  UsageHook
}

// NewMetered wraps inner.
func NewMetered(inner Client, hook UsageHook) *Metered {
	return &Metered{inner: inner, hook: hook}
}

// Provider implements Client.
func (m *Metered) Provider() string { return m.inner.Provider() }

// Generate implements Client.
func (m *Metered) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := m.inner.Generate(ctx, req)
	if err == nil && m.hook != nil {
		m.hook(req, resp)
	}
	return resp, err
}

// Stream implements Client.
func (m *Metered) Stream(ctx context.Context, req Request, onDelta func(string) error) (*Response, error) {
	resp, err := m.inner.Stream(ctx, req, onDelta)
	if err == nil && m.hook != nil {
		m.hook(req, resp)
	}
	return resp, err
}
