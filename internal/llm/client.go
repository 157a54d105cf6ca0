// Package llm is the inference collaborator used by the pipeline phases. It
// hides the provider SDKs behind one Client and guards every call with the
// inference circuit breaker.
package llm

import (
	"context"
	"time"
)

// Request is one inference call.
type Request struct {
	// Task names the calling step ("classify", "score", ...) for logs and fakes.
	Task        string
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature *float64
	// JSON asks the provider for a JSON-only response.
	JSON bool
	// Fast selects the provider's cheaper model when it has one.
	Fast bool
}

// Usage reports token counts for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the text of a completed call.
type Response struct {
	Text     string
	Model    string
	Provider string
	Usage    Usage
	Duration time.Duration
}

// Client performs inference calls.
type Client interface {
	// Generate returns the complete response.
	Generate(ctx context.Context, req Request) (*Response, error)
	// Stream calls onDelta for each text chunk and returns the accumulated response.
	Stream(ctx context.Context, req Request, onDelta func(string) error) (*Response, error)
	// Provider names the backing service.
	Provider() string
}

// Float returns a pointer to v, for Request.Temperature.
func Float(v float64) *float64 { return &v }
