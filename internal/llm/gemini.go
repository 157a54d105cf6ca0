package llm

import (
	"context"
	"time"

	"github.com/sells-group/fitcheck/pkg/gemini"
)

// GeminiGenerator is the subset of *gemini.Generator used here.
type GeminiGenerator interface {
	Generate(ctx context.Context, req gemini.Request) (*gemini.Response, error)
	Stream(ctx context.Context, req gemini.Request, onDelta func(string) error) (*gemini.Response, error)
	Model() string
}

// GeminiClient adapts pkg/gemini to Client.
type GeminiClient struct {
	gen GeminiGenerator
}

// NewGemini wraps a Gemini generator.
func NewGemini(gen GeminiGenerator) *GeminiClient {
	return &GeminiClient{gen: gen}
}

// Provider implements Client.
func (c *GeminiClient) Provider() string { return "gemini" }

// Generate implements Client.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := c.gen.Generate(ctx, toGemini(req))
	if err != nil {
		return nil, err
	}
	return c.response(resp, start), nil
}

// Stream implements Client.
func (c *GeminiClient) Stream(ctx context.Context, req Request, onDelta func(string) error) (*Response, error) {
	start := time.Now()
	resp, err := c.gen.Stream(ctx, toGemini(req), onDelta)
	if err != nil {
		return nil, err
	}
	return c.response(resp, start), nil
}

func (c *GeminiClient) response(resp *gemini.Response, start time.Time) *Response {
	return &Response{
		Text:     resp.Text,
		Model:    resp.Model,
		Provider: c.Provider(),
		Usage:    Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
		Duration: time.Since(start),
	}
}

func toGemini(req Request) gemini.Request {
	out := gemini.Request{
		System:    req.System,
		Prompt:    req.Prompt,
		MaxTokens: int32(req.MaxTokens),
		JSON:      req.JSON,
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		out.Temperature = &t
	}
	return out
}
