package llm

import (
	"context"
	"time"

	"github.com/sells-group/fitcheck/pkg/anthropic"
)

// AnthropicClient adapts pkg/anthropic to Client.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	fastModel string
	maxTokens int64
}

// NewAnthropic wraps an anthropic client. fastModel may be empty.
func NewAnthropic(client anthropic.Client, model, fastModel string, maxTokens int64) *AnthropicClient {
	if fastModel == "" {
		fastModel = model
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &AnthropicClient{client: client, model: model, fastModel: fastModel, maxTokens: maxTokens}
}

// Provider implements Client.
func (c *AnthropicClient) Provider() string { return "anthropic" }

// Generate implements Client.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := c.client.CreateMessage(ctx, c.request(req))
	if err != nil {
		return nil, err
	}
	return c.response(resp, start), nil
}

// Stream implements Client.
func (c *AnthropicClient) Stream(ctx context.Context, req Request, onDelta func(string) error) (*Response, error) {
	start := time.Now()
	resp, err := c.client.StreamMessage(ctx, c.request(req), onDelta)
	if err != nil {
		return nil, err
	}
	return c.response(resp, start), nil
}

func (c *AnthropicClient) request(req Request) anthropic.MessageRequest {
	model := c.model
	if req.Fast {
		model = c.fastModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	system := req.System
	if req.JSON {
		system += "\n\nRespond with a single JSON object and nothing else."
	}
	return anthropic.MessageRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(system),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
}

func (c *AnthropicClient) response(resp *anthropic.MessageResponse, start time.Time) *Response {
	return &Response{
		Text:     resp.Text(),
		Model:    resp.Model,
		Provider: c.Provider(),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
		Duration: time.Since(start),
	}
}
