// Package gemini wraps the Google GenAI SDK for single-shot and streamed
// content generation.
package gemini

import (
	"context"
	"iter"
	"strings"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

const defaultModel = "gemini-2.5-flash"

// models is the subset of *genai.Models the generator uses.
type models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Request is a single generation request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int32
	Temperature *float32
	JSON        bool // ask for application/json output
}

// Usage reports token counts for a call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the concatenated text of the first candidate.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Generator generates content with a fixed Gemini model.
type Generator struct {
	models    models
	modelName string
}

// NewGenerator creates a Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, apiKey, model string) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, eris.New("gemini: api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return newGenerator(client.Models, model), nil
}

func newGenerator(m models, model string) *Generator {
	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}
	return &Generator{models: m, modelName: model}
}

// Model returns the configured model name.
func (g *Generator) Model() string { return g.modelName }

// Generate sends the request and returns the full response text.
func (g *Generator) Generate(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, eris.New("gemini: prompt must not be empty")
	}

	resp, err := g.models.GenerateContent(ctx, g.modelName, genai.Text(req.Prompt), g.config(req))
	if err != nil {
		return nil, eris.Wrap(err, "gemini: generate content")
	}

	out := &Response{Text: strings.TrimSpace(candidateText(resp)), Model: g.modelName, Usage: usageOf(resp)}
	if out.Text == "" {
		return nil, eris.New("gemini: empty response")
	}
	return out, nil
}

// Stream sends the request and calls onDelta with each text chunk.
func (g *Generator) Stream(ctx context.Context, req Request, onDelta func(string) error) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, eris.New("gemini: prompt must not be empty")
	}

	out := &Response{Model: g.modelName}
	var text strings.Builder
	for resp, err := range g.models.GenerateContentStream(ctx, g.modelName, genai.Text(req.Prompt), g.config(req)) {
		if err != nil {
			return nil, eris.Wrap(err, "gemini: stream content")
		}
		chunk := candidateText(resp)
		if u := usageOf(resp); u.InputTokens > 0 || u.OutputTokens > 0 {
			out.Usage = u
		}
		if chunk == "" {
			continue
		}
		text.WriteString(chunk)
		if err := onDelta(chunk); err != nil {
			return nil, eris.Wrap(err, "gemini: stream consumer")
		}
	}
	out.Text = text.String()
	return out, nil
}

func (g *Generator) config(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{Temperature: req.Temperature}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && !part.Thought {
				b.WriteString(part.Text)
			}
		}
		// Only the first candidate is used.
		break
	}
	return b.String()
}

func usageOf(resp *genai.GenerateContentResponse) Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
	}
}
