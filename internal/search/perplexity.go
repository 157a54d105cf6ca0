package search

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/resilience"
	"github.com/sells-group/fitcheck/pkg/perplexity"
)

const perplexitySystem = "You are a research assistant. Search the web for the user's query and " +
	"answer in two sentences. Prefer primary sources: company pages, job postings, engineering blogs, news."

// Perplexity searches through Perplexity's search-grounded chat completions
// and returns the sources behind the answer.
type Perplexity struct {
	client perplexity.Client
	retry  resilience.RetryConfig
}

// NewPerplexity wraps a Perplexity client.
func NewPerplexity(client perplexity.Client, retry resilience.RetryConfig) *Perplexity {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("perplexity", "search")
	}
	return &Perplexity{client: client, retry: retry}
}

// Name implements Provider.
func (p *Perplexity) Name() string { return "perplexity" }

// Search implements Provider.
func (p *Perplexity) Search(ctx context.Context, query string, limit int) ([]model.Document, error) {
	resp, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
			Messages: []perplexity.Message{
				{Role: "system", Content: perplexitySystem},
				{Role: "user", Content: query},
			},
			SearchRecency: "year",
		})
		var se *perplexity.StatusError
		if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.StatusCode) {
			err = resilience.NewTransientError(err, se.StatusCode)
		}
		return resp, err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "search: perplexity %q", query)
	}

	sources := resp.Sources()
	docs := make([]model.Document, 0, len(sources))
	for _, s := range sources {
		if s.URL == "" {
			continue
		}
		docs = append(docs, newDocument(query, s.URL, s.Title, s.Snippet))
		if limit > 0 && len(docs) == limit {
			break
		}
	}
	return docs, nil
}
