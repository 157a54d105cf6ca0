package search

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/resilience"
	"github.com/sells-group/fitcheck/pkg/jina"
)

// Jina searches with Jina AI Search (s.jina.ai).
type Jina struct {
	client jina.Client
	retry  resilience.RetryConfig
}

// NewJina wraps a Jina client.
func NewJina(client jina.Client, retry resilience.RetryConfig) *Jina {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("jina", "search")
	}
	return &Jina{client: client, retry: retry}
}

// Name implements Provider.
func (j *Jina) Name() string { return "jina" }

// Search implements Provider.
func (j *Jina) Search(ctx context.Context, query string, limit int) ([]model.Document, error) {
	resp, err := resilience.DoVal(ctx, j.retry, func(ctx context.Context) (*jina.SearchResponse, error) {
		resp, err := j.client.Search(ctx, query, jina.WithCount(limit), jina.WithoutContent())
		return resp, markTransient(err)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "search: jina %q", query)
	}

	docs := make([]model.Document, 0, len(resp.Data))
	for _, r := range resp.Data {
		if r.URL == "" {
			continue
		}
		snippet := r.Description
		if snippet == "" {
			snippet = r.Content
		}
		docs = append(docs, newDocument(query, r.URL, r.Title, snippet))
	}
	return docs, nil
}

// markTransient tags retryable HTTP statuses so resilience.DoVal retries them.
func markTransient(err error) error {
	if err == nil {
		return nil
	}
	var se *jina.StatusError
	if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.StatusCode) {
		return resilience.NewTransientError(err, se.StatusCode)
	}
	return err
}
