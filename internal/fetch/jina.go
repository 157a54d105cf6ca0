package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fitcheck/internal/resilience"
	"github.com/sells-group/fitcheck/pkg/jina"
)

// JinaReader fetches pages as markdown through Jina AI Reader.
type JinaReader struct {
	client jina.Client
	retry  resilience.RetryConfig
}

// NewJinaReader wraps a Jina client.
func NewJinaReader(client jina.Client, retry resilience.RetryConfig) *JinaReader {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("jina", "read")
	}
	return &JinaReader{client: client, retry: retry}
}

// Name implements Fetcher.
func (j *JinaReader) Name() string { return "jina_reader" }

// Fetch implements Fetcher.
func (j *JinaReader) Fetch(ctx context.Context, url string) (*Page, error) {
	resp, err := resilience.DoVal(ctx, j.retry, func(ctx context.Context) (*jina.ReadResponse, error) {
		resp, err := j.client.Read(ctx, url)
		var se *jina.StatusError
		if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.StatusCode) {
			err = resilience.NewTransientError(err, se.StatusCode)
		}
		return resp, err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: jina read %s", url)
	}
	return &Page{
		URL:       url,
		Title:     resp.Data.Title,
		Content:   resp.Data.Content,
		Fetcher:   j.Name(),
		FetchedAt: time.Now().UTC(),
		Tokens:    resp.Data.Usage.Tokens,
	}, nil
}
