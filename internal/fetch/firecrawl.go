package fetch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fitcheck/internal/resilience"
	"github.com/sells-group/fitcheck/pkg/firecrawl"
)

// FirecrawlFetcher renders pages through the Firecrawl scrape API. It is the
// last fetcher in the chain, used for pages that block direct fetching.
type FirecrawlFetcher struct {
	client firecrawl.Client
	retry  resilience.RetryConfig
}

// NewFirecrawl wraps a Firecrawl client.
func NewFirecrawl(client firecrawl.Client, retry resilience.RetryConfig) *FirecrawlFetcher {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("firecrawl", "scrape")
	}
	return &FirecrawlFetcher{client: client, retry: retry}
}

// Name implements Fetcher.
func (f *FirecrawlFetcher) Name() string { return "firecrawl" }

// Fetch implements Fetcher.
func (f *FirecrawlFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	resp, err := resilience.DoVal(ctx, f.retry, func(ctx context.Context) (*firecrawl.ScrapeResponse, error) {
		resp, err := f.client.Scrape(ctx, firecrawl.ScrapeRequest{
			URL:             url,
			Formats:         []string{"markdown"},
			OnlyMainContent: true,
		})
		var apiErr *firecrawl.APIError
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			err = resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return resp, err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: firecrawl scrape %s", url)
	}
	if !resp.Success || strings.TrimSpace(resp.Data.Markdown) == "" {
		return nil, ErrEmptyContent
	}
	return &Page{
		URL:       url,
		Title:     resp.Data.Metadata.Title,
		Content:   resp.Data.Markdown,
		Fetcher:   f.Name(),
		FetchedAt: time.Now().UTC(),
	}, nil
}
