// Package fetch retrieves the readable text of accepted sources for the
// enrichment step.
package fetch

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fitcheck/internal/resilience"
)

// Page is the extracted text of one URL.
type Page struct {
	URL       string
	Title     string
	Content   string
	Fetcher   string
	FetchedAt time.Time
	// Tokens is the usage the upstream billed for this page, if it reports one.
	Tokens int
}

// Fetcher retrieves page text.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, url string) (*Page, error)
}

// ErrEmptyContent is returned when a page yields no text.
var ErrEmptyContent = eris.New("fetch: empty content")

// Chain tries each fetcher in order and returns the first page with content.
type Chain struct {
	fetchers []Fetcher
}

// NewChain builds a chain. Nil fetchers are skipped.
func NewChain(fetchers ...Fetcher) *Chain {
	c := &Chain{}
	for _, f := range fetchers {
		if f != nil {
			c.fetchers = append(c.fetchers, f)
		}
	}
	return c
}

// Name implements Fetcher.
func (c *Chain) Name() string {
	names := make([]string, len(c.fetchers))
	for i, f := range c.fetchers {
		names[i] = f.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Fetch implements Fetcher.
func (c *Chain) Fetch(ctx context.Context, url string) (*Page, error) {
	if len(c.fetchers) == 0 {
		return nil, eris.New("fetch: no fetchers configured")
	}
	var lastErr error
	for _, f := range c.fetchers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := f.Fetch(ctx, url)
		if err == nil && strings.TrimSpace(page.Content) != "" {
			return page, nil
		}
		if err == nil {
			err = ErrEmptyContent
		}
		zap.L().Debug("fetch: fetcher failed, trying next",
			zap.String("fetcher", f.Name()),
			zap.String("url", url),
			zap.Error(err),
		)
		lastErr = err
	}
	return nil, lastErr
}

// Guarded wraps a Fetcher with the fetch breaker, a per-call timeout and a
// content size cap.
type Guarded struct {
	inner    Fetcher
	breaker  *resilience.CircuitBreaker
	timeout  time.Duration
	maxChars int
}

// NewGuarded wraps inner. breaker may be nil; maxChars <= 0 disables truncation.
func NewGuarded(inner Fetcher, breaker *resilience.CircuitBreaker, timeout time.Duration, maxChars int) *Guarded {
	return &Guarded{inner: inner, breaker: breaker, timeout: timeout, maxChars: maxChars}
}

// Name implements Fetcher.
func (g *Guarded) Name() string { return g.inner.Name() }

// Fetch implements Fetcher.
func (g *Guarded) Fetch(ctx context.Context, url string) (*Page, error) {
	call := func(ctx context.Context) (*Page, error) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return g.inner.Fetch(ctx, url)
	}

	var (
		page *Page
		err  error
	)
	if g.breaker != nil {
		page, err = resilience.ExecuteVal(ctx, g.breaker, call)
	} else {
		page, err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	page.Content = Truncate(page.Content, g.maxChars)
	return page, nil
}

// Truncate cuts s to at most n runes on a word boundary where possible.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	cut := string(r[:n])
	if i := strings.LastIndexAny(cut, " \n\t"); i > n/2 {
		cut = cut[:i]
	}
	return cut
}
