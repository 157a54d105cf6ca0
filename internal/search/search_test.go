package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/resilience"
	"github.com/sells-group/fitcheck/pkg/jina"
	"github.com/sells-group/fitcheck/pkg/perplexity"
)

type memCache struct {
	mu      sync.Mutex
	entries map[string][]model.Document
	ages    map[string]time.Duration
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]model.Document{}, ages: map[string]time.Duration{}}
}

func (m *memCache) GetCachedSearch(_ context.Context, provider, query string, maxAge time.Duration) ([]model.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := provider + "|" + query
	docs, ok := m.entries[k]
	if !ok || (maxAge > 0 && m.ages[k] > maxAge) {
		return nil, false, nil
	}
	return docs, true, nil
}

func (m *memCache) SetCachedSearch(_ context.Context, provider, query string, docs []model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[provider+"|"+query] = docs
	m.ages[provider+"|"+query] = 0
	return nil
}

type countingProvider struct {
	inner Provider
	calls atomic.Int32
}

func (c *countingProvider) Name() string { return c.inner.Name() }

func (c *countingProvider) Search(ctx context.Context, q string, limit int) ([]model.Document, error) {
	c.calls.Add(1)
	return c.inner.Search(ctx, q, limit)
}

func stripeDocs() []model.Document {
	return []model.Document{
		{URL: "https://stripe.com/jobs", Title: "Jobs at Stripe"},
		{URL: "https://en.wikipedia.org/wiki/Stripe,_Inc.", Title: "Stripe, Inc."},
	}
}

func TestDocumentID_Stable(t *testing.T) {
	assert.Equal(t, DocumentID("https://stripe.com/jobs"), DocumentID(" https://stripe.com/jobs "))
	assert.NotEqual(t, DocumentID("https://stripe.com/jobs"), DocumentID("https://stripe.com/blog"))
}

func TestStatic(t *testing.T) {
	s := &Static{Results: map[string][]model.Document{"stripe": stripeDocs()}}
	docs, err := s.Search(context.Background(), "stripe", 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "stripe", docs[0].Query)
	assert.NotEmpty(t, docs[0].ID)

	docs, err = s.Search(context.Background(), "unknown", 5)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestGuarded_LiveThenCache(t *testing.T) {
	p := &countingProvider{inner: &Static{Default: stripeDocs()}}
	cache := newMemCache()
	g := NewGuarded(p, nil, cache, Options{CacheTTL: time.Hour})

	res, err := g.Search(context.Background(), "Stripe  Engineering")
	require.NoError(t, err)
	assert.Equal(t, OriginLive, res.Origin)
	assert.Len(t, res.Documents, 2)

	res, err = g.Search(context.Background(), "stripe engineering")
	require.NoError(t, err)
	assert.Equal(t, OriginCache, res.Origin)
	assert.False(t, res.Degraded)
	assert.Equal(t, "stripe engineering", res.Documents[0].Query)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestGuarded_BreakerOpenFallsBack(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "search", FailureThreshold: 1, ResetTimeout: time.Minute})
	cb.ForceOpen()

	p := &countingProvider{inner: &Static{Default: stripeDocs()}}
	cache := newMemCache()
	require.NoError(t, cache.SetCachedSearch(context.Background(), "static", "stripe", stripeDocs()[:1]))
	cache.ages["static|stripe"] = 48 * time.Hour

	g := NewGuarded(p, cb, cache, Options{CacheTTL: time.Hour})

	res, err := g.Search(context.Background(), "stripe")
	require.NoError(t, err)
	assert.Equal(t, OriginCache, res.Origin, "stale cache serves as fallback")
	assert.True(t, res.Degraded)
	assert.Len(t, res.Documents, 1)
	assert.True(t, resilience.IsCircuitOpen(res.Err))

	res, err = g.Search(context.Background(), "nothing cached")
	require.NoError(t, err)
	assert.Equal(t, OriginFallback, res.Origin)
	assert.Empty(t, res.Documents)
	assert.True(t, res.Degraded)
	assert.Zero(t, p.calls.Load(), "open breaker must not reach the provider")
}

func TestGuarded_ProviderFailureTripsBreaker(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "search", FailureThreshold: 2, ResetTimeout: time.Minute})
	g := NewGuarded(&Static{Err: errors.New("boom")}, cb, nil, Options{})

	for range 2 {
		res, err := g.Search(context.Background(), "q")
		require.NoError(t, err)
		assert.True(t, res.Degraded)
	}
	assert.Equal(t, resilience.CircuitOpen, cb.State())
}

func TestGuarded_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGuarded(&Static{}, nil, nil, Options{}).Search(ctx, "q")
	require.ErrorIs(t, err, context.Canceled)
}

func TestJina_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(jina.SearchResponse{Code: 200, Data: []jina.SearchResult{
			{Title: "Stripe careers", URL: "https://stripe.com/jobs", Description: "Join us"},
			{Title: "no url"},
		}})
	}))
	defer srv.Close()

	p := NewJina(jina.NewClient("k", jina.WithSearchBaseURL(srv.URL)), resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond})
	docs, err := p.Search(context.Background(), "stripe careers", 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Join us", docs[0].Snippet)
	assert.Equal(t, "stripe careers", docs[0].Query)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "jina", p.Name())
}

func TestJina_PermanentStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewJina(jina.NewClient("k", jina.WithSearchBaseURL(srv.URL)), resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond})
	_, err := p.Search(context.Background(), "q", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search: jina")
	assert.Equal(t, int32(1), calls.Load())
}

type fakePerplexity struct {
	resp *perplexity.ChatCompletionResponse
	err  error
	last perplexity.ChatCompletionRequest
}

func (f *fakePerplexity) ChatCompletion(_ context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	f.last = req
	return f.resp, f.err
}

func TestPerplexity_Search(t *testing.T) {
	fp := &fakePerplexity{resp: &perplexity.ChatCompletionResponse{
		SearchResults: []perplexity.SearchResult{
			{Title: "a", URL: "https://a.example", Snippet: "s"},
			{Title: "b", URL: "https://b.example"},
			{Title: "c", URL: "https://c.example"},
		},
	}}
	p := NewPerplexity(fp, resilience.RetryConfig{MaxAttempts: 1})
	docs, err := p.Search(context.Background(), "acme go", 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "acme go", fp.last.Messages[1].Content)
	assert.Equal(t, "s", docs[0].Snippet)

	fp.err = &perplexity.StatusError{StatusCode: http.StatusBadRequest}
	_, err = p.Search(context.Background(), "acme go", 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search: perplexity")
}
