// Package search turns a query string into search result documents through
// a configured provider, guarded by the search circuit breaker.
package search

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/fitcheck/internal/model"
)

// Provider is a web search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]model.Document, error)
}

// Cache stores search results keyed by provider and query.
type Cache interface {
	// GetCachedSearch returns an entry no older than maxAge. Zero maxAge
	// accepts any age.
	GetCachedSearch(ctx context.Context, provider, query string, maxAge time.Duration) ([]model.Document, bool, error)
	SetCachedSearch(ctx context.Context, provider, query string, docs []model.Document) error
}

// DocumentID returns a stable ID for a result URL so the same page found by
// different queries or runs has the same ID.
func DocumentID(rawURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.TrimSpace(rawURL))).String()
}

// NormalizeQuery folds case and whitespace for cache keys.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

func newDocument(query, url, title, snippet string) model.Document {
	return model.Document{
		ID:      DocumentID(url),
		URL:     strings.TrimSpace(url),
		Title:   strings.TrimSpace(title),
		Snippet: strings.TrimSpace(snippet),
		Query:   query,
	}
}

// Static serves fixed results from memory. Queries not in the map return no
// results unless Default is set.
type Static struct {
	Results map[string][]model.Document
	Default []model.Document
	Err     error
}

// Name implements Provider.
func (s *Static) Name() string { return "static" }

// Search implements Provider.
func (s *Static) Search(ctx context.Context, query string, limit int) ([]model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	docs, ok := s.Results[query]
	if !ok {
		docs = s.Default
	}
	out := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			d.ID = DocumentID(d.URL)
		}
		d.Query = query
		out = append(out, d)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
