package search

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/resilience"
)

// Origin says where a result set came from.
type Origin string

const (
	OriginLive     Origin = "live"
	OriginCache    Origin = "cache"
	OriginFallback Origin = "fallback" // breaker open or provider failed, no cached copy
)

// Result is the outcome of a guarded search.
type Result struct {
	Documents []model.Document
	Origin    Origin
	// Degraded is set when the live provider could not be used.
	Degraded bool
	// Err is the provider or breaker error behind a degraded result.
	Err error
}

// Guarded wraps a Provider with the search breaker, a per-call timeout and
// a read-through cache. When the breaker is open or the provider fails, a
// cached copy of any age is served, else an empty result. Search only
// returns an error when the caller's context is done.
type Guarded struct {
	provider Provider
	breaker  *resilience.CircuitBreaker
	cache    Cache
	opts     Options
}

// Options configures a Guarded search.
type Options struct {
	// Timeout bounds each provider call.
	Timeout time.Duration
	// Limit is the number of results requested per query. Default 8.
	Limit int
	// CacheTTL is how long a cached entry is served instead of a live call.
	// Zero disables read-through; the cache is then only a fallback.
	CacheTTL time.Duration
}

// NewGuarded builds a guarded search. breaker and cache may be nil.
func NewGuarded(p Provider, breaker *resilience.CircuitBreaker, cache Cache, opts Options) *Guarded {
	if opts.Limit <= 0 {
		opts.Limit = 8
	}
	return &Guarded{provider: p, breaker: breaker, cache: cache, opts: opts}
}

// Provider returns the backing provider's name.
func (g *Guarded) Provider() string { return g.provider.Name() }

// Search runs query, preferring a fresh cache entry over a live call.
func (g *Guarded) Search(ctx context.Context, query string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	key := NormalizeQuery(query)

	if g.opts.CacheTTL > 0 {
		if docs, ok := g.cached(ctx, key, g.opts.CacheTTL); ok {
			return Result{Documents: withQuery(docs, query), Origin: OriginCache}, nil
		}
	}

	docs, err := g.live(ctx, query)
	if err == nil {
		if g.cache != nil && len(docs) > 0 {
			if cerr := g.cache.SetCachedSearch(ctx, g.provider.Name(), key, docs); cerr != nil {
				zap.L().Warn("search: cache write failed", zap.String("query", query), zap.Error(cerr))
			}
		}
		return Result{Documents: docs, Origin: OriginLive}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	zap.L().Warn("search: provider unavailable, using fallback",
		zap.String("provider", g.provider.Name()),
		zap.String("query", query),
		zap.Bool("circuit_open", resilience.IsCircuitOpen(err)),
		zap.Error(err),
	)
	if docs, ok := g.cached(ctx, key, 0); ok {
		return Result{Documents: withQuery(docs, query), Origin: OriginCache, Degraded: true, Err: err}, nil
	}
	return Result{Origin: OriginFallback, Degraded: true, Err: err}, nil
}

func (g *Guarded) live(ctx context.Context, query string) ([]model.Document, error) {
	call := func(ctx context.Context) ([]model.Document, error) {
		if g.opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
			defer cancel()
		}
		return g.provider.Search(ctx, query, g.opts.Limit)
	}
	if g.breaker == nil {
		return call(ctx)
	}
	return resilience.ExecuteVal(ctx, g.breaker, call)
}

func (g *Guarded) cached(ctx context.Context, key string, maxAge time.Duration) ([]model.Document, bool) {
	if g.cache == nil {
		return nil, false
	}
	docs, ok, err := g.cache.GetCachedSearch(ctx, g.provider.Name(), key, maxAge)
	if err != nil {
		zap.L().Warn("search: cache read failed", zap.String("query", key), zap.Error(err))
		return nil, false
	}
	return docs, ok
}

func withQuery(docs []model.Document, query string) []model.Document {
	out := make([]model.Document, len(docs))
	for i, d := range docs {
		d.Query = query
		out[i] = d
	}
	return out
}
