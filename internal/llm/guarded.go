package llm

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fitcheck/internal/resilience"
)

// UsageHook is called after every successful call. It receives the provider
// response so callers can accumulate token counts and cost.
type UsageHook func(req Request, resp *Response)

// Guarded wraps a Client with the inference circuit breaker and a per-call
// timeout. A rejected call fails fast with a *resilience.CircuitOpenError.
type Guarded struct {
	inner   Client
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	onUsage UsageHook
}

// GuardOption configures a Guarded client.
type GuardOption func(*Guarded)

// WithTimeout bounds each call. Zero disables the bound.
func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guarded) { g.timeout = d }
}

// WithUsageHook registers a hook for completed calls.
func WithUsageHook(h UsageHook) GuardOption {
	return func(g *Guarded) { g.onUsage = h }
}

// NewGuarded wraps inner. breaker may be nil.
func NewGuarded(inner Client, breaker *resilience.CircuitBreaker, opts ...GuardOption) *Guarded {
	g := &Guarded{inner: inner, breaker: breaker}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Provider implements Client.
func (g *Guarded) Provider() string { return g.inner.Provider() }

// Generate implements Client.
func (g *Guarded) Generate(ctx context.Context, req Request) (*Response, error) {
	return g.call(ctx, req, func(ctx context.Context) (*Response, error) {
		return g.inner.Generate(ctx, req)
	})
}

// Stream implements Client. Deltas already delivered are not retracted if
// the call later fails.
func (g *Guarded) Stream(ctx context.Context, req Request, onDelta func(string) error) (*Response, error) {
	return g.call(ctx, req, func(ctx context.Context) (*Response, error) {
		return g.inner.Stream(ctx, req, onDelta)
	})
}

func (g *Guarded) call(ctx context.Context, req Request, fn func(context.Context) (*Response, error)) (*Response, error) {
	// The timeout lives inside the protected call so an expired call counts
	// against the breaker while a cancelled caller does not.
	bounded := func(ctx context.Context) (*Response, error) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return fn(ctx)
	}

	var (
		resp *Response
		err  error
	)
	if g.breaker != nil {
		resp, err = resilience.ExecuteVal(ctx, g.breaker, bounded)
	} else {
		resp, err = bounded(ctx)
	}
	if err != nil {
		if resilience.IsCircuitOpen(err) {
			return nil, err
		}
		return nil, eris.Wrapf(err, "llm: %s %s", g.inner.Provider(), taskName(req))
	}

	zap.L().Debug("llm: call complete",
		zap.String("provider", resp.Provider),
		zap.String("model", resp.Model),
		zap.String("task", taskName(req)),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Duration("duration", resp.Duration),
	)
	if g.onUsage != nil {
		g.onUsage(req, resp)
	}
	return resp, nil
}

func taskName(req Request) string {
	if req.Task == "" {
		return "call"
	}
	return req.Task
}
