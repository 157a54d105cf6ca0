// Package resilience provides circuit breakers and retry helpers for the
// outbound calls made by the fit-check pipeline.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects every request until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits trial requests to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is the sentinel matched by every CircuitOpenError.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitOpenError is returned when a call is rejected without invoking the
// protected operation. Callers are expected to fall back.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter.Round(time.Second))
}

// Is lets errors.Is(err, ErrCircuitOpen) match any breaker rejection.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsCircuitOpen reports whether err (or anything it wraps) is a breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// Name identifies the protected dependency in logs and errors.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the circuit opens. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit again. It also caps the trial calls in
	// flight while half-open. Default: 1.
	SuccessThreshold int

	// ResetTimeout is how long the circuit stays open before admitting a
	// trial call. Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip optionally decides whether an error counts as a dependency
	// failure. If nil, every non-nil error except caller cancellation counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called after every transition, while the breaker lock is held.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker guards a single external dependency.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	failureCount    int
	successCount    int
	trials          int // half-open calls in flight
	lastFailureTime time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Name returns the dependency name the breaker protects.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn through the breaker. When the circuit is open fn is not
// called and a *CircuitOpenError is returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	trial, err := cb.allow()
	if err != nil {
		return zero, err
	}
	if trial {
		defer cb.endTrial()
	}

	val, err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case cancelled(ctx, err):
		// The caller giving up says nothing about the dependency.
	case cb.cfg.ShouldTrip == nil || cb.cfg.ShouldTrip(err):
		cb.RecordFailure()
	default:
		cb.RecordSuccess()
	}
	return val, err
}

// CheckState returns the current state, applying the time-based Open to
// HalfOpen transition when the reset timeout has elapsed.
func (cb *CircuitBreaker) CheckState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// State reports the effective state without mutating the breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.transition(CircuitClosed)
		}
	case CircuitClosed:
		cb.failureCount = 0
	}
}

// RecordFailure registers a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.nowFunc()
	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	case CircuitOpen:
		cb.failureCount++
	}
}

// ForceOpen trips the circuit regardless of counters.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailureTime = cb.nowFunc()
	if cb.state != CircuitOpen {
		cb.transition(CircuitOpen)
	}
}

// Reset forces the circuit back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
	cb.failureCount = 0
	cb.successCount = 0
}

// Counters returns the failure count and raw state for observability.
func (cb *CircuitBreaker) Counters() (failures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount, cb.state
}

// allow admits a call. While half-open at most SuccessThreshold trial calls
// run at once; the rest are rejected as if the circuit were open. trial is
// set when the admitted call holds a trial slot.
func (cb *CircuitBreaker) allow() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()
	switch cb.state {
	case CircuitClosed:
		return false, nil
	case CircuitHalfOpen:
		if cb.trials < cb.cfg.SuccessThreshold {
			cb.trials++
			return true, nil
		}
		return false, &CircuitOpenError{Name: cb.cfg.Name}
	}
	return false, &CircuitOpenError{
		Name:       cb.cfg.Name,
		RetryAfter: cb.cfg.ResetTimeout - cb.nowFunc().Sub(cb.lastFailureTime),
	}
}

func (cb *CircuitBreaker) endTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.trials > 0 {
		cb.trials--
	}
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// maybeHalfOpen must be called with mu held.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.cfg.ResetTimeout {
		cb.transition(CircuitHalfOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.failureCount = 0
	cb.successCount = 0

	zap.L().Info("resilience: circuit state change",
		zap.String("breaker", cb.cfg.Name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
