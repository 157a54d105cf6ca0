package resilience

import "time"

// Breaker names used in logs, errors and the status snapshot.
const (
	BreakerSearch    = "search"
	BreakerFetch     = "fetch"
	BreakerInference = "inference"
)

// Breakers is the fixed set of breakers shared by every pipeline run in a
// process. It is built once and injected into the guarded clients.
type Breakers struct {
	Search    *CircuitBreaker
	Fetch     *CircuitBreaker
	Inference *CircuitBreaker
}

// DefaultBreakers returns the production thresholds: search 3/2/30s,
// fetch 5/2/20s, inference 3/1/60s.
func DefaultBreakers() *Breakers {
	return NewBreakers(
		CircuitBreakerConfig{Name: BreakerSearch, FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: 30 * time.Second},
		CircuitBreakerConfig{Name: BreakerFetch, FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 20 * time.Second},
		CircuitBreakerConfig{Name: BreakerInference, FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: 60 * time.Second},
	)
}

// NewBreakers builds the set from explicit configs.
func NewBreakers(search, fetch, inference CircuitBreakerConfig) *Breakers {
	if search.Name == "" {
		search.Name = BreakerSearch
	}
	if fetch.Name == "" {
		fetch.Name = BreakerFetch
	}
	if inference.Name == "" {
		inference.Name = BreakerInference
	}
	return &Breakers{
		Search:    NewCircuitBreaker(search),
		Fetch:     NewCircuitBreaker(fetch),
		Inference: NewCircuitBreaker(inference),
	}
}

// All returns the breakers in a stable order.
func (b *Breakers) All() []*CircuitBreaker {
	return []*CircuitBreaker{b.Search, b.Fetch, b.Inference}
}

// States returns a snapshot of every breaker's effective state.
func (b *Breakers) States() map[string]CircuitState {
	states := make(map[string]CircuitState, 3)
	for _, cb := range b.All() {
		states[cb.Name()] = cb.State()
	}
	return states
}

// Reset closes every breaker.
func (b *Breakers) Reset() {
	for _, cb := range b.All() {
		cb.Reset()
	}
}
