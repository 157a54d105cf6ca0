// Package monitoring builds the /status snapshot from run history and
// breaker state, and raises webhook alerts when thresholds are crossed.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/resilience"
	"github.com/sells-group/fitcheck/internal/store"
)

// recentRunLimit is the most runs one snapshot inspects.
const recentRunLimit = 500

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsComplete  int     `json:"runs_complete"`
	RunsAborted   int     `json:"runs_aborted"`
	RunsFailed    int     `json:"runs_failed"`
	RunsCancelled int     `json:"runs_cancelled"`
	RunsRunning   int     `json:"runs_running"`
	FailRate      float64 `json:"fail_rate"`
	CostUSD       float64 `json:"cost_usd"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgTokens     int64   `json:"avg_tokens"`
	AvgDurationMs int64   `json:"avg_duration_ms"`

	// Breakers maps breaker name to its effective state.
	Breakers map[string]resilience.CircuitState `json:"breakers"`

	// ActiveRuns is the number of runs currently admitted by the server.
	ActiveRuns int `json:"active_runs"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// OpenBreakers lists the breakers that are not closed.
func (s *MetricsSnapshot) OpenBreakers() []string {
	var open []string
	for _, name := range []string{resilience.BreakerSearch, resilience.BreakerFetch, resilience.BreakerInference} {
		if st, ok := s.Breakers[name]; ok && st != resilience.CircuitClosed {
			open = append(open, name)
		}
	}
	return open
}

// RunLister is the subset of store.Store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers metrics from the store and the breaker set.
type Collector struct {
	runs     RunLister
	breakers *resilience.Breakers
	active   func() int
	now      func() time.Time
}

// NewCollector creates a new metrics collector. active reports the number of
// in-flight runs and may be nil.
func NewCollector(runs RunLister, breakers *resilience.Breakers, active func() int) *Collector {
	return &Collector{runs: runs, breakers: breakers, active: active, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		Breakers:      map[string]resilience.CircuitState{},
	}
	if c.breakers != nil {
		snap.Breakers = c.breakers.States()
	}
	if c.active != nil {
		snap.ActiveRuns = c.active()
	}

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: recentRunLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	var confidence float64
	var tokens, duration int64
	var finished int

	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusAborted:
			snap.RunsAborted++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusCancelled:
			snap.RunsCancelled++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		if r.Result == nil {
			continue
		}
		finished++
		snap.CostUSD += r.Result.Usage.CostUSD
		tokens += r.Result.Usage.InputTokens + r.Result.Usage.OutputTokens
		duration += r.Result.DurationMs
		confidence += float64(r.Result.ConfidenceScore)
	}

	if ended := snap.RunsComplete + snap.RunsAborted + snap.RunsFailed; ended > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(ended)
	}
	if finished > 0 {
		snap.AvgConfidence = confidence / float64(finished)
		snap.AvgTokens = tokens / int64(finished)
		snap.AvgDurationMs = duration / int64(finished)
	}
	return snap, nil
}
