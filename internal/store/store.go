// Package store persists run history, phase timings and the search result
// cache. SQLite is the default backend; Postgres is used when a
// database_url is configured with driver "postgres".
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fitcheck/internal/model"
)

// ErrNotFound is returned when a run or phase does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for fit-check runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, runID, query string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, queryType model.QueryType, result *model.RunResult, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Phases
	CreatePhase(ctx context.Context, runID string, phase model.Phase) (*model.RunPhase, error)
	CompletePhase(ctx context.Context, phaseID string, status model.PhaseStatus, summary string, durationMs int64) error
	ListPhases(ctx context.Context, runID string) ([]model.RunPhase, error)

	// Search cache
	GetCachedSearch(ctx context.Context, provider, query string, maxAge time.Duration) ([]model.Document, bool, error)
	SetCachedSearch(ctx context.Context, provider, query string, docs []model.Document) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return eris.Is(err, ErrNotFound)
}

func listLimit(n int) int {
	if n <= 0 || n > 500 {
		return 50
	}
	return n
}

// Nop discards writes and reports every lookup as missing. It backs
// driver "none".
type Nop struct{}

func (Nop) CreateRun(_ context.Context, runID, query string) (*model.Run, error) {
	now := time.Now().UTC()
	return &model.Run{ID: runID, Query: query, Status: model.RunStatusRunning, CreatedAt: now, UpdatedAt: now}, nil
}
func (Nop) UpdateRunStatus(context.Context, string, model.RunStatus) error { return nil }
func (Nop) CompleteRun(context.Context, string, model.RunStatus, model.QueryType, *model.RunResult, string) error {
	return nil
}
func (Nop) GetRun(_ context.Context, runID string) (*model.Run, error) {
	return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
}
func (Nop) ListRuns(context.Context, RunFilter) ([]model.Run, error) { return nil, nil }
func (Nop) CreatePhase(_ context.Context, runID string, phase model.Phase) (*model.RunPhase, error) {
	return &model.RunPhase{RunID: runID, Name: phase, Status: model.PhaseActive, StartedAt: time.Now().UTC()}, nil
}
func (Nop) CompletePhase(context.Context, string, model.PhaseStatus, string, int64) error { return nil }
func (Nop) ListPhases(context.Context, string) ([]model.RunPhase, error)                  { return nil, nil }
func (Nop) GetCachedSearch(context.Context, string, string, time.Duration) ([]model.Document, bool, error) {
	return nil, false, nil
}
func (Nop) SetCachedSearch(context.Context, string, string, []model.Document) error { return nil }
func (Nop) Migrate(context.Context) error                                           { return nil }
func (Nop) Close() error                                                            { return nil }
