// Package pipeline runs a fit-check query through the phase state machine:
// classify, the bounded research and quality gate loop, comparison, skill
// match, confidence calibration and the streamed verdict.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fitcheck/internal/config"
	"github.com/sells-group/fitcheck/internal/cost"
	"github.com/sells-group/fitcheck/internal/fetch"
	"github.com/sells-group/fitcheck/internal/llm"
	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/profile"
	"github.com/sells-group/fitcheck/internal/scorer"
	"github.com/sells-group/fitcheck/internal/store"
)

// Options bounds a run.
type Options struct {
	MaxIterations     int
	MinSources        int
	MaxConcurrency    int
	MaxSteps          int
	MaxClarifications int
	Timeout           time.Duration
	PhaseTimeout      time.Duration
	EscalateOnLowData bool
	MaxEnrich         int
	Scoring           config.ScoringConfig
}

// DefaultOptions returns the production bounds.
func DefaultOptions() Options {
	return Options{
		MaxIterations:     3,
		MinSources:        3,
		MaxConcurrency:    8,
		MaxSteps:          24,
		MaxClarifications: 1,
		Timeout:           120 * time.Second,
		PhaseTimeout:      45 * time.Second,
		EscalateOnLowData: true,
		MaxEnrich:         3,
		Scoring:           scorer.DefaultScoringConfig(),
	}
}

// OptionsFromConfig reads the pipeline, fetch and scoring sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxIterations:     cfg.Pipeline.MaxIterations,
		MinSources:        cfg.Pipeline.MinSources,
		MaxConcurrency:    cfg.Pipeline.MaxConcurrency,
		MaxSteps:          cfg.Pipeline.MaxSteps,
		MaxClarifications: cfg.Pipeline.MaxClarifications,
		Timeout:           time.Duration(cfg.Pipeline.TimeoutSecs) * time.Second,
		PhaseTimeout:      time.Duration(cfg.Pipeline.PhaseTimeoutSecs) * time.Second,
		EscalateOnLowData: cfg.Pipeline.EscalateOnLowData,
		MaxEnrich:         cfg.Fetch.MaxEnrich,
		Scoring:           cfg.Scoring,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.MinSources <= 0 {
		o.MinSources = d.MinSources
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = d.MaxConcurrency
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = d.MaxSteps
	}
	if o.MaxClarifications < 0 {
		o.MaxClarifications = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.PhaseTimeout <= 0 {
		o.PhaseTimeout = d.PhaseTimeout
	}
	if o.MaxEnrich < 0 {
		o.MaxEnrich = 0
	}
	if o.Scoring.Mode == "" {
		o.Scoring.Mode = d.Scoring.Mode
	}
	return o
}

// Deps are the collaborators shared by all runs. LLM and Search are
// required; the rest have usable zero values.
type Deps struct {
	LLM     llm.Client
	Search  Searcher
	Fetcher fetch.Fetcher
	Profile *profile.Profile
	Store   store.Store
	Cost    *cost.Calculator
}

// Pipeline executes fit-check runs. It is safe for concurrent use; each
// Run owns its own state.
type Pipeline struct {
	opts Options
	deps Deps
}

// New creates a Pipeline.
func New(opts Options, deps Deps) (*Pipeline, error) {
	if deps.LLM == nil {
		return nil, eris.New("pipeline: llm client is required")
	}
	if deps.Search == nil {
		return nil, eris.New("pipeline: searcher is required")
	}
	if deps.Profile == nil {
		deps.Profile = profile.Default()
	}
	if deps.Store == nil {
		deps.Store = store.Nop{}
	}
	return &Pipeline{opts: opts.withDefaults(), deps: deps}, nil
}

// Options returns the effective bounds.
func (p *Pipeline) Options() Options { return p.opts }

// Request is one fit-check query.
type Request struct {
	Query           string
	IncludeThoughts bool
	// RunID is generated when empty.
	RunID string
}

// User-facing messages for runs that end early.
const (
	msgTimeout    = "The analysis took too long and was stopped. Please try again."
	msgStepBudget = "The analysis exceeded its step budget and was stopped."
	msgFailed     = "The analysis could not be completed because a required step failed. Please try again."
)

// persistTimeout bounds store writes, which outlive a cancelled request.
const persistTimeout = 5 * time.Second

// Run executes the pipeline for req, delivering events to emit, and returns
// the final state. Run never panics and never returns an error; failures
// are reported through events and recorded on the state.
func (p *Pipeline) Run(ctx context.Context, req Request, emit Emit) *model.PipelineState {
	start := time.Now()
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	out := sequencer(ctx, req.IncludeThoughts, emit)

	query, err := ValidateQuery(req.Query)
	s := model.NewPipelineState(runID, query, p.opts.MaxIterations)
	if err != nil {
		s.Query = req.Query
		s.Abort(model.CodeValidation, ValidationMessage(err))
		s.RecordError(model.PhaseClassify, model.ErrorValidation, err.Error())
		out(model.NewError(model.CodeValidation, s.AbortReason))
		return s
	}

	log := zap.L().With(zap.String("run_id", runID))
	log.Info("pipeline: starting run", zap.Int("query_len", len(query)))
	p.persist(ctx, func(ctx context.Context) error {
		_, err := p.deps.Store.CreateRun(ctx, runID, query)
		return err
	}, "create run")

	ledger := cost.NewLedger(p.deps.Cost, runID)
	env := p.env(ledger)
	nodes := env.nodes()

	runCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	out(model.NewStatus("started", "Fit check started"))
	announced := make(map[string]bool)

	phase := model.PhaseClassify
	for {
		if ctx.Err() != nil {
			break
		}
		if phase != model.PhaseAbortReply {
			switch {
			case s.ShouldAbort:
				phase = model.PhaseAbortReply
			case runCtx.Err() != nil:
				s.Abort(model.CodeTimeout, msgTimeout)
				phase = model.PhaseAbortReply
			case s.Steps >= p.opts.MaxSteps:
				s.Abort(model.CodeStepBudget, msgStepBudget)
				phase = model.PhaseAbortReply
			}
		}
		s.Steps++
		announce(out, phase, announced)

		outcome := p.runPhase(runCtx, s, nodes[phase], out)
		if ctx.Err() != nil || Terminal(phase) {
			break
		}
		if s.ShouldAbort {
			phase = model.PhaseAbortReply
			continue
		}

		t := outcome.Next
		if phase == model.PhaseClassify && t == TransitionClarify {
			if s.Clarifications >= p.opts.MaxClarifications {
				t = TransitionClarifyEnd
			} else {
				s.Clarifications++
			}
		}
		next, err := Next(phase, t)
		if err != nil {
			s.RecordError(phase, model.ErrorFatal, err.Error())
			s.Abort(model.CodePipeline, msgFailed)
			phase = model.PhaseAbortReply
			continue
		}
		phase = next
	}

	s.Usage = ledger.Usage()
	durMs := time.Since(start).Milliseconds()
	status := runStatus(ctx, s)
	if status == model.RunStatusComplete {
		out(model.NewComplete(durMs))
	}

	errMsg := ""
	if s.ShouldAbort {
		errMsg = s.AbortCode + ": " + s.AbortReason
	}
	p.persist(ctx, func(ctx context.Context) error {
		return p.deps.Store.CompleteRun(ctx, runID, status, s.QueryType, model.ResultFromState(s, durMs), errMsg)
	}, "complete run")

	log.Info("pipeline: run finished",
		zap.String("status", string(status)),
		zap.String("final_phase", string(s.CurrentPhase)),
		zap.Int("iterations", s.IterationCount),
		zap.Int("accepted", len(s.AcceptedSources)),
		zap.Int("errors", len(s.ProcessingErrors)),
		zap.Int64("input_tokens", s.Usage.InputTokens),
		zap.Int64("output_tokens", s.Usage.OutputTokens),
		zap.Float64("cost_usd", s.Usage.CostUSD),
		zap.Int64("duration_ms", durMs),
	)
	return s
}

// runPhase executes one node with retry and fallback and always brackets it
// with phase and phase_complete events.
func (p *Pipeline) runPhase(ctx context.Context, s *model.PipelineState, node Node, out Emit) Outcome {
	phase := node.Phase()
	log := zap.L().With(zap.String("run_id", s.RunID), zap.String("phase", string(phase)))

	s.CurrentPhase = phase
	s.Phases = append(s.Phases, model.PhaseEntry{
		Phase:     phase,
		Message:   phase.Label(),
		Status:    model.PhaseActive,
		StartTime: time.Now(),
	})
	idx := len(s.Phases) - 1
	out(model.NewPhase(phase, phase.Label()))

	var rec *model.RunPhase
	p.persist(ctx, func(ctx context.Context) error {
		var err error
		rec, err = p.deps.Store.CreatePhase(ctx, s.RunID, phase)
		return err
	}, "create phase")

	status := model.PhaseComplete
	outcome, err := p.attempt(ctx, s, node, out)
	if err != nil && retryable(ctx, err) {
		s.RecordError(phase, Classify(err), err.Error())
		log.Warn("pipeline: phase failed, retrying", zap.Error(err))
		outcome, err = p.attempt(ctx, s, node, out)
	}
	if err != nil {
		status = model.PhaseError
		outcome = p.fallback(s, node, err, out)
		log.Error("pipeline: phase failed", zap.Error(err))
	}

	end := time.Now()
	entry := &s.Phases[idx]
	entry.EndTime = &end
	entry.Status = status
	entry.Summary = outcome.Summary
	entry.Data = outcome.Data
	out(model.NewPhaseComplete(phase, outcome.Summary, outcome.Data))

	if rec != nil {
		p.persist(ctx, func(ctx context.Context) error {
			return p.deps.Store.CompletePhase(ctx, rec.ID, status, outcome.Summary, entry.DurationMs())
		}, "complete phase")
	}
	log.Debug("pipeline: phase complete",
		zap.String("next", string(outcome.Next)),
		zap.Int64("duration_ms", entry.DurationMs()),
	)
	return outcome
}

// attempt runs the node once under the phase timeout. Panics become fatal
// errors; the returned error is always a *PhaseError.
func (p *Pipeline) attempt(ctx context.Context, s *model.PipelineState, node Node, out Emit) (outcome Outcome, err error) {
	phaseCtx, cancel := context.WithTimeout(ctx, p.opts.PhaseTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{}
			err = &PhaseError{Phase: node.Phase(), Class: model.ErrorFatal, Err: eris.Errorf("pipeline: panic in %s: %v", node.Phase(), r)}
		}
	}()

	outcome, err = node.Run(phaseCtx, s, out)
	if err == nil {
		return outcome, nil
	}

	pe := &PhaseError{Phase: node.Phase(), Err: err, Partial: isPartial(err)}
	switch {
	case phaseCtx.Err() != nil:
		pe.Class = model.ErrorFatal
		pe.Timeout = errors.Is(phaseCtx.Err(), context.DeadlineExceeded)
	case errors.Is(err, context.DeadlineExceeded):
		// A single call timed out inside a live phase.
		pe.Class = model.ErrorRecoverable
	default:
		pe.Class = Classify(err)
	}
	return outcome, pe
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || isPartial(err) {
		return false
	}
	c := Classify(err)
	return c == model.ErrorRecoverable || c == model.ErrorExternal
}

// fallback records a failed phase and decides how the run continues.
func (p *Pipeline) fallback(s *model.PipelineState, node Node, err error, out Emit) Outcome {
	phase := node.Phase()
	class := Classify(err)
	s.RecordError(phase, class, err.Error())

	if class == model.ErrorFatal || class == model.ErrorValidation {
		code, msg := model.CodePipeline, msgFailed
		var pe *PhaseError
		if errors.As(err, &pe) && pe.Timeout {
			code, msg = model.CodeTimeout, msgTimeout
		}
		if !s.ShouldAbort {
			s.Abort(code, msg)
		}
		return Outcome{Next: TransitionAbort, Summary: fmt.Sprintf("%s failed: %s", phase, code)}
	}
	if fb, ok := node.(Fallbacker); ok {
		o := fb.Fallback(s, out)
		o.Summary += " (degraded)"
		return o
	}
	return Outcome{Next: defaultTransition(phase), Summary: fmt.Sprintf("%s skipped after error", phase)}
}

// env builds the per-run collaborators. Inference usage is metered into
// the run's ledger.
func (p *Pipeline) env(ledger *cost.Ledger) *runEnv {
	client := llm.NewMetered(p.deps.LLM, func(req llm.Request, resp *llm.Response) {
		ledger.AddInference(req.Task, resp.Provider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	})
	var dims scorer.DimensionScorer = scorer.NewLLMDimensions(client)
	if p.opts.Scoring.Mode == scorer.ModeHeuristic {
		dims = scorer.HeuristicDimensions{}
	}
	return &runEnv{
		llm:      client,
		tools:    NewToolbox(p.deps.Search, p.deps.Fetcher),
		scorer:   scorer.New(dims, p.opts.Scoring),
		profile:  p.deps.Profile,
		opts:     p.opts,
		onSearch: ledger.AddSearch,
		onFetch:  ledger.AddFetch,
	}
}

func (e *runEnv) nodes() map[model.Phase]Node {
	all := []Node{
		&classifyNode{env: e},
		&researchNode{env: e},
		&qualityGateNode{env: e},
		&comparisonNode{env: e},
		&skillMatchNode{env: e},
		&calibrateNode{env: e},
		&synthesizeNode{env: e},
		&conversationalNode{env: e},
		clarificationNode{},
		refusalNode{},
		abortNode{},
	}
	m := make(map[model.Phase]Node, len(all))
	for _, n := range all {
		m[n.Phase()] = n
	}
	return m
}

// persist runs a best-effort store write that survives cancellation of the
// request context.
func (p *Pipeline) persist(ctx context.Context, fn func(context.Context) error, action string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		zap.L().Warn("pipeline: store write failed", zap.String("action", action), zap.Error(err))
	}
}

// sequencer serializes events, numbers thoughts and drops everything once
// ctx is cancelled.
func sequencer(ctx context.Context, includeThoughts bool, emit Emit) Emit {
	var (
		mu   sync.Mutex
		step int
	)
	return func(ev model.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil || emit == nil {
			return
		}
		if ev.Type == model.EventThought {
			if !includeThoughts {
				return
			}
			if td, ok := ev.Data.(model.ThoughtData); ok && td.Step == 0 {
				step++
				td.Step = step
				ev.Data = td
			}
		}
		emit(ev)
	}
}

// announce emits the coarse status for the stage phase opens, once per run.
func announce(out Emit, phase model.Phase, done map[string]bool) {
	var status, msg string
	switch phase {
	case model.PhaseResearch:
		status, msg = "researching", "Researching the employer"
	case model.PhaseCriticalComparison:
		status, msg = "analyzing", "Analyzing fit against the profile"
	case model.PhaseSynthesize:
		status, msg = "synthesizing", "Writing the verdict"
	default:
		return
	}
	if done[status] {
		return
	}
	done[status] = true
	out(model.NewStatus(status, msg))
}

func runStatus(ctx context.Context, s *model.PipelineState) model.RunStatus {
	switch {
	case ctx.Err() != nil:
		return model.RunStatusCancelled
	case !s.ShouldAbort:
		return model.RunStatusComplete
	case s.AbortCode == model.CodePipeline:
		return model.RunStatusFailed
	default:
		return model.RunStatusAborted
	}
}
