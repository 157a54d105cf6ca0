// Package server exposes the fit-check pipeline over HTTP: a streaming
// POST endpoint that answers with server-sent events, plus health, status
// and run history endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/monitoring"
	"github.com/sells-group/fitcheck/internal/pipeline"
	"github.com/sells-group/fitcheck/internal/resilience"
	"github.com/sells-group/fitcheck/internal/store"
)

// Runner executes one fit check. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, emit pipeline.Emit) *model.PipelineState
}

// Config tunes the HTTP surface.
type Config struct {
	MaxConcurrentRuns int
	EventBuffer       int
	AllowedOrigins    []string
	// KeepAlive is the interval between SSE comment frames. Zero disables them.
	KeepAlive time.Duration
	// StatusLookbackHours is the window of the /status run metrics.
	StatusLookbackHours int
}

// Server routes requests to the pipeline, the store and the collector.
type Server struct {
	cfg       Config
	runner    Runner
	store     store.Store
	collector *monitoring.Collector

	sem    *semaphore.Weighted
	active atomic.Int64
}

// New builds a server. st may be nil for no run history; breakers may be nil,
// in which case /status reports run metrics only.
func New(cfg Config, runner Runner, st store.Store, breakers *resilience.Breakers) *Server {
	if cfg.MaxConcurrentRuns < 1 {
		cfg.MaxConcurrentRuns = 16
	}
	if cfg.StatusLookbackHours <= 0 {
		cfg.StatusLookbackHours = 24
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if st == nil {
		st = store.Nop{}
	}
	s := &Server{
		cfg:    cfg,
		runner: runner,
		store:  st,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
	}
	s.collector = monitoring.NewCollector(st, breakers, s.Active)
	return s
}

// Collector returns the collector behind /status.
func (s *Server) Collector() *monitoring.Collector {
	return s.collector
}

// Active reports the number of admitted runs.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/fit-check/stream", s.handleStream)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context(), s.cfg.StatusLookbackHours)
	if err != nil {
		zap.L().Error("server: collect status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, model.CodePipeline, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{Status: model.RunStatus(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, model.CodeValidation, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, model.CodeValidation, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("server: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, model.CodePipeline, "run history unavailable")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type runDetail struct {
	model.Run
	Phases []model.RunPhase `json:"phases"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "run not found")
		return
	}
	if err != nil {
		zap.L().Error("server: get run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, model.CodePipeline, "run history unavailable")
		return
	}
	phases, err := s.store.ListPhases(r.Context(), id)
	if err != nil {
		zap.L().Error("server: list phases", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, model.CodePipeline, "run history unavailable")
		return
	}
	if phases == nil {
		phases = []model.RunPhase{}
	}
	writeJSON(w, http.StatusOK, runDetail{Run: *run, Phases: phases})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, model.ErrorData{Code: code, Message: msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}
