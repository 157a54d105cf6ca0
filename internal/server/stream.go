package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/pipeline"
	"github.com/sells-group/fitcheck/internal/stream"
	"github.com/sells-group/fitcheck/pkg/sse"
)

// maxBodyBytes bounds the request body; the query itself is capped far lower.
const maxBodyBytes = 64 << 10

type streamRequest struct {
	Query           string `json:"query"`
	IncludeThoughts bool   `json:"include_thoughts"`
}

// handleStream validates the request and admits it before any stream bytes
// are written, so rejections are plain JSON with a 4xx/5xx status.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, model.CodeValidation, "request body must be a JSON object with a query field")
		return
	}
	query, err := pipeline.ValidateQuery(req.Query)
	if err != nil {
		writeError(w, http.StatusBadRequest, model.CodeValidation, pipeline.ValidationMessage(err))
		return
	}

	if !s.sem.TryAcquire(1) {
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, model.CodeBusy, "Too many fit checks in progress. Please retry shortly.")
		return
	}
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		s.sem.Release(1)
	}()

	runID := uuid.NewString()
	log := zap.L().With(zap.String("run_id", runID))

	sse.SetHeaders(w.Header())
	w.Header().Set("X-Run-ID", runID)
	w.WriteHeader(http.StatusOK)
	sw := sse.NewWriter(w)

	ctx := r.Context()
	em := stream.New(ctx, func(ev model.Event) error {
		return sw.WriteEvent(string(ev.Type), ev.Data)
	}, stream.Options{Buffer: s.cfg.EventBuffer, IncludeThoughts: req.IncludeThoughts})

	stopKeepAlive := s.keepAlive(sw)
	s.runner.Run(ctx, pipeline.Request{Query: query, IncludeThoughts: req.IncludeThoughts, RunID: runID}, em.Emit)
	stopKeepAlive()
	em.Close()

	sent, dropped := em.Stats()
	log.Info("server: stream finished",
		zap.Int("events_sent", sent),
		zap.Int("thoughts_dropped", dropped),
		zap.Bool("client_gone", ctx.Err() != nil),
	)
}

// keepAlive writes comment frames until the returned func is called.
func (s *Server) keepAlive(sw *sse.Writer) func() {
	if s.cfg.KeepAlive <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(s.cfg.KeepAlive)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := sw.Comment("keep-alive"); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
