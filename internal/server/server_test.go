package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/fitcheck/internal/llm"
	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/pipeline"
	"github.com/sells-group/fitcheck/internal/resilience"
	"github.com/sells-group/fitcheck/internal/search"
	"github.com/sells-group/fitcheck/internal/store"
	"github.com/sells-group/fitcheck/pkg/sse"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by an init in the genai dependency chain.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type fakeRunner struct {
	events  []model.Event
	started chan struct{}
	release chan struct{}
	got     pipeline.Request
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.Request, emit pipeline.Emit) *model.PipelineState {
	f.got = req
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	for _, ev := range f.events {
		emit(ev)
	}
	return model.NewPipelineState(req.RunID, req.Query, 3)
}

func scriptedEvents() []model.Event {
	return []model.Event{
		model.NewStatus("started", "Fit check started"),
		model.NewPhase(model.PhaseClassify, "Classifying query"),
		model.NewThought(model.ThoughtData{Step: 1, Type: model.ThoughtReasoning, Content: "company query", Phase: model.PhaseClassify}),
		model.NewPhaseComplete(model.PhaseClassify, "company: Stripe", nil),
		model.NewResponse("Stripe looks "),
		model.NewResponse("like a strong fit."),
		model.NewComplete(1200),
	}
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/fit-check/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func readEvents(t *testing.T, rr *httptest.ResponseRecorder) []sse.Event {
	t.Helper()
	var events []sse.Event
	require.NoError(t, sse.ReadAll(rr.Body, func(ev sse.Event) error {
		events = append(events, ev)
		return nil
	}))
	return events
}

func eventNames(events []sse.Event) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	return names
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) model.ErrorData {
	t.Helper()
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	var body model.ErrorData
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	h := New(Config{}, &fakeRunner{}, nil, nil).Handler()

	rr := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestStream_Events(t *testing.T) {
	runner := &fakeRunner{events: scriptedEvents()}
	h := New(Config{}, runner, nil, nil).Handler()

	rr := post(t, h, `{"query":"  Stripe  "}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Run-ID"))
	assert.Equal(t, "Stripe", runner.got.Query)
	assert.Equal(t, rr.Header().Get("X-Run-ID"), runner.got.RunID)

	events := readEvents(t, rr)
	assert.Equal(t, []string{"status", "phase", "phase_complete", "response", "response", "complete"}, eventNames(events))

	var chunk model.ResponseData
	require.NoError(t, events[3].Decode(&chunk))
	assert.Equal(t, "Stripe looks ", chunk.Chunk)
}

func TestStream_IncludeThoughts(t *testing.T) {
	runner := &fakeRunner{events: scriptedEvents()}
	h := New(Config{}, runner, nil, nil).Handler()

	rr := post(t, h, `{"query":"Stripe","include_thoughts":true}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, runner.got.IncludeThoughts)
	assert.Contains(t, eventNames(readEvents(t, rr)), "thought")
}

func TestStream_Validation(t *testing.T) {
	h := New(Config{}, &fakeRunner{}, nil, nil).Handler()

	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"empty body", ``, "at least 3"},
		{"blank query", `{"query":"   "}`, "at least 3"},
		{"short query", `{"query":"ab"}`, "at least 3"},
		{"long query", `{"query":"` + strings.Repeat("x", pipeline.MaxQueryLen+1) + `"}`, "at most 2000"},
		{"malformed", `{"query":`, "JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := post(t, h, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			body := decodeError(t, rr)
			assert.Equal(t, model.CodeValidation, body.Code)
			assert.Contains(t, body.Message, tt.msg)
		})
	}
}

func TestStream_Busy(t *testing.T) {
	runner := &fakeRunner{
		events:  scriptedEvents(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	srv := New(Config{MaxConcurrentRuns: 1}, runner, nil, nil)
	h := srv.Handler()

	first := make(chan *httptest.ResponseRecorder)
	go func() { first <- post(t, h, `{"query":"Stripe"}`) }()
	<-runner.started
	assert.Equal(t, 1, srv.Active())

	rr := post(t, h, `{"query":"Datadog"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, model.CodeBusy, decodeError(t, rr).Code)

	close(runner.release)
	done := <-first
	assert.Equal(t, http.StatusOK, done.Code)
	assert.Equal(t, 0, srv.Active())
}

func TestStream_KeepAlive(t *testing.T) {
	runner := &fakeRunner{
		events:  scriptedEvents(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := New(Config{KeepAlive: 5 * time.Millisecond}, runner, nil, nil).Handler()

	first := make(chan *httptest.ResponseRecorder)
	go func() { first <- post(t, h, `{"query":"Stripe"}`) }()
	<-runner.started
	time.Sleep(30 * time.Millisecond)
	close(runner.release)

	rr := <-first
	assert.Contains(t, rr.Body.String(), ": keep-alive")
	// Comments are invisible to the parser.
	names := eventNames(readEvents(t, rr))
	require.Len(t, names, 6)
	assert.Equal(t, "complete", names[5])
}

// Runs the real pipeline with inference down: the run still completes
// with a template verdict and lands in run history.
func TestStream_Pipeline(t *testing.T) {
	sql, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, sql.Migrate(context.Background()))
	t.Cleanup(func() { _ = sql.Close() })

	docs := []model.Document{
		{URL: "https://stripe.com/jobs", Title: "Engineering jobs at Stripe", Snippet: "Stripe engineers build payments infrastructure in Go with Kafka."},
		{URL: "https://en.wikipedia.org/wiki/Stripe,_Inc.", Title: "Stripe, Inc. - Wikipedia", Snippet: "Stripe is a financial services and software company."},
		{URL: "https://stripe.dev/blog/go", Title: "How Stripe runs Go services", Snippet: "Stripe uses Go, gRPC and Kubernetes."},
		{URL: "https://techcrunch.com/stripe-growth", Title: "Stripe hiring infrastructure engineers", Snippet: "Stripe continues hiring for distributed systems work."},
		{URL: "https://www.glassdoor.com/Reviews/Stripe", Title: "Stripe employee reviews", Snippet: "Engineers at Stripe describe a writing culture."},
	}
	client := llm.NewScripted().
		Reply("score", `{"relevance":0.9,"quality":0.85,"usefulness":0.8}`).
		Otherwise(func(llm.Request) (string, error) { return "", errors.New("upstream unavailable") })
	breakers := resilience.DefaultBreakers()

	opts := pipeline.DefaultOptions()
	opts.Timeout = 10 * time.Second
	p, err := pipeline.New(opts, pipeline.Deps{
		LLM:    client,
		Search: search.NewGuarded(&search.Static{Default: docs}, breakers.Search, nil, search.Options{}),
		Store:  sql,
	})
	require.NoError(t, err)

	h := New(Config{}, p, sql, breakers).Handler()

	rr := post(t, h, `{"query":"Stripe"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	events := readEvents(t, rr)
	require.NotEmpty(t, events)
	assert.Equal(t, "status", events[0].Event)
	assert.Equal(t, "complete", events[len(events)-1].Event)

	var text strings.Builder
	for _, ev := range events {
		if ev.Event != "response" {
			continue
		}
		var chunk model.ResponseData
		require.NoError(t, ev.Decode(&chunk))
		text.WriteString(chunk.Chunk)
	}
	assert.Greater(t, text.Len(), 100)

	runID := rr.Header().Get("X-Run-ID")

	list := get(t, h, "/runs?limit=10")
	require.Equal(t, http.StatusOK, list.Code)
	var runs struct {
		Runs []model.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, runID, runs.Runs[0].ID)
	assert.Equal(t, model.RunStatusComplete, runs.Runs[0].Status)

	detail := get(t, h, "/runs/"+runID)
	require.Equal(t, http.StatusOK, detail.Code)
	var d runDetail
	require.NoError(t, json.Unmarshal(detail.Body.Bytes(), &d))
	assert.Equal(t, "Stripe", d.Query)
	assert.NotEmpty(t, d.Phases)
	assert.Equal(t, model.PhaseClassify, d.Phases[0].Name)

	status := get(t, h, "/status")
	require.Equal(t, http.StatusOK, status.Code)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &snap))
	assert.EqualValues(t, 1, snap["runs_complete"])
	assert.Equal(t, "closed", snap["breakers"].(map[string]any)["search"])
}

func TestRuns_NotFound(t *testing.T) {
	sql, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, sql.Migrate(context.Background()))
	t.Cleanup(func() { _ = sql.Close() })

	h := New(Config{}, &fakeRunner{}, sql, nil).Handler()

	rr := get(t, h, "/runs/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rr).Code)
}

func TestRuns_BadLimit(t *testing.T) {
	h := New(Config{}, &fakeRunner{}, nil, nil).Handler()

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/runs?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/runs?offset=-1").Code)

	rr := get(t, h, "/runs")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"runs":[]}`, rr.Body.String())
}

func TestStatus_BreakerStates(t *testing.T) {
	breakers := resilience.DefaultBreakers()
	breakers.Fetch.ForceOpen()
	srv := New(Config{}, &fakeRunner{}, nil, breakers)
	assert.NotNil(t, srv.Collector())

	rr := get(t, srv.Handler(), "/status")
	require.Equal(t, http.StatusOK, rr.Code)
	var snap struct {
		Breakers      map[string]string `json:"breakers"`
		LookbackHours int               `json:"lookback_hours"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, "open", snap.Breakers["fetch"])
	assert.Equal(t, "closed", snap.Breakers["search"])
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCORS_Preflight(t *testing.T) {
	h := New(Config{AllowedOrigins: []string{"https://app.example.com"}}, &fakeRunner{}, nil, nil).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/fit-check/stream", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}
