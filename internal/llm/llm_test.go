package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fitcheck/internal/resilience"
	"github.com/sells-group/fitcheck/pkg/anthropic"
	"github.com/sells-group/fitcheck/pkg/gemini"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose", "Here you go: {\"a\":{\"b\":2}} hope that helps", `{"a":{"b":2}}`},
		{"array", "result: [1,2]", `[1,2]`},
		{"no json", "nothing", "nothing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type scores struct {
		Relevance float64 `json:"relevance"`
	}
	got, err := DecodeJSON[scores]("```json\n{\"relevance\":0.7}\n```")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, got.Relevance, 1e-9)

	_, err = DecodeJSON[scores]("not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm: decode json")

	_, err = DecodeJSON[scores]("  ")
	require.Error(t, err)
}

func TestTruncateForLog(t *testing.T) {
	assert.Equal(t, "abc", TruncateForLog("abc", 5))
	assert.Equal(t, "ab...", TruncateForLog("abcdef", 2))
	assert.Equal(t, "ün...", TruncateForLog("ünicode", 2))
}

func TestGenerateJSON(t *testing.T) {
	s := NewScripted().Reply("classify", `{"intent":"research"}`)
	out, resp, err := GenerateJSON[map[string]string](context.Background(), s, Request{Task: "classify", Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "research", out["intent"])
	assert.Equal(t, "scripted", resp.Provider)
	assert.True(t, s.Calls()[0].JSON)
}

func TestScripted(t *testing.T) {
	s := NewScripted().
		Reply("a", "one two three").
		Otherwise(func(r Request) (string, error) { return "fallback " + r.Task, nil })

	var chunks []string
	resp, err := s.Stream(context.Background(), Request{Task: "a"}, func(d string) error {
		chunks = append(chunks, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one ", "two ", "three"}, chunks)
	assert.Equal(t, "one two three", resp.Text)

	resp, err = s.Generate(context.Background(), Request{Task: "b"})
	require.NoError(t, err)
	assert.Equal(t, "fallback b", resp.Text)
	assert.Equal(t, 1, s.CallsFor("a"))

	_, err = NewScripted().Generate(context.Background(), Request{Task: "x"})
	require.Error(t, err)
}

func TestGuarded_TripsBreaker(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "inference", FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute,
	})
	s := NewScripted().On("score", func(Request) (string, error) { return "", errors.New("529 overloaded") })
	g := NewGuarded(s, cb)

	for range 2 {
		_, err := g.Generate(context.Background(), Request{Task: "score"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "llm: scripted score")
	}
	assert.Equal(t, resilience.CircuitOpen, cb.State())

	_, err := g.Generate(context.Background(), Request{Task: "score"})
	require.Error(t, err)
	assert.True(t, resilience.IsCircuitOpen(err))
	assert.Equal(t, 2, s.CallsFor("score"), "open breaker must not reach the provider")
}

// hangingClient blocks every call until its context ends.
type hangingClient struct{}

func (hangingClient) Provider() string { return "hang" }

func (hangingClient) Generate(ctx context.Context, _ Request) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c hangingClient) Stream(ctx context.Context, req Request, _ func(string) error) (*Response, error) {
	return c.Generate(ctx, req)
}

func TestGuarded_CallTimeoutTripsBreaker(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "inference", FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute,
	})
	g := NewGuarded(hangingClient{}, cb, WithTimeout(20*time.Millisecond))

	for range 2 {
		_, err := g.Generate(context.Background(), Request{Task: "score"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "context deadline exceeded")
	}
	assert.Equal(t, resilience.CircuitOpen, cb.State())

	_, err := g.Generate(context.Background(), Request{Task: "score"})
	require.Error(t, err)
	assert.True(t, resilience.IsCircuitOpen(err))
}

func TestGuarded_CallerCancelDoesNotTripBreaker(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "inference", FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute,
	})
	g := NewGuarded(hangingClient{}, cb, WithTimeout(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.Generate(ctx, Request{Task: "score"})
	require.Error(t, err)
	assert.Equal(t, resilience.CircuitClosed, cb.State())
}

func TestGuarded_UsageHookAndTimeout(t *testing.T) {
	var seen []string
	s := NewScripted().Reply("synthesize", "done")
	g := NewGuarded(s, nil,
		WithTimeout(time.Second),
		WithUsageHook(func(req Request, resp *Response) { seen = append(seen, req.Task+":"+resp.Text) }),
	)
	resp, err := g.Stream(context.Background(), Request{Task: "synthesize"}, func(string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, []string{"synthesize:done"}, seen)
	assert.Equal(t, "scripted", g.Provider())

	slow := NewScripted().On("slow", func(Request) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "late", nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewGuarded(slow, nil).Generate(ctx, Request{Task: "slow"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context canceled")
}

func TestMetered(t *testing.T) {
	var tokens int64
	s := NewScripted().Reply("classify", `{"intent":"chitchat"}`)
	m := NewMetered(s, func(_ Request, resp *Response) { tokens += resp.Usage.OutputTokens })

	_, err := m.Generate(context.Background(), Request{Task: "classify", Prompt: "hello there"})
	require.NoError(t, err)
	_, err = m.Generate(context.Background(), Request{Task: "missing"})
	require.Error(t, err)

	assert.Equal(t, int64(len(`{"intent":"chitchat"}`)/4), tokens)
	assert.Equal(t, "scripted", m.Provider())
}

type fakeAnthropic struct {
	last anthropic.MessageRequest
}

func (f *fakeAnthropic) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.last = req
	return &anthropic.MessageResponse{
		Model:   req.Model,
		Content: []anthropic.ContentBlock{{Type: "text", Text: "ok"}},
		Usage:   anthropic.TokenUsage{InputTokens: 10, OutputTokens: 2, CacheReadInputTokens: 5},
	}, nil
}

func (f *fakeAnthropic) StreamMessage(ctx context.Context, req anthropic.MessageRequest, onDelta func(string) error) (*anthropic.MessageResponse, error) {
	if err := onDelta("ok"); err != nil {
		return nil, err
	}
	return f.CreateMessage(ctx, req)
}

func TestAnthropicClient(t *testing.T) {
	fa := &fakeAnthropic{}
	c := NewAnthropic(fa, "big", "small", 0)

	resp, err := c.Generate(context.Background(), Request{System: "sys", Prompt: "p", Fast: true, JSON: true})
	require.NoError(t, err)
	assert.Equal(t, "small", fa.last.Model)
	assert.Equal(t, int64(2048), fa.last.MaxTokens)
	require.Len(t, fa.last.System, 1)
	assert.Contains(t, fa.last.System[0].Text, "JSON object")
	assert.Equal(t, int64(15), resp.Usage.InputTokens)
	assert.Equal(t, "anthropic", resp.Provider)

	_, err = c.Stream(context.Background(), Request{Prompt: "p", MaxTokens: 99}, func(string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "big", fa.last.Model)
	assert.Equal(t, int64(99), fa.last.MaxTokens)
	assert.Empty(t, fa.last.System)
}

type fakeGemini struct {
	last gemini.Request
}

func (f *fakeGemini) Generate(_ context.Context, req gemini.Request) (*gemini.Response, error) {
	f.last = req
	return &gemini.Response{Text: "g", Model: "gemini-2.5-flash", Usage: gemini.Usage{InputTokens: 3, OutputTokens: 1}}, nil
}

func (f *fakeGemini) Stream(ctx context.Context, req gemini.Request, onDelta func(string) error) (*gemini.Response, error) {
	_ = onDelta("g")
	return f.Generate(ctx, req)
}

func (f *fakeGemini) Model() string { return "gemini-2.5-flash" }

func TestGeminiClient(t *testing.T) {
	fg := &fakeGemini{}
	c := NewGemini(fg)
	resp, err := c.Generate(context.Background(), Request{Prompt: "p", MaxTokens: 50, Temperature: Float(0.2), JSON: true})
	require.NoError(t, err)
	assert.Equal(t, int32(50), fg.last.MaxTokens)
	require.NotNil(t, fg.last.Temperature)
	assert.InDelta(t, 0.2, *fg.last.Temperature, 1e-6)
	assert.True(t, fg.last.JSON)
	assert.Equal(t, "gemini", resp.Provider)
	assert.Equal(t, int64(3), resp.Usage.InputTokens)
}
