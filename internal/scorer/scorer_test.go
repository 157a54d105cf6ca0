package scorer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fitcheck/internal/config"
	"github.com/sells-group/fitcheck/internal/llm"
	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/resilience"
)

type fixedDims struct {
	byURL map[string]Dimensions
	fail  map[string]bool
	delay time.Duration
	live  atomic.Int32
	peak  atomic.Int32
}

func (f *fixedDims) Name() string { return "fixed" }

func (f *fixedDims) Dimensions(ctx context.Context, doc model.Document, _ Query) (Dimensions, error) {
	n := f.live.Add(1)
	defer f.live.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Dimensions{}, ctx.Err()
		}
	}
	if f.fail[doc.URL] {
		return Dimensions{}, errors.New("upstream 500")
	}
	if d, ok := f.byURL[doc.URL]; ok {
		return d, nil
	}
	return Dimensions{Relevance: 0.5, Quality: 0.5, Usefulness: 0.5}, nil
}

func doc(url string, st model.SourceType) model.Document {
	return model.Document{ID: url, URL: url, Title: url, SourceType: st}
}

func TestScoreBatch_LengthAndOrder(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for trial := range 20 {
		n := r.IntN(40)
		docs := make([]model.Document, n)
		dims := &fixedDims{byURL: map[string]Dimensions{}, fail: map[string]bool{}}
		for i := range docs {
			u := fmt.Sprintf("https://example.com/%d/%d", trial, i)
			docs[i] = doc(u, model.SourceOther)
			if r.IntN(5) == 0 {
				dims.fail[u] = true
				continue
			}
			v := float64(r.IntN(5)) / 4
			dims.byURL[u] = Dimensions{Relevance: v, Quality: v, Usefulness: v}
		}

		out := New(dims, config.ScoringConfig{}).ScoreBatch(context.Background(), docs, Query{}, 4)
		require.Len(t, out, n)
		for i := 1; i < len(out); i++ {
			require.GreaterOrEqual(t, out[i-1].FinalScore, out[i].FinalScore)
		}
		for _, sd := range out {
			assert.GreaterOrEqual(t, sd.FinalScore, 0.0)
			assert.LessOrEqual(t, sd.FinalScore, 1.0)
			if dims.fail[sd.URL] {
				assert.NotEmpty(t, sd.ScoreError)
				assert.InDelta(t, 0.1, sd.Relevance, 1e-9)
			}
		}
	}
}

func TestScoreBatch_StableTies(t *testing.T) {
	docs := []model.Document{
		doc("https://a.example", model.SourceOther),
		doc("https://b.example", model.SourceOther),
		doc("https://c.example", model.SourceOther),
	}
	out := New(&fixedDims{}, config.ScoringConfig{}).ScoreBatch(context.Background(), docs, Query{}, 3)
	assert.Equal(t, []string{"https://a.example", "https://b.example", "https://c.example"},
		[]string{out[0].URL, out[1].URL, out[2].URL})
}

func TestScoreBatch_BoundedConcurrency(t *testing.T) {
	docs := make([]model.Document, 12)
	for i := range docs {
		docs[i] = doc(fmt.Sprintf("https://x.example/%d", i), model.SourceOther)
	}
	dims := &fixedDims{delay: 10 * time.Millisecond}
	New(dims, config.ScoringConfig{}).ScoreBatch(context.Background(), docs, Query{}, 3)
	assert.LessOrEqual(t, dims.peak.Load(), int32(3))
}

func TestScoreBatch_Cancelled(t *testing.T) {
	docs := make([]model.Document, 5)
	for i := range docs {
		docs[i] = doc(fmt.Sprintf("https://x.example/%d", i), model.SourceOther)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := New(&fixedDims{}, config.ScoringConfig{}).ScoreBatch(ctx, docs, Query{}, 2)
	require.Len(t, out, 5)
	for _, sd := range out {
		assert.Contains(t, sd.ScoreError, "not scored")
	}
}

func TestCompose_Multipliers(t *testing.T) {
	s := New(&fixedDims{}, config.ScoringConfig{})
	q := Query{Type: model.QueryCompany, Entity: "Stripe"}

	wiki := s.compose(model.Document{URL: "https://en.wikipedia.org/wiki/Stripe", Title: "Stripe, Inc.", SourceType: model.SourceWiki}, q,
		Dimensions{Relevance: 1, Quality: 1, Usefulness: 1})
	assert.InDelta(t, 1.0, wiki.Composite, 1e-9)
	assert.InDelta(t, 1.10, wiki.ExtractabilityMultiplier, 1e-9)
	assert.InDelta(t, 1.15, wiki.QueryRelevanceMultiplier, 1e-9)
	assert.InDelta(t, 1.0, wiki.FinalScore, 1e-9, "clamped")

	video := s.compose(model.Document{URL: "https://youtube.com/watch?v=1", Title: "Random", SourceType: model.SourceVideo}, q,
		Dimensions{Relevance: 0.8, Quality: 0.6, Usefulness: 0.5})
	assert.InDelta(t, 0.5*0.8+0.3*0.6+0.2*0.5, video.Composite, 1e-9)
	assert.InDelta(t, video.Composite*0.20*0.75, video.FinalScore, 1e-9)
}

func TestCompose_ExtractabilityOverride(t *testing.T) {
	s := New(&fixedDims{}, config.ScoringConfig{Extractability: map[string]float64{"video": 0.5}})
	sd := s.compose(doc("https://vimeo.com/1", model.SourceVideo), Query{}, Dimensions{Relevance: 1, Quality: 1, Usefulness: 1})
	assert.InDelta(t, 0.5, sd.FinalScore, 1e-9)
}

func TestQueryRelevance(t *testing.T) {
	company := Query{Type: model.QueryCompany, Entity: "Acme"}
	assert.Equal(t, 1.15, QueryRelevance(model.Document{Title: "Careers at Acme"}, company))
	assert.Equal(t, 1.15, QueryRelevance(model.Document{URL: "https://acme.com/about", Title: "About"}, company))
	assert.Equal(t, 1.0, QueryRelevance(model.Document{Title: "Top startups", Snippet: "including Acme"}, company))
	assert.Equal(t, 0.75, QueryRelevance(model.Document{Title: "Unrelated"}, company))
	assert.Equal(t, 1.0, QueryRelevance(model.Document{}, Query{Type: model.QueryCompany}))

	jd := Query{Type: model.QueryJobDescription, Skills: []string{"Go", "Kubernetes", "Postgres", "Kafka"}}
	assert.InDelta(t, 0.75, QueryRelevance(model.Document{Title: "nothing here"}, jd), 1e-9)
	assert.InDelta(t, 0.95, QueryRelevance(model.Document{Title: "Kubernetes and Kafka"}, jd), 1e-9)
	assert.InDelta(t, 1.15, QueryRelevance(model.Document{Title: "go kubernetes postgres kafka"}, jd), 1e-9)
	assert.Equal(t, 1.0, QueryRelevance(model.Document{}, Query{Type: model.QueryUnknown}))
}

func TestAdaptiveThreshold(t *testing.T) {
	s := New(&fixedDims{}, config.ScoringConfig{})
	tests := []struct {
		name     string
		count    int
		lowValue float64
		want     float64
	}{
		{"sparse", 5, 0, 0.45},
		{"thin", 15, 0, 0.50},
		{"normal", 25, 0, 0.55},
		{"abundant", 45, 0, 0.60},
		{"noisy", 25, 0.4, 0.60},
		{"very noisy", 25, 0.6, 0.65},
		{"abundant and very noisy clamps", 50, 0.9, 0.65},
		{"sparse and noisy", 5, 0.4, 0.50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.AdaptiveThreshold(tt.count, tt.lowValue), 1e-9)
		})
	}
}

func TestAccept(t *testing.T) {
	scored := []model.ScoredDocument{{FinalScore: 0.9}, {FinalScore: 0.55}, {FinalScore: 0.549}}
	assert.Len(t, Accept(scored, 0.55), 2)
	assert.Empty(t, Accept(nil, 0.5))
}

func TestClassifySource(t *testing.T) {
	tests := map[string]model.SourceType{
		"https://www.youtube.com/watch?v=abc":          model.SourceVideo,
		"https://x.com/stripe/status/1":                model.SourceSocial,
		"https://www.linkedin.com/posts/foo":           model.SourceSocial,
		"https://www.linkedin.com/jobs/view/1":         model.SourceJobs,
		"https://www.linkedin.com/company/stripe":      model.SourceCompany,
		"https://old.reddit.com/r/cscareerquestions":   model.SourceForum,
		"https://en.wikipedia.org/wiki/Stripe,_Inc.":   model.SourceWiki,
		"https://techcrunch.com/2024/01/01/stripe":     model.SourceNews,
		"https://boards.greenhouse.io/stripe/jobs/1":   model.SourceJobs,
		"https://www.glassdoor.com/Reviews/Stripe.htm": model.SourceReviews,
		"https://www.indeed.com/cmp/Stripe/reviews":    model.SourceReviews,
		"https://www.indeed.com/viewjob?jk=1":          model.SourceJobs,
		"https://stripe.com/blog/engineering":          model.SourceBlog,
		"https://medium.com/@someone/post":             model.SourceBlog,
		"https://stripe.com/files/annual-report.PDF":   model.SourceDocument,
		"https://stripe.com/jobs/search":               model.SourceJobs,
		"https://example.org/something":                model.SourceOther,
		"not a url":                                    model.SourceOther,
	}
	for u, want := range tests {
		assert.Equal(t, want, ClassifySource(u), u)
	}
}

func TestClassifyForEntity(t *testing.T) {
	assert.Equal(t, model.SourceCompany, ClassifyForEntity("https://stripe.com/about", "Stripe, Inc."))
	assert.Equal(t, model.SourceCompany, ClassifyForEntity("https://www.acme-robotics.io/", "Acme Robotics"))
	assert.Equal(t, model.SourceWiki, ClassifyForEntity("https://en.wikipedia.org/wiki/Stripe", "Stripe"))
	assert.Equal(t, model.SourceOther, ClassifyForEntity("https://example.org", "Stripe"))
	assert.Equal(t, model.SourceOther, ClassifyForEntity("https://example.org", ""))
}

func TestLowValueFraction(t *testing.T) {
	docs := []model.Document{
		{SourceType: model.SourceVideo}, {SourceType: model.SourceSocial},
		{SourceType: model.SourceNews}, {SourceType: model.SourceWiki},
	}
	assert.InDelta(t, 0.5, LowValueFraction(docs), 1e-9)
	assert.Zero(t, LowValueFraction(nil))
}

func TestHeuristicDimensions(t *testing.T) {
	q := Query{Type: model.QueryCompany, Entity: "Stripe", Text: "Stripe engineering culture"}
	good, err := HeuristicDimensions{}.Dimensions(context.Background(), model.Document{
		URL: "https://stripe.com/jobs", Title: "Engineering at Stripe",
		Snippet: "Our engineering team culture, hiring process and tech stack.", SourceType: model.SourceCompany,
	}, q)
	require.NoError(t, err)
	weak, err := HeuristicDimensions{}.Dimensions(context.Background(), model.Document{
		URL: "http://example.org", Title: "Cooking tips", SourceType: model.SourceVideo,
	}, q)
	require.NoError(t, err)

	assert.Greater(t, good.Relevance, weak.Relevance)
	assert.Greater(t, good.Quality, weak.Quality)
	assert.Greater(t, good.Usefulness, weak.Usefulness)
	for _, v := range []float64{good.Relevance, good.Quality, good.Usefulness} {
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestLLMDimensions(t *testing.T) {
	client := llm.NewScripted().On("score", func(r llm.Request) (string, error) {
		switch {
		case strings.Contains(r.Prompt, "good.example"):
			return "```json\n{\"relevance\":0.9,\"quality\":0.8,\"usefulness\":0.7}\n```", nil
		case strings.Contains(r.Prompt, "partial.example"):
			return `{"relevance":0.9}`, nil
		case strings.Contains(r.Prompt, "range.example"):
			return `{"relevance":1.5,"quality":0.1,"usefulness":0.1}`, nil
		default:
			return "no idea", nil
		}
	})
	l := NewLLMDimensions(client)

	d, err := l.Dimensions(context.Background(), doc("https://good.example", model.SourceNews), Query{})
	require.NoError(t, err)
	assert.Equal(t, Dimensions{Relevance: 0.9, Quality: 0.8, Usefulness: 0.7}, d)

	for _, u := range []string{"https://partial.example", "https://range.example", "https://junk.example"} {
		_, err := l.Dimensions(context.Background(), doc(u, model.SourceNews), Query{})
		assert.Error(t, err, u)
	}
	assert.True(t, client.Calls()[0].Fast)
}

type openDims struct{ calls atomic.Int32 }

func (o *openDims) Name() string { return ModeLLM }

func (o *openDims) Dimensions(context.Context, model.Document, Query) (Dimensions, error) {
	o.calls.Add(1)
	return Dimensions{}, &resilience.CircuitOpenError{Name: "inference", RetryAfter: time.Minute}
}

func TestScore_CircuitOpenFallsBackToHeuristics(t *testing.T) {
	dims := &openDims{}
	s := New(dims, DefaultScoringConfig())
	q := Query{Text: "Stripe", Type: model.QueryCompany, Entity: "Stripe"}
	d := model.Document{
		URL:        "https://stripe.com/jobs",
		Title:      "Engineering jobs at Stripe",
		Snippet:    "Stripe engineers build payments infrastructure.",
		SourceType: model.SourceCompany,
	}

	got := s.ScoreBatch(context.Background(), []model.Document{d, d}, q, 2)

	require.Len(t, got, 2)
	want, err := HeuristicDimensions{}.Dimensions(context.Background(), d, q)
	require.NoError(t, err)
	for _, sd := range got {
		assert.True(t, sd.Degraded)
		assert.Empty(t, sd.ScoreError)
		assert.InDelta(t, want.Relevance, sd.Relevance, 1e-9)
		assert.Greater(t, sd.FinalScore, DefaultScoringConfig().FailureScore)
	}
	assert.Equal(t, int32(2), dims.calls.Load())
}

func TestScore_OtherErrorsUseFailureDefault(t *testing.T) {
	s := New(&fixedDims{fail: map[string]bool{"https://a.example": true}}, DefaultScoringConfig())

	sd := s.Score(context.Background(), doc("https://a.example", model.SourceNews), Query{})

	assert.False(t, sd.Degraded)
	assert.Equal(t, "upstream 500", sd.ScoreError)
	assert.InDelta(t, 0.1, sd.Relevance, 1e-9)
}
