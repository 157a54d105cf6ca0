package scorer

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fitcheck/internal/llm"
	"github.com/sells-group/fitcheck/internal/model"
)

const scoreSystemPrompt = `You rate web search results for a job-fit research assistant.
Given the research query and one search result, rate three dimensions from 0.0 to 1.0:
- relevance: how directly the result is about the queried company or role.
- quality: how credible and substantive the source is.
- usefulness: how much it reveals about working there (tech stack, culture, hiring, team, compensation, growth).
Respond with JSON only: {"relevance": 0.0, "quality": 0.0, "usefulness": 0.0}`

// LLMDimensions rates documents with the inference client.
type LLMDimensions struct {
	client llm.Client
}

// NewLLMDimensions creates an LLM-backed DimensionScorer.
func NewLLMDimensions(client llm.Client) *LLMDimensions {
	return &LLMDimensions{client: client}
}

// Name implements DimensionScorer.
func (l *LLMDimensions) Name() string { return ModeLLM }

type llmScores struct {
	Relevance  *float64 `json:"relevance"`
	Quality    *float64 `json:"quality"`
	Usefulness *float64 `json:"usefulness"`
}

// Dimensions implements DimensionScorer.
func (l *LLMDimensions) Dimensions(ctx context.Context, doc model.Document, q Query) (Dimensions, error) {
	prompt := fmt.Sprintf("Query (%s): %s\nEntity: %s\n\nResult:\nTitle: %s\nURL: %s\nSource type: %s\nSnippet: %s",
		q.Type, q.Text, q.Entity, doc.Title, doc.URL, doc.SourceType, llm.TruncateForLog(doc.Snippet, 600))

	got, _, err := llm.GenerateJSON[llmScores](ctx, l.client, llm.Request{
		Task:        "score",
		System:      scoreSystemPrompt,
		Prompt:      prompt,
		MaxTokens:   100,
		Temperature: llm.Float(0),
		Fast:        true,
	})
	if err != nil {
		return Dimensions{}, err
	}
	if got.Relevance == nil || got.Quality == nil || got.Usefulness == nil {
		return Dimensions{}, eris.New("scorer: response missing a dimension")
	}
	d := Dimensions{Relevance: *got.Relevance, Quality: *got.Quality, Usefulness: *got.Usefulness}
	for _, v := range []float64{d.Relevance, d.Quality, d.Usefulness} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return Dimensions{}, eris.Errorf("scorer: dimension out of range: %v", v)
		}
	}
	return d, nil
}

// usefulTerms signal content about working at a company.
var usefulTerms = []string{
	"engineering", "engineer", "culture", "hiring", "careers", "jobs", "stack", "team",
	"interview", "salary", "compensation", "benefits", "remote", "values", "mission",
	"funding", "growth", "layoffs", "reviews", "developer", "technology", "infrastructure",
}

var qualityBySource = map[model.SourceType]float64{
	model.SourceCompany:  0.85,
	model.SourceWiki:     0.80,
	model.SourceNews:     0.75,
	model.SourceJobs:     0.75,
	model.SourceReviews:  0.65,
	model.SourceBlog:     0.60,
	model.SourceDocument: 0.60,
	model.SourceForum:    0.50,
	model.SourceOther:    0.45,
	model.SourceSocial:   0.30,
	model.SourceVideo:    0.30,
}

// HeuristicDimensions scores by term overlap and source type, with no
// external calls.
type HeuristicDimensions struct{}

// Name implements DimensionScorer.
func (HeuristicDimensions) Name() string { return ModeHeuristic }

// Dimensions implements DimensionScorer.
func (HeuristicDimensions) Dimensions(ctx context.Context, doc model.Document, q Query) (Dimensions, error) {
	if err := ctx.Err(); err != nil {
		return Dimensions{}, err
	}
	text := strings.ToLower(doc.Title + " " + doc.Snippet)

	terms := queryTerms(q)
	relevance := 0.2
	if len(terms) > 0 {
		hits := 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				hits++
			}
		}
		relevance = 0.2 + 0.8*float64(hits)/float64(len(terms))
	}
	if e := strings.ToLower(strings.TrimSpace(q.Entity)); e != "" && strings.Contains(text, e) {
		relevance = math.Max(relevance, 0.8)
	}

	quality, ok := qualityBySource[doc.SourceType]
	if !ok {
		quality = qualityBySource[model.SourceOther]
	}
	if strings.HasPrefix(doc.URL, "https://") {
		quality += 0.05
	}
	if len(doc.Snippet) > 200 {
		quality += 0.05
	}

	useful := 0
	for _, t := range usefulTerms {
		if strings.Contains(text, t) {
			useful++
		}
	}
	usefulness := math.Min(1, 0.2+0.15*float64(useful))

	return Dimensions{
		Relevance:  clamp01(relevance),
		Quality:    clamp01(quality),
		Usefulness: usefulness,
	}, nil
}

// queryTerms returns the distinct lowercase terms worth matching: the
// entity, the skills and the longer query words.
func queryTerms(q Query) []string {
	seen := map[string]bool{}
	var terms []string
	add := func(t string) {
		t = strings.ToLower(strings.Trim(strings.TrimSpace(t), ".,;:!?()\"'"))
		if len(t) < 3 || seen[t] || stopwords[t] {
			return
		}
		seen[t] = true
		terms = append(terms, t)
	}
	add(q.Entity)
	for _, s := range q.Skills {
		add(s)
	}
	for _, w := range strings.Fields(q.Text) {
		add(w)
	}
	return terms
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "you": true, "our": true, "are": true,
	"will": true, "this": true, "that": true, "from": true, "have": true, "about": true,
	"what": true, "how": true, "who": true, "company": true, "work": true, "working": true,
}
