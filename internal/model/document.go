package model

import "time"

// SourceType is the coarse kind of a search result, used to weight how much
// usable text the source is expected to yield.
type SourceType string

const (
	SourceVideo    SourceType = "video"
	SourceSocial   SourceType = "social"
	SourceForum    SourceType = "forum"
	SourceWiki     SourceType = "wiki"
	SourceNews     SourceType = "news"
	SourceCompany  SourceType = "company"
	SourceJobs     SourceType = "jobs"
	SourceReviews  SourceType = "reviews"
	SourceBlog     SourceType = "blog"
	SourceDocument SourceType = "document"
	SourceOther    SourceType = "other"
)

// LowValue reports whether the source type rarely yields extractable text.
func (s SourceType) LowValue() bool {
	return s == SourceVideo || s == SourceSocial
}

// Document is a single search result as returned by the search collaborator.
type Document struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	SourceType SourceType `json:"source_type"`
	Query      string     `json:"query,omitempty"` // query that surfaced it
}

// ScoredDocument is a Document with its scoring breakdown. Dimension scores
// are in [0,1]; FinalScore is clamped to [0,1].
type ScoredDocument struct {
	Document

	Relevance                float64 `json:"relevance"`
	Quality                  float64 `json:"quality"`
	Usefulness               float64 `json:"usefulness"`
	Composite                float64 `json:"composite"`
	ExtractabilityMultiplier float64 `json:"extractability_multiplier"`
	QueryRelevanceMultiplier float64 `json:"query_relevance_multiplier"`
	FinalScore               float64 `json:"final_score"`
	ScoreError               string  `json:"score_error,omitempty"`
	// Degraded is set when heuristics stood in for unavailable inference.
	Degraded bool `json:"degraded,omitempty"`
}

// EnrichedDocument is an accepted source with its fetched page content.
type EnrichedDocument struct {
	Document

	Content   string    `json:"content"`
	Fetcher   string    `json:"fetcher"`
	FetchedAt time.Time `json:"fetched_at"`
}
