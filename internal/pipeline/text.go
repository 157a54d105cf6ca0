package pipeline

import (
	"strings"
	"unicode"

	"github.com/sells-group/fitcheck/internal/model"
)

// techTerms is a vocabulary of common requirements used when the LLM is
// unavailable. Profile skills are matched separately.
var techTerms = []string{
	"machine learning", "distributed systems", "ruby on rails", "data engineering",
	"c++", "c#", ".net", "java", "kotlin", "scala", "ruby", "rust", "php", "swift",
	"elixir", "haskell", "react", "angular", "vue", "spark", "hadoop", "airflow",
	"snowflake", "kafka", "rabbitmq", "elasticsearch", "cassandra", "mongodb",
	"dynamodb", "redis", "mysql", "aws", "gcp", "azure", "terraform", "ansible",
	"kubernetes", "docker", "graphql", "microservices", "payments", "fintech",
	"security", "compliance", "mobile", "ios", "android", "llm", "pytorch",
}

// containsTerm reports whether lower (already lowercased) contains term as a
// whole token.
func containsTerm(lower, term string) bool {
	term = strings.ToLower(term)
	if term == "" {
		return false
	}
	for from := 0; ; {
		i := strings.Index(lower[from:], term)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(term)
		if boundary(lower, start-1) && boundary(lower, end) {
			return true
		}
		from = start + 1
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	r := rune(s[i])
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '+' || r == '#')
}

// findTerms returns the terms present in text, in vocabulary order, skipping
// terms contained in an already found longer term.
func findTerms(text string, terms []string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, t := range terms {
		if !containsTerm(lower, t) {
			continue
		}
		shadowed := false
		for _, f := range found {
			if len(f) > len(t) && strings.Contains(f, t) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			found = append(found, t)
		}
	}
	return found
}

// sourceText concatenates what is known about the accepted sources.
func sourceText(s *model.PipelineState) string {
	var b strings.Builder
	for _, d := range s.AcceptedSources {
		b.WriteString(d.Title)
		b.WriteString(". ")
		b.WriteString(d.Snippet)
		b.WriteString("\n")
	}
	for _, e := range s.EnrichedSources {
		b.WriteString(e.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, it := range items {
		it = strings.TrimSpace(it)
		k := strings.ToLower(it)
		if it == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, it)
	}
	return out
}

func truncateList(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
