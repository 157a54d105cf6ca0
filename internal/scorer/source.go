package scorer

import (
	"net/url"
	"strings"

	"github.com/sells-group/fitcheck/internal/model"
)

var hostTypes = []struct {
	suffixes []string
	typ      model.SourceType
}{
	{[]string{"youtube.com", "youtu.be", "vimeo.com", "tiktok.com", "twitch.tv"}, model.SourceVideo},
	{[]string{"twitter.com", "x.com", "facebook.com", "instagram.com", "threads.net", "mastodon.social", "bsky.app"}, model.SourceSocial},
	{[]string{"reddit.com", "news.ycombinator.com", "stackoverflow.com", "quora.com", "teamblind.com", "stackexchange.com"}, model.SourceForum},
	{[]string{"wikipedia.org", "wikiwand.com", "fandom.com"}, model.SourceWiki},
	{[]string{"glassdoor.com", "comparably.com", "kununu.com", "trustpilot.com", "g2.com", "levels.fyi", "indeed.com/cmp"}, model.SourceReviews},
	{[]string{"greenhouse.io", "lever.co", "ashbyhq.com", "myworkdayjobs.com", "wellfound.com", "angel.co", "builtin.com", "workable.com", "smartrecruiters.com", "indeed.com"}, model.SourceJobs},
	{[]string{"techcrunch.com", "bloomberg.com", "reuters.com", "nytimes.com", "wsj.com", "forbes.com", "cnbc.com", "theverge.com", "businessinsider.com", "ft.com", "venturebeat.com", "wired.com", "axios.com", "crunchbase.com"}, model.SourceNews},
	{[]string{"medium.com", "substack.com", "dev.to", "hashnode.dev", "hashnode.com"}, model.SourceBlog},
}

var documentExts = []string{".pdf", ".doc", ".docx", ".ppt", ".pptx", ".xls", ".xlsx"}

// ClassifySource maps a result URL to its source type by host and path.
func ClassifySource(rawURL string) model.SourceType {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return model.SourceOther
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := strings.ToLower(u.Path)

	for _, ext := range documentExts {
		if strings.HasSuffix(path, ext) {
			return model.SourceDocument
		}
	}

	if host == "linkedin.com" || strings.HasSuffix(host, ".linkedin.com") {
		switch {
		case strings.HasPrefix(path, "/jobs"):
			return model.SourceJobs
		case strings.HasPrefix(path, "/company"):
			return model.SourceCompany
		default:
			return model.SourceSocial
		}
	}

	for _, ht := range hostTypes {
		for _, s := range ht.suffixes {
			if matchHost(host, path, s) {
				return ht.typ
			}
		}
	}

	switch {
	case strings.HasPrefix(host, "jobs.") || strings.HasPrefix(host, "careers.") ||
		strings.Contains(path, "/careers") || strings.Contains(path, "/jobs"):
		return model.SourceJobs
	case strings.HasPrefix(host, "blog.") || strings.HasPrefix(host, "engineering.") ||
		strings.Contains(path, "/blog"):
		return model.SourceBlog
	case strings.HasPrefix(host, "news.") || strings.Contains(path, "/news/") || strings.Contains(path, "/press"):
		return model.SourceNews
	}
	return model.SourceOther
}

// matchHost handles both bare domains ("x.com") and domain+path patterns
// ("indeed.com/cmp").
func matchHost(host, path, pattern string) bool {
	domain, prefix, hasPath := strings.Cut(pattern, "/")
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return false
	}
	return !hasPath || strings.HasPrefix(path, "/"+prefix)
}

// ClassifyForEntity is ClassifySource that also recognizes the entity's own
// site: an otherwise unclassified host containing the entity slug is
// classified as company.
func ClassifyForEntity(rawURL, entity string) model.SourceType {
	t := ClassifySource(rawURL)
	if t != model.SourceOther || entity == "" {
		return t
	}
	slug := Slug(entity)
	if slug == "" {
		return t
	}
	if u, err := url.Parse(rawURL); err == nil && strings.Contains(strings.ReplaceAll(strings.ToLower(u.Hostname()), "-", ""), slug) {
		return model.SourceCompany
	}
	return t
}

// Slug lowercases an entity name and drops everything but letters and digits,
// so "Acme, Inc." matches acme.com.
func Slug(entity string) string {
	entity = strings.ToLower(entity)
	for _, suffix := range []string{" incorporated", " inc.", " inc", " llc", " ltd", " corp.", " corp", " corporation", " co."} {
		entity = strings.TrimSuffix(entity, suffix)
	}
	var b strings.Builder
	for _, r := range entity {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Extractability returns the multiplier for a source type, preferring
// configured overrides.
func Extractability(st model.SourceType, overrides map[string]float64) float64 {
	if v, ok := overrides[string(st)]; ok {
		return v
	}
	if v, ok := DefaultExtractability[st]; ok {
		return v
	}
	return DefaultExtractability[model.SourceOther]
}

// LowValueFraction is the share of docs whose source type rarely yields
// usable text.
func LowValueFraction(docs []model.Document) float64 {
	if len(docs) == 0 {
		return 0
	}
	n := 0
	for _, d := range docs {
		if d.SourceType.LowValue() {
			n++
		}
	}
	return float64(n) / float64(len(docs))
}
