package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fitcheck/internal/fetch"
	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/search"
)

// Tool names.
const (
	ToolWebSearch = "web_search"
	ToolFetchPage = "fetch_page"
)

// Searcher is the guarded search the web_search tool calls.
type Searcher interface {
	Provider() string
	Search(ctx context.Context, query string) (search.Result, error)
}

// ToolResult is what a tool invocation produced.
type ToolResult struct {
	// Summary is the observation reported in thought events.
	Summary   string
	Documents []model.Document
	Page      *fetch.Page
	// Provider names the upstream that served the call.
	Provider string
	// Live is set when a paid upstream call was made.
	Live     bool
	Degraded bool
	Err      error
}

// Tool is one capability a phase node can invoke.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, input string) (ToolResult, error)
}

type webSearchTool struct {
	search Searcher
}

func (t *webSearchTool) Name() string { return ToolWebSearch }

func (t *webSearchTool) Invoke(ctx context.Context, query string) (ToolResult, error) {
	res, err := t.search.Search(ctx, query)
	if err != nil {
		return ToolResult{}, err
	}
	out := ToolResult{
		Documents: res.Documents,
		Provider:  t.search.Provider(),
		Live:      res.Origin == search.OriginLive,
		Degraded:  res.Degraded,
		Err:       res.Err,
	}
	switch res.Origin {
	case search.OriginFallback:
		out.Summary = "search unavailable, continuing without results"
	case search.OriginCache:
		out.Summary = fmt.Sprintf("%d results (cached)", len(res.Documents))
	default:
		out.Summary = fmt.Sprintf("%d results", len(res.Documents))
	}
	return out, nil
}

type fetchPageTool struct {
	fetcher fetch.Fetcher
}

func (t *fetchPageTool) Name() string { return ToolFetchPage }

func (t *fetchPageTool) Invoke(ctx context.Context, url string) (ToolResult, error) {
	page, err := t.fetcher.Fetch(ctx, url)
	if err != nil {
		return ToolResult{}, err
	}
	return ToolResult{
		Page:     page,
		Provider: page.Fetcher,
		Live:     true,
		Summary:  fmt.Sprintf("%d characters via %s", len(page.Content), page.Fetcher),
	}, nil
}

// Toolbox is the closed set of tools available to phase nodes.
type Toolbox struct {
	tools map[string]Tool
}

// NewToolbox builds the toolbox. A nil fetcher leaves fetch_page out.
func NewToolbox(s Searcher, f fetch.Fetcher) *Toolbox {
	tb := &Toolbox{tools: map[string]Tool{}}
	if s != nil {
		tb.tools[ToolWebSearch] = &webSearchTool{search: s}
	}
	if f != nil {
		tb.tools[ToolFetchPage] = &fetchPageTool{fetcher: f}
	}
	return tb
}

// Has reports whether the named tool is available.
func (tb *Toolbox) Has(name string) bool {
	_, ok := tb.tools[name]
	return ok
}

// Invoke runs the named tool. Tools run on worker goroutines, so a panic
// is returned as an error instead of crashing the process.
func (tb *Toolbox) Invoke(ctx context.Context, name, input string) (res ToolResult, err error) {
	t, ok := tb.tools[name]
	if !ok {
		return ToolResult{}, eris.Errorf("pipeline: unknown tool %q", name)
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = ToolResult{}, eris.Errorf("pipeline: tool %s panicked: %v", name, r)
		}
	}()
	return t.Invoke(ctx, input)
}
