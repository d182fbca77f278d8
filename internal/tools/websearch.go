package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"enrichd/internal/tools/web"
)

// WebSearchTool implements the "web_search" tool: a search-backend call
// optionally enriched by fetching each result's page as markdown.
type WebSearchTool struct {
	searcher *web.Searcher
	fetcher  *web.Fetcher
}

// NewWebSearchTool builds a WebSearchTool over searcher and fetcher.
func NewWebSearchTool(searcher *web.Searcher, fetcher *web.Fetcher) *WebSearchTool {
	return &WebSearchTool{searcher: searcher, fetcher: fetcher}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) JSONSchema() map[string]any {
	return map[string]any{
		"description": "Search the web and optionally fetch page content for each result.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":           map[string]any{"type": "string", "minLength": 2},
				"num":             map[string]any{"type": "integer", "minimum": 1, "maximum": 10, "default": 3},
				"include_content": map[string]any{"type": "boolean", "default": true},
				"days":            map[string]any{"type": "integer", "minimum": 1, "maximum": 365},
				"depth":           map[string]any{"type": "string", "enum": []string{"basic", "advanced"}, "default": "advanced"},
			},
			"required": []string{"query"},
		},
	}
}

type webSearchArgs struct {
	Query          string `json:"query"`
	Num            int    `json:"num"`
	IncludeContent *bool  `json:"include_content"`
	Days           int    `json:"days"`
	Depth          string `json:"depth"`
}

// webSearchResult is one enriched hit returned to the reasoner.
type webSearchResult struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Content string `json:"content,omitempty"`
}

func (t *WebSearchTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args webSearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("SCHEMA_VALIDATION_ERROR: %v", err)
	}
	if len(strings.TrimSpace(args.Query)) < 2 {
		return nil, fmt.Errorf("SCHEMA_VALIDATION_ERROR: query must be at least 2 characters")
	}
	if args.Num <= 0 {
		args.Num = 3
	}
	if args.Num > 10 {
		args.Num = 10
	}
	includeContent := true
	if args.IncludeContent != nil {
		includeContent = *args.IncludeContent
	}
	if args.Days < 0 || args.Days > 365 {
		return nil, fmt.Errorf("SCHEMA_VALIDATION_ERROR: days must be within [1,365]")
	}

	hits, err := t.searcher.Search(ctx, args.Query, args.Num, args.Days)
	if err != nil {
		// Tool-execution failures are downgraded to an empty result so the
		// loop can continue.
		return []webSearchResult{}, nil
	}

	results := make([]webSearchResult, len(hits))
	for i, h := range hits {
		results[i] = webSearchResult{Title: h.Title, URL: h.URL, Snippet: h.Snippet}
	}

	if includeContent && t.fetcher != nil {
		t.fetchContent(ctx, results)
	}
	return results, nil
}

func (t *WebSearchTool) fetchContent(ctx context.Context, results []webSearchResult) {
	const maxFanOut = 8
	g, gctx := errgroup.WithContext(ctx)
	limit := len(results)
	if limit > maxFanOut {
		limit = maxFanOut
	}
	for i := 0; i < limit; i++ {
		i := i
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, 15*time.Second)
			defer cancel()
			res, err := t.fetcher.FetchMarkdown(fetchCtx, results[i].URL)
			if err != nil {
				return nil // per-URL failures are swallowed, not fatal to the batch
			}
			// The fetcher already caps content length and derives a citation
			// excerpt (web.Fetcher.shapeForCitation); no need to repeat that
			// work here.
			results[i].Content = res.Markdown
			if results[i].Snippet == "" {
				results[i].Snippet = res.Excerpt
			}
			return nil
		})
	}
	_ = g.Wait()
}
