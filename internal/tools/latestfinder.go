package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"enrichd/internal/citation"
	"enrichd/internal/tools/web"
)

const (
	latestFinderMaxIterations  = 5
	latestFinderMaxFetch       = 10
	latestFinderCredibleScore  = 65
	latestFinderCorroborateGap = 48 * time.Hour
)

// LatestFinderTool implements "latest_finder": recency-biased search with
// iterative date-narrowing and cross-domain corroboration.
type LatestFinderTool struct {
	searcher *web.Searcher
	client   *http.Client
}

// NewLatestFinderTool builds a LatestFinderTool over searcher, using its own
// lightweight HTTP client for date-metadata extraction.
func NewLatestFinderTool(searcher *web.Searcher) *LatestFinderTool {
	return &LatestFinderTool{searcher: searcher, client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *LatestFinderTool) Name() string { return "latest_finder" }

func (t *LatestFinderTool) JSONSchema() map[string]any {
	return map[string]any{
		"description": "Find the most recent, corroborated information about a topic.",
		"parameters": map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string", "minLength": 2}},
			"required":   []string{"query"},
		},
	}
}

type datedSource struct {
	URL    string
	Domain string
	Date   time.Time
	Title  string
}

type corroboration struct {
	DistinctSources    int  `json:"distinct_sources"`
	MinRequired        int  `json:"min_required"`
	CredibilityThresh  int  `json:"credibility_threshold"`
	OK                 bool `json:"ok"`
}

type latestFinderResult struct {
	Query          string        `json:"query"`
	LatestDate     string        `json:"latest_date,omitempty"`
	Sources        []string      `json:"sources"`
	Corroboration  corroboration `json:"corroboration"`
	TotalCollected int           `json:"total_collected"`
	Iterations     int           `json:"iterations"`
}

func (t *LatestFinderTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &args); err != nil || len(strings.TrimSpace(args.Query)) < 2 {
		return nil, fmt.Errorf("SCHEMA_VALIDATION_ERROR: query must be at least 2 characters")
	}

	rewrites := recencyRewrites(args.Query)
	days := 30
	var best *datedSource
	var prevTopURL string
	var allDated []datedSource
	iterations := 0

	for iterations = 1; iterations <= latestFinderMaxIterations; iterations++ {
		var hits []web.SearchResult
		for _, q := range rewrites {
			found, err := t.searcher.Search(ctx, q, 5, days)
			if err != nil {
				continue
			}
			hits = append(hits, found...)
		}
		hits = dedupeByURL(hits)
		if len(hits) > latestFinderMaxFetch {
			hits = hits[:latestFinderMaxFetch]
		}

		dated := t.extractDates(ctx, hits)
		allDated = append(allDated, dated...)
		allDated = dedupeDatedByURL(allDated)

		iterBest := newestCredible(dated)
		if iterBest != nil && (best == nil || iterBest.Date.After(best.Date)) {
			best = iterBest
		}

		var topURL string
		if iterBest != nil {
			topURL = iterBest.URL
		}
		if topURL != "" && topURL == prevTopURL {
			break
		}
		prevTopURL = topURL

		if best != nil {
			gap := time.Since(best.Date)
			nextDays := int(gap.Hours()/24) + 1
			if nextDays < 1 {
				nextDays = 1
			}
			if nextDays < days {
				days = nextDays
			}
		}
	}
	if iterations > latestFinderMaxIterations {
		iterations = latestFinderMaxIterations
	}

	corrob := computeCorroboration(allDated, best)

	result := latestFinderResult{
		Query:          args.Query,
		Sources:        sourceURLs(allDated),
		Corroboration:  corrob,
		TotalCollected: len(allDated),
		Iterations:     iterations,
	}
	if best != nil {
		result.LatestDate = best.Date.Format(time.RFC3339)
	}
	return result, nil
}

func recencyRewrites(query string) []string {
	return []string{query, query + " latest", query + " recent update"}
}

func dedupeByURL(hits []web.SearchResult) []web.SearchResult {
	seen := make(map[string]bool)
	var out []web.SearchResult
	for _, h := range hits {
		if h.URL == "" || seen[h.URL] {
			continue
		}
		seen[h.URL] = true
		out = append(out, h)
	}
	return out
}

func dedupeDatedByURL(in []datedSource) []datedSource {
	seen := make(map[string]bool)
	var out []datedSource
	for _, d := range in {
		if seen[d.URL] {
			continue
		}
		seen[d.URL] = true
		out = append(out, d)
	}
	return out
}

func sourceURLs(in []datedSource) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		out = append(out, d.URL)
	}
	return out
}

func newestCredible(in []datedSource) *datedSource {
	var best *datedSource
	for i := range in {
		if citation.AuthorityScore(in[i].URL) < latestFinderCredibleScore {
			continue
		}
		if best == nil || in[i].Date.After(best.Date) {
			best = &in[i]
		}
	}
	return best
}

func computeCorroboration(in []datedSource, best *datedSource) corroboration {
	c := corroboration{MinRequired: 2, CredibilityThresh: latestFinderCredibleScore}
	if best == nil {
		return c
	}
	domains := make(map[string]bool)
	for _, d := range in {
		if citation.AuthorityScore(d.URL) < latestFinderCredibleScore {
			continue
		}
		if absDuration(d.Date.Sub(best.Date)) <= latestFinderCorroborateGap {
			domains[d.Domain] = true
		}
	}
	c.DistinctSources = len(domains)
	c.OK = c.DistinctSources >= c.MinRequired
	return c
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (t *LatestFinderTool) extractDates(ctx context.Context, hits []web.SearchResult) []datedSource {
	found := make([]*datedSource, len(hits))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range hits {
		i, h := i, h
		g.Go(func() error {
			if date, ok := t.fetchPublishedDate(gctx, h.URL); ok {
				found[i] = &datedSource{URL: h.URL, Domain: hostOf(h.URL), Date: date, Title: h.Title}
			}
			return nil
		})
	}
	_ = g.Wait()
	var out []datedSource
	for _, d := range found {
		if d != nil {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

var (
	jsonLDDatePattern = regexp.MustCompile(`"datePublished"\s*:\s*"([^"]+)"`)
	ogDatePattern     = regexp.MustCompile(`property=["']article:published_time["']\s+content=["']([^"']+)["']`)
	timeTagPattern    = regexp.MustCompile(`<time[^>]+datetime=["']([^"']+)["']`)
	looseDatePattern  = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
)

func (t *LatestFinderTool) fetchPublishedDate(ctx context.Context, rawURL string) (time.Time, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return time.Time{}, false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return time.Time{}, false
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2*1000*1000))
	if err != nil {
		return time.Time{}, false
	}
	html := string(body)

	for _, m := range []*regexp.Regexp{jsonLDDatePattern, ogDatePattern, timeTagPattern} {
		if match := m.FindStringSubmatch(html); match != nil {
			if d, ok := parseFlexibleDate(match[1]); ok {
				return d, true
			}
		}
	}
	if match := looseDatePattern.FindStringSubmatch(html); match != nil {
		if d, ok := parseFlexibleDate(match[1]); ok {
			return d, true
		}
	}
	return time.Time{}, false
}

func parseFlexibleDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02"} {
		if d, err := time.Parse(layout, s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}
