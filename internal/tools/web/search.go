package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SearchResult is a single ranked hit from the configured search backend.
type SearchResult struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	JitterPercent     float64
}

// DefaultRateLimitConfig returns sensible defaults to avoid getting banned.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 2,
		BurstSize:         4,
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		JitterPercent:     0.3,
	}
}

// tokenBucket implements a simple token bucket rate limiter.
type tokenBucket struct {
	capacity   int
	tokens     int
	refillAt   time.Time
	refillRate time.Duration
	mu         sync.Mutex
}

func newTokenBucket(capacity int, refillRate time.Duration) *tokenBucket {
	return &tokenBucket{capacity: capacity, tokens: capacity, refillAt: time.Now(), refillRate: refillRate}
}

func (tb *tokenBucket) takeToken() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	if now.After(tb.refillAt) {
		elapsed := now.Sub(tb.refillAt)
		tokensToAdd := int(elapsed / tb.refillRate)
		if tokensToAdd > 0 {
			tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
			tb.refillAt = tb.refillAt.Add(time.Duration(tokensToAdd) * tb.refillRate)
		}
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *tokenBucket) waitForToken(ctx context.Context) error {
	for {
		if tb.takeToken() {
			return nil
		}
		tb.mu.Lock()
		waitTime := time.Until(tb.refillAt)
		tb.mu.Unlock()
		if waitTime <= 0 {
			waitTime = tb.refillRate
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// Backend abstracts the configured search provider (tavily or serpapi).
type Backend interface {
	Search(ctx context.Context, query string, max int, days int) ([]SearchResult, error)
}

// Searcher wraps a Backend with rate limiting and retry.
type Searcher struct {
	backend      Backend
	rateLimiter  *tokenBucket
	rateLimitCfg RateLimitConfig
}

// NewSearcher builds a rate-limited wrapper around backend.
func NewSearcher(backend Backend) *Searcher {
	cfg := DefaultRateLimitConfig()
	refillRate := time.Duration(float64(time.Second) / cfg.RequestsPerSecond)
	return &Searcher{
		backend:      backend,
		rateLimiter:  newTokenBucket(cfg.BurstSize, refillRate),
		rateLimitCfg: cfg,
	}
}

// Search runs query against the backend with rate limiting and exponential
// backoff retry.
func (s *Searcher) Search(ctx context.Context, query string, max int, days int) ([]SearchResult, error) {
	if s == nil {
		return nil, fmt.Errorf("no search backend configured")
	}
	if err := s.rateLimiter.waitForToken(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < s.rateLimitCfg.MaxRetries; attempt++ {
		results, err := s.backend.Search(ctx, query, max, days)
		if err == nil {
			return results, nil
		}
		lastErr = err

		delay := s.rateLimitCfg.BaseDelay * (1 << attempt)
		if delay > s.rateLimitCfg.MaxDelay {
			delay = s.rateLimitCfg.MaxDelay
		}
		jitter := time.Duration(float64(delay) * s.rateLimitCfg.JitterPercent * (0.5 + randFloat64()))
		delay += jitter

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("search failed after %d attempts: %w", s.rateLimitCfg.MaxRetries, lastErr)
}

func randFloat64() float64 {
	return float64(time.Now().UnixNano()%1000) / 1000.0
}

// TavilyBackend calls the Tavily Search API.
type TavilyBackend struct {
	APIKey string
	http   *http.Client
}

// NewTavilyBackend builds a Backend for the Tavily search API.
func NewTavilyBackend(apiKey string) *TavilyBackend {
	return &TavilyBackend{APIKey: apiKey, http: &http.Client{Timeout: 15 * time.Second}}
}

func (b *TavilyBackend) Search(ctx context.Context, query string, max int, days int) ([]SearchResult, error) {
	body := map[string]any{
		"api_key":        b.APIKey,
		"query":          query,
		"max_results":    max,
		"include_answer": false,
	}
	if days > 0 {
		body["days"] = days
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.tavily.com/search", strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tavily http %d", resp.StatusCode)
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(parsed.Results))
	for i, r := range parsed.Results {
		if i >= max {
			break
		}
		// Open question (a): the snippet below is sourced from the same
		// "content" field the provider also uses for full text; callers
		// should not assume these are distinct.
		out = append(out, SearchResult{Title: strings.TrimSpace(r.Title), URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}

// SerpAPIBackend calls SerpAPI's Google Search endpoint.
type SerpAPIBackend struct {
	APIKey string
	http   *http.Client
}

// NewSerpAPIBackend builds a Backend for SerpAPI.
func NewSerpAPIBackend(apiKey string) *SerpAPIBackend {
	return &SerpAPIBackend{APIKey: apiKey, http: &http.Client{Timeout: 15 * time.Second}}
}

func (b *SerpAPIBackend) Search(ctx context.Context, query string, max int, days int) ([]SearchResult, error) {
	v := url.Values{}
	v.Set("engine", "google")
	v.Set("q", query)
	v.Set("api_key", b.APIKey)
	v.Set("num", strconv.Itoa(max))
	if days > 0 {
		v.Set("tbs", fmt.Sprintf("qdr:d%d", days))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://serpapi.com/search.json?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("serpapi http %d", resp.StatusCode)
	}

	var parsed struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(parsed.OrganicResults))
	for i, r := range parsed.OrganicResults {
		if i >= max {
			break
		}
		out = append(out, SearchResult{Title: strings.TrimSpace(r.Title), URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

// NewBackend builds the Backend selected by provider ("tavily" or "serpapi").
func NewBackend(provider, tavilyKey, serpAPIKey string) (Backend, error) {
	switch provider {
	case "tavily":
		return NewTavilyBackend(tavilyKey), nil
	case "serpapi":
		return NewSerpAPIBackend(serpAPIKey), nil
	default:
		return nil, fmt.Errorf("unsupported search provider: %s", provider)
	}
}
