package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"enrichd/internal/tools/web"
)

type fakeBackend struct {
	results []web.SearchResult
}

func (f fakeBackend) Search(ctx context.Context, query string, max int, days int) ([]web.SearchResult, error) {
	if max < len(f.results) {
		return f.results[:max], nil
	}
	return f.results, nil
}

func TestWebSearchTool_RejectsShortQuery(t *testing.T) {
	tool := NewWebSearchTool(web.NewSearcher(fakeBackend{}), nil)
	_, err := tool.Call(context.Background(), json.RawMessage(`{"query":"a"}`))
	if err == nil {
		t.Fatalf("expected schema validation error for short query")
	}
}

func TestWebSearchTool_ReturnsEmptyOnBackendFailure(t *testing.T) {
	tool := NewWebSearchTool(web.NewSearcher(erroringBackend{}), nil)
	out, err := tool.Call(context.Background(), json.RawMessage(`{"query":"openai profitable"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	results, ok := out.([]webSearchResult)
	if !ok || len(results) != 0 {
		t.Fatalf("expected empty result slice on backend failure, got %#v", out)
	}
}

type erroringBackend struct{}

func (erroringBackend) Search(ctx context.Context, query string, max int, days int) ([]web.SearchResult, error) {
	return nil, context.DeadlineExceeded
}

func TestWebSearchTool_FetchesAndTruncatesContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><p>hello world</p></body></html>"))
	}))
	defer srv.Close()

	backend := fakeBackend{results: []web.SearchResult{{Title: "Example", URL: srv.URL}}}
	tool := NewWebSearchTool(web.NewSearcher(backend), web.NewFetcher(web.WithMaxContentChars(5)))

	out, err := tool.Call(context.Background(), json.RawMessage(`{"query":"example page test"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	results := out.([]webSearchResult)
	if len(results) != 1 || results[0].Content == "" {
		t.Fatalf("expected fetched content, got %#v", results)
	}
	if len(results[0].Content) > 5 {
		t.Fatalf("expected content truncated to 5 chars, got %q", results[0].Content)
	}
}
