package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"enrichd/internal/orchestrator"
)

func TestHealthHandler(t *testing.T) {
	svc := &orchestrator.Services{}
	e := New(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestEnrichHandlerRejectsMalformedBody(t *testing.T) {
	svc := &orchestrator.Services{}
	e := New(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/enrich", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestEnrichHandlerRejectsShortQuery(t *testing.T) {
	svc := &orchestrator.Services{}
	e := New(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/enrich", strings.NewReader(`{"query":"a"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a too-short query, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "at least 2 characters") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}
