package finalize

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"enrichd/internal/answer"
	"enrichd/internal/entity"
	"enrichd/internal/facts"
	"enrichd/internal/orchestrator"
	"enrichd/internal/persistence"
)

func TestClamp01(t *testing.T) {
	cases := map[float64]float64{
		-1.0: 0,
		0.0:  0,
		0.5:  0.5,
		1.0:  1,
		2.0:  1,
	}
	for in, want := range cases {
		if got := clamp01(in); got != want {
			t.Fatalf("clamp01(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestDedupeSourcesOrdersByAuthorityAndDropsRepeats(t *testing.T) {
	in := []answer.Source{
		{Title: "blog", URL: "https://example-blog.com/post"},
		{Title: "sec filing", URL: "https://sec.gov/filing/1"},
		{Title: "blog dup", URL: "https://example-blog.com/post"},
		{Title: "wiki", URL: "https://en.wikipedia.org/wiki/Foo"},
	}
	out := dedupeSources(in)
	if len(out) != 3 {
		t.Fatalf("expected 3 deduped sources, got %d: %+v", len(out), out)
	}
	if out[0].URL != "https://sec.gov/filing/1" {
		t.Fatalf("expected sec.gov first by authority, got %q", out[0].URL)
	}
}

func TestDedupeSourcesSkipsEmptyURL(t *testing.T) {
	out := dedupeSources([]answer.Source{{Title: "no url"}})
	if len(out) != 0 {
		t.Fatalf("expected empty sources for blank URL, got %+v", out)
	}
}

func TestRunResolvesSubjectAndPersists(t *testing.T) {
	_ = godotenv.Load("../../.env")
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	if err := persistence.Bootstrap(ctx, pool); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	svc := &orchestrator.Services{
		Entity: entity.New(pool),
		Facts:  facts.New(pool),
	}
	req := orchestrator.Request{Query: "who runs Finalize Test Co", Entity: "Finalize Test Co"}
	raw := `{"intent":"lookup","variables":[{"subject":{"name":"Finalize Test Co","type":"company"},"name":"ceo_name","dtype":"string","value":"Jordan Lee","sources":[{"url":"https://sec.gov/filing/1"}]}]}`

	result, err := Run(ctx, svc, req, raw)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Variables) != 1 {
		t.Fatalf("expected 1 variable, got %d", len(result.Variables))
	}
	v := result.Variables[0]
	if v.Subject.CanonicalID == "" {
		t.Fatalf("expected resolved canonical id")
	}
	if v.Confidence == nil || *v.Confidence != 0.5 {
		t.Fatalf("expected default confidence 0.5, got %v", v.Confidence)
	}
	if v.ObservedAt == "" {
		t.Fatalf("expected observed_at to be stamped")
	}
}

func TestRunReturnsEmptyResultWithNoteOnInvalidJSON(t *testing.T) {
	svc := &orchestrator.Services{}
	req := orchestrator.Request{Query: "whatever"}
	result, err := Run(context.Background(), svc, req, "not json")
	if err != nil {
		t.Fatalf("expected no error for invalid final JSON, got %v", err)
	}
	if len(result.Variables) != 0 {
		t.Fatalf("expected no variables, got %+v", result.Variables)
	}
	if result.Notes == "" {
		t.Fatalf("expected an explanatory note")
	}
}
