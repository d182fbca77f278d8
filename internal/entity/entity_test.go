package entity

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"enrichd/internal/persistence"
)

func TestID(t *testing.T) {
	if got := ID("company", "Artisan AI"); got != "cmp_artisan_ai" {
		t.Fatalf("unexpected id: %q", got)
	}
	if got := ID("place", "São Paulo"); got != "pla_s_o_paulo" {
		t.Fatalf("unexpected id: %q", got)
	}
}

func TestResolveAndSearch(t *testing.T) {
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

	r := New(pool)
	id1, err := r.Resolve(ctx, "Artisan AI", "Company")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	id2, err := r.Resolve(ctx, "artisan ai", "company")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("resolve not deterministic: %q != %q", id1, id2)
	}

	found, ok, err := r.TryResolveExisting(ctx, "Artisan AI")
	if err != nil {
		t.Fatalf("try resolve existing: %v", err)
	}
	if !ok || found.ID != id1 {
		t.Fatalf("expected to find %q, got %+v ok=%v", id1, found, ok)
	}

	_, ok, err = r.TryResolveExisting(ctx, "Zzz Unknown")
	if err != nil {
		t.Fatalf("try resolve unknown: %v", err)
	}
	if ok {
		t.Fatalf("expected no match for unknown entity")
	}

	matches, err := r.SearchByName(ctx, "Artisan", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found2 := false
	for _, m := range matches {
		if m.ID == id1 {
			found2 = true
		}
	}
	if !found2 {
		t.Fatalf("expected search to include %q, got %+v", id1, matches)
	}
}

func TestResolveRequiresNameAndType(t *testing.T) {
	r := New(nil)
	if _, err := r.Resolve(context.Background(), "", "company"); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if _, err := r.Resolve(context.Background(), "Acme", ""); err == nil {
		t.Fatalf("expected error for empty type")
	}
}
