package tools

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"enrichd/internal/entity"
	"enrichd/internal/facts"
	"enrichd/internal/persistence"
)

func TestDepthContext(t *testing.T) {
	ctx := context.Background()
	if got := DepthFromContext(ctx); got != 0 {
		t.Fatalf("expected default depth 0, got %d", got)
	}
	ctx = WithDepth(ctx, 2)
	if got := DepthFromContext(ctx); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}
}

func TestKnowledgeQueryTool_UnresolvedEntityNeverCreates(t *testing.T) {
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

	resolver := entity.New(pool)
	store := facts.New(pool)
	tool := NewKnowledgeQueryTool(resolver, store, nil, 2)

	out, err := tool.Call(ctx, json.RawMessage(`{"entity":"Zzz Unknown Entity"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := out.(map[string]any)
	if payload["code"] != "ENTITY_UNRESOLVED" {
		t.Fatalf("expected ENTITY_UNRESOLVED, got %+v", payload)
	}

	if _, ok, _ := resolver.TryResolveExisting(ctx, "Zzz Unknown Entity"); ok {
		t.Fatalf("knowledge_query must not create an entity on miss")
	}
}

func TestKnowledgeQueryTool_ReturnsExistingFact(t *testing.T) {
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

	resolver := entity.New(pool)
	store := facts.New(pool)
	entityID, err := resolver.Resolve(ctx, "Knowledge Query Test Co", "company")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.StoreFact(ctx, facts.Variable{EntityID: entityID, Name: "ceo_name", Value: "Dana", Dtype: "string"}, time.Now().UTC()); err != nil {
		t.Fatalf("store fact: %v", err)
	}

	tool := NewKnowledgeQueryTool(resolver, store, nil, 2)
	out, err := tool.Call(ctx, json.RawMessage(`{"entity":"Knowledge Query Test Co","variable_name":"ceo_name"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, ok := out.(facts.Fact)
	if !ok || f.Value != "Dana" {
		t.Fatalf("expected fact with value Dana, got %#v", out)
	}
}
