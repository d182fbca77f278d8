package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"enrichd/internal/entity"
	"enrichd/internal/facts"
)

// depthKey carries the recursion depth of nested agent runs spawned by
// knowledge_query through the per-call context.
type depthKey struct{}

// WithDepth attaches depth to ctx.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthFromContext reads the recursion depth attached by WithDepth,
// defaulting to 0 for a top-level run.
func DepthFromContext(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

// NestedRunner invokes a fresh, depth-bounded agent run to fetch and
// persist a missing fact. It returns the agent's final answer text.
type NestedRunner func(ctx context.Context, query, entityName string) (string, error)

// KnowledgeQueryTool implements "knowledge_query": resolve an entity via
// try_resolve_existing only, then answer from the fact store, recursing
// into a nested agent run (depth-bounded) on a cache miss.
type KnowledgeQueryTool struct {
	resolver  *entity.Resolver
	store     *facts.Store
	runNested NestedRunner
	maxDepth  int
}

// NewKnowledgeQueryTool builds a KnowledgeQueryTool. maxDepth bounds the
// knowledge_query -> agent -> knowledge_query recursion (default 2).
func NewKnowledgeQueryTool(resolver *entity.Resolver, store *facts.Store, runNested NestedRunner, maxDepth int) *KnowledgeQueryTool {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	return &KnowledgeQueryTool{resolver: resolver, store: store, runNested: runNested, maxDepth: maxDepth}
}

func (t *KnowledgeQueryTool) Name() string { return "knowledge_query" }

func (t *KnowledgeQueryTool) JSONSchema() map[string]any {
	return map[string]any{
		"description": "Look up a known fact about an entity from the internal fact store.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity":        map[string]any{"type": "string"},
				"variable_name": map[string]any{"type": "string"},
				"question":      map[string]any{"type": "string"},
			},
			"required": []string{"entity"},
		},
	}
}

type knowledgeQueryArgs struct {
	Entity       string `json:"entity"`
	VariableName string `json:"variable_name"`
	Question     string `json:"question"`
}

func (t *KnowledgeQueryTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args knowledgeQueryArgs
	if err := json.Unmarshal(raw, &args); err != nil || strings.TrimSpace(args.Entity) == "" {
		return nil, fmt.Errorf("SCHEMA_VALIDATION_ERROR: entity is required")
	}

	found, ok, err := t.resolver.TryResolveExisting(ctx, args.Entity)
	if err != nil {
		return nil, fmt.Errorf("TOOL_EXECUTION_ERROR: %v", err)
	}
	if !ok {
		suggestions, _ := t.resolver.SearchByName(ctx, args.Entity, 5)
		names := make([]string, 0, len(suggestions))
		for _, s := range suggestions {
			names = append(names, s.Name)
		}
		return map[string]any{"code": "ENTITY_UNRESOLVED", "suggestions": names}, nil
	}

	if args.VariableName == "" {
		return t.allFacts(ctx, found.ID, args.Question)
	}
	return t.singleFact(ctx, found.ID, found.CanonicalName, args.VariableName)
}

func (t *KnowledgeQueryTool) allFacts(ctx context.Context, entityID, question string) (any, error) {
	all, err := t.store.GetFactsForEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("TOOL_EXECUTION_ERROR: %v", err)
	}
	if question == "" {
		return all, nil
	}
	qTokens := tokenize(question)
	qSet := make(map[string]bool, len(qTokens))
	for _, tok := range qTokens {
		qSet[tok] = true
	}
	var filtered []facts.Fact
	for _, f := range all {
		for _, tok := range tokenize(f.Name) {
			if qSet[tok] {
				filtered = append(filtered, f)
				break
			}
		}
	}
	return filtered, nil
}

func (t *KnowledgeQueryTool) singleFact(ctx context.Context, entityID, entityName, variableName string) (any, error) {
	if f, ok, err := t.store.GetFact(ctx, entityID, variableName); err != nil {
		return nil, fmt.Errorf("TOOL_EXECUTION_ERROR: %v", err)
	} else if ok {
		return f, nil
	}

	if similar, err := t.store.FindSimilarFactNames(ctx, entityID, variableName, 1); err == nil && len(similar) > 0 {
		if f, ok, err := t.store.GetFact(ctx, entityID, similar[0]); err == nil && ok {
			return f, nil
		}
	}

	depth := DepthFromContext(ctx)
	if depth >= t.maxDepth || t.runNested == nil {
		return map[string]any{"code": "NOT_FOUND", "entity": entityName, "variable_name": variableName}, nil
	}

	nestedCtx := WithDepth(ctx, depth+1)
	query := fmt.Sprintf("What is the %s of %s?", variableName, entityName)
	if _, err := t.runNested(nestedCtx, query, entityName); err != nil {
		return nil, fmt.Errorf("TOOL_EXECUTION_ERROR: %v", err)
	}

	if f, ok, err := t.store.GetFact(ctx, entityID, variableName); err == nil && ok {
		return f, nil
	}
	return map[string]any{"code": "NOT_FOUND", "entity": entityName, "variable_name": variableName}, nil
}
