package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"enrichd/internal/llm"
)

// Mirror is an optional cross-instance backing store for the fingerprint
// cache, letting concurrent enrichd instances share dedup state (REDIS_URL).
// When nil, RunRegistry falls back to its in-process map only.
type Mirror interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// mirrorTTL bounds how long a fingerprint stays deduped across instances.
const mirrorTTL = 10 * time.Minute

// Budget caps the number of web-search-class calls (web_search and
// latest_finder) a single agent run may make.
type Budget struct {
	mu        sync.Mutex
	remaining int
}

// NewBudget builds a Budget with n web-search-class calls remaining.
func NewBudget(n int) *Budget {
	return &Budget{remaining: n}
}

// Take consumes one unit of budget, returning false if exhausted.
func (b *Budget) Take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// webSearchClass names the tools that count against the per-run web-search
// budget.
var webSearchClass = map[string]bool{
	"web_search":    true,
	"latest_finder": true,
}

// RunRegistry wraps a base Registry with the per-run fingerprint
// deduplication, the web-search budget, and the relevance filter required
// of the tool runtime (§4.6). It is built fresh for each agent run.
type RunRegistry struct {
	base     Registry
	budget   *Budget
	relevant func(name string, raw json.RawMessage) bool
	mirror   Mirror

	mu   sync.Mutex
	seen map[string][]byte // fingerprint -> cached payload
}

// NewRunRegistry wraps base with per-run dedup/budget/relevance behaviour.
// relevant may be nil to skip the relevance filter (e.g. in tests).
func NewRunRegistry(base Registry, budget *Budget, relevant func(name string, raw json.RawMessage) bool) *RunRegistry {
	return &RunRegistry{base: base, budget: budget, relevant: relevant, seen: make(map[string][]byte)}
}

// WithMirror attaches a cross-instance dedup mirror and returns r for chaining.
func (r *RunRegistry) WithMirror(m Mirror) *RunRegistry {
	r.mirror = m
	return r
}

func (r *RunRegistry) Register(t Tool)           { r.base.Register(t) }
func (r *RunRegistry) Schemas() []llm.ToolSchema { return r.base.Schemas() }

// Dispatch enforces fingerprint dedup, then the relevance filter, then the
// web-search budget, before delegating to the wrapped registry.
func (r *RunRegistry) Dispatch(ctx context.Context, name string, raw json.RawMessage) ([]byte, error) {
	fp, err := Fingerprint(name, raw)
	if err != nil {
		return errorPayload("SCHEMA_VALIDATION_ERROR", err.Error()), nil
	}

	r.mu.Lock()
	_, cached := r.seen[fp]
	r.mu.Unlock()
	if cached {
		return errorPayload("", "Duplicate tool call blocked")
	}
	if r.mirror != nil {
		if v, err := r.mirror.Get(ctx, "tooldedup:"+fp); err == nil && v != "" {
			return errorPayload("", "Duplicate tool call blocked")
		}
	}

	if webSearchClass[name] {
		if name == "web_search" && r.relevant != nil && !r.relevant(name, raw) {
			return errorPayload("", "Web search query rejected by relevance filter")
		}
		if r.budget != nil && !r.budget.Take() {
			return errorPayload("", "Web search limit reached")
		}
	}

	payload, dispatchErr := r.base.Dispatch(ctx, name, raw)

	r.mu.Lock()
	r.seen[fp] = payload
	r.mu.Unlock()
	if r.mirror != nil {
		_ = r.mirror.Set(ctx, "tooldedup:"+fp, "1", mirrorTTL)
	}

	return payload, dispatchErr
}

func errorPayload(code, message string) ([]byte, error) {
	obj := map[string]any{"error": message}
	if code != "" {
		obj["error"] = code + ": " + message
	}
	b, _ := json.Marshal(obj)
	return b, nil
}

// Fingerprint computes name + canonical-JSON(args with sorted keys), the
// identity used for per-run dedup.
func Fingerprint(name string, raw json.RawMessage) (string, error) {
	canon, err := canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize args: %w", err)
	}
	sum := sha256.Sum256([]byte(name + canon))
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "{}", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		eb, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(eb)
	}
	return nil
}
