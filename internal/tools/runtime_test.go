package tools

import (
	"context"
	"encoding/json"
	"testing"
)

type echoTool struct {
	calls int
}

func (e *echoTool) Name() string                 { return "web_search" }
func (e *echoTool) JSONSchema() map[string]any    { return map[string]any{} }
func (e *echoTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	e.calls++
	return map[string]any{"ok": true}, nil
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a, err := Fingerprint("web_search", json.RawMessage(`{"query":"x","num":3}`))
	if err != nil {
		t.Fatalf("fingerprint a: %v", err)
	}
	b, err := Fingerprint("web_search", json.RawMessage(`{"num":3,"query":"x"}`))
	if err != nil {
		t.Fatalf("fingerprint b: %v", err)
	}
	if a != b {
		t.Fatalf("expected key-order-independent fingerprints, got %q != %q", a, b)
	}
}

func TestRunRegistryBlocksDuplicateCalls(t *testing.T) {
	base := NewRegistry()
	tool := &echoTool{}
	base.Register(tool)

	rr := NewRunRegistry(base, NewBudget(5), nil)
	args := json.RawMessage(`{"query":"acme"}`)

	first, err := rr.Dispatch(context.Background(), "web_search", args)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	second, err := rr.Dispatch(context.Background(), "web_search", args)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if string(second) != `{"error":"Duplicate tool call blocked"}` {
		t.Fatalf("expected duplicate-call payload, got %s", second)
	}
	if tool.calls != 1 {
		t.Fatalf("expected underlying tool called exactly once, got %d", tool.calls)
	}
	_ = first
}

func TestRunRegistryEnforcesWebSearchBudget(t *testing.T) {
	base := NewRegistry()
	base.Register(&echoTool{})
	rr := NewRunRegistry(base, NewBudget(1), nil)

	if _, err := rr.Dispatch(context.Background(), "web_search", json.RawMessage(`{"query":"a"}`)); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	payload, err := rr.Dispatch(context.Background(), "web_search", json.RawMessage(`{"query":"b"}`))
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if string(payload) != `{"error":"Web search limit reached"}` {
		t.Fatalf("expected budget-exhausted payload, got %s", payload)
	}
}
