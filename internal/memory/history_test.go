package memory

import (
	"testing"

	"enrichd/internal/llm"
)

func TestHistoryGetCreatesLazily(t *testing.T) {
	h := NewHistory(8)
	if got := h.Get("s1"); got != nil {
		t.Fatalf("expected nil for fresh session, got %v", got)
	}
}

func TestHistoryTrimKeepsWindow(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 6; i++ {
		h.Append("s1", llm.Message{Role: "user", Content: "msg"})
	}
	if got := len(h.Get("s1")); got != 3 {
		t.Fatalf("expected 3 messages retained, got %d", got)
	}
}

func TestHistorySeenCountSurvivesTrimming(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 6; i++ {
		h.Append("s1", llm.Message{Role: "user", Content: "msg"})
	}
	if got := h.SeenCount("s1"); got != 6 {
		t.Fatalf("expected SeenCount to track all 6 appends regardless of trimming, got %d", got)
	}
	if got := len(h.Get("s1")); got >= h.SeenCount("s1") {
		t.Fatalf("trimmed length %d should be smaller than total seen %d", got, h.SeenCount("s1"))
	}
}

func TestHistoryTrimReattachesOrphanedToolResult(t *testing.T) {
	h := NewHistory(2)
	h.Append("s1", llm.Message{Role: "user", Content: "q"})
	h.Append("s1", llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "web_search"}}})
	h.Append("s1", llm.Message{Role: "tool", ToolID: "call-1", Content: "result"})
	h.Append("s1", llm.Message{Role: "user", Content: "follow-up"})

	msgs := h.Get("s1")
	for i, m := range msgs {
		if m.Role == "tool" {
			if i == 0 {
				t.Fatalf("tool result orphaned: no preceding assistant message in %v", msgs)
			}
			foundOwner := false
			for j := 0; j < i; j++ {
				for _, tc := range msgs[j].ToolCalls {
					if tc.ID == m.ToolID {
						foundOwner = true
					}
				}
			}
			if !foundOwner {
				t.Fatalf("tool result %q has no originating assistant message in %v", m.ToolID, msgs)
			}
		}
	}
}
