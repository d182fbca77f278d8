// Package memory implements the per-session short-term message history (C3)
// and durable per-user long-term memory (C4).
package memory

import (
	"sync"

	"enrichd/internal/llm"
)

// History is an in-process mapping from session id to ordered messages,
// trimmed to a bounded retention window after each turn.
type History struct {
	mu       sync.Mutex
	window   int
	sessions map[string][]llm.Message
	seen     map[string]int // total messages ever appended, untrimmed
}

// NewHistory builds a History retaining at most window messages per session.
func NewHistory(window int) *History {
	if window <= 0 {
		window = 8
	}
	return &History{window: window, sessions: make(map[string][]llm.Message), seen: make(map[string]int)}
}

// Get returns the (possibly empty) message list for session, creating it
// lazily.
func (h *History) Get(session string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs, ok := h.sessions[session]
	if !ok {
		h.sessions[session] = []llm.Message{}
		return nil
	}
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Append adds msg to session's history and trims to the retention window.
func (h *History) Append(session string, msg llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[session] = trim(append(h.sessions[session], msg), h.window)
	h.seen[session]++
}

// SeenCount returns the total number of messages ever appended to session,
// independent of the retention-window trimming Get/Append apply — the
// signal the session summariser (C11) needs to detect that a session has
// grown past the window, which the trimmed length can never reflect.
func (h *History) SeenCount(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen[session]
}

// trim keeps the last window messages, and if the first kept message is a
// tool-result, walks backward to reattach the assistant message that
// emitted the matching tool-call id, so a tool-result is never orphaned.
func trim(msgs []llm.Message, window int) []llm.Message {
	if len(msgs) <= window {
		return msgs
	}
	start := len(msgs) - window
	if msgs[start].Role == "tool" {
		toolID := msgs[start].ToolID
		for i := start - 1; i >= 0; i-- {
			if msgs[i].Role != "assistant" {
				continue
			}
			for _, tc := range msgs[i].ToolCalls {
				if tc.ID == toolID {
					start = i
					break
				}
			}
			if start == i {
				break
			}
		}
	}
	return append([]llm.Message{}, msgs[start:]...)
}
