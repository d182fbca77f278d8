package llm

import (
	"context"
	"encoding/json"
)

// ToolCall represents a single tool invocation requested by the model.
type ToolCall struct {
	Name string
	Args json.RawMessage
	ID   string
}

// Message is the portable tagged-variant chat message. It serves double duty:
// it is both the internal session-history record and the wire payload handed
// to a Provider, so the agent loop never needs to translate between two
// shapes of the same conversation.
type Message struct {
	Role    string // "system" | "user" | "assistant" | "tool"
	Content string
	ToolID  string
	// ToolCalls is only set on assistant messages.
	ToolCalls []ToolCall
}

// ToolSchema describes a callable tool in JSON-schema form.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Provider is the single reasoning-model abstraction used by the agent loop,
// the inference router, and the intent classifier. Implementations call out
// to a specific model vendor and adapt the portable Message/ToolSchema types
// to that vendor's wire format.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Message, error)
}
