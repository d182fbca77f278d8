// Package intent classifies a user query into {boolean, specific,
// contextual} with an optional target noun phrase (C5).
package intent

import (
	"context"
	"encoding/json"
	"strings"

	"enrichd/internal/llm"
)

const (
	Boolean    = "boolean"
	Specific   = "specific"
	Contextual = "contextual"
)

// Result is the classifier's output.
type Result struct {
	Intent string `json:"intent"`
	Target string `json:"target,omitempty"`
}

const systemPrompt = `Classify the user's query into exactly one of: "boolean", "specific", "contextual".
Respond with strict JSON only: {"intent": "...", "target": "..."} where target is an
optional noun phrase naming what the query is about. No prose, no markdown fences.`

// Classify asks the reasoner to classify query, falling back to a leading-
// interrogative heuristic on parse failure.
func Classify(ctx context.Context, provider llm.Provider, model, query string) Result {
	msgs := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: query},
	}
	if provider != nil {
		if reply, err := provider.Chat(ctx, msgs, nil, model); err == nil {
			var parsed Result
			if json.Unmarshal([]byte(strings.TrimSpace(reply.Content)), &parsed) == nil && isValidIntent(parsed.Intent) {
				return parsed
			}
		}
	}
	return heuristic(query)
}

func isValidIntent(s string) bool {
	return s == Boolean || s == Specific || s == Contextual
}

var booleanLeads = []string{"is ", "are ", "was ", "were ", "does ", "do ", "did ", "can ", "could ", "will ", "should ", "has ", "have "}
var specificLeads = []string{"who ", "what ", "when ", "where ", "which ", "how much ", "how many "}

func heuristic(query string) Result {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, lead := range booleanLeads {
		if strings.HasPrefix(q, lead) {
			return Result{Intent: Boolean}
		}
	}
	for _, lead := range specificLeads {
		if strings.HasPrefix(q, lead) {
			return Result{Intent: Specific}
		}
	}
	return Result{Intent: Contextual}
}
