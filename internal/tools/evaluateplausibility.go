package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"enrichd/internal/llm"
)

// EvaluatePlausibilityTool implements "evaluate_plausibility": a model-based
// adjudication of one or more candidate claims, used to resolve conflicts
// between corroborating sources.
type EvaluatePlausibilityTool struct {
	provider llm.Provider
	model    string
}

// NewEvaluatePlausibilityTool builds the tool over provider/model.
func NewEvaluatePlausibilityTool(provider llm.Provider, model string) *EvaluatePlausibilityTool {
	return &EvaluatePlausibilityTool{provider: provider, model: model}
}

func (t *EvaluatePlausibilityTool) Name() string { return "evaluate_plausibility" }

func (t *EvaluatePlausibilityTool) JSONSchema() map[string]any {
	return map[string]any{
		"description": "Evaluate whether one or more claims are plausible given optional context.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"claims":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 1},
				"context": map[string]any{"type": "string"},
			},
			"required": []string{"claims"},
		},
	}
}

type evaluatePlausibilityArgs struct {
	Claims  []string `json:"claims"`
	Context string   `json:"context"`
}

type claimEvaluation struct {
	Claim      string  `json:"claim"`
	Plausible  bool    `json:"plausible"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

const evaluatePlausibilitySystemPrompt = `Evaluate each claim for plausibility given the optional context. Respond
with strict JSON: {"evaluations": [{"claim": "...", "plausible": bool, "confidence": 0-1, "reasoning": "..."}]}.
No prose, no markdown fences.`

func (t *EvaluatePlausibilityTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args evaluatePlausibilityArgs
	if err := json.Unmarshal(raw, &args); err != nil || len(args.Claims) == 0 {
		return nil, fmt.Errorf("SCHEMA_VALIDATION_ERROR: claims must be a non-empty array")
	}
	if t.provider == nil {
		return nil, fmt.Errorf("TOOL_EXECUTION_ERROR: no reasoner configured")
	}

	prompt := "Claims:\n"
	for _, c := range args.Claims {
		prompt += "- " + c + "\n"
	}
	if args.Context != "" {
		prompt += "\nContext:\n" + args.Context
	}

	reply, err := t.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: evaluatePlausibilitySystemPrompt},
		{Role: "user", Content: prompt},
	}, nil, t.model)
	if err != nil {
		return nil, fmt.Errorf("TOOL_EXECUTION_ERROR: %v", err)
	}

	var parsed struct {
		Evaluations []claimEvaluation `json:"evaluations"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply.Content)), &parsed); err != nil {
		// Model-parsing failures downgrade to a neutral, unconfident result
		// per claim rather than surfacing an error.
		out := make([]claimEvaluation, len(args.Claims))
		for i, c := range args.Claims {
			out[i] = claimEvaluation{Claim: c, Plausible: false, Confidence: 0, Reasoning: "model output could not be parsed"}
		}
		return map[string]any{"evaluations": out}, nil
	}
	return map[string]any{"evaluations": parsed.Evaluations}, nil
}
