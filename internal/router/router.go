// Package router implements the inference-router pre-pass (C6): a cheap
// model call producing entity-type guesses, attribute constraints,
// vocabulary hints, and an evidence policy, with neutral heuristic
// fallback on parse failure.
package router

import (
	"context"
	"encoding/json"
	"strings"

	"enrichd/internal/llm"
)

// AttrConstraint marks one expected variable as required, allowed, or
// forbidden.
type AttrConstraint string

const (
	Required  AttrConstraint = "required"
	Allowed   AttrConstraint = "allowed"
	Forbidden AttrConstraint = "forbidden"
)

// EvidencePolicy governs the citation gate's corroboration demands.
type EvidencePolicy struct {
	MinCorroboration int  `json:"min_corroboration"`
	RequireAuthority bool `json:"require_authority"`
	FreshnessDays    int  `json:"freshness_days,omitempty"`
}

// Output is RouterOutput: the pre-pass result consumed by the agent loop.
type Output struct {
	EntityType      string                    `json:"entity_type,omitempty"`
	AttrConstraints map[string]AttrConstraint `json:"attr_constraints"`
	VocabHints      VocabHints                `json:"vocab_hints"`
	EvidencePolicy  EvidencePolicy            `json:"evidence_policy"`
}

// VocabHints steers the tool runtime's relevance filter.
type VocabHints struct {
	Boost    []string `json:"boost"`
	Penalize []string `json:"penalize"`
}

const systemPrompt = `You are a pre-pass router for a research agent. Given a query, an optional
entity hint, and a list of expected variable names, respond with strict JSON
matching:
{"entity_type": "...", "attr_constraints": {"<name>": "required"|"allowed"|"forbidden"},
 "vocab_hints": {"boost": ["..."], "penalize": ["..."]},
 "evidence_policy": {"min_corroboration": 1-5, "require_authority": bool, "freshness_days": int}}
No prose, no markdown fences.`

// Run invokes the router model, falling back to a neutral heuristic on
// parse failure, then normalises the result per §4.5.
func Run(ctx context.Context, provider llm.Provider, model, query, entityHint string, expectedVars []string) Output {
	out, ok := callModel(ctx, provider, model, query, entityHint, expectedVars)
	if !ok {
		out = Output{EntityType: strings.ToLower(strings.TrimSpace(entityHint))}
	}
	return normalize(out, expectedVars)
}

func callModel(ctx context.Context, provider llm.Provider, model, query, entityHint string, expectedVars []string) (Output, bool) {
	if provider == nil {
		return Output{}, false
	}
	prompt := query
	if entityHint != "" {
		prompt += "\nEntity hint: " + entityHint
	}
	if len(expectedVars) > 0 {
		prompt += "\nExpected variables: " + strings.Join(expectedVars, ", ")
	}
	msgs := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}
	reply, err := provider.Chat(ctx, msgs, nil, model)
	if err != nil {
		return Output{}, false
	}
	var out Output
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply.Content)), &out); err != nil {
		return Output{}, false
	}
	return out, true
}

func normalize(out Output, expectedVars []string) Output {
	if out.AttrConstraints == nil {
		out.AttrConstraints = make(map[string]AttrConstraint)
	}
	for _, v := range expectedVars {
		if _, ok := out.AttrConstraints[v]; !ok {
			out.AttrConstraints[v] = Allowed
		}
	}

	if out.EvidencePolicy.MinCorroboration == 0 {
		out.EvidencePolicy.MinCorroboration = 1
	}
	if out.EvidencePolicy.MinCorroboration < 1 {
		out.EvidencePolicy.MinCorroboration = 1
	}
	if out.EvidencePolicy.MinCorroboration > 5 {
		out.EvidencePolicy.MinCorroboration = 5
	}

	if out.VocabHints.Boost == nil {
		out.VocabHints.Boost = []string{}
	}
	if out.VocabHints.Penalize == nil {
		out.VocabHints.Penalize = []string{}
	}

	return out
}
