// Package finalize implements the fact-writer stage (C10): it takes the
// agent loop's accepted final JSON, resolves every variable's subject
// (creating the entity when needed), applies defaults and the trusted-facts
// overlay, and persists
// each variable to the fact store.
package finalize

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"enrichd/internal/answer"
	"enrichd/internal/citation"
	"enrichd/internal/facts"
	"enrichd/internal/observability"
	"enrichd/internal/orchestrator"
)

// Run parses rawText (the agent loop's accepted candidate) and returns the
// finalised EnrichmentResult. It never fails: a model that could not produce
// valid final JSON still gets a 200 with an empty-variables result carrying
// an explanatory note, the citation gate bypassed for that response (§4.9,
// §7 — parse failures are a model-quality signal, not a client-request
// error, so they must never surface as an HTTP 400). Persistence failures
// are likewise logged and swallowed.
func Run(ctx context.Context, svc *orchestrator.Services, req orchestrator.Request, rawText string) (answer.Result, error) {
	var result answer.Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(rawText)), &result); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("finalize: agent did not produce valid final JSON; returning empty result")
		return answer.Result{
			Intent:    "unknown",
			Variables: nil,
			Notes:     "the agent's final answer could not be parsed as JSON; no variables were extracted",
		}, nil
	}

	defaultSubject := strings.TrimSpace(req.Entity)

	for i := range result.Variables {
		v := &result.Variables[i]
		if v.Subject.Name == "" {
			v.Subject.Name = defaultSubject
		}
		if v.Subject.Name == "" {
			continue
		}
		subjType := v.Subject.Type
		if subjType == "" {
			subjType = "company"
		}
		if id, err := svc.Entity.Resolve(ctx, v.Subject.Name, subjType); err == nil {
			v.Subject.CanonicalID = id
			v.Subject.Type = subjType
		} else {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("subject", v.Subject.Name).Msg("finalize: entity resolve failed")
		}

		if v.Confidence == nil {
			def := 0.5
			v.Confidence = &def
		} else {
			clamped := clamp01(*v.Confidence)
			v.Confidence = &clamped
		}

		v.Sources = dedupeSources(v.Sources)
		if v.ObservedAt == "" {
			v.ObservedAt = svc.Now().Format(time.RFC3339)
		}
	}

	if len(result.Variables) == 0 && defaultSubject != "" {
		result.Variables = []answer.Variable{{
			Subject:    answer.Subject{Name: defaultSubject, Type: "company"},
			Name:       "context",
			Dtype:      "text",
			Value:      strings.TrimSpace(result.Notes),
			ObservedAt: svc.Now().Format(time.RFC3339),
		}}
	}

	overlayTrustedFacts(ctx, svc, result.Variables)
	persist(ctx, svc, result.Variables)

	return result, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// dedupeSources removes repeat URLs and sources without a URL, and orders the
// result by descending authority. For a repeated URL the last copy's title
// and snippet are kept, at the position of its first occurrence.
func dedupeSources(in []answer.Source) []answer.Source {
	byURL := make(map[string]answer.Source, len(in))
	order := make([]string, 0, len(in))
	for _, s := range in {
		if s.URL == "" {
			continue
		}
		if _, seen := byURL[s.URL]; !seen {
			order = append(order, s.URL)
		}
		byURL[s.URL] = s
	}
	out := make([]answer.Source, 0, len(order))
	for _, u := range order {
		out = append(out, byURL[u])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return citation.AuthorityScore(out[i].URL) > citation.AuthorityScore(out[j].URL)
	})
	return out
}

// overlayTrustedFacts prefers an existing trusted fact over the agent's
// research finding whenever the trusted fact's confidence is at least as
// high, attributing it with an about:trusted-fact pseudo-source when the
// variable otherwise carries none.
func overlayTrustedFacts(ctx context.Context, svc *orchestrator.Services, vars []answer.Variable) {
	for i := range vars {
		v := &vars[i]
		if v.Subject.CanonicalID == "" || v.Name == "context" {
			continue
		}
		existing, ok, err := svc.Facts.GetFact(ctx, v.Subject.CanonicalID, v.Name)
		if err != nil || !ok || existing.Confidence == nil {
			continue
		}
		researchConfidence := 0.0
		if v.Confidence != nil {
			researchConfidence = *v.Confidence
		}
		if *existing.Confidence < researchConfidence {
			continue
		}
		v.Value = existing.Value
		trusted := *existing.Confidence
		v.Confidence = &trusted
		if len(v.Sources) == 0 {
			v.Sources = []answer.Source{{Title: "trusted fact", URL: "about:trusted-fact"}}
		}
	}
}

// persist writes every resolved, non-context variable to the fact store.
// Failures are logged, never returned: a persistence hiccup must not fail
// the caller's response (§7 error taxonomy).
func persist(ctx context.Context, svc *orchestrator.Services, vars []answer.Variable) {
	for _, v := range vars {
		if v.Subject.CanonicalID == "" || v.Name == "context" {
			continue
		}
		sources := make([]facts.Source, 0, len(v.Sources))
		for _, s := range v.Sources {
			sources = append(sources, facts.Source{Title: s.Title, URL: s.URL, Snippet: s.Snippet})
		}
		err := svc.Facts.StoreFact(ctx, facts.Variable{
			EntityID:   v.Subject.CanonicalID,
			Name:       v.Name,
			Value:      v.Value,
			Dtype:      v.Dtype,
			Confidence: v.Confidence,
			Sources:    sources,
		}, svc.Now())
		if err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("entity", v.Subject.CanonicalID).Str("variable", v.Name).Msg("finalize: fact persistence failed")
		}
	}
}
