package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"enrichd/internal/answer"
	"enrichd/internal/citation"
	"enrichd/internal/entity"
	"enrichd/internal/facts"
	"enrichd/internal/intent"
	"enrichd/internal/llm"
	"enrichd/internal/observability"
	"enrichd/internal/router"
	"enrichd/internal/tools"
	"enrichd/internal/util"
)

// intensityCaps bounds a single run's loop steps and web-search-class calls.
type intensityCaps struct {
	MaxSteps int
	MaxWeb   int
}

var intensityTable = map[string]intensityCaps{
	"low":    {MaxSteps: 3, MaxWeb: 2},
	"medium": {MaxSteps: 6, MaxWeb: 4},
	"high":   {MaxSteps: 10, MaxWeb: 8},
}

func resolveCaps(req Request, cfg struct{ MaxSteps, MaxWebSearches int }) intensityCaps {
	caps, ok := intensityTable[strings.ToLower(req.ResearchIntensity)]
	if !ok {
		caps = intensityTable["medium"]
	}
	// Environment overrides further cap (never loosen) the intensity bucket.
	if cfg.MaxSteps > 0 && cfg.MaxSteps < caps.MaxSteps {
		caps.MaxSteps = cfg.MaxSteps
	}
	if cfg.MaxWebSearches > 0 && cfg.MaxWebSearches < caps.MaxWeb {
		caps.MaxWeb = cfg.MaxWebSearches
	}
	return caps
}

// Run executes the agent loop (C9) for req and returns the accepted (or
// best-effort) final JSON text, the resolved entity id (if any), and the
// session id used. A nested knowledge_query run calls Run again with its own
// ctx carrying an incremented tools.WithDepth value.
func Run(ctx context.Context, svc *Services, req Request) (finalText, entityID, sessionID string, err error) {
	if strings.TrimSpace(req.Query) == "" || len(req.Query) < 2 {
		return "", "", "", fmt.Errorf("query must be at least 2 characters")
	}
	sessionID = req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if err := applyCorrections(ctx, svc, req.Corrections); err != nil {
		return "", "", sessionID, fmt.Errorf("apply corrections: %w", err)
	}

	cls := intent.Classify(ctx, svc.Reasoner, svc.InferenceModel, req.Query)

	expectedVars := make([]string, 0, len(req.Variables))
	for _, v := range req.Variables {
		expectedVars = append(expectedVars, v.Name)
	}
	routerOut := router.Run(ctx, svc.Reasoner, svc.InferenceModel, req.Query, req.Entity, expectedVars)

	var trustedFacts []answer.Variable
	if req.Entity != "" && svc.Entity != nil {
		if found, ok, resolveErr := svc.Entity.TryResolveExisting(ctx, req.Entity); resolveErr == nil && ok {
			entityID = found.ID
			if svc.Facts != nil {
				if rows, factsErr := svc.Facts.GetFactsForEntity(ctx, entityID); factsErr == nil {
					trustedFacts = toAnswerVariables(found, rows)
				}
			}
		}
	}

	caps := resolveCaps(req, struct{ MaxSteps, MaxWebSearches int }{svc.Config.Research.MaxSteps, svc.Config.Research.MaxWebSearches})

	vocab := tools.RelevanceVocabulary(req.Query, req.Entity, cls.Target, expectedVars, routerOut.VocabHints.Boost)
	registry := tools.Registry(buildRegistry(svc, caps.MaxWeb, vocab))
	registry = tools.NewRecordingRegistry(registry, func(ev tools.DispatchEvent) {
		logEv := observability.LoggerWithTrace(ctx).Info()
		if ev.Err != nil {
			logEv = observability.LoggerWithTrace(ctx).Warn().Err(ev.Err)
		}
		logEv.Str("tool", ev.Name).Int("payload_bytes", len(ev.Payload)).Msg("tool dispatch")
	})

	systemMsg := buildSystemPrompt(svc, cls, routerOut, caps, req.Entity)
	introMsg := buildIntroMessage(req, cls, trustedFacts)

	msgs := append([]llm.Message{{Role: "system", Content: systemMsg}}, svc.History.Get(sessionID)...)
	msgs = append(msgs, llm.Message{Role: "user", Content: introMsg})
	svc.History.Append(sessionID, llm.Message{Role: "user", Content: introMsg})

	finalText, err = loop(ctx, svc, registry, routerOut, caps, sessionID, msgs, strings.TrimSpace(req.Entity))
	return finalText, entityID, sessionID, err
}

func applyCorrections(ctx context.Context, svc *Services, corrections []Correction) error {
	for _, c := range corrections {
		if c.Entity == "" || c.Field == "" {
			continue
		}
		entityID, err := svc.Entity.Resolve(ctx, c.Entity, guessEntityType(c.Entity))
		if err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("entity", c.Entity).Msg("corrections: entity resolve failed; correction skipped")
			continue
		}
		if _, err := svc.Facts.SetTrustedFact(ctx, facts.TrustedFactInput{
			EntityID: entityID,
			Field:    c.Field,
			Value:    c.Value,
			Source:   c.Source,
		}); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("entity", c.Entity).Str("field", c.Field).Msg("corrections: set trusted fact failed; correction skipped")
		}
	}
	return nil
}

// guessEntityType defaults corrections to "company" when the caller does not
// supply an entity type; callers targeting a person should route through
// req.Entity + router entity-type inference instead.
func guessEntityType(string) string { return "company" }

// buildRegistry assembles the per-run tool registry: the four C7 tools
// wrapped in the dedup/budget/relevance RunRegistry. The knowledge_query
// tool's nested runner re-derives its recursion depth from ctx on each call.
func buildRegistry(svc *Services, maxWeb int, vocab map[string]bool) *tools.RunRegistry {
	base := tools.NewRegistry()
	base.Register(tools.NewWebSearchTool(svc.Searcher, svc.Fetcher))
	base.Register(tools.NewLatestFinderTool(svc.Searcher))
	base.Register(tools.NewEvaluatePlausibilityTool(svc.Reasoner, svc.InferenceModel))

	nested := func(ctx context.Context, query, entityName string) (string, error) {
		nestedReq := Request{Query: query, Entity: entityName, ResearchIntensity: "low", SessionID: uuid.NewString()}
		text, entityID, _, err := Run(ctx, svc, nestedReq)
		if err != nil {
			return "", err
		}
		persistNestedResult(ctx, svc, text, entityID, entityName)
		return text, nil
	}
	base.Register(tools.NewKnowledgeQueryTool(svc.Entity, svc.Facts, nested, 2))

	reg := tools.NewRunRegistry(base, tools.NewBudget(maxWeb), tools.IsRelevantWebSearch(vocab))
	if svc.Dedupe != nil {
		reg = reg.WithMirror(svc.Dedupe)
	}
	return reg
}

// persistNestedResult writes a nested knowledge_query run's variables to the
// fact store directly, so the recursion's caller (GetFact, re-checked
// immediately after runNested returns) observes the freshly-learned fact.
// The top-level request path persists through the finalize stage instead.
func persistNestedResult(ctx context.Context, svc *Services, text, entityID, fallbackName string) {
	var result answer.Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &result); err != nil {
		return
	}
	for _, v := range result.Variables {
		subjName := v.Subject.Name
		if subjName == "" {
			subjName = fallbackName
		}
		subjType := v.Subject.Type
		if subjType == "" {
			subjType = "company"
		}
		id := entityID
		if id == "" {
			resolved, err := svc.Entity.Resolve(ctx, subjName, subjType)
			if err != nil {
				continue
			}
			id = resolved
		}
		sources := make([]facts.Source, 0, len(v.Sources))
		for _, s := range v.Sources {
			sources = append(sources, facts.Source{Title: s.Title, URL: s.URL, Snippet: s.Snippet})
		}
		_ = svc.Facts.StoreFact(ctx, facts.Variable{
			EntityID:   id,
			Name:       v.Name,
			Value:      v.Value,
			Dtype:      v.Dtype,
			Confidence: v.Confidence,
			Sources:    sources,
		}, svc.Now())
	}
}

type outcomeSummary struct {
	Name    string
	Success bool
	Note    string
}

func loop(ctx context.Context, svc *Services, registry tools.Registry, routerOut router.Output, caps intensityCaps, sessionID string, msgs []llm.Message, defaultSubject string) (string, error) {
	var lastCandidate string

	for step := 1; step <= caps.MaxSteps; step++ {
		if step == caps.MaxSteps {
			stopMsg := llm.Message{Role: "user", Content: "Stop using tools and produce only the final JSON."}
			msgs = append(msgs, stopMsg)
			svc.History.Append(sessionID, stopMsg)
		}

		msgs = trimToContextBudget(msgs, svc.ReasonerModel)

		reply, err := svc.Reasoner.Chat(ctx, msgs, registry.Schemas(), svc.ReasonerModel)
		if err != nil {
			return lastCandidate, fmt.Errorf("reasoner chat: %w", err)
		}
		msgs = append(msgs, reply)
		svc.History.Append(sessionID, reply)

		if len(reply.ToolCalls) == 0 {
			lastCandidate = reply.Content
			ok, outcome := evaluateCandidate(reply.Content, routerOut, defaultSubject)
			if ok {
				if outcome == "" {
					return reply.Content, nil
				}
				return outcome, nil
			}
			if step == caps.MaxSteps {
				return reply.Content, nil
			}
			nudgeMsg := llm.Message{Role: "user", Content: outcome}
			msgs = append(msgs, nudgeMsg)
			svc.History.Append(sessionID, nudgeMsg)
			continue
		}

		var outcomes []outcomeSummary
		for _, call := range reply.ToolCalls {
			payload, dispatchErr := registry.Dispatch(ctx, call.Name, call.Args)
			success := dispatchErr == nil && !strings.Contains(string(payload), `"error"`)
			outcomes = append(outcomes, outcomeSummary{Name: call.Name, Success: success, Note: string(payload)})

			toolMsg := llm.Message{Role: "tool", Content: string(payload), ToolID: call.ID}
			msgs = append(msgs, toolMsg)
			svc.History.Append(sessionID, toolMsg)
		}

		if len(outcomes) > 0 {
			summaryMsg := llm.Message{Role: "user", Content: summarizeOutcomes(outcomes)}
			msgs = append(msgs, summaryMsg)
			svc.History.Append(sessionID, summaryMsg)
		}
	}
	return lastCandidate, nil
}

// trimToContextBudget drops the oldest non-system messages when the
// conversation's estimated token count would crowd out the model's context
// window, leaving headroom for the completion. The leading system message is
// always kept so the prompt/evidence-policy instructions survive trimming.
func trimToContextBudget(msgs []llm.Message, model string) []llm.Message {
	if len(msgs) == 0 {
		return msgs
	}
	window, _ := llm.ContextSize(model)
	budget := window * 3 / 4

	total := 0
	for _, m := range msgs {
		total += util.CountTokens(m.Content)
	}
	if total <= budget {
		return msgs
	}

	start := 0
	if msgs[0].Role == "system" {
		start = 1
	}
	for total > budget && start < len(msgs)-1 {
		total -= util.CountTokens(msgs[start].Content)
		start++
	}
	if start == 0 {
		return msgs
	}
	out := make([]llm.Message, 0, len(msgs)-start+1)
	if msgs[0].Role == "system" {
		out = append(out, msgs[0])
	}
	out = append(out, msgs[start:]...)
	return out
}

func summarizeOutcomes(outcomes []outcomeSummary) string {
	var successes, failures []outcomeSummary
	for _, o := range outcomes {
		if o.Success {
			successes = append(successes, o)
		} else {
			failures = append(failures, o)
		}
	}
	if len(successes) > 3 {
		successes = successes[len(successes)-3:]
	}
	if len(failures) > 5 {
		failures = failures[len(failures)-5:]
	}
	payload := map[string]any{
		"type":       "tool_outcomes",
		"successes":  successes,
		"failures":   failures,
		"instruction": "Do not repeat failing calls; prefer calls similar to the successes.",
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// evaluateCandidate applies the structural checks and citation gate to a
// candidate final-answer JSON blob, returning ok plus a nudge message when
// not ok.
// evaluateCandidate parses content as the agent's candidate EnrichmentResult
// and runs it through the acceptance checks (§4.8 step 2): drop
// router-forbidden variables, inject defaultSubject onto any variable
// missing one (so a known entity never costs a retry just to be echoed
// back), require every surviving variable to carry a subject, then run the
// citation gate. On acceptance it returns the possibly-patched JSON so the
// injected subjects are reflected in the text the loop and finalize stage
// see; otherwise it returns a nudge message for the model to react to.
func evaluateCandidate(content string, routerOut router.Output, defaultSubject string) (bool, string) {
	var result answer.Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &result); err != nil {
		return false, "Your last message was not valid JSON matching the required EnrichmentResult schema. Please re-emit valid JSON."
	}

	var kept []answer.Variable
	for _, v := range result.Variables {
		if constraint, ok := routerOut.AttrConstraints[v.Name]; ok && constraint == router.Forbidden {
			continue
		}
		if v.Subject.Name == "" && defaultSubject != "" {
			v.Subject.Name = defaultSubject
		}
		kept = append(kept, v)
	}
	for _, v := range kept {
		if v.Subject.Name == "" {
			return false, "Every variable must carry a subject. Please re-emit the final JSON with subjects attached."
		}
	}

	var issues []string
	for _, v := range kept {
		res := citation.Evaluate(v, routerOut.EvidencePolicy)
		if !res.OK {
			issues = append(issues, fmt.Sprintf("%s: %s", v.Name, strings.Join(res.Issues, "; ")))
		}
	}
	if len(issues) > 0 {
		return false, "The citation gate rejected your answer: " + strings.Join(issues, " | ") + ". Gather more sources and re-emit the final JSON."
	}

	result.Variables = kept
	if patched, err := json.Marshal(result); err == nil {
		return true, string(patched)
	}
	return true, ""
}

func buildSystemPrompt(svc *Services, cls intent.Result, routerOut router.Output, caps intensityCaps, entityHint string) string {
	var b strings.Builder
	b.WriteString("You are a research agent. Current date: " + svc.Now().Format(time.RFC3339) + "\n")
	b.WriteString(fmt.Sprintf("You may call tools up to %d steps and up to %d web-search-class calls.\n", caps.MaxSteps, caps.MaxWeb))
	b.WriteString(fmt.Sprintf("Intent: %s", cls.Intent))
	if cls.Target != "" {
		b.WriteString(" (target: " + cls.Target + ")")
	}
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Evidence policy: min_corroboration=%d require_authority=%v\n", routerOut.EvidencePolicy.MinCorroboration, routerOut.EvidencePolicy.RequireAuthority))
	if len(routerOut.VocabHints.Boost) > 0 {
		b.WriteString("Favor queries about: " + strings.Join(routerOut.VocabHints.Boost, ", ") + "\n")
	}
	if routerOut.EntityType != "" {
		b.WriteString("Entity type hint: " + routerOut.EntityType + "\n")
	} else if entityHint != "" {
		b.WriteString("Entity hint: " + entityHint + "\n")
	}
	b.WriteString("When you are done researching, respond with ONLY a JSON object matching " +
		`{"intent": string, "variables": [{"subject": {"name","type","canonical_id"}, "name", "dtype", "value", "confidence", "sources": [{"title","url","snippet"}]}], "notes": string}` +
		". No prose, no markdown fences.\n")
	return b.String()
}

func buildIntroMessage(req Request, cls intent.Result, trustedFacts []answer.Variable) string {
	var b strings.Builder
	b.WriteString("Query: " + req.Query + "\n")
	if cls.Target != "" {
		b.WriteString("Target: " + cls.Target + "\n")
	}
	if len(req.Variables) > 0 {
		names := make([]string, 0, len(req.Variables))
		for _, v := range req.Variables {
			names = append(names, v.Name)
		}
		b.WriteString("Expected variables: " + strings.Join(names, ", ") + "\n")
	}
	if len(trustedFacts) > 0 {
		b.WriteString("Trusted facts already known (prefer these unless you find stronger evidence):\n")
		for _, f := range trustedFacts {
			b.WriteString(fmt.Sprintf("- %s = %v\n", f.Name, f.Value))
		}
	}
	return b.String()
}

// toAnswerVariables adapts an entity's current facts into the trusted-facts
// shape surfaced to the agent in its intro message.
func toAnswerVariables(found entity.Entity, rows []facts.Fact) []answer.Variable {
	out := make([]answer.Variable, 0, len(rows))
	for _, f := range rows {
		sources := make([]answer.Source, 0, len(f.Sources))
		for _, s := range f.Sources {
			sources = append(sources, answer.Source{Title: s.Title, URL: s.URL, Snippet: s.Snippet})
		}
		out = append(out, answer.Variable{
			Subject:    answer.Subject{Name: found.CanonicalName, Type: found.Type, CanonicalID: found.ID},
			Name:       f.Name,
			Dtype:      f.Dtype,
			Value:      f.Value,
			Confidence: f.Confidence,
			Sources:    sources,
			ObservedAt: f.ObservedAt.Format(time.RFC3339),
		})
	}
	return out
}
