// Package summarize implements the post-loop session condensation (C11): it
// distills a finished session's history into a handful of durable bullet
// facts and upserts them into the user's long-term memory.
package summarize

import (
	"context"
	"encoding/json"
	"strings"

	"enrichd/internal/llm"
	"enrichd/internal/observability"
	"enrichd/internal/orchestrator"
)

const systemPrompt = `Condense the conversation so far into 3 to 8 short, standalone bullet
facts worth remembering about the user or their interests for future sessions. Each bullet
must stand alone without conversation context. Respond with strict JSON only:
{"bullets": ["...", "..."]}. No prose, no markdown fences.`

const minBulletLen = 5
const maxBulletLen = 300

// Run condenses sessionID's history into long-term memory for username, when
// username is present and the session has grown past the retention window.
// Every failure (no reasoner, unparsable output, persistence error) is
// logged and swallowed: summarisation never affects the caller's response.
func Run(ctx context.Context, svc *orchestrator.Services, sessionID, username string) {
	username = strings.TrimSpace(username)
	if username == "" || svc.Reasoner == nil {
		return
	}

	if svc.History.SeenCount(sessionID) <= svc.Config.ChatMemoryWindow {
		return
	}
	history := svc.History.Get(sessionID)

	var transcript strings.Builder
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		transcript.WriteString(m.Role + ": " + m.Content + "\n")
	}

	reply, err := svc.Reasoner.Chat(ctx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: transcript.String()},
	}, nil, svc.InferenceModel)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("session", sessionID).Msg("summarize: model call failed")
		return
	}

	var parsed struct {
		Bullets []string `json:"bullets"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply.Content)), &parsed); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("session", sessionID).Msg("summarize: could not parse bullets")
		return
	}

	for _, bullet := range parsed.Bullets {
		bullet = strings.TrimSpace(bullet)
		if len(bullet) < minBulletLen || len(bullet) > maxBulletLen {
			continue
		}
		if err := svc.LongTerm.Add(ctx, username, bullet, []string{"summary"}); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("username", username).Msg("summarize: persist bullet failed")
		}
	}
}
