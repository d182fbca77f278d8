// Package orchestrator implements the agent loop (C9): the iterative
// reason-act loop that composes intent classification, the inference
// router, entity/fact lookups, the tool runtime, and the citation gate.
package orchestrator

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"enrichd/internal/config"
	"enrichd/internal/entity"
	"enrichd/internal/facts"
	"enrichd/internal/llm"
	"enrichd/internal/memory"
	"enrichd/internal/tools"
	"enrichd/internal/tools/web"
)

// Clock abstracts wall-clock time so runs are deterministic under test.
type Clock func() time.Time

// Services is the explicit dependency bundle threaded through the agent
// loop and its tools, replacing the ambient singletons (DB pool, history
// map, env reads) the reference code reaches for directly.
type Services struct {
	DB *pgxpool.Pool

	Reasoner       llm.Provider
	ReasonerModel  string
	InferenceModel string

	Entity   *entity.Resolver
	Facts    *facts.Store
	History  *memory.History
	LongTerm *memory.LongTerm

	Searcher *web.Searcher
	Fetcher  *web.Fetcher

	// Dedupe mirrors the tool runtime's fingerprint cache across instances
	// when REDIS_URL is configured; nil means in-process dedup only.
	Dedupe tools.Mirror

	Clock  Clock
	Config config.Config
}

// Now returns the current time via Services.Clock, defaulting to time.Now.
func (s *Services) Now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock()
}
