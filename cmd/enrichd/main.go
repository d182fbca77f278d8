package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"enrichd/internal/config"
	"enrichd/internal/entity"
	"enrichd/internal/facts"
	"enrichd/internal/httpapi"
	"enrichd/internal/llm/providers"
	"enrichd/internal/memory"
	"enrichd/internal/observability"
	"enrichd/internal/orchestrator"
	"enrichd/internal/persistence"
	"enrichd/internal/persistence/databases"
	"enrichd/internal/tools/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	observability.InitLogger("", cfg.LogLevel)

	ctx := context.Background()

	if cfg.Obs.OTLP != "" {
		shutdown, err := observability.InitOTel(ctx, cfg.Obs)
		if err != nil {
			log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	pool, err := databases.OpenPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable at startup")
	}
	defer pool.Close()

	if err := persistence.Bootstrap(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("schema bootstrap failed")
	}

	httpClient := observability.NewHTTPClient(nil)
	reasoner, err := providers.Build(cfg.LLMClient, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build llm provider")
	}
	reasonerModel := cfg.LLMClient.OpenAI.Model
	if cfg.LLMClient.Provider == "anthropic" {
		reasonerModel = cfg.LLMClient.Anthropic.Model
	}

	var searcher *web.Searcher
	if backend, err := web.NewBackend(cfg.Search.Provider, cfg.Search.TavilyAPIKey, cfg.Search.SerpAPIKey); err != nil {
		log.Warn().Err(err).Msg("no search backend configured; web_search and latest_finder will report empty results")
	} else {
		searcher = web.NewSearcher(backend)
	}

	var dedupe *orchestrator.RedisDedupeStore
	if cfg.RedisURL != "" {
		store, err := orchestrator.NewRedisDedupeStore(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis dedupe mirror unavailable; falling back to in-process dedup only")
		} else {
			dedupe = store
			defer store.Close()
		}
	}

	svc := &orchestrator.Services{
		DB:             pool,
		Reasoner:       reasoner,
		ReasonerModel:  reasonerModel,
		InferenceModel: cfg.InferenceModel,
		Entity:         entity.New(pool),
		Facts:          facts.New(pool),
		History:        memory.NewHistory(cfg.ChatMemoryWindow),
		LongTerm:       memory.NewLongTerm(pool),
		Searcher:       searcher,
		Fetcher:        web.NewFetcher(),
		Config:         cfg,
	}
	if dedupe != nil {
		svc.Dedupe = dedupe
	}

	e := httpapi.New(svc)

	go func() {
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("enrichd listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("enrichd stopped")
	}
}
