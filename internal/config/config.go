// Package config loads enrichd's runtime configuration from environment
// variables (optionally backed by a .env file), following the env-first
// loading style of the teacher repo's internal/config.Load.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// OpenAIConfig configures the OpenAI reasoner/router adapter.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	ExtraParams map[string]any
	LogPayloads bool
}

// AnthropicPromptCacheConfig controls Anthropic prompt-caching scope.
type AnthropicPromptCacheConfig struct {
	Enabled        bool
	CacheSystem    bool
	CacheTools     bool
	CacheMessages  bool
}

// AnthropicConfig configures the Anthropic reasoner adapter.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	PromptCache AnthropicPromptCacheConfig
	ExtraParams map[string]any
}

// ObsConfig configures the OpenTelemetry tracer/meter providers.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// LLMClientConfig selects and configures the reasoner provider used for the
// agent loop's main reasoning calls.
type LLMClientConfig struct {
	Provider   string // "openai" | "anthropic"
	OpenAI     OpenAIConfig
	Anthropic  AnthropicConfig
}

// SearchConfig selects and configures the C7 web_search/latest_finder backend.
type SearchConfig struct {
	Provider     string // "tavily" | "serpapi"
	TavilyAPIKey string
	SerpAPIKey   string
}

// ResearchConfig holds the intensity-cap overrides from §4.8.
type ResearchConfig struct {
	MaxSteps      int // 0 means "use the intensity-bucket default"
	MaxWebSearches int
}

// Config is the fully-resolved process configuration, threaded explicitly
// through cmd/enrichd into the Services value (Design Note, §9) rather than
// read from package-level globals.
type Config struct {
	HTTPAddr string

	DatabaseURL      string
	DatabaseMaxConns int32

	LLMClient        LLMClientConfig
	InferenceModel   string // OPENAI_INFERENCE_MODEL, used by the Router/Intent classifier

	Search SearchConfig

	ChatMemoryWindow int
	Research         ResearchConfig

	LogLevel string
	Obs      ObsConfig

	RedisURL string
}

// Load reads configuration from environment variables, overlaying a .env
// file in the working directory when present.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		HTTPAddr:         firstNonEmpty(os.Getenv("HTTP_ADDR"), ":8080"),
		ChatMemoryWindow: intFromEnv("CHAT_MEMORY_WINDOW", 8),
		LogLevel:         firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info"),
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.DatabaseMaxConns = int32(intFromEnv("DATABASE_MAX_CONNS", 20))

	cfg.LLMClient.Provider = firstNonEmpty(strings.TrimSpace(os.Getenv("LLM_PROVIDER")), "openai")
	cfg.LLMClient.OpenAI.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.LLMClient.OpenAI.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("OPENAI_MODEL")), "gpt-4o-mini")
	cfg.LLMClient.OpenAI.BaseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	if v := strings.TrimSpace(os.Getenv("OPENAI_LOG_PAYLOADS")); v != "" {
		cfg.LLMClient.OpenAI.LogPayloads = v == "1" || strings.EqualFold(v, "true")
	}

	cfg.LLMClient.Anthropic.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	cfg.LLMClient.Anthropic.Model = strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL"))
	cfg.LLMClient.Anthropic.BaseURL = strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL"))
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_PROMPT_CACHE")); v != "" {
		cfg.LLMClient.Anthropic.PromptCache.Enabled = v == "1" || strings.EqualFold(v, "true")
	}

	cfg.InferenceModel = firstNonEmpty(strings.TrimSpace(os.Getenv("OPENAI_INFERENCE_MODEL")), cfg.LLMClient.OpenAI.Model)

	cfg.Search.Provider = strings.ToLower(strings.TrimSpace(os.Getenv("SEARCH_PROVIDER")))
	cfg.Search.TavilyAPIKey = strings.TrimSpace(os.Getenv("TAVILY_API_KEY"))
	cfg.Search.SerpAPIKey = strings.TrimSpace(os.Getenv("SERPAPI_API_KEY"))
	if cfg.Search.Provider == "" {
		if cfg.Search.TavilyAPIKey != "" {
			cfg.Search.Provider = "tavily"
		} else if cfg.Search.SerpAPIKey != "" {
			cfg.Search.Provider = "serpapi"
		}
	}

	cfg.Research.MaxSteps = intFromEnv("RESEARCH_MAX_STEPS", 0)
	cfg.Research.MaxWebSearches = intFromEnv("RESEARCH_MAX_WEB_SEARCHES", 0)

	cfg.Obs.OTLP = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	cfg.Obs.ServiceName = firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")), "enrichd")
	cfg.Obs.ServiceVersion = firstNonEmpty(strings.TrimSpace(os.Getenv("SERVICE_VERSION")), "dev")
	cfg.Obs.Environment = firstNonEmpty(strings.TrimSpace(os.Getenv("ENVIRONMENT")), "development")

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.LLMClient.Provider == "openai" && c.LLMClient.OpenAI.APIKey == "" {
		return errors.New("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
	}
	if c.LLMClient.Provider == "anthropic" && c.LLMClient.Anthropic.APIKey == "" {
		return errors.New("ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic")
	}
	if c.Search.Provider != "" && c.Search.Provider != "tavily" && c.Search.Provider != "serpapi" {
		return errors.New("SEARCH_PROVIDER must be tavily or serpapi")
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
