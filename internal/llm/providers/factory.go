package providers

import (
	"fmt"
	"net/http"

	"enrichd/internal/config"
	"enrichd/internal/llm"
	"enrichd/internal/llm/anthropic"
	openaillm "enrichd/internal/llm/openai"
)

// Build constructs the reasoner Provider selected by cfg.Provider.
func Build(cfg config.LLMClientConfig, httpClient *http.Client) (llm.Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		return openaillm.New(cfg.OpenAI, httpClient), nil
	case "anthropic":
		return anthropic.New(cfg.Anthropic, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
