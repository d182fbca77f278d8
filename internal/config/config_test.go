package config

import (
	"os"
	"testing"
)

func TestFirstNonEmpty(t *testing.T) {
	if v := firstNonEmpty("", "foo", "bar"); v != "foo" {
		t.Fatalf("expected 'foo', got %q", v)
	}
	if v := firstNonEmpty(); v != "" {
		t.Fatalf("expected empty, got %q", v)
	}
}

func TestIntFromEnv(t *testing.T) {
	key := "ENRICHD_TEST_INT_FROM_ENV"
	old, had := os.LookupEnv(key)
	defer func() {
		if had {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	}()

	_ = os.Unsetenv(key)
	if n := intFromEnv(key, 7); n != 7 {
		t.Fatalf("expected default 7, got %d", n)
	}

	_ = os.Setenv(key, "42")
	if n := intFromEnv(key, 7); n != 42 {
		t.Fatalf("expected 42, got %d", n)
	}

	_ = os.Setenv(key, "not-an-int")
	if n := intFromEnv(key, 7); n != 7 {
		t.Fatalf("expected fallback to default on parse failure, got %d", n)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	for _, k := range []string{"DATABASE_URL", "OPENAI_API_KEY", "LLM_PROVIDER"} {
		old, had := os.LookupEnv(k)
		defer func(k, old string, had bool) {
			if had {
				_ = os.Setenv(k, old)
			} else {
				_ = os.Unsetenv(k)
			}
		}(k, old, had)
	}

	_ = os.Unsetenv("DATABASE_URL")
	_ = os.Setenv("OPENAI_API_KEY", "sk-test")
	_ = os.Setenv("LLM_PROVIDER", "openai")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when DATABASE_URL is unset")
	}
}

func TestLoadDefaultsSearchProviderFromAPIKey(t *testing.T) {
	for _, k := range []string{"DATABASE_URL", "OPENAI_API_KEY", "LLM_PROVIDER", "SEARCH_PROVIDER", "TAVILY_API_KEY"} {
		old, had := os.LookupEnv(k)
		defer func(k, old string, had bool) {
			if had {
				_ = os.Setenv(k, old)
			} else {
				_ = os.Unsetenv(k)
			}
		}(k, old, had)
	}

	_ = os.Setenv("DATABASE_URL", "postgres://localhost/test")
	_ = os.Setenv("OPENAI_API_KEY", "sk-test")
	_ = os.Setenv("LLM_PROVIDER", "openai")
	_ = os.Unsetenv("SEARCH_PROVIDER")
	_ = os.Setenv("TAVILY_API_KEY", "tv-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Search.Provider != "tavily" {
		t.Fatalf("expected search provider to default to tavily, got %q", cfg.Search.Provider)
	}
}
