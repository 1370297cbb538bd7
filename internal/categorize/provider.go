package categorize

import (
	"fmt"
	"log/slog"
	"os"
)

// ProviderConfig selects and configures a Categorizer backend
type ProviderConfig struct {
	Provider      string // gemini, ollama, openai or none
	GeminiKey     string
	GeminiModel   string
	OllamaURL     string
	OllamaModel   string
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	RatePerSecond float64 // 0 disables limiting
	RateBurst     int
}

// NewFromConfig builds the configured Categorizer. It returns nil for provider
// "none", which callers treat as "always use the fallback".
func NewFromConfig(cfg ProviderConfig) (Categorizer, error) {
	var (
		c   Categorizer
		err error
	)
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "gemini":
		key := cfg.GeminiKey
		if key == "" {
			key = os.Getenv("GEMINI_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("gemini API key is required")
		}
		slog.Info("Initializing Gemini categorizer", "model", cfg.GeminiModel)
		c, err = NewGemini(key, cfg.GeminiModel)
	case "ollama":
		slog.Info("Initializing Ollama categorizer", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		c, err = NewOllama(cfg.OllamaURL, cfg.OllamaModel)
	case "openai":
		key := cfg.OpenAIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		slog.Info("Initializing OpenAI categorizer", "model", cfg.OpenAIModel)
		c, err = NewOpenAI(OpenAIConfig{APIKey: key, BaseURL: cfg.OpenAIBaseURL, Model: cfg.OpenAIModel})
	default:
		return nil, fmt.Errorf("unknown categorizer %q: want gemini, ollama, openai or none", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s categorizer: %w", cfg.Provider, err)
	}

	if cfg.RatePerSecond > 0 {
		c = NewRateLimited(c, cfg.RatePerSecond, cfg.RateBurst)
	}
	return c, nil
}
