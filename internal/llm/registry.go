package llm

import (
	"context"
	"fmt"
)

// SupportedProviders lists available provider names.
var SupportedProviders = []string{"openai", "azure", "anthropic", "gemini", "ollama", "placeholder"}

// New creates a Completer from cfg.
func New(ctx context.Context, cfg Config) (Completer, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
			return nil, fmt.Errorf("OpenAI API key not set. Set OPENAI_API_KEY or OPENAI_BASE_URL for a compatible server")
		}
		return NewOpenAI(cfg), nil

	case "azure":
		if cfg.AzureEndpoint == "" || cfg.AzureDeployment == "" {
			return nil, fmt.Errorf("azure OpenAI needs AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_DEPLOYMENT")
		}
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("azure OpenAI API key not set. Set OPENAI_API_KEY")
		}
		return NewOpenAI(cfg), nil

	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key not set. Set ANTHROPIC_API_KEY")
		}
		return NewAnthropic(cfg), nil

	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("Gemini API key not set. Set GEMINI_API_KEY")
		}
		return NewGemini(ctx, cfg)

	case "ollama":
		return NewOllama(cfg)

	case "placeholder", "":
		return NewPlaceholder(), nil

	default:
		return nil, fmt.Errorf("unknown LLM provider %q. Supported: %v", cfg.Provider, SupportedProviders)
	}
}
