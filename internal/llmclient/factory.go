package llmclient

import "fmt"

// ProviderConfig is the subset of internal/config.LLMConfig needed to build
// a provider client, kept separate so this package doesn't import config
// and create a cycle.
type ProviderConfig struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// New builds the LLM client named by cfg.Provider.
func New(cfg ProviderConfig) (LLM, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "anthropic":
		return NewAnthropicClient(cfg.APIKey, cfg.Model), nil
	case "ollama", "":
		return NewOllamaClient(cfg.BaseURL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("llmclient: unsupported provider %q", cfg.Provider)
	}
}
