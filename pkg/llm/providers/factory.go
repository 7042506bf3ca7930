package providers

import (
	"fmt"

	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/llm"
)

// Build constructs the concrete provider for a config entry.
func Build(name string, cfg *config.LLMProviderConfig) (llm.Provider, error) {
	switch cfg.Type {
	case config.LLMProviderTypeOpenAI:
		return NewOpenAIProvider(name, cfg)
	case config.LLMProviderTypeAnthropic:
		return NewAnthropicProvider(name, cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %s", cfg.Type)
	}
}

// BuildAll constructs every provider in the registry.
func BuildAll(registry *config.LLMProviderRegistry) (map[string]llm.Provider, error) {
	out := make(map[string]llm.Provider)
	for name, cfg := range registry.GetAll() {
		p, err := Build(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build LLM provider %q: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}
