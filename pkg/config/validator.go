package config

import "fmt"

// validate checks cross-field consistency after defaults are applied.
func validate(fc *fileConfig) error {
	if len(fc.LLMProviders) == 0 {
		return fmt.Errorf("%w: at least one llm_providers entry is required", ErrInvalidConfig)
	}

	for name, p := range fc.LLMProviders {
		if !p.Type.IsValid() {
			return fmt.Errorf("%w: llm provider %q has unknown type %q", ErrInvalidConfig, name, p.Type)
		}
		if p.Model == "" {
			return fmt.Errorf("%w: llm provider %q is missing model", ErrInvalidConfig, name)
		}
	}

	if fc.LLMRouting.Primary == "" {
		return fmt.Errorf("%w: llm_routing.primary is required", ErrInvalidConfig)
	}
	for _, key := range []string{fc.LLMRouting.Primary, fc.LLMRouting.Fallback, fc.LLMRouting.Image} {
		if key == "" {
			continue
		}
		if _, ok := fc.LLMProviders[key]; !ok {
			return fmt.Errorf("%w: llm_routing references unknown provider %q", ErrInvalidConfig, key)
		}
	}

	for name, s := range fc.MCPServers {
		if !s.Transport.Type.IsValid() {
			return fmt.Errorf("%w: mcp server %q has unknown transport type %q", ErrInvalidConfig, name, s.Transport.Type)
		}
		switch s.Transport.Type {
		case TransportTypeStdio:
			if s.Transport.Command == "" {
				return fmt.Errorf("%w: mcp server %q stdio transport requires command", ErrInvalidConfig, name)
			}
		case TransportTypeHTTP, TransportTypeSSE:
			if s.Transport.URL == "" {
				return fmt.Errorf("%w: mcp server %q %s transport requires url", ErrInvalidConfig, name, s.Transport.Type)
			}
		}
	}

	if fc.Budget.MaxSteps < 0 || fc.Budget.MaxToolCalls < 0 || fc.Budget.MaxCodeRuns < 0 || fc.Budget.MaxCostUSD < 0 {
		return fmt.Errorf("%w: budget caps must not be negative", ErrInvalidConfig)
	}

	return nil
}
