// Package config loads and validates the Tandem configuration: LLM
// providers, MCP servers, budget defaults, and runtime settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BudgetDefaults are applied to requests that leave a cap unset.
type BudgetDefaults struct {
	MaxSteps     int     `yaml:"max_steps"`
	MaxToolCalls int     `yaml:"max_tool_calls"`
	MaxCodeRuns  int     `yaml:"max_code_runs"`
	MaxCostUSD   float64 `yaml:"max_cost_usd"`
}

// SandboxConfig controls sandboxed code execution.
type SandboxConfig struct {
	// Python interpreter binary (default "python3").
	PythonBinary string `yaml:"python_binary,omitempty"`
	// Per-call timeout in seconds (default 30).
	TimeoutSec int `yaml:"timeout_sec,omitempty"`
}

// RuntimeConfig controls the runtime entrypoint.
type RuntimeConfig struct {
	// LogsDir is the root of per-run hierarchical logs.
	LogsDir string `yaml:"logs_dir"`
	// MaxConcurrentRuns bounds RunMany (default 4).
	MaxConcurrentRuns int `yaml:"max_concurrent_runs,omitempty"`
}

// fileConfig is the raw YAML shape of the config file.
type fileConfig struct {
	LLMProviders map[string]*LLMProviderConfig `yaml:"llm_providers"`
	LLMRouting   LLMRouting                    `yaml:"llm_routing"`
	MCPServers   map[string]*MCPServerConfig   `yaml:"mcp_servers"`
	Budget       BudgetDefaults                `yaml:"budget"`
	Sandbox      SandboxConfig                 `yaml:"sandbox"`
	Runtime      RuntimeConfig                 `yaml:"runtime"`
}

// Config is the fully-loaded, validated configuration.
type Config struct {
	LLMProviders *LLMProviderRegistry
	LLMRouting   LLMRouting
	MCPServers   *MCPServerRegistry
	Budget       BudgetDefaults
	Sandbox      SandboxConfig
	Runtime      RuntimeConfig
}

// Load reads config.yaml from the given directory, expands ${VAR}
// references, applies defaults, and validates the result.
func Load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, "config.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a Config from raw YAML bytes.
func Parse(raw []byte) (*Config, error) {
	expanded := expandEnvVars(string(raw))

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expanded), &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&fc)

	if err := validate(&fc); err != nil {
		return nil, err
	}

	return &Config{
		LLMProviders: NewLLMProviderRegistry(fc.LLMProviders),
		LLMRouting:   fc.LLMRouting,
		MCPServers:   NewMCPServerRegistry(fc.MCPServers),
		Budget:       fc.Budget,
		Sandbox:      fc.Sandbox,
		Runtime:      fc.Runtime,
	}, nil
}

func applyDefaults(fc *fileConfig) {
	if fc.Budget.MaxSteps == 0 {
		fc.Budget.MaxSteps = DefaultMaxSteps
	}
	if fc.Budget.MaxToolCalls == 0 {
		fc.Budget.MaxToolCalls = DefaultMaxToolCalls
	}
	if fc.Budget.MaxCodeRuns == 0 {
		fc.Budget.MaxCodeRuns = DefaultMaxCodeRuns
	}
	if fc.Budget.MaxCostUSD == 0 {
		fc.Budget.MaxCostUSD = DefaultMaxCostUSD
	}
	if fc.Sandbox.PythonBinary == "" {
		fc.Sandbox.PythonBinary = DefaultPythonBinary
	}
	if fc.Sandbox.TimeoutSec == 0 {
		fc.Sandbox.TimeoutSec = int(DefaultSandboxTimeout.Seconds())
	}
	if fc.Runtime.MaxConcurrentRuns == 0 {
		fc.Runtime.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if fc.Runtime.LogsDir == "" {
		fc.Runtime.LogsDir = "./logs"
	}
	for _, p := range fc.LLMProviders {
		if p.TimeoutSec == 0 {
			p.TimeoutSec = int(DefaultLLMTimeout.Seconds())
		}
	}
	for name, s := range fc.MCPServers {
		if s.Provider == "" {
			s.Provider = name
		}
	}
}
