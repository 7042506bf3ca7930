package config

import "errors"

// Sentinel errors for registry lookups and validation failures.
var (
	ErrLLMProviderNotFound = errors.New("LLM provider not found")
	ErrMCPServerNotFound   = errors.New("MCP server not found")
	ErrInvalidConfig       = errors.New("invalid configuration")
)
