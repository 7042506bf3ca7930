package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/toolindex"
)

// PopulateIndex lists tools from every configured provider and inserts
// normalized descriptors into the index. Providers that fail to list are
// logged and skipped — partial inventory is better than none.
func PopulateIndex(ctx context.Context, client *Client, registry *config.MCPServerRegistry, index *toolindex.Index) error {
	providers := registry.Providers()
	if err := client.Initialize(ctx, providers); err != nil {
		return err
	}

	loaded := 0
	for _, provider := range providers {
		cfg, err := registry.Get(provider)
		if err != nil {
			continue
		}

		tools, err := client.ListTools(ctx, provider)
		if err != nil {
			slog.Warn("Failed to list tools from MCP server",
				"provider", provider, "error", err)
			continue
		}

		allow := toAllowSet(cfg.Tools)
		for _, tool := range tools {
			if allow != nil && !allow[tool.Name] {
				continue
			}
			index.Add(toolindex.BuildDescriptor(
				provider,
				tool.Name,
				provider,
				tool.Name,
				tool.Description,
				schemaToMap(tool.InputSchema),
				schemaToMap(tool.OutputSchema),
			))
			loaded++
		}
	}

	if loaded == 0 && len(providers) > 0 {
		return fmt.Errorf("no tools loaded from any of %d MCP servers", len(providers))
	}
	slog.Info("Tool index populated from MCP servers",
		"providers", len(providers), "tools", loaded)
	return nil
}

// schemaToMap converts an SDK schema value to the generic map form the
// index works with.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		slog.Debug("Failed to marshal tool schema", "error", err)
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func toAllowSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
