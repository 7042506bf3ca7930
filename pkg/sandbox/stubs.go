package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/tandem-run/tandem/pkg/models"
)

// bridgeModule is the only code path from sandbox code to the host.
const bridgeModule = `"""Generated bridge client. Do not edit."""
import json
import os
import urllib.request

_BRIDGE_URL = os.environ["TANDEM_BRIDGE_URL"]
_BRIDGE_TOKEN = os.environ["TANDEM_BRIDGE_TOKEN"]


async def call_tool(provider, tool, payload):
    body = json.dumps({"provider": provider, "tool": tool, "payload": payload}).encode()
    req = urllib.request.Request(
        _BRIDGE_URL,
        data=body,
        headers={
            "Content-Type": "application/json",
            "Authorization": "Bearer " + _BRIDGE_TOKEN,
        },
        method="POST",
    )
    with urllib.request.urlopen(req) as resp:
        return json.loads(resp.read().decode())
`

// helpersModule carries the utilities every generated toolbox exposes.
const helpersModule = `"""Generated helper utilities. Do not edit."""


def is_tool_successful(result):
    """True when an envelope-shaped result reports success."""
    return isinstance(result, dict) and result.get("successful") is True


def safe_error_text(result):
    """Best-effort error text from an envelope-shaped result."""
    if not isinstance(result, dict):
        return str(result)
    err = result.get("error")
    return str(err) if err else ""


def safe_timestamp_sort_key(record, field="timestamp"):
    """Sort key tolerant of records missing the timestamp field."""
    if isinstance(record, dict):
        value = record.get(field)
        if value is not None:
            return str(value)
    return ""
`

// providerModuleTemplate renders one provider's stub module.
var providerModuleTemplate = template.Must(template.New("provider").Parse(
	`"""Generated stubs for provider {{.Provider}}. Do not edit."""
from toolbox import _bridge

{{range .Functions}}
async def {{.Name}}({{.Params}}):
    """{{.Doc}}"""
    payload = { {{- range .PayloadKeys}}
        "{{.}}": {{.}},{{end}}
    }
    payload = {k: v for k, v in payload.items() if v is not None}
    payload.update({k: v for k, v in kwargs.items() if v is not None})
    return await _bridge.call_tool("{{$.Provider}}", "{{.Tool}}", payload)

{{end}}`))

type stubFunction struct {
	Name        string
	Tool        string
	Params      string
	PayloadKeys []string
	Doc         string
}

type providerModule struct {
	Provider  string
	Functions []stubFunction
}

// GenerateToolbox materializes the ephemeral stub package for the given
// descriptors under a fresh temp directory and returns its path. The
// caller owns cleanup.
func GenerateToolbox(descriptors []*models.ToolDescriptor) (string, error) {
	dir, err := os.MkdirTemp("", "tandem-toolbox-*")
	if err != nil {
		return "", fmt.Errorf("failed to create toolbox dir: %w", err)
	}

	pkgDir := filepath.Join(dir, "toolbox")
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to create toolbox package dir: %w", err)
	}

	byProvider := make(map[string][]*models.ToolDescriptor)
	for _, d := range descriptors {
		byProvider[d.Provider] = append(byProvider[d.Provider], d)
	}
	providers := make([]string, 0, len(byProvider))
	for p := range byProvider {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	for _, provider := range providers {
		module := buildProviderModule(provider, byProvider[provider])
		var sb strings.Builder
		if err := providerModuleTemplate.Execute(&sb, module); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("failed to render stub module for %q: %w", provider, err)
		}
		path := filepath.Join(pkgDir, provider+".py")
		if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("failed to write stub module %s: %w", path, err)
		}
	}

	files := map[string]string{
		"_bridge.py":  bridgeModule,
		"helpers.py":  helpersModule,
		"__init__.py": buildInitModule(providers),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(pkgDir, name), []byte(content), 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("failed to write toolbox file %s: %w", name, err)
		}
	}

	return dir, nil
}

// buildProviderModule derives stub functions from descriptors: required
// params positional, optionals defaulting to None, trailing **kwargs for
// forward compatibility.
func buildProviderModule(provider string, descriptors []*models.ToolDescriptor) providerModule {
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Tool < descriptors[j].Tool })

	module := providerModule{Provider: provider}
	for _, d := range descriptors {
		var parts []string
		var keys []string
		for _, p := range d.InputParams {
			if p.Required {
				parts = append(parts, p.Name)
				keys = append(keys, p.Name)
			}
		}
		for _, p := range d.InputParams {
			if !p.Required {
				parts = append(parts, p.Name+"=None")
				keys = append(keys, p.Name)
			}
		}
		parts = append(parts, "**kwargs")

		doc := d.Description
		if doc == "" {
			doc = d.Signature
		}
		doc = strings.ReplaceAll(doc, `"""`, `'''`)
		if idx := strings.IndexByte(doc, '\n'); idx >= 0 {
			doc = doc[:idx]
		}

		module.Functions = append(module.Functions, stubFunction{
			Name:        d.Tool,
			Tool:        d.Tool,
			Params:      strings.Join(parts, ", "),
			PayloadKeys: keys,
			Doc:         doc,
		})
	}
	return module
}

// buildInitModule re-exports the provider modules and helpers.
func buildInitModule(providers []string) string {
	var sb strings.Builder
	sb.WriteString(`"""Generated toolbox package. Do not edit."""` + "\n")
	sb.WriteString("from toolbox import helpers\n")
	sb.WriteString("from toolbox.helpers import is_tool_successful, safe_error_text, safe_timestamp_sort_key\n")
	for _, p := range providers {
		fmt.Fprintf(&sb, "from toolbox import %s\n", p)
	}
	return sb.String()
}
