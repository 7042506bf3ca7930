package models

import "strings"

// ToolParam describes one input parameter of a tool.
type ToolParam struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
	Doc      string `json:"doc,omitempty"`
}

// ToolDescriptor is one entry in the tool index.
// ToolID is globally unique: provider "." tool.
type ToolDescriptor struct {
	ToolID      string `json:"tool_id"`
	Provider    string `json:"provider"`
	Tool        string `json:"tool"`
	Server      string `json:"server"`
	MCPToolName string `json:"mcp_tool_name,omitempty"`

	// Signature is the call form with only required args, type-stripped,
	// e.g. gmail_search(query, max_results).
	Signature   string      `json:"signature"`
	Description string      `json:"description"`
	InputParams []ToolParam `json:"input_params,omitempty"`

	// OutputFields holds flattened leaf paths like
	// "messages[].message_id: string". Large subtrees are folded into a
	// marker entry that names the inspect path.
	OutputFields    []string `json:"output_fields,omitempty"`
	HasHiddenFields bool     `json:"has_hidden_fields,omitempty"`

	// InputSchema is the raw JSON Schema for argument validation.
	InputSchema map[string]any `json:"input_schema,omitempty"`

	// OutputSchema is the raw JSON Schema of the tool's response, kept
	// for inspect_tool_output traversal of folded subtrees.
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// RequiredParams returns the descriptor's required parameters in order.
func (d *ToolDescriptor) RequiredParams() []ToolParam {
	var out []ToolParam
	for _, p := range d.InputParams {
		if p.Required {
			out = append(out, p)
		}
	}
	return out
}

// SplitToolID splits "provider.tool" into its parts.
// The tool part may itself contain dots; only the first dot splits.
func SplitToolID(toolID string) (provider, tool string, ok bool) {
	idx := strings.Index(toolID, ".")
	if idx <= 0 || idx == len(toolID)-1 {
		return "", "", false
	}
	return toolID[:idx], toolID[idx+1:], true
}

// JoinToolID builds the globally unique tool identifier.
func JoinToolID(provider, tool string) string {
	return provider + "." + tool
}

// SearchResultEntry is a ToolDescriptor projection merged into the planner
// search cache, keyed by ToolID and carrying the highest-seen score.
type SearchResultEntry struct {
	Descriptor *ToolDescriptor `json:"descriptor"`
	Score      float64         `json:"score"`
}

// ProviderTools is one node of the provider tree: a provider and its tool
// names (names only — full specs come from search).
type ProviderTools struct {
	Provider string   `json:"provider"`
	Tools    []string `json:"tools"`
}
