package toolindex

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tandem-run/tandem/pkg/models"
)

// catalogFile is the YAML shape of a static tool catalog.
type catalogFile struct {
	Tools []catalogTool `yaml:"tools"`
}

type catalogTool struct {
	Provider    string         `yaml:"provider"`
	Tool        string         `yaml:"tool"`
	Server      string         `yaml:"server,omitempty"`
	MCPToolName string         `yaml:"mcp_tool_name,omitempty"`
	Description string         `yaml:"description"`
	InputSchema map[string]any `yaml:"input_schema,omitempty"`
	OutputSchema map[string]any `yaml:"output_schema,omitempty"`
}

// LoadCatalog reads a static YAML catalog into the index. Descriptors
// are normalized: signatures derived, params extracted, output schemas
// flattened with fold markers.
func (x *Index) LoadCatalog(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tool catalog %s: %w", path, err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return fmt.Errorf("failed to parse tool catalog: %w", err)
	}
	for _, ct := range cf.Tools {
		if ct.Provider == "" || ct.Tool == "" {
			return fmt.Errorf("tool catalog entry missing provider or tool name")
		}
		x.Add(BuildDescriptor(ct.Provider, ct.Tool, ct.Server, ct.MCPToolName, ct.Description, ct.InputSchema, ct.OutputSchema))
	}
	return nil
}

// BuildDescriptor normalizes one tool definition into a descriptor:
// params extracted from the input schema, the call-form signature built
// from required params, and output fields flattened.
func BuildDescriptor(provider, tool, server, mcpName, description string, inputSchema, outputSchema map[string]any) *models.ToolDescriptor {
	if server == "" {
		server = provider
	}
	params := extractParams(inputSchema)
	outputFields, hasHidden := FlattenOutputSchema(outputSchema)

	return &models.ToolDescriptor{
		ToolID:          models.JoinToolID(provider, tool),
		Provider:        provider,
		Tool:            tool,
		Server:          server,
		MCPToolName:     mcpName,
		Signature:       buildSignature(tool, params),
		Description:     description,
		InputParams:     params,
		OutputFields:    outputFields,
		HasHiddenFields: hasHidden,
		InputSchema:     inputSchema,
		OutputSchema:    outputSchema,
	}
}

// extractParams reads the input schema's properties into ordered params.
func extractParams(schema map[string]any) []models.ToolParam {
	if schema == nil {
		return nil
	}
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}

	required := make(map[string]bool)
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]models.ToolParam, 0, len(names))
	for _, name := range names {
		p := models.ToolParam{Name: name, Type: "any", Required: required[name]}
		if prop, ok := props[name].(map[string]any); ok {
			if t, ok := prop["type"].(string); ok {
				p.Type = t
			}
			if doc, ok := prop["description"].(string); ok {
				p.Doc = doc
			}
			if def, ok := prop["default"]; ok {
				p.Default = def
			}
		}
		params = append(params, p)
	}
	return params
}

// buildSignature renders the type-stripped call form with only required
// args, e.g. "gmail_search(query)".
func buildSignature(tool string, params []models.ToolParam) string {
	var required []string
	for _, p := range params {
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return fmt.Sprintf("%s(%s)", tool, strings.Join(required, ", "))
}
