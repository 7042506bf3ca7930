package toolindex

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tandem-run/tandem/pkg/models"
)

// ValidateArgs checks tool arguments against the descriptor's input
// schema. A descriptor without a schema accepts anything; a tool that
// declares no required params accepts empty args.
func ValidateArgs(desc *models.ToolDescriptor, args map[string]any) error {
	if desc.InputSchema == nil {
		return nil
	}

	// Round-trip the schema through JSON so YAML-decoded values
	// (map[string]any with int leaves) compile cleanly.
	rawSchema, err := json.Marshal(desc.InputSchema)
	if err != nil {
		return fmt.Errorf("failed to serialize input schema for %s: %w", desc.ToolID, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawSchema))
	if err != nil {
		return fmt.Errorf("failed to decode input schema for %s: %w", desc.ToolID, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("failed to register input schema for %s: %w", desc.ToolID, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile input schema for %s: %w", desc.ToolID, err)
	}

	// Normalize args the same way so numbers compare as JSON numbers.
	if args == nil {
		args = map[string]any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to serialize args for %s: %w", desc.ToolID, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawArgs))
	if err != nil {
		return fmt.Errorf("failed to decode args for %s: %w", desc.ToolID, err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("arguments for %s failed schema validation: %w", desc.ToolID, err)
	}
	return nil
}
