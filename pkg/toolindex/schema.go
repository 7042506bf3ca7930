package toolindex

import (
	"fmt"
	"sort"
	"strings"
)

// Folding thresholds: a subtree deeper than foldDepth, or carrying more
// than foldBreadth scalar leaves in total, is replaced with a fold marker
// that names the inspect path.
const (
	foldDepth   = 3
	foldBreadth = 12
)

// inspectMaxDepth and inspectMaxFields bound one inspect_tool_output
// traversal so a single inspection can't flood the context.
const (
	inspectMaxDepth  = 4
	inspectMaxFields = 60
)

// FoldMarker formats the placeholder line for a folded subtree.
func FoldMarker(path string, subFields int) string {
	return fmt.Sprintf("%s: object (contains %d sub-fields; inspect_tool_output(..., field_path=%q))",
		path, subFields, path)
}

// IsFoldMarker reports whether an output-field line is a fold marker and
// returns its path.
func IsFoldMarker(line string) (string, bool) {
	idx := strings.Index(line, ": object (contains ")
	if idx <= 0 || !strings.Contains(line, "inspect_tool_output(") {
		return "", false
	}
	return line[:idx], true
}

// FlattenOutputSchema renders a JSON Schema into flattened leaf paths
// like "messages[].message_id: string", folding deep or wide subtrees.
// The second return reports whether anything was folded.
func FlattenOutputSchema(schema map[string]any) ([]string, bool) {
	if schema == nil {
		return nil, false
	}
	var lines []string
	folded := false
	flattenNode(schema, "", 1, &lines, &folded)
	return lines, folded
}

func flattenNode(schema map[string]any, path string, depth int, lines *[]string, folded *bool) {
	typ, _ := schema["type"].(string)

	switch typ {
	case "object":
		props, _ := schema["properties"].(map[string]any)
		if len(props) == 0 {
			if path != "" {
				*lines = append(*lines, path+": object")
			}
			return
		}
		if path != "" && (depth > foldDepth || countLeaves(schema) > foldBreadth) {
			*lines = append(*lines, FoldMarker(path, countLeaves(schema)))
			*folded = true
			return
		}
		for _, name := range sortedKeys(props) {
			child, _ := props[name].(map[string]any)
			childPath := name
			if path != "" {
				childPath = path + "." + name
			}
			if child == nil {
				*lines = append(*lines, childPath+": any")
				continue
			}
			flattenNode(child, childPath, depth+1, lines, folded)
		}
	case "array":
		items, _ := schema["items"].(map[string]any)
		arrayPath := path + "[]"
		if items == nil {
			*lines = append(*lines, arrayPath+": any")
			return
		}
		flattenNode(items, arrayPath, depth+1, lines, folded)
	case "":
		if path != "" {
			*lines = append(*lines, path+": any")
		}
	default:
		*lines = append(*lines, path+": "+typ)
	}
}

// countLeaves counts the scalar leaves under a schema node.
func countLeaves(schema map[string]any) int {
	typ, _ := schema["type"].(string)
	switch typ {
	case "object":
		props, _ := schema["properties"].(map[string]any)
		total := 0
		for _, v := range props {
			child, _ := v.(map[string]any)
			if child == nil {
				total++
				continue
			}
			total += countLeaves(child)
		}
		return total
	case "array":
		items, _ := schema["items"].(map[string]any)
		if items == nil {
			return 1
		}
		return countLeaves(items)
	default:
		return 1
	}
}

// InspectOutput returns a depth- and breadth-limited flattening of a
// tool's output schema starting at fieldPath. fieldPath must name a fold
// marker path (or any valid path) in the descriptor's schema.
func (x *Index) InspectOutput(toolID, fieldPath string) ([]string, error) {
	d, ok := x.GetTool(toolID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}
	if d.OutputSchema == nil {
		return nil, fmt.Errorf("tool %s has no output schema to inspect", toolID)
	}

	node := d.OutputSchema
	if fieldPath != "" {
		var err error
		node, err = navigate(node, fieldPath)
		if err != nil {
			return nil, err
		}
	}

	var lines []string
	folded := false
	flattenBounded(node, fieldPath, 1, &lines, &folded)
	if len(lines) > inspectMaxFields {
		lines = append(lines[:inspectMaxFields],
			fmt.Sprintf("… (%d more fields)", len(lines)-inspectMaxFields))
	}
	return lines, nil
}

// navigate walks a schema to the node named by a dotted path. "[]"
// segments step into array items.
func navigate(schema map[string]any, fieldPath string) (map[string]any, error) {
	node := schema
	for _, seg := range strings.Split(fieldPath, ".") {
		arrayHops := strings.Count(seg, "[]")
		name := strings.ReplaceAll(seg, "[]", "")

		if name != "" {
			props, _ := node["properties"].(map[string]any)
			child, ok := props[name].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("field path %q not found in output schema (unknown segment %q)", fieldPath, name)
			}
			node = child
		}
		for i := 0; i < arrayHops; i++ {
			items, ok := node["items"].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("field path %q steps into a non-array at %q", fieldPath, seg)
			}
			node = items
		}
	}
	return node, nil
}

// flattenBounded expands the inspected node one level unconditionally —
// the whole point of inspecting is to see past the fold — and lets
// deeper children fold again relative to the inspect root.
func flattenBounded(schema map[string]any, path string, depth int, lines *[]string, folded *bool) {
	if depth > inspectMaxDepth {
		*lines = append(*lines, FoldMarker(path, countLeaves(schema)))
		*folded = true
		return
	}

	typ, _ := schema["type"].(string)
	switch typ {
	case "object":
		props, _ := schema["properties"].(map[string]any)
		if len(props) == 0 {
			*lines = append(*lines, path+": object")
			return
		}
		for _, name := range sortedKeys(props) {
			child, _ := props[name].(map[string]any)
			childPath := name
			if path != "" {
				childPath = path + "." + name
			}
			if child == nil {
				*lines = append(*lines, childPath+": any")
				continue
			}
			flattenNode(child, childPath, 2, lines, folded)
		}
	case "array":
		items, _ := schema["items"].(map[string]any)
		if items == nil {
			*lines = append(*lines, path+"[]: any")
			return
		}
		flattenBounded(items, path+"[]", depth+1, lines, folded)
	default:
		flattenNode(schema, path, 1, lines, folded)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
