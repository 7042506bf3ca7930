package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/toolindex"
)

// Command is the tagged-variant representation of one planner command.
// Exactly one variant is set.
type Command struct {
	Reasoning string

	Search  *SearchCommand
	Tool    *ToolCommand
	Sandbox *SandboxCommand
	Inspect *InspectCommand
	Finish  *FinishCommand
	Fail    *FailCommand
}

// SearchCommand queries the tool catalog.
type SearchCommand struct {
	Query    string `json:"query"`
	Provider string `json:"provider,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ToolCommand invokes a discovered tool.
type ToolCommand struct {
	ToolID string         `json:"tool_id"`
	Args   map[string]any `json:"args,omitempty"`
}

// SandboxCommand runs a code body against the provider stubs.
type SandboxCommand struct {
	Code  string `json:"code"`
	Label string `json:"label,omitempty"`
}

// InspectCommand expands a folded output subtree.
type InspectCommand struct {
	ToolID    string `json:"tool_id"`
	FieldPath string `json:"field_path"`
}

// FinishCommand ends the loop successfully.
type FinishCommand struct {
	Summary string `json:"summary"`
}

// FailCommand ends the loop with a failure reason.
type FailCommand struct {
	Reason string `json:"reason"`
}

// Kind returns the step kind of the set variant.
func (c *Command) Kind() models.StepKind {
	switch {
	case c.Search != nil:
		return models.StepKindSearch
	case c.Tool != nil:
		return models.StepKindTool
	case c.Sandbox != nil:
		return models.StepKindSandbox
	case c.Inspect != nil:
		return models.StepKindInspect
	case c.Finish != nil:
		return models.StepKindFinish
	default:
		return models.StepKindFail
	}
}

// Raw returns the command as a generic map for step records.
func (c *Command) Raw() map[string]any {
	out := map[string]any{"reasoning": c.Reasoning}
	switch {
	case c.Search != nil:
		out["search"] = c.Search
	case c.Tool != nil:
		out["tool"] = c.Tool
	case c.Sandbox != nil:
		out["sandbox"] = c.Sandbox
	case c.Inspect != nil:
		out["inspect_tool_output"] = c.Inspect
	case c.Finish != nil:
		out["finish"] = c.Finish
	case c.Fail != nil:
		out["fail"] = c.Fail
	}
	return out
}

// rawCommand is the wire shape the LLM emits.
type rawCommand struct {
	Reasoning string           `json:"reasoning"`
	Search    *SearchCommand   `json:"search,omitempty"`
	Tool      *ToolCommand     `json:"tool,omitempty"`
	Sandbox   *SandboxCommand  `json:"sandbox,omitempty"`
	Inspect   *InspectCommand  `json:"inspect_tool_output,omitempty"`
	Finish    *FinishCommand   `json:"finish,omitempty"`
	Fail      *FailCommand     `json:"fail,omitempty"`
}

// ParseCommand decodes one LLM response into a command. The response
// must be a single JSON object with exactly one command variant and a
// non-empty reasoning.
func ParseCommand(text string) (*Command, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = stripCodeFence(trimmed)
	if trimmed == "" {
		return nil, fmt.Errorf("empty planner response")
	}

	var rc rawCommand
	decoder := json.NewDecoder(strings.NewReader(trimmed))
	if err := decoder.Decode(&rc); err != nil {
		return nil, fmt.Errorf("planner response is not valid JSON: %w", err)
	}

	variants := 0
	for _, set := range []bool{
		rc.Search != nil, rc.Tool != nil, rc.Sandbox != nil,
		rc.Inspect != nil, rc.Finish != nil, rc.Fail != nil,
	} {
		if set {
			variants++
		}
	}
	if variants != 1 {
		return nil, fmt.Errorf("planner command must set exactly one variant, got %d", variants)
	}
	if strings.TrimSpace(rc.Reasoning) == "" {
		return nil, fmt.Errorf("planner command is missing reasoning")
	}

	return &Command{
		Reasoning: rc.Reasoning,
		Search:    rc.Search,
		Tool:      rc.Tool,
		Sandbox:   rc.Sandbox,
		Inspect:   rc.Inspect,
		Finish:    rc.Finish,
		Fail:      rc.Fail,
	}, nil
}

// stripCodeFence tolerates models that wrap JSON in a markdown fence.
func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// validationError carries the error code a rejected command maps to.
type validationError struct {
	code string
	msg  string
}

func (e *validationError) Error() string { return e.msg }

// validateCommand checks a parsed command against the index and the
// run's accumulated search cache.
func (s *State) validateCommand(cmd *Command, index *toolindex.Index) *validationError {
	switch {
	case cmd.Search != nil:
		if strings.TrimSpace(cmd.Search.Query) == "" {
			return &validationError{CodeParseError, "search.query must be non-empty"}
		}
		if cmd.Search.Limit != 0 && (cmd.Search.Limit < 1 || cmd.Search.Limit > toolindex.MaxSearchLimit) {
			return &validationError{CodeParseError,
				fmt.Sprintf("search.limit must be in [1,%d]", toolindex.MaxSearchLimit)}
		}

	case cmd.Tool != nil:
		toolID := cmd.Tool.ToolID
		if _, _, ok := models.SplitToolID(toolID); !ok {
			return &validationError{CodeUnknownTool,
				fmt.Sprintf("tool_id %q is not in provider.tool form", toolID)}
		}
		if _, ok := index.GetTool(toolID); !ok {
			return &validationError{CodeUnknownTool,
				fmt.Sprintf("tool %q does not exist in the catalog", toolID)}
		}
		if s.SearchCount > 0 {
			if _, ok := s.SearchCache[toolID]; !ok {
				return &validationError{CodeUndiscoveredTool,
					fmt.Sprintf("tool %q was not discovered by any search in this run", toolID)}
			}
		}

	case cmd.Sandbox != nil:
		if strings.TrimSpace(cmd.Sandbox.Code) == "" {
			return &validationError{CodeSandboxMissingCode, "sandbox.code is empty"}
		}

	case cmd.Inspect != nil:
		if cmd.Inspect.ToolID == "" || cmd.Inspect.FieldPath == "" {
			return &validationError{CodeParseError,
				"inspect_tool_output requires tool_id and field_path"}
		}
		if !s.FoldMarkers[foldKey(cmd.Inspect.ToolID, cmd.Inspect.FieldPath)] {
			return &validationError{CodeParseError,
				fmt.Sprintf("field_path %q was never seen as a fold marker for %s",
					cmd.Inspect.FieldPath, cmd.Inspect.ToolID)}
		}

	case cmd.Finish != nil:
		if strings.TrimSpace(cmd.Finish.Summary) == "" {
			return &validationError{CodeParseError, "finish.summary must be non-empty"}
		}

	case cmd.Fail != nil:
		if strings.TrimSpace(cmd.Fail.Reason) == "" {
			return &validationError{CodeParseError, "fail.reason must be non-empty"}
		}
	}
	return nil
}

func foldKey(toolID, fieldPath string) string {
	return toolID + "\x00" + fieldPath
}
