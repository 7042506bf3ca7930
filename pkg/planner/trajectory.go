package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tandem-run/tandem/pkg/models"
)

// TrajectoryMarkdown renders the planner run as a self-contained
// markdown document: every tool call with its arguments and raw
// response, every sandbox body with its output, every search with the
// tools it returned. An engineer reading only this document can
// reconstruct the full execution — no separate raw-output stream exists
// downstream.
func TrajectoryMarkdown(state *State) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# MCP Agent Trajectory\n\n**Task**: %s\n\n", state.Task)

	for _, step := range state.Steps {
		fmt.Fprintf(&sb, "## Step %d: %s\n\n", step.Index, step.Kind)
		if step.Reasoning != "" {
			fmt.Fprintf(&sb, "**Reasoning**: %s\n\n", step.Reasoning)
		}

		switch step.Kind {
		case models.StepKindSearch:
			writeSearchStep(&sb, state, step)
		case models.StepKindTool:
			writeToolStep(&sb, state, step)
		case models.StepKindSandbox:
			writeSandboxStep(&sb, state, step)
		case models.StepKindInspect:
			writeJSONBlock(&sb, "Inspection", step.Observation)
		case models.StepKindFinish:
			fmt.Fprintf(&sb, "**Summary**: %s\n\n", state.FinalSummary)
		case models.StepKindFail:
			fmt.Fprintf(&sb, "**Reason**: %s\n\n", step.Error)
		}

		if step.Error != "" && step.Kind != models.StepKindFail {
			fmt.Fprintf(&sb, "**Error**: %s\n\n", step.Error)
		}
	}

	status := "completed"
	if !state.Finished {
		status = "failed"
	}
	fmt.Fprintf(&sb, "**Status**: %s\n", status)
	if state.FinalSummary != "" {
		fmt.Fprintf(&sb, "**Completion Reason**: %s\n", state.FinalSummary)
	}
	return sb.String()
}

func writeSearchStep(sb *strings.Builder, _ *State, step models.AgentStep) {
	query := ""
	if cmd, ok := step.Command["search"].(*SearchCommand); ok {
		query = cmd.Query
	}
	fmt.Fprintf(sb, "**Search**: %q\n\n", query)

	if obs, ok := step.Observation.(map[string]any); ok {
		if found, ok := obs["found_tools"].([]map[string]any); ok {
			var ids []string
			for _, f := range found {
				if id, ok := f["tool_id"].(string); ok {
					ids = append(ids, id)
				}
			}
			fmt.Fprintf(sb, "**Tools found**: %s\n\n", strings.Join(ids, ", "))
		}
	}
}

func writeToolStep(sb *strings.Builder, state *State, step models.AgentStep) {
	fmt.Fprintf(sb, "**Tool**: `%s`\n\n", step.ToolID)
	writeJSONBlock(sb, "Arguments", step.Args)

	// The raw envelope, not the summarized observation — the markdown
	// must be able to reconstruct the executor's output set.
	if entries := state.RawOutputs.Get(models.ToolKey(step.Provider, step.ToolName)); len(entries) > 0 {
		writeJSONBlock(sb, "Response", entries[len(entries)-1])
	} else if step.Observation != nil {
		writeJSONBlock(sb, "Response", step.Observation)
	}
	if step.IsSmartSummary {
		writeJSONBlock(sb, "Summarized observation", step.Observation)
	}
}

func writeSandboxStep(sb *strings.Builder, state *State, step models.AgentStep) {
	code := ""
	if cmd, ok := step.Command["sandbox"].(*SandboxCommand); ok {
		code = cmd.Code
	}
	fmt.Fprintf(sb, "**Sandbox** (label: %s)\n\n```python\n%s\n```\n\n", step.ToolName, code)

	if entries := state.RawOutputs.Get(models.SandboxKey(step.ToolName)); len(entries) > 0 {
		writeJSONBlock(sb, "Output", entries[len(entries)-1])
	} else if step.Observation != nil {
		writeJSONBlock(sb, "Output", step.Observation)
	}
}

func writeJSONBlock(sb *strings.Builder, title string, value any) {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", value))
	}
	fmt.Fprintf(sb, "**%s**:\n\n```json\n%s\n```\n\n", title, raw)
}
