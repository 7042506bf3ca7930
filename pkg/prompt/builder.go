package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tandem-run/tandem/pkg/models"
)

// maxWindowsListed bounds the desktop window list in the capability
// section.
const maxWindowsListed = 10

// DesktopInfo describes the computer-use environment for the capability
// section.
type DesktopInfo struct {
	Platform      string
	AvailableApps []string
	ActiveWindows []string
}

// Capabilities is everything the orchestrator prompt says about what the
// run can do.
type Capabilities struct {
	// ProviderToolCounts maps authorized MCP provider → tool count.
	// Counts only — tool specs are discovered by the planner.
	ProviderToolCounts map[string]int
	Desktop            *DesktopInfo
	AllowCodeExecution bool
}

// OrchestratorSystemPrompt composes the freshly-built decision prompt:
// foundation, capabilities, previous results with full translated JSON,
// and the failure reminder when the prior step failed.
func OrchestratorSystemPrompt(caps Capabilities, results []models.StepResult, lastFailed bool) string {
	var sb strings.Builder
	sb.WriteString(orchestratorFoundation)
	sb.WriteString("\n\n")
	sb.WriteString(capabilitySection(caps))

	if len(results) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(contextSection(results))
	}

	if lastFailed {
		sb.WriteString("\n\n")
		sb.WriteString(orchestratorFailureReminder)
	}
	return sb.String()
}

// capabilitySection lists authorized providers (tool counts only) and
// the desktop environment.
func capabilitySection(caps Capabilities) string {
	var sb strings.Builder
	sb.WriteString("CAPABILITIES:\n")

	if len(caps.ProviderToolCounts) == 0 {
		sb.WriteString("- MCP providers: none authorized\n")
	} else {
		sb.WriteString("- MCP providers:\n")
		for _, provider := range sortedProviderKeys(caps.ProviderToolCounts) {
			fmt.Fprintf(&sb, "  - %s (%d tools)\n", provider, caps.ProviderToolCounts[provider])
		}
	}

	if caps.AllowCodeExecution {
		sb.WriteString("- Sandboxed code execution: enabled\n")
	} else {
		sb.WriteString("- Sandboxed code execution: disabled\n")
	}

	if caps.Desktop == nil {
		sb.WriteString("- Desktop environment: not available\n")
	} else {
		fmt.Fprintf(&sb, "- Desktop environment: %s\n", caps.Desktop.Platform)
		if len(caps.Desktop.AvailableApps) > 0 {
			fmt.Fprintf(&sb, "  - Apps: %s\n", strings.Join(caps.Desktop.AvailableApps, ", "))
		}
		windows := caps.Desktop.ActiveWindows
		if len(windows) > maxWindowsListed {
			windows = windows[:maxWindowsListed]
		}
		if len(windows) > 0 {
			fmt.Fprintf(&sb, "  - Active windows: %s\n", strings.Join(windows, ", "))
		}
	}
	return sb.String()
}

// contextSection renders previous step results with their full
// translated JSON, one block per step.
func contextSection(results []models.StepResult) string {
	var sb strings.Builder
	sb.WriteString("PREVIOUS STEPS:\n")
	for i, result := range results {
		fmt.Fprintf(&sb, "\n--- Step %d (%s, %s) ---\n", i+1, result.Target, result.Status)
		if result.Translated != nil {
			raw, err := json.MarshalIndent(result.Translated, "", "  ")
			if err == nil {
				sb.Write(raw)
				sb.WriteByte('\n')
			}
		}
		if result.Error != "" {
			fmt.Fprintf(&sb, "Error: %s\n", result.Error)
		}
	}
	return sb.String()
}

func sortedProviderKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PlannerSystemPrompt returns the inner planner's command protocol.
func PlannerSystemPrompt() string {
	return plannerSystem
}

// PlannerStateMessage renders the developer message carrying the state
// JSON.
func PlannerStateMessage(stateJSON []byte) string {
	return plannerStateHeader + string(stateJSON)
}

// PlannerUserMessage renders the user message with the task and extra
// context.
func PlannerUserMessage(task string, extraContext map[string]any) (string, error) {
	payload := map[string]any{"task": task}
	if len(extraContext) > 0 {
		payload["extra_context"] = extraContext
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal planner user message: %w", err)
	}
	return string(raw), nil
}

// SummarizerContext feeds the summarizer user prompt.
type SummarizerContext struct {
	Task                   string
	OrchestratorTask       string
	OrchestratorTrajectory string
	ActionIdentity         string
	ActionInput            string
	Reasoning              string
	RawResult              string
}

// SummarizerSystemPrompt returns the fixed extraction prompt.
func SummarizerSystemPrompt() string {
	return summarizerSystem
}

// SummarizerUserPrompt bundles the task context and the raw result.
func SummarizerUserPrompt(c SummarizerContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CURRENT TASK:\n%s\n\n", c.Task)
	if c.OrchestratorTask != "" {
		fmt.Fprintf(&sb, "HIGHER-LEVEL TASK:\n%s\n\n", c.OrchestratorTask)
	}
	if c.OrchestratorTrajectory != "" {
		fmt.Fprintf(&sb, "HIGHER-LEVEL TRAJECTORY:\n%s\n\n", c.OrchestratorTrajectory)
	}
	fmt.Fprintf(&sb, "ACTION: %s\n", c.ActionIdentity)
	fmt.Fprintf(&sb, "ACTION INPUT:\n%s\n\n", c.ActionInput)
	if c.Reasoning != "" {
		fmt.Fprintf(&sb, "PLANNER REASONING:\n%s\n\n", c.Reasoning)
	}
	fmt.Fprintf(&sb, "RAW RESULT JSON:\n%s\n", c.RawResult)
	return sb.String()
}

// TranslatorSystemPrompt returns the trajectory translation prompt.
func TranslatorSystemPrompt() string {
	return translatorSystem
}

// TranslatorUserPrompt wraps the trajectory and its task.
func TranslatorUserPrompt(task, trajectoryMarkdown string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "TASK:\n%s\n\nTRAJECTORY MARKDOWN:\n%s\n", task, trajectoryMarkdown)
	return sb.String()
}
