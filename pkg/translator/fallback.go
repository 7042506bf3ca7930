package translator

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tandem-run/tandem/pkg/models"
)

// Markdown structure markers recognized by the deterministic parser.
var (
	stepHeaderPattern = regexp.MustCompile(`(?m)^#{2,3} Step (\d+):?\s*(.*)$`)
	statusPattern     = regexp.MustCompile(`(?m)^\*\*Status\*\*:?\s*(.+)$`)
	reasonPattern     = regexp.MustCompile(`(?m)^\*\*Completion Reason\*\*:?\s*(.+)$`)
	errorPattern      = regexp.MustCompile(`(?m)^\*\*Error\*\*:?\s*(.+)$`)
	toolPattern       = regexp.MustCompile("(?m)^\\*\\*Tool\\*\\*:?\\s*`([^`]+)`")
	searchPattern     = regexp.MustCompile(`(?m)^\*\*Search\*\*:?\s*"([^"]*)"`)
	toolsFoundPattern = regexp.MustCompile(`(?m)^\*\*Tools found\*\*:?\s*(.+)$`)
	codeFencePattern  = regexp.MustCompile("(?s)```python\n(.*?)```")
	jsonBlockPattern  = regexp.MustCompile("(?s)\\*\\*(Arguments|Response|Output)\\*\\*:\n\n```json\n(.*?)```")
)

// Fallback deterministically parses a trajectory markdown into the
// canonical result. Same input always yields byte-identical output.
func Fallback(task, trajectoryMarkdown string) *models.TranslatedResult {
	result := &models.TranslatedResult{
		Task:            task,
		FailedStepIndex: -1,
		StepsSummary:    []models.StepSummary{},
		Artifacts: models.TranslatedArtifacts{
			ToolCalls:      []models.TranslatedToolCall{},
			UIObservations: []models.TranslatedUIObservation{},
			CodeExecutions: []models.TranslatedCodeExecution{},
			SearchResults:  []models.TranslatedSearch{},
		},
	}

	// Terminal status and completion reason.
	status := ""
	if m := statusPattern.FindStringSubmatch(trajectoryMarkdown); m != nil {
		status = strings.ToLower(strings.TrimSpace(m[1]))
	}
	result.OverallSuccess = status == "completed" || status == "success" || status == "succeeded"
	if m := reasonPattern.FindStringSubmatch(trajectoryMarkdown); m != nil {
		result.Summary = strings.TrimSpace(m[1])
	}

	// Split into per-step sections.
	headers := stepHeaderPattern.FindAllStringSubmatchIndex(trajectoryMarkdown, -1)
	result.TotalSteps = len(headers)

	for i, header := range headers {
		sectionStart := header[1]
		sectionEnd := len(trajectoryMarkdown)
		if i+1 < len(headers) {
			sectionEnd = headers[i+1][0]
		}
		section := trajectoryMarkdown[sectionStart:sectionEnd]

		index, _ := strconv.Atoi(trajectoryMarkdown[header[2]:header[3]])
		kind := strings.TrimSpace(trajectoryMarkdown[header[4]:header[5]])

		stepErr := ""
		if m := errorPattern.FindStringSubmatch(section); m != nil {
			stepErr = strings.TrimSpace(m[1])
		}
		success := stepErr == ""

		result.StepsSummary = append(result.StepsSummary, models.StepSummary{
			Index:   index,
			Kind:    kind,
			Summary: summarizeSection(kind, section),
			Success: success,
		})

		if !success {
			result.LastStepFailed = true
			result.FailedStepIndex = index
			if result.Error == "" {
				result.Error = stepErr
			}
		} else if i == len(headers)-1 {
			result.LastStepFailed = false
		}

		parseArtifacts(result, kind, section, success)
	}

	if result.Summary == "" {
		if result.OverallSuccess {
			result.Summary = "Trajectory completed."
		} else {
			result.Summary = "Trajectory failed."
			if result.Error != "" {
				result.Summary = "Trajectory failed: " + result.Error
			}
		}
	}
	return result
}

// parseArtifacts extracts tool calls, searches, code executions, and UI
// observations from one step section.
func parseArtifacts(result *models.TranslatedResult, kind, section string, success bool) {
	jsonBlocks := map[string]any{}
	for _, m := range jsonBlockPattern.FindAllStringSubmatch(section, -1) {
		var value any
		if err := json.Unmarshal([]byte(m[2]), &value); err == nil {
			jsonBlocks[m[1]] = value
		}
	}

	switch {
	case toolPattern.MatchString(section):
		m := toolPattern.FindStringSubmatch(section)
		call := models.TranslatedToolCall{ToolID: m[1], Success: success}
		if provider, _, ok := models.SplitToolID(m[1]); ok {
			call.Provider = provider
		}
		call.Args = jsonBlocks["Arguments"]
		call.Response = jsonBlocks["Response"]
		result.Artifacts.ToolCalls = append(result.Artifacts.ToolCalls, call)

	case searchPattern.MatchString(section):
		m := searchPattern.FindStringSubmatch(section)
		search := models.TranslatedSearch{Query: m[1]}
		if tm := toolsFoundPattern.FindStringSubmatch(section); tm != nil {
			for _, id := range strings.Split(tm[1], ",") {
				if id = strings.TrimSpace(id); id != "" {
					search.Tools = append(search.Tools, id)
				}
			}
		}
		result.Artifacts.SearchResults = append(result.Artifacts.SearchResults, search)

	case codeFencePattern.MatchString(section):
		m := codeFencePattern.FindStringSubmatch(section)
		exec := models.TranslatedCodeExecution{
			Code:    strings.TrimRight(m[1], "\n"),
			Success: success,
			Output:  jsonBlocks["Output"],
		}
		if lm := regexp.MustCompile(`\(label: ([^)]+)\)`).FindStringSubmatch(section); lm != nil {
			exec.Label = lm[1]
		}
		result.Artifacts.CodeExecutions = append(result.Artifacts.CodeExecutions, exec)

	case strings.Contains(strings.ToLower(kind), "click") ||
		strings.Contains(strings.ToLower(kind), "type") ||
		strings.Contains(strings.ToLower(kind), "open") ||
		strings.Contains(strings.ToLower(kind), "screenshot"):
		result.Artifacts.UIObservations = append(result.Artifacts.UIObservations,
			models.TranslatedUIObservation{
				Action:      kind,
				Observation: firstLine(section),
			})
	}
}

// summarizeSection produces the one-line step summary.
func summarizeSection(kind, section string) string {
	if m := toolPattern.FindStringSubmatch(section); m != nil {
		return "tool call " + m[1]
	}
	if m := searchPattern.FindStringSubmatch(section); m != nil {
		return "search " + strconv.Quote(m[1])
	}
	if codeFencePattern.MatchString(section) {
		return "code execution"
	}
	line := firstLine(section)
	if line == "" {
		return kind
	}
	return line
}

func firstLine(section string) string {
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return models.MakePreview(line)
		}
	}
	return ""
}
