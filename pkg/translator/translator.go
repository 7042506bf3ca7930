// Package translator converts sub-agent markdown trajectories into the
// canonical JSON result. The primary path is an LLM call; a
// deterministic markdown parser serves as fallback, so translation is
// never fatal.
package translator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/tandem-run/tandem/pkg/llm"
	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/prompt"
	"github.com/tandem-run/tandem/pkg/runlog"
)

// Translator turns one trajectory into canonical JSON.
type Translator struct {
	llm llm.Client

	// DisableLLM forces the deterministic fallback. Used in tests and
	// degraded deployments; fallback output is byte-deterministic.
	DisableLLM bool
}

// New creates a translator over the LLM facade.
func New(client llm.Client) *Translator {
	return &Translator{llm: client}
}

// Translate converts the trajectory. LLM failures degrade to the
// deterministic parser; only the parser's nil-safety guards remain.
func (t *Translator) Translate(ctx context.Context, runID, task, trajectoryMarkdown string) *models.TranslatedResult {
	logger := runlog.FromContext(ctx)

	if !t.DisableLLM && t.llm != nil {
		result, err := t.translateLLM(ctx, runID, task, trajectoryMarkdown)
		if err == nil {
			logger.Event("translator.completed", map[string]any{"path": "llm"})
			return result
		}
		slog.Warn("Translator LLM path failed, using deterministic fallback",
			"run_id", runID, "error", err)
		logger.Event("translator.fallback", map[string]any{"error": err.Error()})
	}

	result := Fallback(task, trajectoryMarkdown)
	logger.Event("translator.completed", map[string]any{"path": "fallback"})
	return result
}

// translateLLM runs the JSON-mode translation call.
func (t *Translator) translateLLM(ctx context.Context, runID, task, trajectoryMarkdown string) (*models.TranslatedResult, error) {
	resp, err := t.llm.Generate(ctx, &llm.Request{
		RunID: runID,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompt.TranslatorSystemPrompt()},
			{Role: llm.RoleUser, Content: prompt.TranslatorUserPrompt(task, trajectoryMarkdown)},
		},
		Options: llm.Options{JSONMode: true},
	})
	if err != nil {
		return nil, err
	}

	var result models.TranslatedResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &result); err != nil {
		return nil, err
	}

	// Required-field guards: the deterministic parser always fills
	// these, the LLM occasionally drops them.
	if result.Task == "" {
		result.Task = task
	}
	normalizeArtifacts(&result)
	return &result, nil
}

// normalizeArtifacts replaces nil artifact slices so the canonical JSON
// always carries the four arrays.
func normalizeArtifacts(result *models.TranslatedResult) {
	if result.StepsSummary == nil {
		result.StepsSummary = []models.StepSummary{}
	}
	if result.Artifacts.ToolCalls == nil {
		result.Artifacts.ToolCalls = []models.TranslatedToolCall{}
	}
	if result.Artifacts.UIObservations == nil {
		result.Artifacts.UIObservations = []models.TranslatedUIObservation{}
	}
	if result.Artifacts.CodeExecutions == nil {
		result.Artifacts.CodeExecutions = []models.TranslatedCodeExecution{}
	}
	if result.Artifacts.SearchResults == nil {
		result.Artifacts.SearchResults = []models.TranslatedSearch{}
	}
}
