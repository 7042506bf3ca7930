// Package summarizer implements the task-aware observation compressor:
// large tool and sandbox payloads are reduced to a bounded token budget
// by an LLM call before they enter the planner's context.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/events"
	"github.com/tandem-run/tandem/pkg/llm"
	"github.com/tandem-run/tandem/pkg/prompt"
)

// Source discriminates the observation origin; each source has its own
// size threshold.
type Source string

const (
	SourceTool    Source = "tool"
	SourceSandbox Source = "sandbox"
)

// Headroom factors for the summarizer output budget: target 60% of the
// original, with 20% headroom so generation isn't truncated mid-object.
const (
	summaryTargetRatio = 0.60
	summaryHeadroom    = 1.2
)

// Input carries everything the compressor needs for one observation.
type Input struct {
	RunID string
	// Task is the planner's current sub-task.
	Task string
	// OrchestratorTask and OrchestratorTrajectory give the higher-level
	// context when present.
	OrchestratorTask       string
	OrchestratorTrajectory string
	// ActionIdentity names the action, e.g. "gmail.gmail_search" or
	// "sandbox.fetch_emails".
	ActionIdentity string
	// ActionInput is the payload the action was invoked with.
	ActionInput any
	// Reasoning is the planner's reasoning for this step.
	Reasoning string
	// Raw is the uncompressed result payload.
	Raw    any
	Source Source
}

// Outcome is the compressor's result.
type Outcome struct {
	// Payload is the (possibly compressed) observation.
	Payload any
	// Summarized reports whether the LLM pass ran.
	Summarized       bool
	OriginalTokens   int
	CompressedTokens int
}

// Summarizer compresses oversized observations. No fallback: when the
// LLM call or JSON parse fails, the error propagates and the caller
// records the step as failed.
type Summarizer struct {
	llm llm.Client
}

// New creates a summarizer over the LLM facade.
func New(client llm.Client) *Summarizer {
	return &Summarizer{llm: client}
}

// threshold returns the per-source token threshold.
func threshold(source Source) int {
	if source == SourceSandbox {
		return config.DefaultSandboxSummarizeThreshold
	}
	return config.DefaultToolSummarizeThreshold
}

// Process returns the payload unchanged when it is under the source
// threshold, otherwise runs the extraction LLM call.
func (s *Summarizer) Process(ctx context.Context, in *Input) (*Outcome, error) {
	rawJSON, err := json.Marshal(in.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize observation for summarization: %w", err)
	}

	originalTokens := EstimateTokens(string(rawJSON))
	em := events.EmitterFrom(ctx)
	em.Emit(tokenEventName(in.Source), map[string]any{
		"action":          in.ActionIdentity,
		"original_tokens": originalTokens,
		"threshold":       threshold(in.Source),
	})

	if originalTokens < threshold(in.Source) {
		return &Outcome{Payload: in.Raw, OriginalTokens: originalTokens, CompressedTokens: originalTokens}, nil
	}

	maxOutputTokens := int(summaryHeadroom * summaryTargetRatio * float64(originalTokens))

	inputJSON, err := json.Marshal(in.ActionInput)
	if err != nil {
		inputJSON = []byte("null")
	}

	resp, err := s.llm.Generate(ctx, &llm.Request{
		RunID: in.RunID,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompt.SummarizerSystemPrompt()},
			{Role: llm.RoleUser, Content: prompt.SummarizerUserPrompt(prompt.SummarizerContext{
				Task:                   in.Task,
				OrchestratorTask:       in.OrchestratorTask,
				OrchestratorTrajectory: in.OrchestratorTrajectory,
				ActionIdentity:         in.ActionIdentity,
				ActionInput:            string(inputJSON),
				Reasoning:              in.Reasoning,
				RawResult:              truncateForInput(string(rawJSON)),
			})},
		},
		Options: llm.Options{
			JSONMode:        true,
			MaxOutputTokens: maxOutputTokens,
			ReasoningEffort: config.ReasoningEffortLow,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("observation summarization LLM call failed: %w", err)
	}

	var compressed any
	if err := json.Unmarshal([]byte(resp.Text), &compressed); err != nil {
		return nil, fmt.Errorf("observation summarization returned invalid JSON: %w", err)
	}

	compressedTokens := EstimateTokens(resp.Text)
	em.Emit(events.EventObservationProcessorCompleted, map[string]any{
		"action":            in.ActionIdentity,
		"original_tokens":   originalTokens,
		"compressed_tokens": compressedTokens,
	})

	return &Outcome{
		Payload:          compressed,
		Summarized:       true,
		OriginalTokens:   originalTokens,
		CompressedTokens: compressedTokens,
	}, nil
}

func tokenEventName(source Source) string {
	if source == SourceSandbox {
		return events.EventObservationSandboxTokens
	}
	return events.EventObservationToolTokens
}
