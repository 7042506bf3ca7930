package planner

import (
	"encoding/json"
	"sort"

	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/toolindex"
)

// State is the planner's run-scoped container. Owned exclusively by one
// planner instance; the inner loop is strictly serial, so no locking.
type State struct {
	Task      string
	RunID     string
	UserID    string
	RequestID string

	// ProviderTree is the high-level inventory, always present.
	ProviderTree []models.ProviderTools

	// SearchCache accumulates every descriptor discovered by search,
	// keyed by toolID, highest score wins.
	SearchCache map[string]models.SearchResultEntry
	SearchCount int

	// FoldMarkers records every fold path surfaced to the LLM, keyed by
	// toolID+path. inspect_tool_output may only target these.
	FoldMarkers map[string]bool

	Steps      []models.AgentStep
	RawOutputs *models.RawOutputStore

	// Per-label count of recoverable sandbox syntax errors.
	sandboxSyntaxErrors map[string]int

	// Terminal markers.
	Finished     bool
	Failed       bool
	FinalSummary string
	FailCode     string
}

// NewState creates the planner state for one delegated sub-task.
func NewState(task, runID, userID, requestID string, tree []models.ProviderTools) *State {
	return &State{
		Task:                task,
		RunID:               runID,
		UserID:              userID,
		RequestID:           requestID,
		ProviderTree:        tree,
		SearchCache:         make(map[string]models.SearchResultEntry),
		FoldMarkers:         make(map[string]bool),
		RawOutputs:          models.NewRawOutputStore(),
		sandboxSyntaxErrors: make(map[string]int),
	}
}

// MergeSearchResults folds search hits into the cache, keeping the
// highest-seen score per tool, and records any fold markers their
// descriptors expose.
func (s *State) MergeSearchResults(entries []models.SearchResultEntry) {
	for _, entry := range entries {
		id := entry.Descriptor.ToolID
		if existing, ok := s.SearchCache[id]; !ok || entry.Score > existing.Score {
			s.SearchCache[id] = entry
		}
		for _, line := range entry.Descriptor.OutputFields {
			if path, ok := toolindex.IsFoldMarker(line); ok {
				s.FoldMarkers[foldKey(id, path)] = true
			}
		}
	}
}

// DiscoveredDescriptors returns the cached descriptors, used to build
// the sandbox toolbox.
func (s *State) DiscoveredDescriptors() []*models.ToolDescriptor {
	out := make([]*models.ToolDescriptor, 0, len(s.SearchCache))
	for _, entry := range s.SearchCache {
		out = append(out, entry.Descriptor)
	}
	return out
}

// DiscoveredFunctions maps provider → set of discovered tool names, for
// sandbox static-analysis checks.
func (s *State) DiscoveredFunctions() map[string]map[string]bool {
	out := make(map[string]map[string]bool)
	for _, entry := range s.SearchCache {
		d := entry.Descriptor
		if out[d.Provider] == nil {
			out[d.Provider] = make(map[string]bool)
		}
		out[d.Provider][d.Tool] = true
	}
	return out
}

// RecordStep appends a step. Step indices are assigned here, strictly
// increasing and contiguous from 0.
func (s *State) RecordStep(step models.AgentStep) models.AgentStep {
	step.Index = len(s.Steps)
	s.Steps = append(s.Steps, step)
	return step
}

// RecordSandboxSyntaxError bumps the per-label syntax error count and
// reports whether the label has exhausted its retries.
func (s *State) RecordSandboxSyntaxError(label string) (count int, exhausted bool) {
	s.sandboxSyntaxErrors[label]++
	count = s.sandboxSyntaxErrors[label]
	return count, count > maxSandboxSyntaxRetries
}

// trajectoryEntry is the lossy per-step summary fed back to the LLM.
type trajectoryEntry struct {
	Step      int    `json:"step"`
	Type      string `json:"type"`
	Reasoning string `json:"reasoning,omitempty"`
	Status    string `json:"status"`
	Summary   string `json:"summary,omitempty"`
	ToolID    string `json:"tool_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// stateDocument is the JSON document sent as the developer message.
type stateDocument struct {
	Task           string                 `json:"task"`
	UserID         string                 `json:"user_id,omitempty"`
	RunID          string                 `json:"run_id"`
	ProviderTree   []models.ProviderTools `json:"provider_tree"`
	AvailableTools []compactTool          `json:"available_tools"`
	Trajectory     []trajectoryEntry      `json:"trajectory"`
}

// compactTool is the descriptor projection shown to the LLM.
type compactTool struct {
	ToolID       string   `json:"tool_id"`
	Signature    string   `json:"signature"`
	Description  string   `json:"description,omitempty"`
	OutputFields []string `json:"output_fields,omitempty"`
}

// StateJSON renders the planner state document for the prompt.
func (s *State) StateJSON() ([]byte, error) {
	doc := stateDocument{
		Task:         s.Task,
		UserID:       s.UserID,
		RunID:        s.RunID,
		ProviderTree: s.ProviderTree,
	}

	for _, key := range sortedCacheKeys(s.SearchCache) {
		d := s.SearchCache[key].Descriptor
		doc.AvailableTools = append(doc.AvailableTools, compactTool{
			ToolID:       d.ToolID,
			Signature:    d.Signature,
			Description:  d.Description,
			OutputFields: d.OutputFields,
		})
	}

	for _, step := range s.Steps {
		entry := trajectoryEntry{
			Step:      step.Index,
			Type:      string(step.Kind),
			Reasoning: step.Reasoning,
			Status:    stepStatus(step),
			Summary:   step.Preview,
			Error:     step.Error,
		}
		if step.Kind == models.StepKindTool {
			entry.ToolID = step.ToolID
		}
		doc.Trajectory = append(doc.Trajectory, entry)
	}

	return json.Marshal(doc)
}

func stepStatus(step models.AgentStep) string {
	if step.Success {
		return "ok"
	}
	return "failed"
}

func sortedCacheKeys(cache map[string]models.SearchResultEntry) []string {
	keys := make([]string, 0, len(cache))
	for k := range cache {
		keys = append(keys, k)
	}
	// stable order keeps prompts reproducible
	sort.Strings(keys)
	return keys
}
