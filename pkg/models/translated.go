package models

// StepSummary is one entry of the translated steps_summary list.
type StepSummary struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Summary string `json:"summary"`
	Success bool   `json:"success"`
}

// TranslatedToolCall is one reconstructed tool invocation.
type TranslatedToolCall struct {
	ToolID   string `json:"tool_id"`
	Provider string `json:"provider,omitempty"`
	Args     any    `json:"args,omitempty"`
	Response any    `json:"response,omitempty"`
	Success  bool   `json:"success"`
}

// TranslatedCodeExecution is one reconstructed sandbox run.
type TranslatedCodeExecution struct {
	Label   string `json:"label,omitempty"`
	Code    string `json:"code"`
	Output  any    `json:"output,omitempty"`
	Success bool   `json:"success"`
}

// TranslatedSearch is one reconstructed catalog search.
type TranslatedSearch struct {
	Query string   `json:"query"`
	Tools []string `json:"tools,omitempty"`
}

// TranslatedUIObservation is one reconstructed GUI observation from a
// computer-use trajectory.
type TranslatedUIObservation struct {
	Action      string `json:"action,omitempty"`
	Observation string `json:"observation"`
}

// TranslatedArtifacts groups the structured artifacts recovered from a
// trajectory.
type TranslatedArtifacts struct {
	ToolCalls      []TranslatedToolCall      `json:"tool_calls"`
	UIObservations []TranslatedUIObservation `json:"ui_observations"`
	CodeExecutions []TranslatedCodeExecution `json:"code_executions"`
	SearchResults  []TranslatedSearch        `json:"search_results"`
}

// TranslatedResult is the canonical JSON form of a sub-agent trajectory.
// This is the only sub-agent output the Orchestrator ever inspects.
type TranslatedResult struct {
	Task            string              `json:"task"`
	OverallSuccess  bool                `json:"overall_success"`
	Summary         string              `json:"summary"`
	Error           string              `json:"error,omitempty"`
	ErrorCode       string              `json:"error_code,omitempty"`
	LastStepFailed  bool                `json:"last_step_failed"`
	FailedStepIndex int                 `json:"failed_step_index"`
	TotalSteps      int                 `json:"total_steps"`
	StepsSummary    []StepSummary       `json:"steps_summary"`
	Data            any                 `json:"data,omitempty"`
	Artifacts       TranslatedArtifacts `json:"artifacts"`
}
