package models

import "time"

// TargetType identifies which sub-agent an outer step is delegated to.
type TargetType string

const (
	TargetMCP         TargetType = "mcp"
	TargetComputerUse TargetType = "computer_use"
)

// IsValid checks the target type (empty string is NOT valid).
func (t TargetType) IsValid() bool {
	return t == TargetMCP || t == TargetComputerUse
}

// StepStatus is the lifecycle status of one delegated outer step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCancelled StepStatus = "cancelled"
)

// CompletionStatus is the terminal outcome of a run.
type CompletionStatus string

const (
	CompletionTaskComplete   CompletionStatus = "task_complete"
	CompletionTaskImpossible CompletionStatus = "task_impossible"
	CompletionBudgetExceeded CompletionStatus = "budget_exceeded"
	CompletionCancelled      CompletionStatus = "cancelled"
)

// PlannedStep is one atomic delegation decided by the Orchestrator.
// MaxSteps never exceeds the remaining run budget.
type PlannedStep struct {
	StepID       string     `json:"step_id"`
	Target       TargetType `json:"target"`
	NextTask     string     `json:"next_task"`
	Verification string     `json:"verification,omitempty"`
	MaxSteps     int        `json:"max_steps"`
	Hints        []string   `json:"hints,omitempty"`
}

// UsageDelta is the token/cost consumption attributed to one outer step.
type UsageDelta struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// StepResult is the outcome of one delegated outer step. Success mirrors
// status==completed unless a bridge explicitly overrides it.
type StepResult struct {
	StepID     string            `json:"step_id"`
	Target     TargetType        `json:"target"`
	Status     StepStatus        `json:"status"`
	Success    bool              `json:"success"`
	Translated *TranslatedResult `json:"translated,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Usage      UsageDelta        `json:"usage"`
}

// RunState is the output of one run: the accumulated plan and results plus
// terminal bookkeeping. Owned exclusively by the Runtime.
type RunState struct {
	RunID        string         `json:"run_id"`
	Task         string         `json:"task"`
	Plan         []PlannedStep  `json:"plan"`
	Results      []StepResult   `json:"results"`
	Intermediate map[string]any `json:"intermediate"`
	CostBaseline float64        `json:"cost_baseline"`

	Completion   CompletionStatus `json:"completion_status"`
	Success      bool             `json:"success"`
	FinalSummary string           `json:"final_summary,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorDetails map[string]any   `json:"error_details,omitempty"`
}

// Terminal reports whether the run has reached a terminal completion status.
func (s *RunState) Terminal() bool {
	return s.Completion != ""
}
