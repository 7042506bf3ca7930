// Package orchestrator implements the outer loop: one LLM decision per
// iteration, dispatched to a sub-agent, translated, and fed back into
// the next decision. The orchestrator never inspects raw sub-agent
// state — only canonical translated JSON.
package orchestrator

import (
	"context"
	"errors"

	"github.com/tandem-run/tandem/pkg/models"
)

// Sentinel errors.
var (
	ErrUnknownTarget = errors.New("unknown sub-agent target")
)

// Decision is the orchestrator LLM's per-iteration output.
type Decision struct {
	Type         string            `json:"type"` // next_step | task_complete | task_impossible
	Target       models.TargetType `json:"target,omitempty"`
	Task         string            `json:"task,omitempty"`
	Verification string            `json:"verification,omitempty"`
	Reasoning    string            `json:"reasoning"`
}

// Decision types.
const (
	DecisionNextStep       = "next_step"
	DecisionTaskComplete   = "task_complete"
	DecisionTaskImpossible = "task_impossible"
)

// RunInfo carries the run identity into sub-agent bridges.
type RunInfo struct {
	RunID     string
	UserID    string
	RequestID string
}

// SubAgent is the bridge contract. The trajectory markdown is
// self-contained; rawResult is logged and discarded by the orchestrator.
type SubAgent interface {
	Run(ctx context.Context, info RunInfo, req *models.OrchestratorRequest, step models.PlannedStep) (rawResult any, trajectoryMarkdown string, err error)
}

// ComputerUseAgent is the capability the computer-use bridge consumes.
// Grounding, OCR, and screenshot pipelines live behind it.
type ComputerUseAgent interface {
	RunTask(ctx context.Context, task string) (trajectoryMarkdown string, err error)
}
