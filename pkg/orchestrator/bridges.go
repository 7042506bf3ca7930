package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tandem-run/tandem/pkg/budget"
	"github.com/tandem-run/tandem/pkg/llm"
	"github.com/tandem-run/tandem/pkg/mcp"
	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/planner"
	"github.com/tandem-run/tandem/pkg/runlog"
	"github.com/tandem-run/tandem/pkg/sandbox"
	"github.com/tandem-run/tandem/pkg/signals"
	"github.com/tandem-run/tandem/pkg/summarizer"
	"github.com/tandem-run/tandem/pkg/toolindex"
)

// MCPBridge runs the inner planner for one delegated step.
type MCPBridge struct {
	llm        llm.Client
	index      *toolindex.Index
	dispatcher mcp.Dispatcher
	runner     *sandbox.Runner
	summarizer *summarizer.Summarizer
	signals    *signals.Bus

	// tracker resolves the run's budget tracker.
	tracker func(runID string) *budget.Tracker
}

// NewMCPBridge wires the MCP sub-agent bridge.
func NewMCPBridge(
	client llm.Client,
	index *toolindex.Index,
	dispatcher mcp.Dispatcher,
	runner *sandbox.Runner,
	sum *summarizer.Summarizer,
	sigBus *signals.Bus,
	tracker func(runID string) *budget.Tracker,
) *MCPBridge {
	return &MCPBridge{
		llm:        client,
		index:      index,
		dispatcher: dispatcher,
		runner:     runner,
		summarizer: sum,
		signals:    sigBus,
		tracker:    tracker,
	}
}

// Run executes the planner loop for the delegated sub-task. Any bridge
// exception other than cancellation degrades to a stub result with an
// empty trajectory — logged, never fatal to the outer loop.
func (b *MCPBridge) Run(ctx context.Context, info RunInfo, req *models.OrchestratorRequest, step models.PlannedStep) (any, string, error) {
	// The planner gets its own log stream under the orchestrator's.
	if logger := runlog.FromContext(ctx); logger != nil {
		ctx = runlog.WithLogger(ctx, logger.Child("planner"))
	}

	tree, err := b.index.GetInventory(ctx, info.UserID, req.ToolConstraints)
	if err != nil {
		return b.degrade(info, fmt.Errorf("failed to load inventory: %w", err))
	}

	state := planner.NewState(step.NextTask, info.RunID, info.UserID, info.RequestID, tree)

	// The sandbox bridge only exists when the run allows code execution.
	var sandboxBridge *sandbox.Bridge
	if req.Metadata.AllowCodeExecution {
		sandboxBridge, err = sandbox.NewBridge(b.dispatcher)
		if err != nil {
			return b.degrade(info, fmt.Errorf("failed to start sandbox bridge: %w", err))
		}
		defer func() { _ = sandboxBridge.Close() }()
	}

	executor := planner.NewActionExecutor(
		b.index, b.dispatcher, b.runner, sandboxBridge, b.summarizer, req.Task)

	pl := planner.New(b.llm, b.index, executor, b.signals, b.tracker(info.RunID), step.MaxSteps)

	outcome, err := pl.Run(ctx, state)
	if err != nil {
		if errors.Is(err, signals.ErrRunCancelled) || errors.Is(err, llm.ErrRequestCancelled) ||
			errors.Is(err, context.Canceled) {
			return nil, "", err
		}
		return b.degrade(info, err)
	}

	return outcome, planner.TrajectoryMarkdown(state), nil
}

// degrade implements the bridge's exception contract: a stub result with
// success=true and an empty trajectory. The error is logged only.
func (b *MCPBridge) degrade(info RunInfo, err error) (any, string, error) {
	slog.Error("MCP bridge exception, returning stub result",
		"run_id", info.RunID, "error", err)
	return map[string]any{"success": true, "stub": true, "error": err.Error()}, "", nil
}

// ComputerUseBridge adapts the external computer-use capability to the
// sub-agent contract.
type ComputerUseBridge struct {
	agent   ComputerUseAgent
	tracker func(runID string) *budget.Tracker
}

// NewComputerUseBridge wires the computer-use bridge.
func NewComputerUseBridge(agent ComputerUseAgent, tracker func(runID string) *budget.Tracker) *ComputerUseBridge {
	return &ComputerUseBridge{agent: agent, tracker: tracker}
}

// Run delegates the task to the computer-use agent. One delegation
// counts as one run step (the GUI agent's internal actions are opaque).
func (b *ComputerUseBridge) Run(ctx context.Context, info RunInfo, _ *models.OrchestratorRequest, step models.PlannedStep) (any, string, error) {
	if b.agent == nil {
		return nil, "", fmt.Errorf("computer-use agent is not configured")
	}
	if tracker := b.tracker(info.RunID); tracker != nil {
		tracker.RecordStep()
	}
	trajectory, err := b.agent.RunTask(ctx, step.NextTask)
	if err != nil {
		return nil, "", fmt.Errorf("computer-use agent failed: %w", err)
	}
	return map[string]any{"target": "computer_use"}, trajectory, nil
}

// StubComputerUse is a scripted ComputerUseAgent for tests and
// deployments without a desktop worker.
type StubComputerUse struct {
	Trajectories []string
	calls        int
}

// RunTask implements ComputerUseAgent.
func (s *StubComputerUse) RunTask(_ context.Context, task string) (string, error) {
	if s.calls >= len(s.Trajectories) {
		return "", fmt.Errorf("no scripted computer-use trajectory for task %q", task)
	}
	t := s.Trajectories[s.calls]
	s.calls++
	return t, nil
}
