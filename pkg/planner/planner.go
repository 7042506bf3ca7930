package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tandem-run/tandem/pkg/budget"
	"github.com/tandem-run/tandem/pkg/events"
	"github.com/tandem-run/tandem/pkg/llm"
	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/prompt"
	"github.com/tandem-run/tandem/pkg/runlog"
	"github.com/tandem-run/tandem/pkg/signals"
	"github.com/tandem-run/tandem/pkg/toolindex"
)

// Executor dispatches one validated command. Implemented by
// ActionExecutor; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, state *State, cmd *Command) models.AgentStep
}

// Planner drives the inner MCP loop for one delegated sub-task.
type Planner struct {
	llm      llm.Client
	index    *toolindex.Index
	executor Executor
	signals  *signals.Bus
	budget   *budget.Tracker

	// maxSteps is the per-delegation step cap from the planned step.
	maxSteps int
}

// Outcome is the planner's terminal result.
type Outcome struct {
	State        *State
	Success      bool
	FinalSummary string
	ErrorCode    string
	ErrorDetails map[string]any
	Budget       budget.Snapshot
}

// New creates a planner for one delegation.
func New(
	client llm.Client,
	index *toolindex.Index,
	executor Executor,
	sigBus *signals.Bus,
	tracker *budget.Tracker,
	maxSteps int,
) *Planner {
	return &Planner{
		llm:      client,
		index:    index,
		executor: executor,
		signals:  sigBus,
		budget:   tracker,
		maxSteps: maxSteps,
	}
}

// Run executes the loop until a terminal command, budget exhaustion, or
// cancellation. Agent-level failures come back in the Outcome; a Go
// error means cancellation or an infrastructure failure with no
// meaningful outcome.
func (p *Planner) Run(ctx context.Context, state *State) (*Outcome, error) {
	em := events.EmitterFrom(ctx)
	logger := runlog.FromContext(ctx)

	em.Emit(events.EventPlannerStarted, map[string]any{"task": state.Task})
	logger.Event("planner.started", map[string]any{"task": state.Task})

	innerSteps := 0
	for {
		// 1. Cooperative yield point.
		if err := p.signals.RaiseIfExitRequested(state.RunID); err != nil {
			return nil, err
		}
		if err := p.signals.WaitForResume(ctx, state.RunID); err != nil {
			return nil, err
		}

		// 2. Budget check — run caps first, then the delegation cap.
		snapshot := p.budget.Snapshot()
		if rule := snapshot.FirstExhausted(); rule != "" {
			return p.budgetExhausted(ctx, state, snapshot, rule), nil
		}
		if innerSteps >= p.maxSteps {
			return p.budgetExhausted(ctx, state, snapshot, budget.RuleMaxSteps), nil
		}

		// 3. Count the step before acting so a crash can't undercount.
		p.budget.RecordStep()
		innerSteps++

		// 4–5. Ask the LLM for one command.
		cmd, parseErr := p.nextCommand(ctx, state)
		if parseErr != nil {
			if errors.Is(parseErr, signals.ErrRunCancelled) ||
				errors.Is(parseErr, llm.ErrRequestCancelled) ||
				errors.Is(parseErr, context.Canceled) {
				return nil, parseErr
			}
			return p.protocolFailure(ctx, state, parseErr), nil
		}

		em.Emit(events.EventActionPlanned, map[string]any{
			"kind":      string(cmd.Kind()),
			"reasoning": cmd.Reasoning,
		})

		// 6. Validate.
		if verr := state.validateCommand(cmd, p.index); verr != nil {
			step := state.RecordStep(models.AgentStep{
				Kind:      cmd.Kind(),
				Reasoning: cmd.Reasoning,
				Command:   cmd.Raw(),
				Error:     verr.msg,
				ErrorCode: verr.code,
				Preview:   models.MakePreview(verr.msg),
			})
			logger.Event("planner.step", map[string]any{
				"index": step.Index, "kind": string(step.Kind), "error": verr.msg,
			})
			continue
		}

		// Track budget counters per command kind.
		switch cmd.Kind() {
		case models.StepKindTool:
			p.budget.RecordToolCall()
		case models.StepKindSandbox:
			p.budget.RecordCodeRun()
		}

		// 7. Dispatch.
		step := state.RecordStep(p.executor.Execute(ctx, state, cmd))

		em.Emit(events.EventActionCompleted, map[string]any{
			"index":   step.Index,
			"kind":    string(step.Kind),
			"success": step.Success,
			"preview": step.Preview,
		})
		logger.Event("planner.step", map[string]any{
			"index": step.Index, "kind": string(step.Kind),
			"success": step.Success, "preview": step.Preview, "error": step.Error,
		})

		// 8. Terminal handling and recoverable-error back-pressure.
		if state.Finished || state.Failed {
			return p.terminalOutcome(ctx, state), nil
		}
		if step.ErrorCode == CodeSandboxSyntaxError {
			if count, exhausted := state.RecordSandboxSyntaxError(step.ToolName); exhausted {
				slog.Warn("Sandbox syntax errors exhausted retries",
					"run_id", state.RunID, "label", step.ToolName, "count", count)
				return p.escalatedFailure(ctx, state, step), nil
			}
		}
	}
}

// nextCommand performs the three-message LLM exchange. Empty responses
// retry once; two parse failures surface as a protocol error.
func (p *Planner) nextCommand(ctx context.Context, state *State) (*Command, error) {
	stateJSON, err := state.StateJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize planner state: %w", err)
	}
	userMsg, err := prompt.PlannerUserMessage(state.Task, nil)
	if err != nil {
		return nil, err
	}

	request := &llm.Request{
		RunID: state.RunID,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompt.PlannerSystemPrompt()},
			{Role: llm.RoleDeveloper, Content: prompt.PlannerStateMessage(stateJSON)},
			{Role: llm.RoleUser, Content: userMsg},
		},
		Options: llm.Options{JSONMode: true},
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := p.llm.Generate(ctx, request)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(resp.Text) == "" {
			lastErr = fmt.Errorf("empty planner response")
			continue
		}
		cmd, parseErr := ParseCommand(resp.Text)
		if parseErr == nil {
			return cmd, nil
		}
		lastErr = parseErr
	}
	return nil, fmt.Errorf("planner command parse failed after retry: %w", lastErr)
}

// budgetExhausted emits the terminal budget failure. The summary format
// is part of the contract: "Budget exceeded: <cap>".
func (p *Planner) budgetExhausted(ctx context.Context, state *State, snapshot budget.Snapshot, rule string) *Outcome {
	state.Failed = true
	state.FailCode = CodeBudgetExceeded
	state.FinalSummary = fmt.Sprintf("Budget exceeded: %s", rule)

	events.EmitterFrom(ctx).Emit(events.EventBudgetExceeded, map[string]any{
		"rule":        rule,
		"steps_taken": snapshot.StepsTaken,
	})

	return &Outcome{
		State:        state,
		Success:      false,
		FinalSummary: state.FinalSummary,
		ErrorCode:    CodeBudgetExceeded,
		ErrorDetails: map[string]any{"cap": rule},
		Budget:       snapshot,
	}
}

// protocolFailure covers LLM transport and parse failures.
func (p *Planner) protocolFailure(ctx context.Context, state *State, err error) *Outcome {
	state.Failed = true
	state.FailCode = CodeParseError
	state.FinalSummary = fmt.Sprintf("Planner protocol failure: %v", err)

	events.EmitterFrom(ctx).Emit(events.EventPlannerFailed, map[string]any{
		"error_code": CodeParseError,
		"error":      err.Error(),
	})

	return &Outcome{
		State:        state,
		Success:      false,
		FinalSummary: state.FinalSummary,
		ErrorCode:    CodeParseError,
		ErrorDetails: map[string]any{"error": err.Error()},
		Budget:       p.budget.Snapshot(),
	}
}

// escalatedFailure ends the loop after repeated recoverable errors.
func (p *Planner) escalatedFailure(ctx context.Context, state *State, step models.AgentStep) *Outcome {
	state.Failed = true
	state.FailCode = step.ErrorCode
	state.FinalSummary = fmt.Sprintf("Repeated %s errors for %q: %s", step.ErrorCode, step.ToolName, step.Error)

	events.EmitterFrom(ctx).Emit(events.EventPlannerFailed, map[string]any{
		"error_code": step.ErrorCode,
		"label":      step.ToolName,
	})

	return &Outcome{
		State:        state,
		Success:      false,
		FinalSummary: state.FinalSummary,
		ErrorCode:    step.ErrorCode,
		ErrorDetails: map[string]any{"label": step.ToolName},
		Budget:       p.budget.Snapshot(),
	}
}

// terminalOutcome serializes a finish/fail terminal state.
func (p *Planner) terminalOutcome(ctx context.Context, state *State) *Outcome {
	outcome := &Outcome{
		State:        state,
		Success:      state.Finished,
		FinalSummary: state.FinalSummary,
		Budget:       p.budget.Snapshot(),
	}
	if state.Failed {
		outcome.ErrorCode = state.FailCode
		events.EmitterFrom(ctx).Emit(events.EventPlannerFailed, map[string]any{
			"error_code": state.FailCode,
			"reason":     state.FinalSummary,
		})
	}
	return outcome
}
