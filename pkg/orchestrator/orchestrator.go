package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-run/tandem/pkg/budget"
	"github.com/tandem-run/tandem/pkg/events"
	"github.com/tandem-run/tandem/pkg/llm"
	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/prompt"
	"github.com/tandem-run/tandem/pkg/runlog"
	"github.com/tandem-run/tandem/pkg/signals"
	"github.com/tandem-run/tandem/pkg/toolindex"
	"github.com/tandem-run/tandem/pkg/translator"
)

// Orchestrator drives the outer loop for one run. Iterations are
// strictly sequential per run; instances are per-run and not shared.
type Orchestrator struct {
	llm        llm.Client
	translator *translator.Translator
	index      *toolindex.Index
	signals    *signals.Bus
	costs      *budget.CostTracker

	subAgents map[models.TargetType]SubAgent
	desktop   *prompt.DesktopInfo
}

// New creates an orchestrator with its sub-agent bridges.
func New(
	client llm.Client,
	trans *translator.Translator,
	index *toolindex.Index,
	sigBus *signals.Bus,
	costs *budget.CostTracker,
	subAgents map[models.TargetType]SubAgent,
	desktop *prompt.DesktopInfo,
) *Orchestrator {
	return &Orchestrator{
		llm:        client,
		translator: trans,
		index:      index,
		signals:    sigBus,
		costs:      costs,
		subAgents:  subAgents,
		desktop:    desktop,
	}
}

// Run executes the outer loop until a terminal decision, budget
// exhaustion, or cancellation, mutating runState in place.
func (o *Orchestrator) Run(ctx context.Context, info RunInfo, req *models.OrchestratorRequest, tracker *budget.Tracker, runState *models.RunState) error {
	em := events.EmitterFrom(ctx)
	logger := runlog.FromContext(ctx)

	em.Emit(events.EventOrchestratorTaskStarted, map[string]any{"task": req.Task})
	logger.Event("orchestrator.started", map[string]any{"task": req.Task})

	lastFailed := false
	for {
		// Cooperative yield point.
		if err := o.signals.RaiseIfExitRequested(info.RunID); err != nil {
			o.markCancelled(runState)
			return err
		}
		if err := o.signals.WaitForResume(ctx, info.RunID); err != nil {
			o.markCancelled(runState)
			return err
		}

		// Budget predicates run before any LLM call so a zero budget
		// terminates without one.
		snapshot := tracker.Snapshot()
		if snapshot.Exhausted[budget.RuleMaxCostUSD] {
			o.markBudgetExceeded(ctx, runState, budget.RuleMaxCostUSD, snapshot)
			return nil
		}
		if snapshot.Exhausted[budget.RuleMaxSteps] {
			o.markBudgetExceeded(ctx, runState, budget.RuleMaxSteps, snapshot)
			return nil
		}

		decision, err := o.decideNextStep(ctx, info, req, runState, lastFailed)
		if err != nil {
			if errors.Is(err, signals.ErrRunCancelled) || errors.Is(err, llm.ErrRequestCancelled) {
				o.markCancelled(runState)
				return err
			}
			// Second consecutive decision failure degrades to impossible.
			decision = &Decision{Type: DecisionTaskImpossible,
				Reasoning: fmt.Sprintf("orchestrator decision failed: %v", err)}
		}

		em.Emit(events.EventOrchestratorPlanningCompleted, map[string]any{
			"type":      decision.Type,
			"reasoning": decision.Reasoning,
		})

		switch decision.Type {
		case DecisionTaskComplete:
			runState.Completion = models.CompletionTaskComplete
			runState.Success = true
			runState.FinalSummary = decision.Reasoning
			em.Emit(events.EventOrchestratorTaskCompleted, map[string]any{"success": true})
			logger.Event("orchestrator.completed", map[string]any{"success": true})
			return nil

		case DecisionTaskImpossible:
			runState.Completion = models.CompletionTaskImpossible
			runState.Success = false
			runState.FinalSummary = decision.Reasoning
			runState.ErrorCode = "task_impossible"
			em.Emit(events.EventOrchestratorTaskCompleted, map[string]any{"success": false})
			logger.Event("orchestrator.completed", map[string]any{"success": false})
			return nil
		}

		// next_step: bound the delegation by the remaining run budget.
		step := models.PlannedStep{
			StepID:       uuid.NewString(),
			Target:       decision.Target,
			NextTask:     decision.Task,
			Verification: decision.Verification,
			MaxSteps:     tracker.RemainingSteps(),
		}
		runState.Plan = append(runState.Plan, step)

		result, err := o.dispatchStep(ctx, info, req, step)
		if err != nil {
			if errors.Is(err, signals.ErrRunCancelled) || errors.Is(err, llm.ErrRequestCancelled) ||
				errors.Is(err, context.Canceled) {
				o.markCancelled(runState)
				return err
			}
			// Bridge infrastructure error: record a failed result and
			// surface it to the next decision verbatim.
			result = &models.StepResult{
				StepID: step.StepID,
				Target: step.Target,
				Status: models.StepStatusFailed,
				Error:  err.Error(),
			}
		}
		runState.Results = append(runState.Results, *result)
		lastFailed = !result.Success

		em.Emit(events.EventOrchestratorStepCompleted, map[string]any{
			"step_id": result.StepID,
			"target":  string(result.Target),
			"success": result.Success,
		})
		logger.Event("orchestrator.step_completed", map[string]any{
			"step_id": result.StepID,
			"target":  string(result.Target),
			"success": result.Success,
			"error":   result.Error,
		})
	}
}

// decideNextStep asks the LLM for the next atomic step with a freshly
// built system prompt. One retry on invalid JSON or transient error.
func (o *Orchestrator) decideNextStep(ctx context.Context, info RunInfo, req *models.OrchestratorRequest, runState *models.RunState, lastFailed bool) (*Decision, error) {
	caps, err := o.buildCapabilities(ctx, info, req)
	if err != nil {
		return nil, err
	}

	systemPrompt := prompt.OrchestratorSystemPrompt(caps, runState.Results, lastFailed)

	userContent := req.Task
	if len(req.PreferredAgents) > 0 {
		agents := make([]string, 0, len(req.PreferredAgents))
		for _, a := range req.PreferredAgents {
			agents = append(agents, string(a))
		}
		userContent += fmt.Sprintf("\n\nPreferred sub-agents, in order: %s", strings.Join(agents, ", "))
	}
	if len(req.ComposedPlan) > 0 {
		if raw, marshalErr := json.Marshal(req.ComposedPlan); marshalErr == nil {
			userContent += fmt.Sprintf("\n\nPre-composed plan (hint, not binding):\n%s", raw)
		}
	}

	request := &llm.Request{
		RunID: info.RunID,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: userContent},
		},
		Options: llm.Options{JSONMode: true},
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := o.llm.Generate(ctx, request)
		if err != nil {
			if errors.Is(err, signals.ErrRunCancelled) || errors.Is(err, llm.ErrRequestCancelled) {
				return nil, err
			}
			lastErr = err
			continue
		}
		decision, parseErr := parseDecision(resp.Text)
		if parseErr == nil {
			return decision, nil
		}
		lastErr = parseErr
	}
	return nil, fmt.Errorf("orchestrator decision failed after retry: %w", lastErr)
}

// buildCapabilities assembles the prompt's capability section from the
// authorized inventory and desktop metadata.
func (o *Orchestrator) buildCapabilities(ctx context.Context, info RunInfo, req *models.OrchestratorRequest) (prompt.Capabilities, error) {
	tree, err := o.index.GetInventory(ctx, info.UserID, req.ToolConstraints)
	if err != nil {
		return prompt.Capabilities{}, fmt.Errorf("failed to load inventory: %w", err)
	}
	counts := make(map[string]int, len(tree))
	for _, node := range tree {
		counts[node.Provider] = len(node.Tools)
	}

	desktop := o.desktop
	if desktop == nil && req.Metadata.Platform != "" {
		desktop = &prompt.DesktopInfo{Platform: req.Metadata.Platform}
	}

	return prompt.Capabilities{
		ProviderToolCounts: counts,
		Desktop:            desktop,
		AllowCodeExecution: req.Metadata.AllowCodeExecution,
	}, nil
}

// dispatchStep snapshots cost, runs the sub-agent bridge, translates the
// trajectory, and records the result with its usage delta.
func (o *Orchestrator) dispatchStep(ctx context.Context, info RunInfo, req *models.OrchestratorRequest, step models.PlannedStep) (*models.StepResult, error) {
	agent, ok := o.subAgents[step.Target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, step.Target)
	}

	events.EmitterFrom(ctx).Emit(events.EventOrchestratorStepDispatching, map[string]any{
		"step_id": step.StepID,
		"target":  string(step.Target),
		"task":    step.NextTask,
	})

	usageBefore, costBefore := o.costs.RunTotals(info.RunID)
	startedAt := time.Now().UTC()

	rawResult, trajectory, err := agent.Run(ctx, info, req, step)
	if err != nil {
		return nil, err
	}
	runlog.FromContext(ctx).Event("orchestrator.sub_agent_raw", map[string]any{
		"step_id": step.StepID,
		"raw":     fmt.Sprintf("%v", rawResult),
	})

	// The translator gets its own log stream.
	transCtx := ctx
	if logger := runlog.FromContext(ctx); logger != nil {
		transCtx = runlog.WithLogger(ctx, logger.Child("translator"))
	}
	translated := o.translator.Translate(transCtx, info.RunID, step.NextTask, trajectory)

	usageAfter, costAfter := o.costs.RunTotals(info.RunID)

	result := &models.StepResult{
		StepID:     step.StepID,
		Target:     step.Target,
		Status:     models.StepStatusCompleted,
		Success:    translated.OverallSuccess,
		Translated: translated,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		Usage: models.UsageDelta{
			InputTokens:  usageAfter.NewInputTokens + usageAfter.CachedTokens - usageBefore.NewInputTokens - usageBefore.CachedTokens,
			OutputTokens: usageAfter.OutputTokens - usageBefore.OutputTokens,
			CostUSD:      costAfter - costBefore,
		},
	}
	if !translated.OverallSuccess {
		result.Status = models.StepStatusFailed
		result.Error = translated.Error
		if result.Error == "" {
			result.Error = translated.Summary
		}
	}
	return result, nil
}

func (o *Orchestrator) markBudgetExceeded(ctx context.Context, runState *models.RunState, rule string, snapshot budget.Snapshot) {
	runState.Completion = models.CompletionBudgetExceeded
	runState.Success = false
	runState.FinalSummary = fmt.Sprintf("Budget exceeded: %s", rule)
	runState.ErrorCode = "budget_exceeded"
	runState.ErrorDetails = map[string]any{
		"cap":         rule,
		"steps_taken": snapshot.StepsTaken,
		"cost_usd":    snapshot.EstimatedCostUSD,
	}
	events.EmitterFrom(ctx).Emit(events.EventOrchestratorTaskCompleted, map[string]any{
		"success": false,
		"reason":  runState.FinalSummary,
	})
}

func (o *Orchestrator) markCancelled(runState *models.RunState) {
	runState.Completion = models.CompletionCancelled
	runState.Success = false
	runState.ErrorCode = "cancelled"
	if runState.FinalSummary == "" {
		runState.FinalSummary = "Run cancelled by operator."
	}
}

// parseDecision decodes and validates one decision JSON object.
func parseDecision(text string) (*Decision, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")

	var d Decision
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &d); err != nil {
		return nil, fmt.Errorf("decision is not valid JSON: %w", err)
	}
	switch d.Type {
	case DecisionTaskComplete, DecisionTaskImpossible:
		return &d, nil
	case DecisionNextStep:
		if !d.Target.IsValid() {
			return nil, fmt.Errorf("next_step has invalid target %q", d.Target)
		}
		if strings.TrimSpace(d.Task) == "" {
			return nil, fmt.Errorf("next_step is missing task")
		}
		return &d, nil
	default:
		return nil, fmt.Errorf("unknown decision type %q", d.Type)
	}
}
