package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/pkg/budget"
	"github.com/tandem-run/tandem/pkg/llm/llmtest"
	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/signals"
	"github.com/tandem-run/tandem/pkg/toolindex"
)

// scriptedExecutor fakes non-terminal command execution and mirrors the
// real executor's terminal handling.
type scriptedExecutor struct {
	steps []models.AgentStep
	next  int
}

func (e *scriptedExecutor) Execute(_ context.Context, state *State, cmd *Command) models.AgentStep {
	if cmd.Search != nil {
		state.SearchCount++
	}
	switch {
	case cmd.Finish != nil:
		state.Finished = true
		state.FinalSummary = cmd.Finish.Summary
		return models.AgentStep{Kind: models.StepKindFinish, Success: true, Reasoning: cmd.Reasoning}
	case cmd.Fail != nil:
		state.Failed = true
		state.FinalSummary = cmd.Fail.Reason
		state.FailCode = CodeFailAction
		return models.AgentStep{Kind: models.StepKindFail, Reasoning: cmd.Reasoning,
			Error: cmd.Fail.Reason, ErrorCode: CodeFailAction}
	}
	if e.next >= len(e.steps) {
		return models.AgentStep{Kind: cmd.Kind(), Success: true, Reasoning: cmd.Reasoning}
	}
	step := e.steps[e.next]
	e.next++
	step.Kind = cmd.Kind()
	step.Reasoning = cmd.Reasoning
	return step
}

func bigBudget() *budget.Tracker {
	return budget.NewTracker(models.Budget{MaxSteps: 50, MaxToolCalls: 50, MaxCodeRuns: 50, MaxCostUSD: 100})
}

func newTestPlanner(mock *llmtest.Mock, exec Executor, tracker *budget.Tracker, maxSteps int) (*Planner, *signals.Bus) {
	bus := signals.NewBus()
	return New(mock, toolindex.New(nil), exec, bus, tracker, maxSteps), bus
}

func TestPlannerFinishFlow(t *testing.T) {
	mock := llmtest.NewMock(
		`{"search": {"query": "gmail tools"}, "reasoning": "discover"}`,
		`{"finish": {"summary": "found the emails"}, "reasoning": "done"}`,
	)
	tracker := bigBudget()
	pl, _ := newTestPlanner(mock, &scriptedExecutor{}, tracker, 10)
	state := NewState("task", "run-1", "u", "r", nil)

	outcome, err := pl.Run(context.Background(), state)
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, "found the emails", outcome.FinalSummary)
	assert.Empty(t, outcome.ErrorCode)
	require.Len(t, state.Steps, 2)
	assert.Equal(t, models.StepKindSearch, state.Steps[0].Kind)
	assert.Equal(t, models.StepKindFinish, state.Steps[1].Kind)
	assert.Equal(t, 2, tracker.StepsTaken())
}

func TestPlannerFailFlow(t *testing.T) {
	mock := llmtest.NewMock(
		`{"search": {"query": "send email"}, "reasoning": "look for gmail"}`,
		`{"search": {"query": "email provider"}, "reasoning": "retry broader"}`,
		`{"fail": {"reason": "no Gmail capability is authorized"}, "reasoning": "nothing found"}`,
	)
	pl, _ := newTestPlanner(mock, &scriptedExecutor{}, bigBudget(), 10)
	state := NewState("send an email to bob@example.com", "run-1", "u", "r", nil)

	outcome, err := pl.Run(context.Background(), state)
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	assert.Equal(t, CodeFailAction, outcome.ErrorCode)
	assert.Contains(t, outcome.FinalSummary, "Gmail")
}

func TestPlannerZeroBudget(t *testing.T) {
	mock := llmtest.NewMock()
	tracker := budget.NewTracker(models.Budget{MaxSteps: 0, MaxToolCalls: 5, MaxCodeRuns: 5, MaxCostUSD: 1})
	pl, _ := newTestPlanner(mock, &scriptedExecutor{}, tracker, 10)
	state := NewState("task", "run-1", "u", "r", nil)

	outcome, err := pl.Run(context.Background(), state)
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	assert.Equal(t, CodeBudgetExceeded, outcome.ErrorCode)
	assert.Equal(t, "Budget exceeded: max_steps", outcome.FinalSummary)
	assert.Equal(t, map[string]any{"cap": "max_steps"}, outcome.ErrorDetails)
	assert.Zero(t, mock.Calls(), "no LLM call on an exhausted budget")
}

func TestPlannerDelegationStepCap(t *testing.T) {
	mock := llmtest.NewMock(
		`{"search": {"query": "a"}, "reasoning": "r"}`,
	)
	pl, _ := newTestPlanner(mock, &scriptedExecutor{}, bigBudget(), 1)
	state := NewState("task", "run-1", "u", "r", nil)

	outcome, err := pl.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, CodeBudgetExceeded, outcome.ErrorCode)
	assert.Equal(t, "Budget exceeded: max_steps", outcome.FinalSummary)
	assert.Equal(t, 1, mock.Calls())
}

func TestPlannerEmptyResponseRetriedOnce(t *testing.T) {
	mock := llmtest.NewMock(
		"",
		`{"finish": {"summary": "ok"}, "reasoning": "done"}`,
	)
	pl, _ := newTestPlanner(mock, &scriptedExecutor{}, bigBudget(), 10)
	state := NewState("task", "run-1", "u", "r", nil)

	outcome, err := pl.Run(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, 2, mock.Calls())
}

func TestPlannerParseErrorTerminates(t *testing.T) {
	mock := llmtest.NewMock("not json", "still not json")
	pl, _ := newTestPlanner(mock, &scriptedExecutor{}, bigBudget(), 10)
	state := NewState("task", "run-1", "u", "r", nil)

	outcome, err := pl.Run(context.Background(), state)
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	assert.Equal(t, CodeParseError, outcome.ErrorCode)
	assert.Equal(t, 2, mock.Calls())
}

func TestPlannerValidationFailureContinues(t *testing.T) {
	// Tool not in the (empty) index: the step fails, the loop continues.
	mock := llmtest.NewMock(
		`{"tool": {"tool_id": "gmail.gmail_search", "args": {}}, "reasoning": "try"}`,
		`{"fail": {"reason": "tool unavailable"}, "reasoning": "give up"}`,
	)
	pl, _ := newTestPlanner(mock, &scriptedExecutor{}, bigBudget(), 10)
	state := NewState("task", "run-1", "u", "r", nil)

	outcome, err := pl.Run(context.Background(), state)
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	require.Len(t, state.Steps, 2)
	assert.Equal(t, CodeUnknownTool, state.Steps[0].ErrorCode)
	assert.False(t, state.Steps[0].Success)
}

func TestPlannerDiscoveryDiscipline(t *testing.T) {
	// After a search has happened, a tool outside the cache is rejected
	// even if it exists in the index.
	idx := toolindex.New(nil)
	idx.Add(toolindex.BuildDescriptor("gmail", "gmail_search", "", "", "", nil, nil))

	mock := llmtest.NewMock(
		`{"search": {"query": "slack"}, "reasoning": "look"}`,
		`{"tool": {"tool_id": "gmail.gmail_search", "args": {}}, "reasoning": "undiscovered"}`,
		`{"fail": {"reason": "cannot proceed"}, "reasoning": "done"}`,
	)
	bus := signals.NewBus()
	pl := New(mock, idx, &scriptedExecutor{}, bus, bigBudget(), 10)
	state := NewState("task", "run-1", "u", "r", nil)

	outcome, err := pl.Run(context.Background(), state)
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	require.GreaterOrEqual(t, len(state.Steps), 2)
	assert.Equal(t, CodeUndiscoveredTool, state.Steps[1].ErrorCode)
}

func TestPlannerSandboxSyntaxBackPressure(t *testing.T) {
	sandboxCmd := `{"sandbox": {"code": "return 1", "label": "calc"}, "reasoning": "retry"}`
	mock := llmtest.NewMock(sandboxCmd, sandboxCmd, sandboxCmd)

	exec := &scriptedExecutor{steps: []models.AgentStep{
		{Success: false, Error: "SyntaxError: invalid syntax", ErrorCode: CodeSandboxSyntaxError, ToolName: "calc"},
		{Success: false, Error: "SyntaxError: invalid syntax", ErrorCode: CodeSandboxSyntaxError, ToolName: "calc"},
		{Success: false, Error: "SyntaxError: invalid syntax", ErrorCode: CodeSandboxSyntaxError, ToolName: "calc"},
	}}
	pl, _ := newTestPlanner(mock, exec, bigBudget(), 10)
	state := NewState("task", "run-1", "u", "r", nil)

	outcome, err := pl.Run(context.Background(), state)
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	assert.Equal(t, CodeSandboxSyntaxError, outcome.ErrorCode)
	assert.Equal(t, 3, mock.Calls(), "two recoveries then escalation")
}

func TestPlannerCancellation(t *testing.T) {
	mock := llmtest.NewMock()
	pl, bus := newTestPlanner(mock, &scriptedExecutor{}, bigBudget(), 10)
	bus.Cancel("run-1")

	state := NewState("task", "run-1", "u", "r", nil)
	_, err := pl.Run(context.Background(), state)
	assert.ErrorIs(t, err, signals.ErrRunCancelled)
	assert.Zero(t, mock.Calls())
}

func TestPlannerMessageContract(t *testing.T) {
	mock := llmtest.NewMock(`{"finish": {"summary": "ok"}, "reasoning": "done"}`)
	pl, _ := newTestPlanner(mock, &scriptedExecutor{}, bigBudget(), 10)
	state := NewState("the task", "run-1", "user-9", "r", nil)

	_, err := pl.Run(context.Background(), state)
	require.NoError(t, err)

	require.Len(t, mock.Requests, 1)
	req := mock.Requests[0]
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "system", string(req.Messages[0].Role))
	assert.Equal(t, "developer", string(req.Messages[1].Role))
	assert.Contains(t, req.Messages[1].Content, "PLANNER_STATE_JSON")
	assert.Equal(t, "user", string(req.Messages[2].Role))
	assert.Contains(t, req.Messages[2].Content, `"task":"the task"`)
	assert.True(t, req.Options.JSONMode)
}
