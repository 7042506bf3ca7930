package orchestrator

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
	"github.com/tandem-run/tandem/pkg/translator"
)

// fakeSubAgent replays scripted trajectories.
type fakeSubAgent struct {
	trajectories []string
	errs         []error
	calls        int
	seenSteps    []models.PlannedStep
}

func (f *fakeSubAgent) Run(_ context.Context, _ RunInfo, _ *models.OrchestratorRequest, step models.PlannedStep) (any, string, error) {
	f.seenSteps = append(f.seenSteps, step)
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, "", f.errs[i]
	}
	if i >= len(f.trajectories) {
		return nil, "", nil
	}
	return map[string]any{"ok": true}, f.trajectories[i], nil
}

const successTrajectory = `# MCP Agent Trajectory

**Task**: sub task

## Step 0: tool

**Tool**: ` + "`gmail.gmail_search`" + `

**Arguments**:

` + "```json\n" + `{"query": "from:alice@example.com"}
` + "```\n" + `

**Response**:

` + "```json\n" + `{"successful": true, "data": {"path": "/home/user/Downloads/report.pdf"}}
` + "```\n" + `

**Status**: completed
**Completion Reason**: attachment saved to /home/user/Downloads/report.pdf
`

const failedSubTrajectory = `# MCP Agent Trajectory

**Task**: sub task

## Step 0: tool

**Tool**: ` + "`gmail.gmail_search`" + `

**Error**: provider quota exhausted

**Status**: failed
**Completion Reason**: quota exhausted
`

const uiTrajectory = `# Computer Use Trajectory

### Step 1: open /home/user/Downloads/report.pdf

The PDF viewer opened showing the quarterly report.

**Status**: completed
`

func newTestOrchestrator(mock *llmtest.Mock, agents map[models.TargetType]SubAgent) (*Orchestrator, *budget.CostTracker) {
	idx := toolindex.New(nil)
	idx.Add(toolindex.BuildDescriptor("gmail", "gmail_search", "", "", "Search emails", nil, nil))

	trans := translator.New(nil)
	trans.DisableLLM = true

	costs := budget.NewCostTracker()
	return New(mock, trans, idx, signals.NewBus(), costs, agents, nil), costs
}

func runRequest(task string, maxSteps int) (*models.OrchestratorRequest, *budget.Tracker, *models.RunState) {
	req := &models.OrchestratorRequest{
		Task:   task,
		Tenant: models.TenantInfo{TenantID: "t", RequestID: "r", UserID: "u"},
		Budget: models.Budget{MaxSteps: maxSteps, MaxToolCalls: 20, MaxCodeRuns: 10, MaxCostUSD: 5},
	}
	tracker := budget.NewTracker(req.Budget)
	state := &models.RunState{RunID: "run-1", Task: task, Intermediate: map[string]any{}}
	return req, tracker, state
}

func TestRunSingleStepThenComplete(t *testing.T) {
	mock := llmtest.NewMock(
		`{"type": "next_step", "target": "mcp", "task": "fetch emails from alice", "reasoning": "need the data"}`,
		`{"type": "task_complete", "reasoning": "emails retrieved"}`,
	)
	agent := &fakeSubAgent{trajectories: []string{successTrajectory}}
	orch, _ := newTestOrchestrator(mock, map[models.TargetType]SubAgent{models.TargetMCP: agent})

	req, tracker, state := runRequest("find emails", 10)
	err := orch.Run(context.Background(), RunInfo{RunID: "run-1", UserID: "u"}, req, tracker, state)
	require.NoError(t, err)

	assert.Equal(t, models.CompletionTaskComplete, state.Completion)
	assert.True(t, state.Success)
	require.Len(t, state.Results, 1)
	result := state.Results[0]
	assert.True(t, result.Success)
	assert.Equal(t, models.TargetMCP, result.Target)
	require.NotNil(t, result.Translated)
	require.Len(t, result.Translated.Artifacts.ToolCalls, 1)
	assert.Equal(t, "gmail.gmail_search", result.Translated.Artifacts.ToolCalls[0].ToolID)

	// The delegation was bounded by the remaining run budget.
	require.Len(t, agent.seenSteps, 1)
	assert.Equal(t, 10, agent.seenSteps[0].MaxSteps)
}

func TestRunSurfacesFailureToNextPrompt(t *testing.T) {
	mock := llmtest.NewMock(
		`{"type": "next_step", "target": "mcp", "task": "fetch emails", "reasoning": "try"}`,
		`{"type": "task_impossible", "reasoning": "provider quota exhausted"}`,
	)
	agent := &fakeSubAgent{trajectories: []string{failedSubTrajectory}}
	orch, _ := newTestOrchestrator(mock, map[models.TargetType]SubAgent{models.TargetMCP: agent})

	req, tracker, state := runRequest("find emails", 10)
	err := orch.Run(context.Background(), RunInfo{RunID: "run-1"}, req, tracker, state)
	require.NoError(t, err)

	require.Len(t, state.Results, 1)
	assert.False(t, state.Results[0].Success)
	assert.Equal(t, models.StepStatusFailed, state.Results[0].Status)

	// The second decision prompt carries the failure reminder and the
	// failed step's translated JSON verbatim.
	require.Len(t, mock.Requests, 2)
	secondPrompt := mock.Requests[1].Messages[0].Content
	assert.Contains(t, secondPrompt, "previous step FAILED")
	assert.Contains(t, secondPrompt, "provider quota exhausted")

	assert.Equal(t, models.CompletionTaskImpossible, state.Completion)
	assert.False(t, state.Success)
}

func TestRunZeroBudgetTerminatesWithoutLLM(t *testing.T) {
	mock := llmtest.NewMock()
	orch, _ := newTestOrchestrator(mock, nil)

	req, tracker, state := runRequest("anything", 0)
	err := orch.Run(context.Background(), RunInfo{RunID: "run-1"}, req, tracker, state)
	require.NoError(t, err)

	assert.Equal(t, models.CompletionBudgetExceeded, state.Completion)
	assert.Equal(t, "Budget exceeded: max_steps", state.FinalSummary)
	assert.Equal(t, "budget_exceeded", state.ErrorCode)
	assert.Equal(t, "max_steps", state.ErrorDetails["cap"])
	assert.Zero(t, mock.Calls())
}

func TestRunInvalidDecisionsDegradeToImpossible(t *testing.T) {
	mock := llmtest.NewMock("not json at all", "still not json")
	orch, _ := newTestOrchestrator(mock, nil)

	req, tracker, state := runRequest("task", 10)
	err := orch.Run(context.Background(), RunInfo{RunID: "run-1"}, req, tracker, state)
	require.NoError(t, err)

	assert.Equal(t, models.CompletionTaskImpossible, state.Completion)
	assert.Equal(t, 2, mock.Calls(), "one retry before degrading")
}

func TestRunBridgeErrorRecordsFailedResult(t *testing.T) {
	mock := llmtest.NewMock(
		`{"type": "next_step", "target": "mcp", "task": "x", "reasoning": "r"}`,
		`{"type": "task_impossible", "reasoning": "bridge broken"}`,
	)
	agent := &fakeSubAgent{errs: []error{assert.AnError}}
	orch, _ := newTestOrchestrator(mock, map[models.TargetType]SubAgent{models.TargetMCP: agent})

	req, tracker, state := runRequest("task", 10)
	err := orch.Run(context.Background(), RunInfo{RunID: "run-1"}, req, tracker, state)
	require.NoError(t, err)

	require.Len(t, state.Results, 1)
	assert.Equal(t, models.StepStatusFailed, state.Results[0].Status)
	assert.Contains(t, state.Results[0].Error, assert.AnError.Error())
}

func TestRunCancellation(t *testing.T) {
	mock := llmtest.NewMock()
	idx := toolindex.New(nil)
	trans := translator.New(nil)
	trans.DisableLLM = true
	bus := signals.NewBus()
	orch := New(mock, trans, idx, bus, budget.NewCostTracker(), nil, nil)

	bus.Cancel("run-1")
	req, tracker, state := runRequest("task", 10)
	err := orch.Run(context.Background(), RunInfo{RunID: "run-1"}, req, tracker, state)

	assert.ErrorIs(t, err, signals.ErrRunCancelled)
	assert.Equal(t, models.CompletionCancelled, state.Completion)
	assert.Zero(t, mock.Calls())
}

func TestRunHybridMCPThenComputerUse(t *testing.T) {
	mock := llmtest.NewMock(
		`{"type": "next_step", "target": "mcp", "task": "download the attachment", "reasoning": "retrieve first"}`,
		`{"type": "next_step", "target": "computer_use", "task": "open /home/user/Downloads/report.pdf", "reasoning": "needs the GUI"}`,
		`{"type": "task_complete", "reasoning": "report opened"}`,
	)
	mcpAgent := &fakeSubAgent{trajectories: []string{successTrajectory}}
	cuAgent := &fakeSubAgent{trajectories: []string{uiTrajectory}}
	orch, _ := newTestOrchestrator(mock, map[models.TargetType]SubAgent{
		models.TargetMCP:         mcpAgent,
		models.TargetComputerUse: cuAgent,
	})

	req, tracker, state := runRequest("open the latest report attachment", 10)
	err := orch.Run(context.Background(), RunInfo{RunID: "run-1"}, req, tracker, state)
	require.NoError(t, err)

	require.Len(t, state.Results, 2)
	assert.Equal(t, models.TargetMCP, state.Results[0].Target)
	assert.Equal(t, models.TargetComputerUse, state.Results[1].Target)
	assert.NotEmpty(t, state.Results[1].Translated.Artifacts.UIObservations)

	// The second decision prompt contains the download path from step
	// 1's translated JSON verbatim.
	require.GreaterOrEqual(t, len(mock.Requests), 2)
	secondPrompt := mock.Requests[1].Messages[0].Content
	assert.Contains(t, secondPrompt, "/home/user/Downloads/report.pdf")

	assert.True(t, state.Success)
	assert.Equal(t, models.CompletionTaskComplete, state.Completion)
}

func TestParseDecision(t *testing.T) {
	t.Run("next_step", func(t *testing.T) {
		d, err := parseDecision(`{"type": "next_step", "target": "mcp", "task": "x", "reasoning": "r"}`)
		require.NoError(t, err)
		assert.Equal(t, models.TargetMCP, d.Target)
	})

	t.Run("terminal types", func(t *testing.T) {
		for _, typ := range []string{DecisionTaskComplete, DecisionTaskImpossible} {
			d, err := parseDecision(`{"type": "` + typ + `", "reasoning": "r"}`)
			require.NoError(t, err)
			assert.Equal(t, typ, d.Type)
		}
	})

	t.Run("fenced JSON tolerated", func(t *testing.T) {
		_, err := parseDecision("```json\n{\"type\": \"task_complete\", \"reasoning\": \"r\"}\n```")
		assert.NoError(t, err)
	})

	t.Run("bad target rejected", func(t *testing.T) {
		_, err := parseDecision(`{"type": "next_step", "target": "browser", "task": "x", "reasoning": "r"}`)
		assert.Error(t, err)
	})

	t.Run("missing task rejected", func(t *testing.T) {
		_, err := parseDecision(`{"type": "next_step", "target": "mcp", "reasoning": "r"}`)
		assert.Error(t, err)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		_, err := parseDecision(`{"type": "wait", "reasoning": "r"}`)
		assert.Error(t, err)
	})
}
