package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/pkg/mcp"
	"github.com/tandem-run/tandem/pkg/models"
)

// buildExecutedState runs search + tool + finish through the real
// executor so the trajectory reflects genuine raw outputs.
func buildExecutedState(t *testing.T) *State {
	t.Helper()
	idx := testIndex()
	stub := mcp.NewStubDispatcher()
	stub.Script("gmail", "gmail_search", &models.Envelope{
		Successful: true,
		Data:       map[string]any{"messages": []any{map[string]any{"id": "m1", "from": "alice@example.com"}}},
	})
	exec := newTestExecutor(idx, stub)
	state := NewState("find the three most recent emails from alice", "run-1", "u", "r", nil)

	for _, raw := range []string{
		`{"search": {"query": "gmail search emails"}, "reasoning": "discover"}`,
		`{"tool": {"tool_id": "gmail.gmail_search", "args": {"query": "from:alice@example.com", "max_results": 3}}, "reasoning": "fetch"}`,
		`{"finish": {"summary": "retrieved 1 email"}, "reasoning": "done"}`,
	} {
		cmd, err := ParseCommand(raw)
		require.NoError(t, err)
		state.RecordStep(exec.Execute(context.Background(), state, cmd))
	}
	return state
}

func TestTrajectoryMarkdown(t *testing.T) {
	state := buildExecutedState(t)
	md := TrajectoryMarkdown(state)

	t.Run("self-contained step records", func(t *testing.T) {
		assert.Contains(t, md, "## Step 0: search")
		assert.Contains(t, md, `**Search**: "gmail search emails"`)
		assert.Contains(t, md, "**Tools found**: gmail.gmail_search")

		assert.Contains(t, md, "## Step 1: tool")
		assert.Contains(t, md, "**Tool**: `gmail.gmail_search`")
		assert.Contains(t, md, `"query": "from:alice@example.com"`)
		assert.Contains(t, md, `"from": "alice@example.com"`, "raw envelope content present")
		assert.Contains(t, md, `"successful": true`)

		assert.Contains(t, md, "## Step 2: finish")
	})

	t.Run("terminal status lines", func(t *testing.T) {
		assert.Contains(t, md, "**Status**: completed")
		assert.Contains(t, md, "**Completion Reason**: retrieved 1 email")
	})

	t.Run("task header", func(t *testing.T) {
		assert.Contains(t, md, "**Task**: find the three most recent emails from alice")
	})
}

func TestTrajectoryMarkdownFailedRun(t *testing.T) {
	state := NewState("task", "run-1", "u", "r", nil)
	state.Failed = true
	state.FinalSummary = "Budget exceeded: max_steps"
	state.RecordStep(models.AgentStep{Kind: models.StepKindSearch, Success: true, Command: map[string]any{
		"search": &SearchCommand{Query: "q"}, "reasoning": "r",
	}})

	md := TrajectoryMarkdown(state)
	assert.Contains(t, md, "**Status**: failed")
	assert.Contains(t, md, "**Completion Reason**: Budget exceeded: max_steps")
}
