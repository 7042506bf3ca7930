package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/llm/llmtest"
	"github.com/tandem-run/tandem/pkg/mcp"
	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/sandbox"
	"github.com/tandem-run/tandem/pkg/summarizer"
	"github.com/tandem-run/tandem/pkg/toolindex"
)

func testIndex() *toolindex.Index {
	idx := toolindex.New(nil)
	idx.Add(toolindex.BuildDescriptor("gmail", "gmail_search", "", "", "Search emails in Gmail",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":       map[string]any{"type": "string"},
				"max_results": map[string]any{"type": "integer"},
			},
			"required": []any{"query"},
		}, nil))
	idx.Add(toolindex.BuildDescriptor("slack", "post_message", "", "", "Post a Slack message", nil, nil))
	return idx
}

func newTestExecutor(idx *toolindex.Index, stub *mcp.StubDispatcher) *ActionExecutor {
	return NewActionExecutor(
		idx, stub,
		sandbox.NewRunner(config.SandboxConfig{}),
		nil,
		summarizer.New(llmtest.NewMock()),
		"outer task",
	)
}

func TestExecSearch(t *testing.T) {
	idx := testIndex()
	exec := newTestExecutor(idx, mcp.NewStubDispatcher())
	state := NewState("find emails", "run-1", "user-1", "req-1", nil)

	cmd, err := ParseCommand(`{"search": {"query": "search emails gmail"}, "reasoning": "discover"}`)
	require.NoError(t, err)

	step := exec.Execute(context.Background(), state, cmd)
	assert.True(t, step.Success)
	assert.Equal(t, 1, state.SearchCount)
	assert.Contains(t, state.SearchCache, "gmail.gmail_search")

	obs := step.Observation.(map[string]any)
	assert.Equal(t, 1, obs["count"].(int))
}

func TestExecTool(t *testing.T) {
	idx := testIndex()
	stub := mcp.NewStubDispatcher()
	stub.Script("gmail", "gmail_search", &models.Envelope{
		Successful: true,
		Data:       map[string]any{"messages": []any{map[string]any{"id": "m1"}}},
	})
	exec := newTestExecutor(idx, stub)
	state := NewState("find emails", "run-1", "user-1", "req-1", nil)

	cmd, err := ParseCommand(`{"tool": {"tool_id": "gmail.gmail_search", "args": {"query": "from:alice", "max_results": null}}, "reasoning": "fetch"}`)
	require.NoError(t, err)

	step := exec.Execute(context.Background(), state, cmd)
	require.True(t, step.Success)
	assert.Equal(t, "gmail.gmail_search", step.ToolID)
	assert.Equal(t, "tool.gmail.gmail_search", step.RawOutputKey)
	assert.Len(t, state.RawOutputs.Get(step.RawOutputKey), 1)
	assert.False(t, step.IsSmartSummary, "small payload is not summarized")

	// Nil optionals are dropped from the dispatched payload.
	calls := stub.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"query": "from:alice"}, calls[0].Payload)
}

func TestExecToolRejectsInvalidArgs(t *testing.T) {
	idx := testIndex()
	stub := mcp.NewStubDispatcher()
	exec := newTestExecutor(idx, stub)
	state := NewState("t", "run-1", "u", "r", nil)

	// query is required by the input schema.
	cmd, _ := ParseCommand(`{"tool": {"tool_id": "gmail.gmail_search", "args": {"max_results": 3}}, "reasoning": "r"}`)
	step := exec.Execute(context.Background(), state, cmd)

	assert.False(t, step.Success)
	assert.Equal(t, CodeToolExecutionFailed, step.ErrorCode)
	assert.Empty(t, stub.Calls(), "invalid args never reach the dispatcher")
}

func TestExecToolFailureEnvelope(t *testing.T) {
	idx := testIndex()
	stub := mcp.NewStubDispatcher()
	stub.Script("gmail", "gmail_search", models.NewErrorEnvelope("quota exceeded"))
	exec := newTestExecutor(idx, stub)
	state := NewState("t", "run-1", "u", "r", nil)

	cmd, _ := ParseCommand(`{"tool": {"tool_id": "gmail.gmail_search", "args": {"query": "x"}}, "reasoning": "r"}`)
	step := exec.Execute(context.Background(), state, cmd)

	assert.False(t, step.Success)
	assert.Equal(t, "quota exceeded", step.Error)
	// The raw envelope is still stored for debugging.
	assert.Len(t, state.RawOutputs.Get("tool.gmail.gmail_search"), 1)
}

func TestExecSandboxDisciplineChecks(t *testing.T) {
	idx := testIndex()
	exec := newTestExecutor(idx, mcp.NewStubDispatcher())

	t.Run("unknown server is fatal to the step", func(t *testing.T) {
		state := NewState("t", "run-1", "u", "r", nil)
		cmd, _ := ParseCommand(`{"sandbox": {"code": "return await stripe.charges_list()", "label": "charges"}, "reasoning": "r"}`)
		step := exec.Execute(context.Background(), state, cmd)
		assert.False(t, step.Success)
		assert.Equal(t, CodeUnknownServer, step.ErrorCode)
	})

	t.Run("undiscovered function rejected", func(t *testing.T) {
		state := NewState("t", "run-1", "u", "r", nil)
		state.MergeSearchResults([]models.SearchResultEntry{testEntry("gmail.gmail_search", 1)})
		cmd, _ := ParseCommand(`{"sandbox": {"code": "return await gmail.gmail_delete(id=1)", "label": "del"}, "reasoning": "r"}`)
		step := exec.Execute(context.Background(), state, cmd)
		assert.False(t, step.Success)
		assert.Equal(t, CodeUndiscoveredTool, step.ErrorCode)
	})

	t.Run("forbidden wrapper rejected", func(t *testing.T) {
		state := NewState("t", "run-1", "u", "r", nil)
		cmd, _ := ParseCommand(`{"sandbox": {"code": "async def main():\n    return 1", "label": "bad"}, "reasoning": "r"}`)
		step := exec.Execute(context.Background(), state, cmd)
		assert.False(t, step.Success)
		assert.Equal(t, CodeSandboxInvalidBody, step.ErrorCode)
	})
}

func TestExecInspect(t *testing.T) {
	idx := toolindex.New(nil)
	wide := map[string]any{}
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m"} {
		wide[n] = map[string]any{"type": "string"}
	}
	idx.Add(toolindex.BuildDescriptor("gmail", "list", "", "", "",
		nil,
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"messages": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "object", "properties": wide},
				},
			},
		}))
	exec := newTestExecutor(idx, mcp.NewStubDispatcher())

	state := NewState("t", "run-1", "u", "r", nil)
	desc, _ := idx.GetTool("gmail.list")
	state.MergeSearchResults([]models.SearchResultEntry{{Descriptor: desc, Score: 1}})
	require.True(t, state.FoldMarkers[foldKey("gmail.list", "messages[]")],
		"search results surface the fold marker")

	cmd, _ := ParseCommand(`{"inspect_tool_output": {"tool_id": "gmail.list", "field_path": "messages[]"}, "reasoning": "expand"}`)
	step := exec.Execute(context.Background(), state, cmd)

	require.True(t, step.Success)
	obs := step.Observation.(map[string]any)
	fields := obs["fields"].([]string)
	assert.Contains(t, fields, "messages[].a: string")
}

func TestNormalizeSandboxValue(t *testing.T) {
	t.Run("unwraps wrapper envelope", func(t *testing.T) {
		v := normalizeSandboxValue(map[string]any{"successful": true, "data": []any{1.0, 2.0}, "error": nil})
		assert.Equal(t, []any{1.0, 2.0}, v)
	})

	t.Run("unwraps nested envelope", func(t *testing.T) {
		v := normalizeSandboxValue(map[string]any{
			"successful": true,
			"data": map[string]any{
				"successful": true,
				"data":       "inner",
			},
		})
		assert.Equal(t, "inner", v)
	})

	t.Run("plain values pass through", func(t *testing.T) {
		assert.Equal(t, "x", normalizeSandboxValue("x"))
	})
}

func TestEmptySandboxResult(t *testing.T) {
	assert.True(t, emptySandboxResult(nil))
	assert.True(t, emptySandboxResult(map[string]any{}))
	assert.True(t, emptySandboxResult([]any{}))
	assert.True(t, emptySandboxResult(""))
	assert.False(t, emptySandboxResult(map[string]any{"a": 1}))
	assert.False(t, emptySandboxResult(0.0))
}
