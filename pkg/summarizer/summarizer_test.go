package summarizer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/llm/llmtest"
)

func bigPayload(tokens int) map[string]any {
	return map[string]any{"blob": strings.Repeat("abcd", tokens)}
}

func TestProcessUnderThreshold(t *testing.T) {
	mock := llmtest.NewMock()
	s := New(mock)

	raw := map[string]any{"successful": true, "data": "small"}
	outcome, err := s.Process(context.Background(), &Input{
		RunID: "run-1", Task: "t", ActionIdentity: "gmail.gmail_search",
		Raw: raw, Source: SourceTool,
	})
	require.NoError(t, err)

	assert.False(t, outcome.Summarized)
	assert.Equal(t, raw, outcome.Payload)
	assert.Equal(t, outcome.OriginalTokens, outcome.CompressedTokens)
	assert.Zero(t, mock.Calls(), "no LLM call for small payloads")
}

func TestProcessCompressesLargeToolPayload(t *testing.T) {
	compressed := `{"success": true, "data": {"status": "ok", "key_facts": ["3 emails"], "records": [], "excerpts": [], "pagination": null, "errors": [], "paths_used": [], "omitted_summary": "bodies", "missing": ""}, "error": null}`
	mock := llmtest.NewMock(compressed)
	s := New(mock)

	outcome, err := s.Process(context.Background(), &Input{
		RunID: "run-1", Task: "find emails", ActionIdentity: "gmail.gmail_search",
		Raw: bigPayload(config.DefaultToolSummarizeThreshold + 100), Source: SourceTool,
	})
	require.NoError(t, err)

	assert.True(t, outcome.Summarized)
	assert.Greater(t, outcome.OriginalTokens, config.DefaultToolSummarizeThreshold)
	assert.Less(t, outcome.CompressedTokens, outcome.OriginalTokens)

	payload := outcome.Payload.(map[string]any)
	assert.Equal(t, true, payload["success"])

	// Request contract: JSON mode, low effort, headroom-bounded output.
	require.Len(t, mock.Requests, 1)
	req := mock.Requests[0]
	assert.True(t, req.Options.JSONMode)
	assert.Equal(t, config.ReasoningEffortLow, req.Options.ReasoningEffort)
	expectedMax := int(1.2 * 0.60 * float64(outcome.OriginalTokens))
	assert.Equal(t, expectedMax, req.Options.MaxOutputTokens)
}

func TestProcessSandboxThresholdIsHigher(t *testing.T) {
	mock := llmtest.NewMock()
	s := New(mock)

	// Between the tool and sandbox thresholds: a sandbox payload passes
	// through untouched.
	outcome, err := s.Process(context.Background(), &Input{
		RunID: "run-1", Task: "t", ActionIdentity: "sandbox.fetch",
		Raw: bigPayload(config.DefaultToolSummarizeThreshold + 100), Source: SourceSandbox,
	})
	require.NoError(t, err)
	assert.False(t, outcome.Summarized)
	assert.Zero(t, mock.Calls())
}

func TestProcessFailuresPropagate(t *testing.T) {
	t.Run("LLM error", func(t *testing.T) {
		mock := llmtest.NewMock()
		mock.Add(llmtest.Entry{Err: errors.New("provider down")})
		s := New(mock)

		_, err := s.Process(context.Background(), &Input{
			RunID: "run-1", Task: "t", ActionIdentity: "gmail.x",
			Raw: bigPayload(config.DefaultToolSummarizeThreshold + 100), Source: SourceTool,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "summarization LLM call failed")
	})

	t.Run("invalid JSON", func(t *testing.T) {
		mock := llmtest.NewMock("this is not json")
		s := New(mock)

		_, err := s.Process(context.Background(), &Input{
			RunID: "run-1", Task: "t", ActionIdentity: "gmail.x",
			Raw: bigPayload(config.DefaultToolSummarizeThreshold + 100), Source: SourceTool,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid JSON")
	})
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
