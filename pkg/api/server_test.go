package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/pkg/budget"
	"github.com/tandem-run/tandem/pkg/config"
	"github.com/tandem-run/tandem/pkg/events"
	"github.com/tandem-run/tandem/pkg/llm/llmtest"
	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/orchestrator"
	"github.com/tandem-run/tandem/pkg/runtime"
	"github.com/tandem-run/tandem/pkg/signals"
	"github.com/tandem-run/tandem/pkg/toolindex"
	"github.com/tandem-run/tandem/pkg/translator"
)

func newTestServer(t *testing.T, mock *llmtest.Mock) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Budget:  config.BudgetDefaults{MaxSteps: 15, MaxToolCalls: 40, MaxCodeRuns: 10, MaxCostUSD: 5},
		Runtime: config.RuntimeConfig{LogsDir: t.TempDir(), MaxConcurrentRuns: 2},
	}
	idx := toolindex.New(nil)
	trans := translator.New(nil)
	trans.DisableLLM = true
	sigBus := signals.NewBus()
	costs := budget.NewCostTracker()
	stream := events.NewStreamBus()
	orch := orchestrator.New(mock, trans, idx, sigBus, costs, nil, nil)
	rt := runtime.New(cfg, orch, idx, sigBus, costs, stream)

	return NewServer(rt)
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, llmtest.NewMock())
	rec := doJSON(t, server, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCreateRun(t *testing.T) {
	mock := llmtest.NewMock(`{"type": "task_complete", "reasoning": "done"}`)
	server := newTestServer(t, mock)

	rec := doJSON(t, server, http.MethodPost, "/api/runs", map[string]any{
		"task":   "say hello",
		"tenant": map[string]any{"tenant_id": "t1", "request_id": "r1"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	runID := resp["run_id"]
	require.NotEmpty(t, runID)

	// The run is async: poll until terminal.
	require.Eventually(t, func() bool {
		rec := doJSON(t, server, http.MethodGet, "/api/runs/"+runID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var state models.RunState
		if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
			return false
		}
		return state.Terminal()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCreateRunValidation(t *testing.T) {
	server := newTestServer(t, llmtest.NewMock())

	rec := doJSON(t, server, http.MethodPost, "/api/runs", map[string]any{"task": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/runs", map[string]any{
		"task":             "x",
		"tool_constraints": map[string]any{"mode": "custom", "providers": []string{"ghost"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunNotFound(t *testing.T) {
	server := newTestServer(t, llmtest.NewMock())
	rec := doJSON(t, server, http.MethodGet, "/api/runs/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRunNotFound(t *testing.T) {
	server := newTestServer(t, llmtest.NewMock())
	rec := doJSON(t, server, http.MethodPost, "/api/runs/nonexistent/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
