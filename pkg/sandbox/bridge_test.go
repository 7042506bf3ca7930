package sandbox

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/pkg/mcp"
	"github.com/tandem-run/tandem/pkg/models"
)

func postBridge(t *testing.T, b *Bridge, token string, body any) (*http.Response, *models.Envelope) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, b.URL(), bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env models.Envelope
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp, &env
}

func TestBridge(t *testing.T) {
	stub := mcp.NewStubDispatcher()
	stub.Script("gmail", "gmail_search", &models.Envelope{
		Successful: true,
		Data:       map[string]any{"messages": []any{}},
	})

	bridge, err := NewBridge(stub)
	require.NoError(t, err)
	defer func() { _ = bridge.Close() }()

	t.Run("dispatches with valid token", func(t *testing.T) {
		resp, env := postBridge(t, bridge, bridge.Token(), map[string]any{
			"provider": "gmail", "tool": "gmail_search",
			"payload": map[string]any{"query": "from:alice"},
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, env.Successful)

		calls := stub.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "gmail", calls[0].Provider)
		assert.Equal(t, map[string]any{"query": "from:alice"}, calls[0].Payload)
	})

	t.Run("rejects missing token", func(t *testing.T) {
		resp, _ := postBridge(t, bridge, "", map[string]any{"provider": "gmail", "tool": "x"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("missing provider yields failed envelope", func(t *testing.T) {
		resp, env := postBridge(t, bridge, bridge.Token(), map[string]any{"tool": "x"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.False(t, env.Successful)
		assert.Contains(t, env.Error, "missing provider")
	})

	t.Run("unscripted tool yields failed envelope", func(t *testing.T) {
		resp, env := postBridge(t, bridge, bridge.Token(), map[string]any{
			"provider": "gmail", "tool": "unknown",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.False(t, env.Successful)
	})
}
