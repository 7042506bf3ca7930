package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/toolindex"
)

// Dispatcher is the tool dispatch contract the core consumes. Every
// implementation returns the canonical envelope; a Go error is reserved
// for infrastructure failures where no envelope exists.
type Dispatcher interface {
	DispatchTool(ctx context.Context, provider, tool string, payload map[string]any) (*models.Envelope, error)
}

// ClientDispatcher implements Dispatcher over a live MCP client.
type ClientDispatcher struct {
	client *Client
	index  *toolindex.Index
}

// NewClientDispatcher wires a dispatcher over the client and index.
func NewClientDispatcher(client *Client, index *toolindex.Index) *ClientDispatcher {
	return &ClientDispatcher{client: client, index: index}
}

// DispatchTool resolves the wire-level MCP tool name and executes the
// call — the client dials the provider on first use — then normalizes
// the result to an envelope.
func (d *ClientDispatcher) DispatchTool(ctx context.Context, provider, tool string, payload map[string]any) (*models.Envelope, error) {
	mcpName, err := d.index.ResolveMCPToolName(provider, tool)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve MCP tool name: %w", err)
	}

	if payload == nil {
		payload = map[string]any{}
	}

	result, err := d.client.CallTool(ctx, provider, mcpName, payload)
	if err != nil {
		return nil, fmt.Errorf("tool execution failed for %s.%s: %w", provider, tool, err)
	}

	return EnvelopeFromResult(result), nil
}

// EnvelopeFromResult normalizes an MCP tool result to the canonical
// envelope. Tools that already speak the envelope protocol (a JSON
// object with a boolean "successful") pass through; anything else is
// wrapped with successful = !isError.
func EnvelopeFromResult(result *mcpsdk.CallToolResult) *models.Envelope {
	text := extractTextContent(result)

	if env, ok := models.EnvelopeFromJSON([]byte(text)); ok {
		return env
	}

	env := &models.Envelope{Successful: !result.IsError}

	// Prefer structured data when the text parses as JSON.
	var data any
	if err := json.Unmarshal([]byte(text), &data); err == nil {
		env.Data = data
	} else {
		env.Data = text
	}
	if result.IsError {
		env.Error = text
		env.Data = nil
	}
	return env
}

// extractTextContent concatenates the text items of an MCP result.
// Non-text content (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("MCP tool returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}
