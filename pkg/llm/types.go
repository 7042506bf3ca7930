// Package llm provides the provider-agnostic LLM facade: request
// normalization, provider routing, retry with backoff, cancellation
// polling, and cost accounting. Every LLM call in the runtime goes
// through the Facade.
package llm

import (
	"context"
	"errors"

	"github.com/tandem-run/tandem/pkg/budget"
	"github.com/tandem-run/tandem/pkg/config"
)

// Sentinel errors surfaced by the facade.
var (
	// ErrRequestCancelled is raised when a run-scoped cancel signal is
	// observed while a call is in flight.
	ErrRequestCancelled = errors.New("llm request cancelled")
	// ErrEmptyResponse is returned when the provider produced no text.
	ErrEmptyResponse = errors.New("llm returned empty response")
)

// Role is a conversation message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentType discriminates message content items.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// ContentItem is one part of a multi-part message. Image items route the
// request to the image-capable provider.
type ContentItem struct {
	Type ContentType

	// Text content
	Text string

	// Image content: either a URL or inline base64 with its media type.
	ImageURL  string
	ImageB64  string
	MediaType string
}

// Message is one normalized conversation message. Content is used for
// plain text; Items for multi-part content (set one, not both).
type Message struct {
	Role    Role
	Content string
	Items   []ContentItem

	// Tool result linkage (Role == RoleTool).
	ToolCallID string
	ToolName   string
}

// HasImage reports whether the message carries image content.
func (m *Message) HasImage() bool {
	for _, item := range m.Items {
		if item.Type == ContentTypeImage {
			return true
		}
	}
	return false
}

// ToolDefinition describes a tool offered to the LLM natively.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// StreamCallback receives incremental text deltas during streaming calls.
type StreamCallback func(delta string)

// Options tune one Generate call.
type Options struct {
	MaxOutputTokens  int
	JSONMode         bool
	Tools            []ToolDefinition
	ReasoningEffort  config.ReasoningEffort
	ReasoningSummary config.ReasoningSummary

	// Stream, when set, switches to streaming and delivers text deltas.
	Stream StreamCallback
}

// Request is one normalized LLM call.
type Request struct {
	// RunID scopes cancellation/retry signals and cost accounting.
	RunID    string
	Messages []Message
	Options  Options
}

// HasImageContent reports whether any message carries image content.
func (r *Request) HasImageContent() bool {
	for i := range r.Messages {
		if r.Messages[i].HasImage() {
			return true
		}
	}
	return false
}

// Response is the normalized result of one Generate call.
type Response struct {
	Text  string
	Model string
	Usage budget.TokenUsage

	// RouteReason records why this provider served the call
	// ("primary", "fallback", "image").
	RouteReason string
}

// Client is the single entry point the core consumes for LLM calls.
// Implemented by Facade; tests substitute scripted clients.
type Client interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Provider is one concrete backend behind the facade.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}
