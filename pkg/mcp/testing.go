package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/tandem-run/tandem/pkg/models"
)

// StubDispatcher is a scripted Dispatcher for tests and dry runs.
// Responses are keyed by "provider.tool"; unscripted calls return a
// failed envelope naming the missing script entry.
type StubDispatcher struct {
	mu        sync.Mutex
	responses map[string][]*models.Envelope // key → FIFO of envelopes
	calls     []StubCall
}

// StubCall records one dispatched call.
type StubCall struct {
	Provider string
	Tool     string
	Payload  map[string]any
}

// NewStubDispatcher creates an empty stub.
func NewStubDispatcher() *StubDispatcher {
	return &StubDispatcher{responses: make(map[string][]*models.Envelope)}
}

// Script appends an envelope to the FIFO for provider.tool.
func (s *StubDispatcher) Script(provider, tool string, env *models.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.JoinToolID(provider, tool)
	s.responses[key] = append(s.responses[key], env)
}

// DispatchTool implements Dispatcher.
func (s *StubDispatcher) DispatchTool(_ context.Context, provider, tool string, payload map[string]any) (*models.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, StubCall{Provider: provider, Tool: tool, Payload: payload})

	key := models.JoinToolID(provider, tool)
	queue := s.responses[key]
	if len(queue) == 0 {
		return models.NewErrorEnvelope(fmt.Sprintf("no scripted response for %s", key)), nil
	}
	env := queue[0]
	s.responses[key] = queue[1:]
	return env, nil
}

// Calls returns the recorded calls in order.
func (s *StubDispatcher) Calls() []StubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StubCall, len(s.calls))
	copy(out, s.calls)
	return out
}
