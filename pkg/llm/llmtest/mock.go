// Package llmtest provides a scripted LLM client for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tandem-run/tandem/pkg/budget"
	"github.com/tandem-run/tandem/pkg/llm"
)

// Mock is a Client that replays scripted responses in order. Each entry
// is either a response text or an error.
type Mock struct {
	mu       sync.Mutex
	script   []Entry
	position int

	// Requests records every request, in order, for assertions.
	Requests []*llm.Request
}

// Entry is one scripted exchange.
type Entry struct {
	Text  string
	Usage budget.TokenUsage
	Err   error
}

// NewMock builds a mock from response texts.
func NewMock(texts ...string) *Mock {
	m := &Mock{}
	for _, t := range texts {
		m.script = append(m.script, Entry{Text: t})
	}
	return m
}

// Add appends a scripted entry.
func (m *Mock) Add(entry Entry) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, entry)
	return m
}

// Generate implements llm.Client.
func (m *Mock) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if m.position >= len(m.script) {
		return nil, fmt.Errorf("mock LLM script exhausted after %d calls", m.position)
	}
	entry := m.script[m.position]
	m.position++

	if entry.Err != nil {
		return nil, entry.Err
	}
	return &llm.Response{Text: entry.Text, Model: "mock", Usage: entry.Usage}, nil
}

// Calls returns how many calls the mock served.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}
