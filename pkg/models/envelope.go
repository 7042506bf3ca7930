// Package models defines the core data types shared across the Tandem
// runtime: requests, run state, planner steps, tool descriptors, and the
// canonical envelope contract.
package models

import "encoding/json"

// Envelope is the canonical tool/sandbox response contract. Every layer
// reads Successful first; Data and Error are opaque to the core.
type Envelope struct {
	Successful bool   `json:"successful"`
	Data       any    `json:"data"`
	Error      string `json:"error,omitempty"`
	Logs       any    `json:"logs,omitempty"`
}

// NewErrorEnvelope builds a failed envelope carrying the given error text.
func NewErrorEnvelope(errMsg string) *Envelope {
	return &Envelope{Successful: false, Error: errMsg}
}

// EnvelopeFromJSON parses raw bytes into an Envelope. Returns (nil, false)
// when the bytes are not a JSON object with a boolean "successful" key —
// callers wrap such payloads instead of failing.
func EnvelopeFromJSON(raw []byte) (*Envelope, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false
	}
	succRaw, ok := probe["successful"]
	if !ok {
		return nil, false
	}
	var successful bool
	if err := json.Unmarshal(succRaw, &successful); err != nil {
		return nil, false
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	return &env, true
}

// AllEmbeddedSuccessful walks a decoded JSON value recursively and reports
// whether every embedded envelope (any map carrying a boolean "successful")
// has successful=true. The second return is the number of envelopes found.
func AllEmbeddedSuccessful(v any) (bool, int) {
	allOK := true
	count := 0
	var walk func(node any)
	walk = func(node any) {
		switch n := node.(type) {
		case map[string]any:
			if succ, ok := n["successful"].(bool); ok {
				count++
				if !succ {
					allOK = false
				}
			}
			for _, child := range n {
				walk(child)
			}
		case []any:
			for _, child := range n {
				walk(child)
			}
		}
	}
	walk(v)
	return allOK, count
}
