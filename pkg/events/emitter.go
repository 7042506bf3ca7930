package events

import "context"

// Emitter publishes events for one run with its identity pre-bound.
// A nil Emitter is valid and drops every event, so deep call sites never
// nil-check before emitting.
type Emitter struct {
	bus    *StreamBus
	runID  string
	taskID string
	userID string
}

// NewEmitter binds a bus to a run identity.
func NewEmitter(bus *StreamBus, runID, taskID, userID string) *Emitter {
	return &Emitter{bus: bus, runID: runID, taskID: taskID, userID: userID}
}

// Emit publishes one named event with the given payload.
func (e *Emitter) Emit(name string, payload map[string]any) {
	if e == nil || e.bus == nil {
		return
	}
	e.bus.Publish(Event{
		Name:    name,
		RunID:   e.runID,
		TaskID:  e.taskID,
		UserID:  e.userID,
		Payload: payload,
	})
}

type emitterKey struct{}

// WithEmitter binds the run's emitter into the context. Downstream code
// retrieves it with EmitterFrom; the binding is the only ambient channel
// between the core and the stream surface.
func WithEmitter(ctx context.Context, em *Emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, em)
}

// EmitterFrom returns the context's emitter, or a nil emitter (which
// drops events) when none is bound.
func EmitterFrom(ctx context.Context) *Emitter {
	if em, ok := ctx.Value(emitterKey{}).(*Emitter); ok {
		return em
	}
	return nil
}
