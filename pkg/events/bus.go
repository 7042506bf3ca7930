package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tandem-run/tandem/pkg/redact"
)

// subscriberBuffer is the channel capacity per subscriber. A subscriber
// that falls further behind drops events rather than blocking the run.
const subscriberBuffer = 256

// StreamBus fans events out to per-run subscribers. Thread-safe.
type StreamBus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event // runID → subscriber channels
}

// NewStreamBus creates an empty bus.
func NewStreamBus() *StreamBus {
	return &StreamBus{subs: make(map[string][]chan Event)}
}

// Subscribe registers a subscriber for one run's events. The returned
// cancel function removes the subscription and closes the channel.
func (b *StreamBus) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		channels := b.subs[runID]
		for i, c := range channels {
			if c == ch {
				b.subs[runID] = append(channels[:i], channels[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its run. The payload
// is redacted here so no subscriber ever sees raw secrets. Slow
// subscribers drop the event.
func (b *StreamBus) Publish(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Payload != nil {
		ev.Payload = redact.Value(ev.Payload).(map[string]any)
	}

	b.mu.RLock()
	channels := b.subs[ev.RunID]
	b.mu.RUnlock()

	for _, ch := range channels {
		select {
		case ch <- ev:
		default:
			slog.Debug("Dropping event for slow subscriber",
				"run_id", ev.RunID, "event", ev.Name)
		}
	}
}

// CloseRun removes all subscriptions for a finished run.
func (b *StreamBus) CloseRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[runID] {
		close(ch)
	}
	delete(b.subs, runID)
}
