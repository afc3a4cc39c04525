package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type categorizes events emitted by the platform.
type Type string

const (
	AnalysisStarted   Type = "analysis.started"
	AnalysisCompleted Type = "analysis.completed"
	AnalysisFailed    Type = "analysis.failed"
	AnalysisCancelled Type = "analysis.cancelled"
	DeliverySucceeded Type = "delivery.succeeded"
	DeliveryExhausted Type = "delivery.exhausted"
	ResourceChanged   Type = "resource.changed"
	KeyRotated        Type = "integration.key_rotated"
)

// Event records something that happened to an integration.
type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	IntegrationID string         `json:"integration_id,omitempty"`
	AnalysisID    string         `json:"analysis_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
}

// Handler processes events. Handlers run on their own goroutine and
// must not block on the bus.
type Handler func(ctx context.Context, event Event)

// Bus is a basic in-memory pub/sub with a bounded replay window.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[Type][]Handler
	all       []Handler
	events    []Event
	maxEvents int
}

// NewBus creates an in-memory bus keeping the last 10k events.
func NewBus() *Bus {
	return &Bus{
		handlers:  make(map[Type][]Handler),
		events:    make([]Event, 0, 1024),
		maxEvents: 10000,
	}
}

// Publish records the event and notifies handlers asynchronously.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		b.events = b.events[1:]
	}
	notify := make([]Handler, 0, len(b.handlers[event.Type])+len(b.all))
	notify = append(notify, b.handlers[event.Type]...)
	notify = append(notify, b.all...)
	b.mu.Unlock()

	for _, h := range notify {
		go h(ctx, event)
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Replay returns recorded events in the half-open window [from, to).
func (b *Bus) Replay(from, to time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events {
		if !event.Timestamp.Before(from) && event.Timestamp.Before(to) {
			result = append(result, event)
		}
	}
	return result
}
