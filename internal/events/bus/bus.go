// Package bus provides the event bus carrying run lifecycle events from
// the supervisor to the streaming surface. The in-memory bus serves a
// single supervisor; NATS is available for deployments that fan events
// out to other consumers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Run lifecycle subjects.
const (
	SubjectRunStarted  = "run.started"
	SubjectRunState    = "run.state"
	SubjectRunFinished = "run.finished"
)

// Event represents a message on the event bus.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Source     string         `json:"source"` // component that produced the event
	Timestamp  time.Time      `json:"timestamp"`
	Identifier string         `json:"identifier"` // run identifier
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source, identifier string, data map[string]any) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Source:     source,
		Timestamp:  time.Now().UTC(),
		Identifier: identifier,
		Data:       data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
