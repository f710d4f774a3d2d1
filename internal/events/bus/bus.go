// Package bus provides the typed pub/sub channel layer between orchestrator
// components. Subjects follow NATS conventions: dot-separated tokens with
// "*" matching one token and ">" matching the rest.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known subject prefixes.
const (
	subjectTasks   = "tasks."
	subjectResults = "results."
	subjectEvents  = "events."
)

// TaskSubject returns the pending-work subject for an agent.
func TaskSubject(agentID string) string { return subjectTasks + agentID }

// ResultSubject returns the terminal-outcome subject for a task.
func ResultSubject(taskID string) string { return subjectResults + taskID }

// EventSubject returns the lifecycle event subject for a kind,
// e.g. EventSubject("task.completed") -> "events.task.completed".
func EventSubject(kind string) string { return subjectEvents + kind }

// AllEvents matches every lifecycle event.
const AllEvents = "events.>"

// Event represents a message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
// Handlers must be idempotent: delivery is at-least-once.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport between orchestrator components.
// Within a single subject, delivery preserves publication order.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
