package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType names an alert lifecycle event.
type EventType string

const (
	EventTriggered    EventType = "alert.triggered"
	EventAcknowledged EventType = "alert.acknowledged"
	EventResolved     EventType = "alert.resolved"
)

// Event is emitted after an alert is created or changes status. It carries a
// snapshot of the alert so subscribers never read back into the alert table.
type Event struct {
	Type       EventType  `json:"type"`
	Alert      Alert      `json:"alert"`
	ActorID    *uuid.UUID `json:"actorId,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// Publisher receives lifecycle events. A publisher failure never rolls back
// the alert change that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// MultiPublisher fans an event out to every publisher and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
