package telemetry

import (
	"context"
	"time"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/rabbitmq"
)

// EventEnvelope is the wire format of mirrored message events.
type EventEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	Payload       models.Event `json:"payload"`
}

// EventEmitter mirrors change-feed events to the message broker.
type EventEmitter struct {
	publisher   rabbitmq.Publisher
	service     string
	environment string
}

// NewEventEmitter constructs an EventEmitter.
func NewEventEmitter(publisher rabbitmq.Publisher, service, environment string) *EventEmitter {
	return &EventEmitter{
		publisher:   publisher,
		service:     service,
		environment: environment,
	}
}

// Emit publishes the event under a per-kind routing key. Failures are
// counted and logged by the publisher; the change feed itself is the source
// of truth, the mirror is best effort.
func (e *EventEmitter) Emit(ctx context.Context, ev models.Event) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := EventEnvelope{
		SchemaVersion: 1,
		EventType:     string(ev.Kind),
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		Payload:       ev,
	}
	_ = e.publisher.Publish(ctx, routingKey(ev.Kind), envelope)
}

func routingKey(kind models.EventKind) string {
	switch kind {
	case models.EventMessageCreated:
		return "messages.created"
	case models.EventMessagesRead:
		return "messages.read"
	default:
		return "messages.other"
	}
}
