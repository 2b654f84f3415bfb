// Package registry routes outbox rows to topics and decodes their payloads.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/config"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox/payloads"
)

// Payload is implemented by every event body the registry knows.
type Payload interface {
	Validate() error
}

// EventDescriptor binds an event type to its aggregate, topic and payload.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
	decode        func(json.RawMessage) (Payload, error)
}

// ResolvedEvent is an outbox row that passed every check and is ready to publish.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    Payload
}

// EventRegistry maps each supported event type to its descriptor.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError marks a row that will never publish as stored.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// describe builds a descriptor whose decoder yields a *T.
func describe[T any, P interface {
	*T
	Payload
}](eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, topic string) EventDescriptor {
	return EventDescriptor{
		EventType:     eventType,
		AggregateType: aggregate,
		Topic:         topic,
		decode: func(data json.RawMessage) (Payload, error) {
			var out P = new(T)
			if err := json.Unmarshal(data, out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

// NewEventRegistry wires the fulfillment events to the fulfillment topic and
// notification requests to their own topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	fulfillment := strings.TrimSpace(cfg.FulfillmentTopic)
	notification := strings.TrimSpace(cfg.NotificationTopic)
	if fulfillment == "" {
		return nil, errors.New("fulfillment topic is required")
	}
	if notification == "" {
		return nil, errors.New("notification topic is required")
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor)}
	for _, desc := range []EventDescriptor{
		describe[payloads.LineItemStatusChangedEvent](enums.EventLineItemStatusChanged, enums.AggregateLineItem, fulfillment),
		describe[payloads.LineItemGroupChangedEvent](enums.EventLineItemGroupChanged, enums.AggregateOrder, fulfillment),
		describe[payloads.RefundIssuedEvent](enums.EventRefundIssued, enums.AggregatePayment, fulfillment),
		describe[payloads.DeliveryFeeRefundedEvent](enums.EventDeliveryFeeRefunded, enums.AggregatePayment, fulfillment),
		describe[payloads.NotificationRequestedEvent](enums.EventNotificationRequested, enums.AggregateNotification, notification),
	} {
		if _, dup := reg.entries[desc.EventType]; dup {
			return nil, fmt.Errorf("event type %s registered twice", desc.EventType)
		}
		reg.entries[desc.EventType] = desc
	}
	return reg, nil
}

// Topics lists the distinct topics events are routed to.
func (r *EventRegistry) Topics() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 2)
	for _, desc := range r.entries {
		if _, ok := seen[desc.Topic]; ok {
			continue
		}
		seen[desc.Topic] = struct{}{}
		out = append(out, desc.Topic)
	}
	return out
}

// Resolve checks the row against its descriptor, decodes the envelope and
// validates the typed payload. Every failure is non-retryable.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	}
	if desc.AggregateType != event.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType))
	}
	if event.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(errors.New("missing aggregate_id"))
	}

	envelope, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("%s: %w", event.EventType, err))
	}

	payload, err := desc.decode(envelope.Data)
	if err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}
	if err := payload.Validate(); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("invalid %s payload: %w", event.EventType, err))
	}

	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
