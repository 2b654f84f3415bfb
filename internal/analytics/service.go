// Package analytics streams published fulfillment events into BigQuery.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
)

const consumerName = "analytics"

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *gcppubsub.Message)) error
}

type rowWriter interface {
	Write(ctx context.Context, row *EventRow) error
}

type idempotencyChecker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Delete(ctx context.Context, consumer string, eventID uuid.UUID) error
}

// Service consumes the fulfillment events subscription. The idempotency
// manager is optional; without it dedupe relies on BigQuery insert ids.
type Service struct {
	subscription receiver
	writer       rowWriter
	manager      idempotencyChecker
	logg         *logger.Logger
}

func NewService(subscription receiver, writer rowWriter, manager idempotencyChecker, logg *logger.Logger) (*Service, error) {
	if subscription == nil {
		return nil, errors.New("analytics subscription is required")
	}
	if writer == nil {
		return nil, errors.New("analytics writer is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		subscription: subscription,
		writer:       writer,
		manager:      manager,
		logg:         logg,
	}, nil
}

// Run consumes messages until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	return s.subscription.Receive(ctx, func(innerCtx context.Context, msg *gcppubsub.Message) {
		if s.process(innerCtx, msg) {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// process returns true when the message should be redelivered.
func (s *Service) process(ctx context.Context, msg *gcppubsub.Message) bool {
	fields := map[string]any{"message_id": msg.ID}
	logCtx := s.logg.WithFields(ctx, fields)

	envelope, err := buildEnvelope(msg)
	if err != nil {
		s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "invalid analytics envelope")
		return false
	}
	fields["event_id"] = envelope.EventID
	fields["event_type"] = envelope.EventType
	fields["aggregate_id"] = envelope.AggregateID
	logCtx = s.logg.WithFields(ctx, fields)

	if !Ingests(envelope.EventType) {
		s.logg.Debug(logCtx, "event not ingested")
		return false
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		s.logg.Warn(logCtx, "invalid event id")
		return false
	}

	if s.manager != nil {
		already, err := s.manager.CheckAndMarkProcessed(logCtx, consumerName, eventID)
		if err != nil {
			s.logg.Error(logCtx, "idempotency check failed", err)
			return true
		}
		if already {
			s.logg.Info(logCtx, "event already processed")
			return false
		}
	}

	row, err := BuildRow(*envelope)
	if err != nil {
		s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "undecodable event payload")
		return false
	}
	if err := s.writer.Write(logCtx, row); err != nil {
		s.logg.Error(logCtx, "failed to write analytics row", err)
		if s.manager != nil {
			_ = s.manager.Delete(logCtx, consumerName, eventID)
		}
		return true
	}

	s.logg.Info(logCtx, "analytics event ingested")
	return false
}

func buildEnvelope(msg *gcppubsub.Message) (*Envelope, error) {
	stored, err := outbox.DecodeEnvelope(msg.Data)
	if err != nil {
		return nil, err
	}

	eventType, err := enums.ParseOutboxEventType(strings.TrimSpace(msg.Attributes["event_type"]))
	if err != nil {
		return nil, fmt.Errorf("event_type: %w", err)
	}
	aggregateType, err := enums.ParseOutboxAggregateType(strings.TrimSpace(msg.Attributes["aggregate_type"]))
	if err != nil {
		return nil, fmt.Errorf("aggregate_type: %w", err)
	}
	aggregateID := strings.TrimSpace(msg.Attributes["aggregate_id"])
	if aggregateID == "" {
		return nil, errors.New("aggregate_id missing")
	}

	occurredAt := stored.OccurredAt
	if occurredAt.IsZero() {
		if created := strings.TrimSpace(msg.Attributes["created_at"]); created != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, created); err == nil {
				occurredAt = parsed
			}
		}
	}

	eventID := stored.EventID
	if eventID == "" {
		eventID = strings.TrimSpace(msg.Attributes["event_id"])
	}
	if eventID == "" {
		return nil, errors.New("event_id missing")
	}

	return &Envelope{
		EventID:       eventID,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		OccurredAt:    occurredAt.UTC(),
		Actor:         stored.Actor,
		Payload:       stored.Data,
	}, nil
}
