package notifications

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox/payloads"
)

const dispatchScope = "notifications"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type idempotencyGuard interface {
	CheckAndMarkProcessed(ctx context.Context, scope string, id uuid.UUID) (bool, error)
	Delete(ctx context.Context, scope string, id uuid.UUID) error
}

// Notification is a message for a buyer. Key, when set, suppresses repeats of
// the same notification while the idempotency TTL lasts.
type Notification struct {
	Key        uuid.UUID
	Recipient  string
	Title      string
	Body       string
	OrderID    *uuid.UUID
	LineItemID *uuid.UUID
}

// Dispatcher queues notifications on the outbox. The publisher hands them to
// the notification topic; delivery happens outside this service.
type Dispatcher struct {
	tx     txRunner
	outbox outboxPublisher
	guard  idempotencyGuard
	logg   *logger.Logger
}

// NewDispatcher builds a dispatcher. guard may be nil when Redis is not configured.
func NewDispatcher(tx txRunner, outbox outboxPublisher, guard idempotencyGuard, logg *logger.Logger) (*Dispatcher, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Dispatcher{tx: tx, outbox: outbox, guard: guard, logg: logg}, nil
}

// Notify writes a notification_requested event in its own transaction.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	n.Recipient = strings.TrimSpace(n.Recipient)
	n.Title = strings.TrimSpace(n.Title)
	if n.Recipient == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "notification recipient required")
	}
	if n.Title == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "notification title required")
	}

	logCtx := d.logg.WithFields(ctx, map[string]any{"recipient": n.Recipient, "title": n.Title})
	if d.guard != nil && n.Key != uuid.Nil {
		already, err := d.guard.CheckAndMarkProcessed(ctx, dispatchScope, n.Key)
		if err != nil {
			d.logg.Warn(logCtx, "notification dedupe check failed; sending anyway")
		} else if already {
			d.logg.Info(logCtx, "notification already queued")
			return nil
		}
	}

	aggregateID := n.Key
	if n.LineItemID != nil {
		aggregateID = *n.LineItemID
	}
	if aggregateID == uuid.Nil {
		aggregateID = uuid.New()
	}
	err := d.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return d.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventNotificationRequested,
			AggregateType: enums.AggregateNotification,
			AggregateID:   aggregateID,
			Data: payloads.NotificationRequestedEvent{
				Recipient:  n.Recipient,
				Title:      n.Title,
				Body:       n.Body,
				OrderID:    n.OrderID,
				LineItemID: n.LineItemID,
			},
		})
	})
	if err != nil {
		if d.guard != nil && n.Key != uuid.Nil {
			_ = d.guard.Delete(ctx, dispatchScope, n.Key)
		}
		return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "queue notification")
	}
	d.logg.Info(logCtx, "notification queued")
	return nil
}
