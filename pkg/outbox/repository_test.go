package outbox

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/dbtest"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/pagination"
)

func TestEmitWritesEnvelopeInTransaction(t *testing.T) {
	client, conn := dbtest.Client(t)
	repo := NewRepository(conn)
	svc := NewService(repo, logger.New(logger.Options{ServiceName: "outbox-test", Output: io.Discard}))

	aggregateID := uuid.New()
	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventLineItemStatusChanged,
			AggregateType: enums.AggregateLineItem,
			AggregateID:   aggregateID,
			Actor:         &ActorRef{Ref: "ops-1", Role: "admin"},
			Data:          map[string]string{"to": "HOLD"},
		})
	}))

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		if err := svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventLineItemStatusChanged,
			AggregateType: enums.AggregateLineItem,
			AggregateID:   uuid.New(),
			Data:          map[string]string{"to": "SHIPPINGING"},
		}); err != nil {
			return err
		}
		return errors.New("rollback")
	})
	require.Error(t, err)

	rows, err := repo.FetchUnpublished(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, aggregateID, rows[0].AggregateID)
	require.Contains(t, string(rows[0].Payload), `"ref":"ops-1"`)
	require.Contains(t, string(rows[0].Payload), `"version":1`)
}

func TestEmitUsesContextActorAndValidatesEvent(t *testing.T) {
	client, conn := dbtest.Client(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)

	ctx := WithActor(context.Background(), ActorRef{Ref: "ops-2", Role: "operator"})
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventLineItemGroupChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
			Data:          map[string]int{"group_number": 2},
		})
	}))
	rows, err := repo.FetchUnpublished(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Contains(t, string(rows[0].Payload), `"ref":"ops-2"`)

	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Emit(ctx, tx, DomainEvent{
			EventType:     "order_exploded",
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
		})
	})
	require.Error(t, err)

	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventLineItemStatusChanged,
			AggregateType: enums.AggregateLineItem,
		})
	})
	require.Error(t, err)
}

func TestEmitRequiresTransaction(t *testing.T) {
	svc := NewService(NewRepository(nil), nil)
	require.Error(t, svc.Emit(context.Background(), nil, DomainEvent{}))
}

func TestPublishBookkeeping(t *testing.T) {
	client, conn := dbtest.Client(t)
	repo := NewRepository(conn)

	first := models.OutboxEvent{EventType: enums.EventRefundIssued, AggregateType: enums.AggregatePayment, AggregateID: uuid.New(), Payload: []byte(`{}`)}
	second := models.OutboxEvent{EventType: enums.EventRefundIssued, AggregateType: enums.AggregatePayment, AggregateID: uuid.New(), Payload: []byte(`{}`)}
	third := models.OutboxEvent{EventType: enums.EventRefundIssued, AggregateType: enums.AggregatePayment, AggregateID: uuid.New(), Payload: []byte(`{}`)}
	for _, row := range []*models.OutboxEvent{&first, &second, &third} {
		require.NoError(t, conn.Create(row).Error)
	}

	ctx := context.Background()
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := repo.MarkPublishedTx(tx, first.ID); err != nil {
			return err
		}
		if err := repo.MarkFailedTx(tx, second.ID, errors.New("timeout")); err != nil {
			return err
		}
		return repo.MarkTerminalTx(tx, third.ID, errors.New("bad payload"), 3)
	}))

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := repo.FetchUnpublishedForPublish(tx, 10, 3)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, second.ID, rows[0].ID)
		require.Equal(t, 1, rows[0].AttemptCount)
		require.NotNil(t, rows[0].LastError)
		require.Equal(t, "timeout", *rows[0].LastError)
		return nil
	}))
}

func TestDeletePublishedBefore(t *testing.T) {
	client, conn := dbtest.Client(t)
	repo := NewRepository(conn)

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	oldPublished := models.OutboxEvent{EventType: enums.EventRefundIssued, AggregateType: enums.AggregatePayment, AggregateID: uuid.New(), Payload: []byte(`{}`), CreatedAt: old, PublishedAt: &old}
	freshPublished := models.OutboxEvent{EventType: enums.EventRefundIssued, AggregateType: enums.AggregatePayment, AggregateID: uuid.New(), Payload: []byte(`{}`), CreatedAt: now, PublishedAt: &now}
	oldParked := models.OutboxEvent{EventType: enums.EventRefundIssued, AggregateType: enums.AggregatePayment, AggregateID: uuid.New(), Payload: []byte(`{}`), CreatedAt: old, AttemptCount: 5}
	oldPending := models.OutboxEvent{EventType: enums.EventRefundIssued, AggregateType: enums.AggregatePayment, AggregateID: uuid.New(), Payload: []byte(`{}`), CreatedAt: old, AttemptCount: 1}
	for _, row := range []*models.OutboxEvent{&oldPublished, &freshPublished, &oldParked, &oldPending} {
		require.NoError(t, conn.Create(row).Error)
	}

	var deleted int64
	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		deleted, err = repo.DeletePublishedBefore(context.Background(), tx, now.Add(-24*time.Hour), 5)
		return err
	}))
	require.Equal(t, int64(2), deleted)

	var remaining []models.OutboxEvent
	require.NoError(t, conn.Order("created_at ASC").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	ids := []uuid.UUID{remaining[0].ID, remaining[1].ID}
	require.ElementsMatch(t, []uuid.UUID{freshPublished.ID, oldPending.ID}, ids)
}

func TestDLQRepository(t *testing.T) {
	client, conn := dbtest.Client(t)
	dlq := NewDLQRepository(conn)

	eventID := uuid.New()
	long := make([]byte, maxDLQErrorLen+10)
	for i := range long {
		long[i] = 'x'
	}
	msg := string(long)
	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return dlq.InsertTx(tx, models.OutboxDLQ{
			EventID:       eventID,
			EventType:     enums.EventNotificationRequested,
			AggregateType: enums.AggregateNotification,
			AggregateID:   uuid.New(),
			Payload:       []byte(`{}`),
			ErrorReason:   enums.OutboxDLQReasonNonRetryable,
			ErrorMessage:  &msg,
		})
	}))

	found, err := dlq.FindByEventID(context.Background(), eventID)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Len(t, *found.ErrorMessage, maxDLQErrorLen)

	missing, err := dlq.FindByEventID(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Nil(t, missing)

	rows, next, err := dlq.ListPage(context.Background(), pagination.Params{}, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Empty(t, next)
}

func TestDLQListPageWalksCursor(t *testing.T) {
	client, conn := dbtest.Client(t)
	dlq := NewDLQRepository(conn)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		entry := models.OutboxDLQ{
			EventID:       uuid.New(),
			EventType:     enums.EventNotificationRequested,
			AggregateType: enums.AggregateNotification,
			AggregateID:   uuid.New(),
			Payload:       []byte(`{}`),
			ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
			FailedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
			return dlq.InsertTx(tx, entry)
		}))
	}

	first, next, err := dlq.ListPage(context.Background(), pagination.Params{Limit: 2}, "")
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotEmpty(t, next)
	require.True(t, first[0].FailedAt.After(first[1].FailedAt))

	second, next, err := dlq.ListPage(context.Background(), pagination.Params{Limit: 2, Cursor: next}, "")
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Empty(t, next)
	require.True(t, second[0].FailedAt.Equal(base))

	_, _, err = dlq.ListPage(context.Background(), pagination.Params{Cursor: "%%%"}, "")
	require.Error(t, err)
}

func TestDLQListPageFiltersByReason(t *testing.T) {
	client, conn := dbtest.Client(t)
	dlq := NewDLQRepository(conn)

	for _, reason := range []enums.OutboxDLQErrorReason{
		enums.OutboxDLQReasonMaxAttempts,
		enums.OutboxDLQReasonNonRetryable,
		enums.OutboxDLQReasonNonRetryable,
	} {
		entry := models.OutboxDLQ{
			EventID:       uuid.New(),
			EventType:     enums.EventLineItemStatusChanged,
			AggregateType: enums.AggregateLineItem,
			AggregateID:   uuid.New(),
			Payload:       []byte(`{}`),
			ErrorReason:   reason,
			FailedAt:      time.Now().UTC(),
		}
		require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
			return dlq.InsertTx(tx, entry)
		}))
	}

	rows, _, err := dlq.ListPage(context.Background(), pagination.Params{}, enums.OutboxDLQReasonNonRetryable)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, enums.OutboxDLQReasonNonRetryable, row.ErrorReason)
	}
}

func TestDLQDeleteFailedBefore(t *testing.T) {
	client, conn := dbtest.Client(t)
	dlq := NewDLQRepository(conn)

	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	for _, failedAt := range []time.Time{now.AddDate(0, 0, -120), now.AddDate(0, 0, -91), now.AddDate(0, 0, -3)} {
		entry := models.OutboxDLQ{
			EventID:       uuid.New(),
			EventType:     enums.EventRefundIssued,
			AggregateType: enums.AggregatePayment,
			AggregateID:   uuid.New(),
			Payload:       []byte(`{}`),
			ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
			FailedAt:      failedAt,
		}
		require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
			return dlq.InsertTx(tx, entry)
		}))
	}

	var purged int64
	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		purged, err = dlq.DeleteFailedBefore(context.Background(), tx, now.AddDate(0, 0, -90))
		return err
	}))
	require.Equal(t, int64(2), purged)

	rows, _, err := dlq.ListPage(context.Background(), pagination.Params{}, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = dlq.DeleteFailedBefore(context.Background(), nil, now)
	require.Error(t, err)
}
