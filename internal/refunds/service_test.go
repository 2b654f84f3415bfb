package refunds

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/internal/lineitems"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/dbtest"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/locks"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/square"
)

type stubProvider struct {
	calls []square.RefundParams
	err   error
}

func (s *stubProvider) RefundPayment(_ context.Context, params square.RefundParams) (square.Refund, error) {
	s.calls = append(s.calls, params)
	if s.err != nil {
		return square.Refund{}, s.err
	}
	return square.Refund{ID: "rf-" + params.IdempotencyKey[:8], Status: "PENDING"}, nil
}

func newTestService(t *testing.T) (Service, *gorm.DB, *stubProvider) {
	t.Helper()
	client, conn := dbtest.Client(t)
	logg := logger.New(logger.Options{ServiceName: "refunds-test", Output: io.Discard})
	provider := &stubProvider{}
	svc, err := NewService(
		NewRepository(conn),
		lineitems.NewRepository(conn),
		client,
		locks.NewKeyedMutex(),
		provider,
		outbox.NewService(outbox.NewRepository(conn), logg),
		nil,
		logg,
	)
	require.NoError(t, err)
	return svc, conn, provider
}

func TestQuoteHasNoSideEffects(t *testing.T) {
	svc, conn, provider := newTestService(t)
	order := dbtest.SeedOrder(t, conn, func(o *models.Order) {
		o.CouponType = enums.CouponTypeFlat
		o.CouponAmount = 500
	})
	item := dbtest.SeedLineItem(t, conn, order.ID)
	dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindOrder, 27000)

	quote, err := svc.Quote(context.Background(), QuoteRequest{
		OrderID:     order.ID,
		Flow:        enums.RefundFlowCancel,
		Items:       []ItemSelection{{LineItemID: item.ID, Quantity: 2}},
		Adjustments: Adjustments{ManualDeductionCents: 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(16500), quote.FinalCents)
	assert.Empty(t, provider.calls)

	var refunds int64
	require.NoError(t, conn.Model(&models.RefundRecord{}).Count(&refunds).Error)
	assert.Zero(t, refunds)
}

func TestApplyRefundsAndUpdatesBalances(t *testing.T) {
	svc, conn, provider := newTestService(t)
	order := dbtest.SeedOrder(t, conn, func(o *models.Order) { o.UsedPoints = 500 })
	item := dbtest.SeedLineItem(t, conn, order.ID)
	payment := dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindOrder, 27000)

	res, err := svc.Apply(context.Background(), QuoteRequest{
		OrderID:     order.ID,
		Flow:        enums.RefundFlowCancel,
		Items:       []ItemSelection{{LineItemID: item.ID, Quantity: 2}},
		Adjustments: Adjustments{Points: 200},
		Reason:      "customer cancelled",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(18000), res.Refund.AmountCents)
	require.Len(t, provider.calls, 1)
	assert.Equal(t, payment.ProviderPaymentID, provider.calls[0].PaymentID)
	assert.Equal(t, int64(18000), provider.calls[0].AmountCents)
	assert.Equal(t, res.Refund.IdempotencyKey, provider.calls[0].IdempotencyKey)

	var gotItem models.LineItem
	require.NoError(t, conn.First(&gotItem, "id = ?", item.ID).Error)
	assert.Equal(t, int64(18000), gotItem.RefundedAmountCents)

	var gotOrder models.Order
	require.NoError(t, conn.First(&gotOrder, "id = ?", order.ID).Error)
	assert.Equal(t, int64(18000), gotOrder.RefundedAmountCents)
	assert.Equal(t, int64(200), gotOrder.RefundedPoints)

	var gotPayment models.PaymentRecord
	require.NoError(t, conn.First(&gotPayment, "id = ?", payment.ID).Error)
	assert.Equal(t, enums.PaymentStatusComplete, gotPayment.Status)
	assert.Equal(t, int64(18000), gotPayment.RefundedAmountCents)

	// the remaining unit refunds under a new key and completes the payment
	res, err = svc.Apply(context.Background(), QuoteRequest{
		OrderID: order.ID,
		Flow:    enums.RefundFlowCancel,
		Items:   []ItemSelection{{LineItemID: item.ID, Quantity: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9000), res.Refund.AmountCents)
	require.Len(t, provider.calls, 2)
	assert.NotEqual(t, provider.calls[0].IdempotencyKey, provider.calls[1].IdempotencyKey)
	require.NoError(t, conn.First(&gotPayment, "id = ?", payment.ID).Error)
	assert.Equal(t, enums.PaymentStatusRefunded, gotPayment.Status)
	assert.NotNil(t, gotPayment.RefundedAt)

	_, err = svc.Apply(context.Background(), QuoteRequest{
		OrderID: order.ID,
		Flow:    enums.RefundFlowCancel,
		Items:   []ItemSelection{{LineItemID: item.ID, Quantity: 3}},
	})
	assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonAlreadyRefunded))
	assert.Len(t, provider.calls, 2)
}

func TestRefundLineItemWithholdsCouponOncePerOrder(t *testing.T) {
	svc, conn, provider := newTestService(t)
	ctx := context.Background()
	order := dbtest.SeedOrder(t, conn, func(o *models.Order) {
		o.PaymentAmountCents = 54000
		o.CouponType = enums.CouponTypeFlat
		o.CouponAmount = 500
	})
	first := dbtest.SeedLineItem(t, conn, order.ID)
	second := dbtest.SeedLineItem(t, conn, order.ID)
	dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindOrder, 54000)

	res, err := svc.RefundLineItem(ctx, nil, LineItemRefund{LineItemID: first.ID, Flow: enums.RefundFlowCancel})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Quote.CouponDeductionCents)
	assert.Equal(t, int64(26500), res.Refund.AmountCents)

	res, err = svc.RefundLineItem(ctx, nil, LineItemRefund{LineItemID: second.ID, Flow: enums.RefundFlowCancel})
	require.NoError(t, err)
	assert.Zero(t, res.Quote.CouponDeductionCents)
	assert.Equal(t, int64(27000), res.Refund.AmountCents)

	require.Len(t, provider.calls, 2)
	var gotOrder models.Order
	require.NoError(t, conn.First(&gotOrder, "id = ?", order.ID).Error)
	assert.Equal(t, int64(500), gotOrder.CouponWithheldCents)
	assert.Equal(t, int64(53500), gotOrder.RefundedAmountCents)
}

func TestApplyProviderFailureRestoresCouponClaim(t *testing.T) {
	svc, conn, provider := newTestService(t)
	provider.err = pkgerrors.New(pkgerrors.CodeDependency, "square unavailable")
	order := dbtest.SeedOrder(t, conn, func(o *models.Order) {
		o.CouponType = enums.CouponTypeFlat
		o.CouponAmount = 500
	})
	item := dbtest.SeedLineItem(t, conn, order.ID)
	dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindOrder, 27000)

	_, err := svc.Apply(context.Background(), QuoteRequest{
		OrderID: order.ID,
		Flow:    enums.RefundFlowCancel,
		Items:   []ItemSelection{{LineItemID: item.ID, Quantity: 1}},
	})
	require.Error(t, err)

	var gotOrder models.Order
	require.NoError(t, conn.First(&gotOrder, "id = ?", order.ID).Error)
	assert.Zero(t, gotOrder.CouponWithheldCents)
}

func TestApplyProviderFailureLeavesNoTrace(t *testing.T) {
	svc, conn, provider := newTestService(t)
	provider.err = pkgerrors.New(pkgerrors.CodeDependency, "square unavailable")
	order := dbtest.SeedOrder(t, conn)
	item := dbtest.SeedLineItem(t, conn, order.ID)
	dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindOrder, 27000)

	_, err := svc.Apply(context.Background(), QuoteRequest{
		OrderID: order.ID,
		Flow:    enums.RefundFlowCancel,
		Items:   []ItemSelection{{LineItemID: item.ID, Quantity: 1}},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	var refunds, events int64
	require.NoError(t, conn.Model(&models.RefundRecord{}).Count(&refunds).Error)
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&events).Error)
	assert.Zero(t, refunds)
	assert.Zero(t, events)

	var gotItem models.LineItem
	require.NoError(t, conn.First(&gotItem, "id = ?", item.ID).Error)
	assert.Zero(t, gotItem.RefundedAmountCents)
}

func TestApplyWrapsUntypedProviderErrors(t *testing.T) {
	svc, conn, provider := newTestService(t)
	provider.err = errors.New("connection reset")
	order := dbtest.SeedOrder(t, conn)
	item := dbtest.SeedLineItem(t, conn, order.ID)
	dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindOrder, 27000)

	_, err := svc.RefundLineItem(context.Background(), nil, LineItemRefund{LineItemID: item.ID, Flow: enums.RefundFlowCancel})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestRefundLineItemDefaultsToWholeRow(t *testing.T) {
	svc, conn, provider := newTestService(t)
	order := dbtest.SeedOrder(t, conn)
	item := dbtest.SeedLineItem(t, conn, order.ID, func(li *models.LineItem) { li.Status = enums.LineItemStatusReturnGet })
	dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindOrder, 27000)

	res, err := svc.RefundLineItem(context.Background(), nil, LineItemRefund{LineItemID: item.ID, Flow: enums.RefundFlowReturn})
	require.NoError(t, err)
	assert.Equal(t, int64(27000), res.Refund.AmountCents)
	require.NotNil(t, res.Refund.LineItemID)
	assert.Equal(t, item.ID, *res.Refund.LineItemID)
	assert.Equal(t, 3, res.Refund.Quantity)
	assert.Len(t, provider.calls, 1)
}

func TestRefundDeliveryFeeOnlyOnce(t *testing.T) {
	svc, conn, provider := newTestService(t)
	order := dbtest.SeedOrder(t, conn)
	fee := dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindDeliveryFee, 3000)

	record, err := svc.RefundDeliveryFee(context.Background(), nil, fee.ID, "return rejected")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), record.AmountCents)
	assert.Equal(t, enums.RefundFlowDeliveryFee, record.Flow)

	var gotFee models.PaymentRecord
	require.NoError(t, conn.First(&gotFee, "id = ?", fee.ID).Error)
	assert.Equal(t, enums.PaymentStatusRefunded, gotFee.Status)

	_, err = svc.RefundDeliveryFee(context.Background(), nil, fee.ID, "again")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonAlreadyRefunded))
	assert.Len(t, provider.calls, 1)

	var gotOrder models.Order
	require.NoError(t, conn.First(&gotOrder, "id = ?", order.ID).Error)
	assert.Equal(t, int64(3000), gotOrder.RefundedAmountCents)
}

func TestRefundDeliveryFeeRejectsOrderPayments(t *testing.T) {
	svc, conn, _ := newTestService(t)
	order := dbtest.SeedOrder(t, conn)
	payment := dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindOrder, 27000)

	_, err := svc.RefundDeliveryFee(context.Background(), nil, payment.ID, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = svc.RefundDeliveryFee(context.Background(), nil, uuid.New(), "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestRefundItemDeliveryFeesTargetsItemCharges(t *testing.T) {
	svc, conn, provider := newTestService(t)
	order := dbtest.SeedOrder(t, conn)
	item := dbtest.SeedLineItem(t, conn, order.ID)
	dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindDeliveryFee, 3000)

	_, err := svc.RecordDeliveryFeeCharge(context.Background(), nil, DeliveryFeeCharge{
		OrderID:           order.ID,
		LineItemID:        &item.ID,
		ProviderPaymentID: "pay-return-fee",
		AmountCents:       2500,
	})
	require.NoError(t, err)

	records, err := svc.RefundItemDeliveryFees(context.Background(), nil, order.ID, item.ID, "return rejected")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(2500), records[0].AmountCents)
	require.Len(t, provider.calls, 1)
	assert.Equal(t, "pay-return-fee", provider.calls[0].PaymentID)

	records, err = svc.RefundItemDeliveryFees(context.Background(), nil, order.ID, item.ID, "again")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestApplyIncludesOrderDeliveryFee(t *testing.T) {
	svc, conn, provider := newTestService(t)
	order := dbtest.SeedOrder(t, conn)
	item := dbtest.SeedLineItem(t, conn, order.ID)
	dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindOrder, 27000)
	dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindDeliveryFee, 3000)

	res, err := svc.Apply(context.Background(), QuoteRequest{
		OrderID:            order.ID,
		Flow:               enums.RefundFlowCancel,
		Items:              []ItemSelection{{LineItemID: item.ID, Quantity: 3}},
		IncludeDeliveryFee: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3000), res.Quote.DeliveryFeeCents)
	require.Len(t, res.DeliveryFees, 1)
	assert.Len(t, provider.calls, 2)

	var gotOrder models.Order
	require.NoError(t, conn.First(&gotOrder, "id = ?", order.ID).Error)
	assert.Equal(t, int64(30000), gotOrder.RefundedAmountCents)
}
