package returns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/internal/addresses"
	"github.com/angelmondragon/fulfillment-backoffice/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-backoffice/internal/groups"
	"github.com/angelmondragon/fulfillment-backoffice/internal/lineitems"
	"github.com/angelmondragon/fulfillment-backoffice/internal/refunds"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/carrier"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/dbtest"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/locks"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/square"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/types"
)

type stubPayments struct {
	calls []square.RefundParams
}

func (s *stubPayments) RefundPayment(_ context.Context, params square.RefundParams) (square.Refund, error) {
	s.calls = append(s.calls, params)
	return square.Refund{ID: "rf-" + params.IdempotencyKey[:8], Status: "COMPLETED"}, nil
}

type fakeCarrier struct {
	booked    []carrier.PickupRequest
	cancelled []string
	bookErr   error
}

func (f *fakeCarrier) BookPickup(_ context.Context, req carrier.PickupRequest) (carrier.Pickup, error) {
	f.booked = append(f.booked, req)
	if f.bookErr != nil {
		return carrier.Pickup{}, f.bookErr
	}
	return carrier.Pickup{ServiceID: fmt.Sprintf("svc-%d", len(f.booked)), CourierCode: "CJ"}, nil
}

func (f *fakeCarrier) CancelPickup(_ context.Context, serviceID string) error {
	f.cancelled = append(f.cancelled, serviceID)
	return nil
}

// failingEngine checks through the real engine but refuses to apply.
type failingEngine struct {
	engine
	err error
}

func (f failingEngine) Apply(context.Context, uuid.UUID, fulfillment.Command) (*fulfillment.Result, error) {
	return nil, f.err
}

type workflowHarness struct {
	svc      Service
	engine   fulfillment.Service
	conn     *gorm.DB
	carrier  *fakeCarrier
	payments *stubPayments
	ledger   addresses.Service
	params   ServiceParams
}

func newWorkflow(t *testing.T) *workflowHarness {
	t.Helper()
	client, conn := dbtest.Client(t)
	logg := logger.New(logger.Options{ServiceName: "returns-test", Output: io.Discard})
	items := lineitems.NewRepository(conn)
	locker := locks.NewKeyedMutex()
	publisher := outbox.NewService(outbox.NewRepository(conn), logg)
	payments := &stubPayments{}
	pickups := &fakeCarrier{}

	ledger, err := addresses.NewService(addresses.NewRepository(conn))
	require.NoError(t, err)
	refundSvc, err := refunds.NewService(refunds.NewRepository(conn), items, client, locker, payments, publisher, nil, logg)
	require.NoError(t, err)
	groupSvc, err := groups.NewService(items, client, locker, ledger, publisher, logg)
	require.NoError(t, err)
	repo := NewRepository(conn)
	engineSvc, err := fulfillment.NewService(fulfillment.ServiceParams{
		Items:        items,
		Tx:           client,
		Locker:       locker,
		Refunds:      refundSvc,
		Addresses:    ledger,
		Applications: NewApplicationStore(repo),
		Pickups:      pickups,
		Outbox:       publisher,
		Logger:       logg,
	})
	require.NoError(t, err)

	params := ServiceParams{
		Repo:      repo,
		Items:     items,
		Tx:        client,
		Engine:    engineSvc,
		Groups:    groupSvc,
		Addresses: ledger,
		Fees:      refundSvc,
		Pickups:   pickups,
		Logger:    logg,
	}
	svc, err := NewService(params)
	require.NoError(t, err)
	return &workflowHarness{svc: svc, engine: engineSvc, conn: conn, carrier: pickups, payments: payments, ledger: ledger, params: params}
}

func (h *workflowHarness) withEngine(t *testing.T, e engine) Service {
	t.Helper()
	params := h.params
	params.Engine = e
	svc, err := NewService(params)
	require.NoError(t, err)
	return svc
}

func (h *workflowHarness) reload(t *testing.T, id uuid.UUID) models.LineItem {
	t.Helper()
	var item models.LineItem
	require.NoError(t, h.conn.First(&item, "id = ?", id).Error)
	return item
}

func (h *workflowHarness) application(t *testing.T, lineItemID uuid.UUID) models.ReturnApplication {
	t.Helper()
	var app models.ReturnApplication
	require.NoError(t, h.conn.First(&app, "line_item_id = ?", lineItemID).Error)
	return app
}

func pickupAddress() *types.DeliveryAddress {
	addr := dbtest.SampleAddress()
	addr.DeliveryNote = "leave at the door"
	return &addr
}

func seedDelivered(t *testing.T, conn *gorm.DB) (models.Order, models.LineItem) {
	t.Helper()
	order := dbtest.SeedOrder(t, conn)
	item := dbtest.SeedLineItem(t, conn, order.ID, func(li *models.LineItem) {
		li.Status = enums.LineItemStatusShippingComplete
		li.CourierCode, li.TrackingNumber = "CJ", "T-1"
	})
	dbtest.SeedPayment(t, conn, order.ID, enums.PaymentKindOrder, 27000)
	dbtest.SeedAddress(t, conn, item.ID, enums.AddressPurposeOrder)
	return order, item
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

func TestRequestPartialReturnSplitsAndBooksPickup(t *testing.T) {
	h := newWorkflow(t)
	ctx := context.Background()
	_, item := seedDelivered(t, h.conn)

	res, err := h.svc.Request(ctx, RequestInput{
		LineItemID:   item.ID,
		Kind:         enums.ApplicationKindReturn,
		Quantity:     1,
		ReasonCode:   "DAMAGED",
		PickupMethod: enums.PickupMethodAuto,
		Address:      pickupAddress(),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Split)
	assert.True(t, res.Split.Created)
	subject := res.Split.LineItemID
	assert.NotEqual(t, item.ID, subject)
	assert.Equal(t, enums.LineItemStatusReturnApply, res.Transition.To)

	returned := h.reload(t, subject)
	assert.Equal(t, enums.LineItemStatusReturnApply, returned.Status)
	assert.Equal(t, 1, returned.Quantity)
	assert.Equal(t, 2, returned.GroupNumber)
	assert.Equal(t, "svc-1", returned.ReturnServiceID)
	assert.Equal(t, "CJ", returned.ReturnCourierCode)
	assert.Equal(t, "DAMAGED", returned.ReasonCode)

	source := h.reload(t, item.ID)
	assert.Equal(t, enums.LineItemStatusShippingComplete, source.Status)
	assert.Equal(t, 2, source.Quantity)

	app := h.application(t, subject)
	assert.Equal(t, enums.ApplicationKindReturn, app.Kind)
	assert.Equal(t, enums.LineItemStatusShippingComplete, app.PriorStatus)
	assert.Equal(t, "svc-1", app.PickupServiceID)
	require.NotNil(t, app.AddressRecordID)
	assert.True(t, app.Open())

	returnAddr, err := h.ledger.Active(ctx, subject, enums.AddressPurposeReturn)
	require.NoError(t, err)
	assert.Equal(t, *app.AddressRecordID, returnAddr.ID)
	assert.Equal(t, "leave at the door", returnAddr.DeliveryNote)

	require.Len(t, h.carrier.booked, 1)
	assert.Equal(t, 1, h.carrier.booked[0].Quantity)
	assert.Equal(t, subject.String(), h.carrier.booked[0].Reference)
}

func TestRequestRejectsIncompletePickupAddressBeforeAnySideEffect(t *testing.T) {
	h := newWorkflow(t)
	_, item := seedDelivered(t, h.conn)
	addr := pickupAddress()
	addr.PostalCode = ""

	_, err := h.svc.Request(context.Background(), RequestInput{
		LineItemID:   item.ID,
		Kind:         enums.ApplicationKindReturn,
		Quantity:     1,
		ReasonCode:   "DAMAGED",
		PickupMethod: enums.PickupMethodAuto,
		Address:      addr,
	})
	assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonIncompletePickupAddress))

	var rows int64
	require.NoError(t, h.conn.Model(&models.LineItem{}).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
	assert.Empty(t, h.carrier.booked)
}

func TestRequestValidation(t *testing.T) {
	h := newWorkflow(t)
	_, item := seedDelivered(t, h.conn)
	ctx := context.Background()

	cases := []struct {
		name  string
		input RequestInput
		check func(error) bool
	}{
		{"zero quantity", RequestInput{LineItemID: item.ID, Kind: enums.ApplicationKindReturn, Quantity: 0, ReasonCode: "X", PickupMethod: enums.PickupMethodManual},
			func(err error) bool { return pkgerrors.IsReason(err, pkgerrors.ReasonInvalidQuantity) }},
		{"more than held", RequestInput{LineItemID: item.ID, Kind: enums.ApplicationKindReturn, Quantity: 4, ReasonCode: "X", PickupMethod: enums.PickupMethodManual},
			func(err error) bool { return pkgerrors.IsReason(err, pkgerrors.ReasonInvalidQuantity) }},
		{"missing reason", RequestInput{LineItemID: item.ID, Kind: enums.ApplicationKindReturn, Quantity: 1, PickupMethod: enums.PickupMethodManual},
			func(err error) bool { return pkgerrors.IsCode(err, pkgerrors.CodeValidation) }},
		{"unknown kind", RequestInput{LineItemID: item.ID, Kind: "SWAP", Quantity: 1, ReasonCode: "X"},
			func(err error) bool { return pkgerrors.IsCode(err, pkgerrors.CodeValidation) }},
		{"missing pickup method", RequestInput{LineItemID: item.ID, Kind: enums.ApplicationKindExchange, Quantity: 1, ReasonCode: "X"},
			func(err error) bool { return pkgerrors.IsCode(err, pkgerrors.CodeValidation) }},
		{"cancel after shipment", RequestInput{LineItemID: item.ID, Kind: enums.ApplicationKindCancel, Quantity: 1, ReasonCode: "X"},
			func(err error) bool { return pkgerrors.IsReason(err, pkgerrors.ReasonCancelAfterShipment) }},
		{"unknown item", RequestInput{LineItemID: uuid.New(), Kind: enums.ApplicationKindReturn, Quantity: 1, ReasonCode: "X", PickupMethod: enums.PickupMethodManual},
			func(err error) bool { return pkgerrors.IsCode(err, pkgerrors.CodeNotFound) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Request(ctx, tc.input)
			require.Error(t, err)
			assert.True(t, tc.check(err), err.Error())
		})
	}
	assert.Equal(t, enums.LineItemStatusShippingComplete, h.reload(t, item.ID).Status)
}

func TestRequestCompensatesWhenTransitionFails(t *testing.T) {
	h := newWorkflow(t)
	ctx := context.Background()
	_, item := seedDelivered(t, h.conn)
	svc := h.withEngine(t, failingEngine{engine: h.engine, err: pkgerrors.New(pkgerrors.CodePersistence, "write failed")})

	_, err := svc.Request(ctx, RequestInput{
		LineItemID:   item.ID,
		Kind:         enums.ApplicationKindReturn,
		Quantity:     1,
		ReasonCode:   "DAMAGED",
		PickupMethod: enums.PickupMethodAuto,
		Address:      pickupAddress(),
		ReturnFee:    &FeeCharge{ProviderPaymentID: "pay-fee", AmountCents: 3000},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePersistence))
	assert.Equal(t, []string{"svc-1"}, h.carrier.cancelled)

	var rows []models.LineItem
	require.NoError(t, h.conn.Where("order_id = ?", item.OrderID).Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, 1, row.GroupNumber)
		assert.Equal(t, enums.LineItemStatusShippingComplete, row.Status)
		if row.ID == item.ID {
			continue
		}
		app := h.application(t, row.ID)
		assert.True(t, app.Cancelled)
		_, err := h.ledger.Active(ctx, row.ID, enums.AddressPurposeReturn)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

		var fee models.PaymentRecord
		require.NoError(t, h.conn.Where("line_item_id = ? AND kind = ?", row.ID, enums.PaymentKindDeliveryFee).First(&fee).Error)
		assert.Equal(t, enums.PaymentStatusRefunded, fee.Status)
	}
}

func TestRequestCompensatesWhenPickupBookingFails(t *testing.T) {
	h := newWorkflow(t)
	_, item := seedDelivered(t, h.conn)
	h.carrier.bookErr = errors.New("carrier unavailable")

	_, err := h.svc.Request(context.Background(), RequestInput{
		LineItemID:   item.ID,
		Kind:         enums.ApplicationKindExchange,
		Quantity:     3,
		ReasonCode:   "WRONG_SIZE",
		PickupMethod: enums.PickupMethodAuto,
		Address:      pickupAddress(),
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
	assert.Empty(t, h.carrier.cancelled)

	stored := h.reload(t, item.ID)
	assert.Equal(t, enums.LineItemStatusShippingComplete, stored.Status)
	assert.Empty(t, stored.ReturnServiceID)
	assert.True(t, h.application(t, item.ID).Cancelled)
}

func TestReturnLifecycleRefundsOnApproval(t *testing.T) {
	h := newWorkflow(t)
	ctx := context.Background()
	order, item := seedDelivered(t, h.conn)

	_, err := h.svc.Request(ctx, RequestInput{
		LineItemID:   item.ID,
		Kind:         enums.ApplicationKindReturn,
		Quantity:     3,
		ReasonCode:   "CHANGED_MIND",
		PickupMethod: enums.PickupMethodManual,
	})
	require.NoError(t, err)
	assert.Empty(t, h.carrier.booked)

	res, err := h.svc.ConfirmPickup(ctx, item.ID, false)
	require.NoError(t, err)
	assert.Equal(t, enums.LineItemStatusReturnGet, res.To)

	res, err = h.svc.Approve(ctx, item.ID, ApproveInput{
		Adjustments: refunds.Adjustments{ManualDeductionCents: 2000},
		Reason:      "return approved",
	})
	require.NoError(t, err)
	assert.Equal(t, enums.LineItemStatusReturnComplete, res.To)
	require.NotNil(t, res.Refund)
	assert.Equal(t, int64(25000), res.Refund.Quote.FinalCents)

	stored := h.reload(t, item.ID)
	assert.Equal(t, int64(25000), stored.RefundedAmountCents)
	assert.True(t, stored.Approved)
	assert.True(t, h.application(t, item.ID).Approved)

	var refreshed models.Order
	require.NoError(t, h.conn.First(&refreshed, "id = ?", order.ID).Error)
	assert.Equal(t, int64(25000), refreshed.RefundedAmountCents)

	_, err = h.svc.Approve(ctx, item.ID, ApproveInput{})
	assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonIllegalTransition))
}

func TestRejectRestoresPriorStatusAndAddresses(t *testing.T) {
	now := time.Now().UTC()
	h := newWorkflow(t)
	ctx := context.Background()
	_, item := seedDelivered(t, h.conn)
	require.NoError(t, h.conn.Model(&models.LineItem{}).Where("id = ?", item.ID).Updates(map[string]any{
		"status":                enums.LineItemStatusPurchaseConfirm,
		"purchase_confirmed_at": now.Add(-2 * time.Hour),
	}).Error)

	_, err := h.svc.Request(ctx, RequestInput{
		LineItemID:   item.ID,
		Kind:         enums.ApplicationKindReturn,
		Quantity:     3,
		ReasonCode:   "DAMAGED",
		PickupMethod: enums.PickupMethodAuto,
		Address:      pickupAddress(),
		ReturnFee:    &FeeCharge{ProviderPaymentID: "pay-fee", AmountCents: 3000},
	})
	require.NoError(t, err)

	res, err := h.svc.Reject(ctx, item.ID, "photos show no damage")
	require.NoError(t, err)
	assert.Equal(t, enums.LineItemStatusPurchaseConfirm, res.To)
	require.Len(t, res.DeliveryFeeRefunds, 1)
	assert.Equal(t, int64(3000), res.DeliveryFeeRefunds[0].AmountCents)
	require.NotNil(t, res.ReinstatedAddress)
	assert.Equal(t, enums.AddressPurposeOrder, res.ReinstatedAddress.Purpose)
	assert.Equal(t, []string{"svc-1"}, h.carrier.cancelled)

	stored := h.reload(t, item.ID)
	assert.Equal(t, enums.LineItemStatusPurchaseConfirm, stored.Status)
	assert.True(t, h.application(t, item.ID).Cancelled)
	_, err = h.ledger.Active(ctx, item.ID, enums.AddressPurposeReturn)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	history, err := h.ledger.History(ctx, item.ID)
	require.NoError(t, err)
	var orderRecords int
	for _, record := range history {
		if record.Purpose == enums.AddressPurposeOrder {
			orderRecords++
		}
	}
	assert.Equal(t, 2, orderRecords)

	// a settled application is rewritten by the next request
	_, err = h.svc.Request(ctx, RequestInput{
		LineItemID:   item.ID,
		Kind:         enums.ApplicationKindExchange,
		Quantity:     3,
		ReasonCode:   "WRONG_SIZE",
		PickupMethod: enums.PickupMethodManual,
	})
	require.NoError(t, err)
	app := h.application(t, item.ID)
	assert.Equal(t, enums.ApplicationKindExchange, app.Kind)
	assert.True(t, app.Open())
	assert.Empty(t, app.PickupServiceID)
}

func TestExchangeLifecycle(t *testing.T) {
	h := newWorkflow(t)
	ctx := context.Background()
	_, item := seedDelivered(t, h.conn)

	_, err := h.svc.Request(ctx, RequestInput{
		LineItemID:   item.ID,
		Kind:         enums.ApplicationKindExchange,
		Quantity:     3,
		ReasonCode:   "WRONG_SIZE",
		PickupMethod: enums.PickupMethodManual,
	})
	require.NoError(t, err)

	_, err = h.svc.Request(ctx, RequestInput{
		LineItemID:   item.ID,
		Kind:         enums.ApplicationKindReturn,
		Quantity:     3,
		ReasonCode:   "CHANGED_MIND",
		PickupMethod: enums.PickupMethodManual,
	})
	require.Error(t, err)

	res, err := h.svc.ConfirmPickup(ctx, item.ID, true)
	require.NoError(t, err)
	assert.Equal(t, enums.LineItemStatusExchangeGet, res.To)

	res, err = h.svc.ReleaseFeeDecision(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.LineItemStatusExchangePaymentComplete, res.To)

	_, err = h.svc.ShipReplacement(ctx, item.ID, fulfillment.Tracking{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	res, err = h.svc.ShipReplacement(ctx, item.ID, fulfillment.Tracking{Courier: "HANJIN", Number: "R-1"})
	require.NoError(t, err)
	assert.Equal(t, enums.LineItemStatusExchangeShipping, res.To)

	_, err = h.engine.Apply(ctx, item.ID, fulfillment.Command{Request: fulfillment.Request{
		Target:  enums.LineItemStatusExchangeShippingComplete,
		Trigger: enums.TriggerCarrier,
	}})
	require.NoError(t, err)

	res, err = h.svc.Approve(ctx, item.ID, ApproveInput{})
	require.NoError(t, err)
	assert.Equal(t, enums.LineItemStatusExchangeComplete, res.To)
	assert.Nil(t, res.Refund)

	stored := h.reload(t, item.ID)
	assert.Equal(t, "HANJIN", stored.ReplacementCourierCode)
	assert.Equal(t, "R-1", stored.ReplacementTrackingNumber)
	assert.Zero(t, stored.RefundedAmountCents)
	assert.True(t, h.application(t, item.ID).Approved)
}

func TestReturnAfterDeliveredReplacementSupersedesExchange(t *testing.T) {
	h := newWorkflow(t)
	ctx := context.Background()
	_, item := seedDelivered(t, h.conn)
	seeded := models.ReturnApplication{
		LineItemID:  item.ID,
		Kind:        enums.ApplicationKindExchange,
		ReasonCode:  "WRONG_SIZE",
		Quantity:    3,
		PriorStatus: enums.LineItemStatusShippingComplete,
	}
	require.NoError(t, h.conn.Create(&seeded).Error)
	require.NoError(t, h.conn.Model(&models.LineItem{}).Where("id = ?", item.ID).
		Update("status", enums.LineItemStatusExchangeShippingComplete).Error)

	_, err := h.svc.Request(ctx, RequestInput{
		LineItemID:   item.ID,
		Kind:         enums.ApplicationKindReturn,
		Quantity:     3,
		ReasonCode:   "STILL_WRONG",
		PickupMethod: enums.PickupMethodManual,
	})
	require.NoError(t, err)
	app := h.application(t, item.ID)
	assert.Equal(t, seeded.ID, app.ID)
	assert.Equal(t, enums.ApplicationKindReturn, app.Kind)
	assert.Equal(t, enums.LineItemStatusExchangeShippingComplete, app.PriorStatus)

	res, err := h.svc.Reject(ctx, item.ID, "")
	require.NoError(t, err)
	assert.Equal(t, enums.LineItemStatusShippingComplete, res.To)
}

func TestCancelRequestAndApproval(t *testing.T) {
	h := newWorkflow(t)
	ctx := context.Background()
	order := dbtest.SeedOrder(t, h.conn)
	item := dbtest.SeedLineItem(t, h.conn, order.ID)
	dbtest.SeedPayment(t, h.conn, order.ID, enums.PaymentKindOrder, 27000)

	res, err := h.svc.Request(ctx, RequestInput{
		LineItemID: item.ID,
		Kind:       enums.ApplicationKindCancel,
		Quantity:   2,
		ReasonCode: "CHANGED_MIND",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Split)
	subject := res.Split.LineItemID
	assert.Empty(t, h.application(t, subject).PickupMethod)

	approved, err := h.svc.Approve(ctx, subject, ApproveInput{})
	require.NoError(t, err)
	assert.Equal(t, enums.LineItemStatusCancelComplete, approved.To)
	require.NotNil(t, approved.Refund)
	assert.Equal(t, int64(18000), approved.Refund.Quote.FinalCents)
	assert.Equal(t, enums.LineItemStatusPaymentComplete, h.reload(t, item.ID).Status)
}

func TestApproveRequiresOpenApplication(t *testing.T) {
	h := newWorkflow(t)
	order := dbtest.SeedOrder(t, h.conn)
	item := dbtest.SeedLineItem(t, h.conn, order.ID, func(li *models.LineItem) {
		li.Status = enums.LineItemStatusCancelApply
	})

	_, err := h.svc.Approve(context.Background(), item.ID, ApproveInput{})
	assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonNoActiveApplication))
	assert.Equal(t, enums.LineItemStatusCancelApply, h.reload(t, item.ID).Status)
}

func TestConfirmPickupRequiresPendingPickup(t *testing.T) {
	h := newWorkflow(t)
	_, item := seedDelivered(t, h.conn)

	_, err := h.svc.ConfirmPickup(context.Background(), item.ID, false)
	assert.True(t, pkgerrors.IsReason(err, pkgerrors.ReasonIllegalTransition))
}
