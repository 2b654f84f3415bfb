package reconcile

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/internal/addresses"
	"github.com/angelmondragon/fulfillment-backoffice/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-backoffice/internal/lineitems"
	"github.com/angelmondragon/fulfillment-backoffice/internal/refunds"
	"github.com/angelmondragon/fulfillment-backoffice/internal/returns"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/carrier"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/dbtest"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/locks"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/square"
)

type noopPayments struct{}

func (noopPayments) RefundPayment(_ context.Context, params square.RefundParams) (square.Refund, error) {
	return square.Refund{ID: "rf-" + params.IdempotencyKey[:8], Status: "COMPLETED"}, nil
}

// fakeCarrier answers lookups by key and counts how often each key was asked.
type fakeCarrier struct {
	mu        sync.Mutex
	shipments map[string]carrier.Shipment
	failures  map[string]error
	calls     map[string]int
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{
		shipments: map[string]carrier.Shipment{},
		failures:  map[string]error{},
		calls:     map[string]int{},
	}
}

func (f *fakeCarrier) Lookup(_ context.Context, key carrier.LookupKey) (carrier.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key.String()]++
	if err, ok := f.failures[key.String()]; ok {
		return carrier.Shipment{}, err
	}
	shipment, ok := f.shipments[key.String()]
	if !ok {
		return carrier.Shipment{}, carrier.ErrShipmentNotFound
	}
	return shipment, nil
}

func (f *fakeCarrier) set(key carrier.LookupKey, state enums.ShipmentState, courier, number string) {
	f.shipments[key.String()] = carrier.Shipment{State: state, RawStatus: string(state), CourierCode: courier, TrackingNumber: number}
}

func (f *fakeCarrier) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type harness struct {
	reconciler Reconciler
	carrier    *fakeCarrier
	conn       *gorm.DB
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client, conn := dbtest.Client(t)
	logg := logger.New(logger.Options{ServiceName: "reconcile-test", Output: io.Discard})
	items := lineitems.NewRepository(conn)
	locker := locks.NewKeyedMutex()
	publisher := outbox.NewService(outbox.NewRepository(conn), logg)

	refundSvc, err := refunds.NewService(refunds.NewRepository(conn), items, client, locker, noopPayments{}, publisher, nil, logg)
	require.NoError(t, err)
	ledger, err := addresses.NewService(addresses.NewRepository(conn))
	require.NoError(t, err)
	engine, err := fulfillment.NewService(fulfillment.ServiceParams{
		Items:        items,
		Tx:           client,
		Locker:       locker,
		Refunds:      refundSvc,
		Addresses:    ledger,
		Applications: returns.NewApplicationStore(returns.NewRepository(conn)),
		Outbox:       publisher,
		Logger:       logg,
	})
	require.NoError(t, err)

	fake := newFakeCarrier()
	rec, err := New(Params{Items: items, Carrier: fake, Engine: engine, Concurrency: 2, Logger: logg})
	require.NoError(t, err)
	return &harness{reconciler: rec, carrier: fake, conn: conn}
}

func (h *harness) reload(t *testing.T, id uuid.UUID) models.LineItem {
	t.Helper()
	var item models.LineItem
	require.NoError(t, h.conn.First(&item, "id = ?", id).Error)
	return item
}

func withStatus(status enums.LineItemStatus, mutate func(*models.LineItem)) func(*models.LineItem) {
	return func(li *models.LineItem) {
		li.Status = status
		if mutate != nil {
			mutate(li)
		}
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	require.Error(t, err)
}

func TestReconcileLooksUpEachParcelOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := dbtest.SeedOrder(t, h.conn)
	tracked := func(li *models.LineItem) { li.CourierCode, li.TrackingNumber = "CJ", "T-100" }
	first := dbtest.SeedLineItem(t, h.conn, order.ID, tracked)
	second := dbtest.SeedLineItem(t, h.conn, order.ID, withStatus(enums.LineItemStatusShipping, tracked))
	h.carrier.set(carrier.LookupKey{CourierCode: "CJ", TrackingNumber: "T-100"}, enums.ShipmentStateDelivered, "CJ", "T-100")

	report, err := h.reconciler.Reconcile(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 1, report.Lookups)
	assert.Equal(t, 1, h.carrier.totalCalls())
	assert.Equal(t, 3, report.Transitions)
	assert.Zero(t, report.Failed)
	assert.NoError(t, report.Err())

	assert.Equal(t, enums.LineItemStatusShippingComplete, h.reload(t, first.ID).Status)
	assert.Equal(t, enums.LineItemStatusShippingComplete, h.reload(t, second.ID).Status)
}

func TestReconcileSharesServiceLookupWhileLabelsArrive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := dbtest.SeedOrder(t, h.conn)
	labelled := dbtest.SeedLineItem(t, h.conn, order.ID, func(li *models.LineItem) {
		li.ServiceID, li.CourierCode, li.TrackingNumber = "SVC-1", "CJ", "T-1"
	})
	pending := dbtest.SeedLineItem(t, h.conn, order.ID, func(li *models.LineItem) { li.ServiceID = "SVC-1" })
	h.carrier.set(carrier.LookupKey{ServiceID: "SVC-1"}, enums.ShipmentStatePickedUp, "CJ", "T-1")

	report, err := h.reconciler.Reconcile(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 1, report.Lookups)
	assert.Equal(t, 1, h.carrier.totalCalls())
	assert.Equal(t, 2, report.Transitions)
	assert.Equal(t, 1, report.TrackingUpdates)

	assert.Equal(t, enums.LineItemStatusShipping, h.reload(t, labelled.ID).Status)
	stored := h.reload(t, pending.ID)
	assert.Equal(t, enums.LineItemStatusShipping, stored.Status)
	assert.Equal(t, "T-1", stored.TrackingNumber)
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := dbtest.SeedOrder(t, h.conn)
	item := dbtest.SeedLineItem(t, h.conn, order.ID, func(li *models.LineItem) { li.ServiceID = "svc-9" })
	h.carrier.set(carrier.LookupKey{ServiceID: "svc-9"}, enums.ShipmentStatePickedUp, "HANJIN", "H-77")

	first, err := h.reconciler.Reconcile(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Transitions)
	assert.Equal(t, 1, first.TrackingUpdates)

	stored := h.reload(t, item.ID)
	assert.Equal(t, enums.LineItemStatusShipping, stored.Status)
	assert.Equal(t, "HANJIN", stored.CourierCode)
	assert.Equal(t, "H-77", stored.TrackingNumber)

	second, err := h.reconciler.Reconcile(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Lookups)
	assert.Zero(t, second.Transitions)
	assert.Zero(t, second.TrackingUpdates)
	assert.Equal(t, enums.LineItemStatusShipping, h.reload(t, item.ID).Status)
}

func TestReconcileNeverOverwritesLocalTracking(t *testing.T) {
	h := newHarness(t)
	order := dbtest.SeedOrder(t, h.conn)
	item := dbtest.SeedLineItem(t, h.conn, order.ID, withStatus(enums.LineItemStatusShipping, func(li *models.LineItem) {
		li.ServiceID, li.CourierCode = "svc-5", "CJ"
	}))
	h.carrier.set(carrier.LookupKey{ServiceID: "svc-5"}, enums.ShipmentStateInTransit, "HANJIN", "H-5")

	report, err := h.reconciler.Reconcile(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TrackingUpdates)

	stored := h.reload(t, item.ID)
	assert.Equal(t, "CJ", stored.CourierCode)
	assert.Equal(t, "H-5", stored.TrackingNumber)
}

func TestReconcileIsolatesFailingPairs(t *testing.T) {
	h := newHarness(t)
	order := dbtest.SeedOrder(t, h.conn)
	broken := dbtest.SeedLineItem(t, h.conn, order.ID, func(li *models.LineItem) { li.ServiceID = "svc-broken" })
	healthy := dbtest.SeedLineItem(t, h.conn, order.ID, func(li *models.LineItem) {
		li.GroupNumber = 2
		li.ServiceID = "svc-ok"
	})
	missing := dbtest.SeedLineItem(t, h.conn, order.ID, func(li *models.LineItem) {
		li.GroupNumber = 3
		li.ServiceID = "svc-unknown"
	})
	h.carrier.failures[carrier.LookupKey{ServiceID: "svc-broken"}.String()] = errors.New("carrier timeout")
	h.carrier.set(carrier.LookupKey{ServiceID: "svc-ok"}, enums.ShipmentStateDelivered, "", "")

	report, err := h.reconciler.Reconcile(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Lookups)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "svc-broken")
	assert.Error(t, report.Err())

	assert.Equal(t, enums.LineItemStatusPaymentComplete, h.reload(t, broken.ID).Status)
	assert.Equal(t, enums.LineItemStatusShippingComplete, h.reload(t, healthy.ID).Status)
	assert.Equal(t, enums.LineItemStatusPaymentComplete, h.reload(t, missing.ID).Status)
}

func TestReconcileReturnAndReplacementLegs(t *testing.T) {
	h := newHarness(t)
	order := dbtest.SeedOrder(t, h.conn)
	returning := dbtest.SeedLineItem(t, h.conn, order.ID, withStatus(enums.LineItemStatusReturnApply, func(li *models.LineItem) {
		li.CourierCode, li.TrackingNumber = "CJ", "T-1"
		li.ReturnServiceID = "pickup-1"
	}))
	replacing := dbtest.SeedLineItem(t, h.conn, order.ID, withStatus(enums.LineItemStatusExchangeShipping, func(li *models.LineItem) {
		li.GroupNumber = 2
		li.CourierCode, li.TrackingNumber = "CJ", "T-2"
		li.ReplacementCourierCode, li.ReplacementTrackingNumber = "HANJIN", "R-2"
	}))
	h.carrier.set(carrier.LookupKey{ServiceID: "pickup-1"}, enums.ShipmentStateDelivered, "CJ", "RT-1")
	h.carrier.set(carrier.LookupKey{CourierCode: "HANJIN", TrackingNumber: "R-2"}, enums.ShipmentStateDelivered, "HANJIN", "R-2")
	// the outbound parcels are delivered too but those items are past the outbound leg
	h.carrier.set(carrier.LookupKey{CourierCode: "CJ", TrackingNumber: "T-1"}, enums.ShipmentStateDelivered, "CJ", "T-1")

	report, err := h.reconciler.Reconcile(context.Background(), uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 2, report.Transitions)
	assert.Equal(t, 1, report.TrackingUpdates)

	stored := h.reload(t, returning.ID)
	assert.Equal(t, enums.LineItemStatusReturnGet, stored.Status)
	assert.Equal(t, "CJ", stored.ReturnCourierCode)
	assert.Equal(t, "RT-1", stored.ReturnTrackingNumber)
	assert.Equal(t, "T-1", stored.TrackingNumber)
	assert.Equal(t, enums.LineItemStatusExchangeShippingComplete, h.reload(t, replacing.ID).Status)
	assert.Zero(t, h.carrier.calls[carrier.LookupKey{CourierCode: "CJ", TrackingNumber: "T-1"}.String()])
}

func TestReconcileSkipsItemsWithoutParcel(t *testing.T) {
	h := newHarness(t)
	order := dbtest.SeedOrder(t, h.conn)
	dbtest.SeedLineItem(t, h.conn, order.ID)
	dbtest.SeedLineItem(t, h.conn, order.ID, withStatus(enums.LineItemStatusCancelComplete, func(li *models.LineItem) {
		li.ServiceID = "svc-closed"
	}))

	report, err := h.reconciler.Reconcile(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Zero(t, report.Candidates)
	assert.Zero(t, report.Lookups)
	assert.Zero(t, h.carrier.totalCalls())
}

func TestReconcileScopesToOrder(t *testing.T) {
	h := newHarness(t)
	order := dbtest.SeedOrder(t, h.conn)
	other := dbtest.SeedOrder(t, h.conn)
	mine := dbtest.SeedLineItem(t, h.conn, order.ID, func(li *models.LineItem) { li.ServiceID = "svc-mine" })
	theirs := dbtest.SeedLineItem(t, h.conn, other.ID, func(li *models.LineItem) { li.ServiceID = "svc-theirs" })
	h.carrier.set(carrier.LookupKey{ServiceID: "svc-mine"}, enums.ShipmentStatePickedUp, "", "")
	h.carrier.set(carrier.LookupKey{ServiceID: "svc-theirs"}, enums.ShipmentStatePickedUp, "", "")

	report, err := h.reconciler.Reconcile(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Lookups)
	assert.Equal(t, enums.LineItemStatusShipping, h.reload(t, mine.ID).Status)
	assert.Equal(t, enums.LineItemStatusPaymentComplete, h.reload(t, theirs.ID).Status)
}

func TestTargets(t *testing.T) {
	cases := []struct {
		name   string
		leg    fulfillment.Leg
		status enums.LineItemStatus
		state  enums.ShipmentState
		want   []enums.LineItemStatus
	}{
		{"booked does nothing", fulfillment.LegOutbound, enums.LineItemStatusPaymentComplete, enums.ShipmentStateBooked, nil},
		{"picked up ships", fulfillment.LegOutbound, enums.LineItemStatusPaymentComplete, enums.ShipmentStatePickedUp, []enums.LineItemStatus{enums.LineItemStatusShipping}},
		{"in transit while shipping", fulfillment.LegOutbound, enums.LineItemStatusShipping, enums.ShipmentStateInTransit, nil},
		{"delivered skips ahead", fulfillment.LegOutbound, enums.LineItemStatusPaymentComplete, enums.ShipmentStateDelivered,
			[]enums.LineItemStatus{enums.LineItemStatusShipping, enums.LineItemStatusShippingComplete}},
		{"return picked up waits", fulfillment.LegReturn, enums.LineItemStatusReturnApply, enums.ShipmentStatePickedUp, nil},
		{"unknown state", fulfillment.LegReplacement, enums.LineItemStatusExchangeShipping, enums.ShipmentStateUnknown, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := targets(candidate{item: models.LineItem{Status: tc.status}, leg: tc.leg}, tc.state)
			assert.Equal(t, tc.want, got)
		})
	}
}
