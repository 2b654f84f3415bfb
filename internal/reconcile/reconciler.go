// Package reconcile polls the carrier for in-flight parcels and applies the
// observed progress through the transition engine.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/fulfillment-backoffice/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/carrier"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/metrics"
)

const (
	jobName              = "carrier-reconcile"
	defaultConcurrency   = 8
	defaultLookupTimeout = 8 * time.Second
)

// statuses in which each parcel is still moving.
var (
	outboundStatuses    = []enums.LineItemStatus{enums.LineItemStatusPaymentComplete, enums.LineItemStatusShipping}
	returnStatuses      = []enums.LineItemStatus{enums.LineItemStatusReturnApply}
	replacementStatuses = []enums.LineItemStatus{enums.LineItemStatusExchangeShipping}
)

type shipmentLookup interface {
	Lookup(ctx context.Context, key carrier.LookupKey) (carrier.Shipment, error)
}

type itemLister interface {
	ListByStatuses(ctx context.Context, orderID uuid.UUID, statuses []enums.LineItemStatus) ([]models.LineItem, error)
}

type engine interface {
	Apply(ctx context.Context, lineItemID uuid.UUID, cmd fulfillment.Command) (*fulfillment.Result, error)
	RecordCarrierTracking(ctx context.Context, lineItemID uuid.UUID, leg fulfillment.Leg, tracking fulfillment.Tracking) (bool, error)
}

// Report summarizes one reconciliation run.
type Report struct {
	Candidates      int      `json:"candidates"`
	Lookups         int      `json:"lookups"`
	Failed          int      `json:"failed"`
	Transitions     int      `json:"transitions"`
	TrackingUpdates int      `json:"tracking_updates"`
	Errors          []string `json:"errors,omitempty"`

	failures []error
}

// Err joins every per-pair and per-item failure of the run.
func (r *Report) Err() error {
	if r == nil {
		return nil
	}
	return multierr.Combine(r.failures...)
}

func (r *Report) fail(err error) {
	r.failures = append(r.failures, err)
	r.Errors = append(r.Errors, err.Error())
}

// Reconciler runs carrier reconciliation for one order or for every open parcel.
type Reconciler interface {
	Reconcile(ctx context.Context, orderID uuid.UUID) (*Report, error)
}

// Params configure the reconciler. Metrics are optional.
type Params struct {
	Items         itemLister
	Carrier       shipmentLookup
	Engine        engine
	Concurrency   int
	LookupTimeout time.Duration
	Metrics       *metrics.FulfillmentMetrics
	JobMetrics    *metrics.JobMetrics
	Logger        *logger.Logger
}

type reconciler struct {
	items         itemLister
	carrier       shipmentLookup
	engine        engine
	concurrency   int
	lookupTimeout time.Duration
	metrics       *metrics.FulfillmentMetrics
	jobMetrics    *metrics.JobMetrics
	logg          *logger.Logger
	now           func() time.Time
}

func New(params Params) (Reconciler, error) {
	if params.Items == nil {
		return nil, fmt.Errorf("line item repository required")
	}
	if params.Carrier == nil {
		return nil, fmt.Errorf("carrier client required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("transition engine required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	concurrency := params.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	timeout := params.LookupTimeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &reconciler{
		items:         params.Items,
		carrier:       params.Carrier,
		engine:        params.Engine,
		concurrency:   concurrency,
		lookupTimeout: timeout,
		metrics:       params.Metrics,
		jobMetrics:    params.JobMetrics,
		logg:          params.Logger,
		now:           time.Now,
	}, nil
}

// candidate is one line item waiting on one parcel.
type candidate struct {
	item models.LineItem
	leg  fulfillment.Leg
}

// pair is a distinct carrier lookup and everything waiting on it.
type pair struct {
	key        carrier.LookupKey
	leg        fulfillment.Leg
	candidates []candidate
	shipment   carrier.Shipment
	found      bool
	err        error
}

// Reconcile looks up every distinct parcel once and applies what the carrier
// reports. A nil order id reconciles every order.
func (r *reconciler) Reconcile(ctx context.Context, orderID uuid.UUID) (*Report, error) {
	start := r.now()
	logCtx := ctx
	if orderID != uuid.Nil {
		logCtx = r.logg.WithOrderID(ctx, orderID.String())
	}

	pairs, total, err := r.collect(ctx, orderID)
	if err != nil {
		r.jobMetrics.IncFailure(jobName)
		return nil, err
	}
	report := &Report{Candidates: total, Lookups: len(pairs)}

	r.lookup(ctx, pairs)
	for _, p := range pairs {
		r.apply(ctx, p, report)
	}

	r.jobMetrics.ObserveDuration(jobName, r.now().Sub(start))
	if report.Failed > 0 {
		r.jobMetrics.IncFailure(jobName)
	} else {
		r.jobMetrics.IncSuccess(jobName)
	}
	fields := map[string]any{
		"candidates":       report.Candidates,
		"lookups":          report.Lookups,
		"failed":           report.Failed,
		"transitions":      report.Transitions,
		"tracking_updates": report.TrackingUpdates,
	}
	if report.Failed > 0 {
		r.logg.Warn(r.logg.WithFields(logCtx, fields), "carrier reconcile finished with failures")
	} else {
		r.logg.Info(r.logg.WithFields(logCtx, fields), "carrier reconcile finished")
	}
	return report, nil
}

// collect groups in-flight items by lookup key, in a stable order.
func (r *reconciler) collect(ctx context.Context, orderID uuid.UUID) ([]*pair, int, error) {
	legs := []struct {
		leg      fulfillment.Leg
		statuses []enums.LineItemStatus
	}{
		{fulfillment.LegOutbound, outboundStatuses},
		{fulfillment.LegReturn, returnStatuses},
		{fulfillment.LegReplacement, replacementStatuses},
	}

	byKey := map[carrier.LookupKey]*pair{}
	total := 0
	for _, l := range legs {
		items, err := r.items.ListByStatuses(ctx, orderID, l.statuses)
		if err != nil {
			return nil, 0, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "list reconcile candidates")
		}
		for _, item := range items {
			key := lookupKey(item, l.leg)
			if !key.Valid() {
				continue
			}
			total++
			p, ok := byKey[key]
			if !ok {
				p = &pair{key: key, leg: l.leg}
				byKey[key] = p
			}
			p.candidates = append(p.candidates, candidate{item: item, leg: l.leg})
		}
	}

	pairs := make([]*pair, 0, len(byKey))
	for _, p := range byKey {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key.String() < pairs[j].key.String() })
	return pairs, total, nil
}

// lookup queries every pair concurrently. A failing pair never cancels the others.
func (r *reconciler) lookup(ctx context.Context, pairs []*pair) {
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, p := range pairs {
		g.Go(func() error {
			lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
			defer cancel()
			shipment, err := r.carrier.Lookup(lookupCtx, p.key)
			switch {
			case err == nil:
				p.shipment, p.found = shipment, true
				r.metrics.IncLookup(string(p.leg), "ok")
			case errors.Is(err, carrier.ErrShipmentNotFound) || pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
				r.metrics.IncLookup(string(p.leg), "not_found")
			default:
				p.err = err
				r.metrics.IncLookup(string(p.leg), "error")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *reconciler) apply(ctx context.Context, p *pair, report *Report) {
	if p.err != nil {
		report.Failed++
		report.fail(fmt.Errorf("lookup %s: %w", p.key, p.err))
		r.logg.Error(r.logg.WithField(ctx, "lookup_key", p.key.String()), "carrier lookup failed", p.err)
		return
	}
	if !p.found {
		return
	}
	for _, c := range p.candidates {
		updated, transitions, err := r.applyItem(ctx, c, p.shipment)
		if updated {
			report.TrackingUpdates++
		}
		report.Transitions += transitions
		if err != nil {
			report.Failed++
			report.fail(fmt.Errorf("line item %s: %w", c.item.ID, err))
			r.logg.Error(r.logg.WithLineItemID(ctx, c.item.ID.String()), "carrier correction failed", err)
		}
	}
}

// applyItem records tracking the carrier assigned, then walks the item along
// the statuses the shipment state implies.
func (r *reconciler) applyItem(ctx context.Context, c candidate, shipment carrier.Shipment) (bool, int, error) {
	updated := false
	if tracking, ok := missingTracking(c, shipment); ok {
		var err error
		updated, err = r.engine.RecordCarrierTracking(ctx, c.item.ID, c.leg, tracking)
		if err != nil {
			return false, 0, err
		}
	}

	transitions := 0
	for _, target := range targets(c, shipment.State) {
		_, err := r.engine.Apply(ctx, c.item.ID, fulfillment.Command{
			Request: fulfillment.Request{Target: target, Trigger: enums.TriggerCarrier},
			Reason:  "carrier reported " + string(shipment.State),
		})
		if err != nil {
			if pkgerrors.IsReason(err, pkgerrors.ReasonIllegalTransition) {
				// the item moved since it was listed
				break
			}
			return updated, transitions, err
		}
		transitions++
	}
	return updated, transitions, nil
}

func lookupKey(item models.LineItem, leg fulfillment.Leg) carrier.LookupKey {
	return rawLookupKey(item, leg).Canonical()
}

func rawLookupKey(item models.LineItem, leg fulfillment.Leg) carrier.LookupKey {
	switch leg {
	case fulfillment.LegOutbound:
		return carrier.LookupKey{ServiceID: item.ServiceID, CourierCode: item.CourierCode, TrackingNumber: item.TrackingNumber}
	case fulfillment.LegReturn:
		return carrier.LookupKey{ServiceID: item.ReturnServiceID, CourierCode: item.ReturnCourierCode, TrackingNumber: item.ReturnTrackingNumber}
	case fulfillment.LegReplacement:
		return carrier.LookupKey{CourierCode: item.ReplacementCourierCode, TrackingNumber: item.ReplacementTrackingNumber}
	default:
		return carrier.LookupKey{}
	}
}

// missingTracking returns the carrier's tracking when it fills a gap locally.
func missingTracking(c candidate, shipment carrier.Shipment) (fulfillment.Tracking, bool) {
	var local fulfillment.Tracking
	switch c.leg {
	case fulfillment.LegOutbound:
		local = fulfillment.Tracking{Courier: c.item.CourierCode, Number: c.item.TrackingNumber}
	case fulfillment.LegReturn:
		local = fulfillment.Tracking{Courier: c.item.ReturnCourierCode, Number: c.item.ReturnTrackingNumber}
	case fulfillment.LegReplacement:
		local = fulfillment.Tracking{Courier: c.item.ReplacementCourierCode, Number: c.item.ReplacementTrackingNumber}
	}
	tracking := fulfillment.Tracking{}
	if local.Courier == "" && shipment.CourierCode != "" {
		tracking.Courier = shipment.CourierCode
	}
	if local.Number == "" && shipment.TrackingNumber != "" {
		tracking.Number = shipment.TrackingNumber
	}
	return tracking, tracking.Courier != "" || tracking.Number != ""
}

// targets lists the transitions, in order, that bring the item in line with the carrier.
func targets(c candidate, state enums.ShipmentState) []enums.LineItemStatus {
	status := c.item.Status
	switch c.leg {
	case fulfillment.LegOutbound:
		switch state {
		case enums.ShipmentStatePickedUp, enums.ShipmentStateInTransit:
			if status == enums.LineItemStatusPaymentComplete {
				return []enums.LineItemStatus{enums.LineItemStatusShipping}
			}
		case enums.ShipmentStateDelivered:
			switch status {
			case enums.LineItemStatusPaymentComplete:
				return []enums.LineItemStatus{enums.LineItemStatusShipping, enums.LineItemStatusShippingComplete}
			case enums.LineItemStatusShipping:
				return []enums.LineItemStatus{enums.LineItemStatusShippingComplete}
			}
		}
	case fulfillment.LegReturn:
		if state == enums.ShipmentStateDelivered && status == enums.LineItemStatusReturnApply {
			return []enums.LineItemStatus{enums.LineItemStatusReturnGet}
		}
	case fulfillment.LegReplacement:
		if state == enums.ShipmentStateDelivered && status == enums.LineItemStatusExchangeShipping {
			return []enums.LineItemStatus{enums.LineItemStatusExchangeShippingComplete}
		}
	}
	return nil
}
