package fulfillment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/internal/lineitems"
	"github.com/angelmondragon/fulfillment-backoffice/internal/notifications"
	"github.com/angelmondragon/fulfillment-backoffice/internal/refunds"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/locks"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/metrics"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox/payloads"
)

// Leg names which parcel a carrier lookup or tracking assignment refers to.
type Leg string

const (
	LegOutbound    Leg = "outbound"
	LegReturn      Leg = "return"
	LegReplacement Leg = "replacement"
)

var noticeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("fulfillment-backoffice/notices"))

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Refunder executes money-moving effects inside the transition transaction.
type Refunder interface {
	RefundLineItem(ctx context.Context, tx *gorm.DB, req refunds.LineItemRefund) (*refunds.Result, error)
	RefundItemDeliveryFees(ctx context.Context, tx *gorm.DB, orderID, lineItemID uuid.UUID, reason string) ([]models.RefundRecord, error)
}

// AddressLedger restores and retires address records.
type AddressLedger interface {
	Reinstate(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, purpose enums.AddressPurpose) (*models.AddressRecord, error)
	Retire(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, purpose enums.AddressPurpose) error
}

// ApplicationStore reads and settles return applications.
type ApplicationStore interface {
	FindOpenApplication(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID) (*models.ReturnApplication, error)
	SettleApplication(ctx context.Context, tx *gorm.DB, applicationID uuid.UUID, approved bool) error
}

// PickupCanceller withdraws a booked carrier collection.
type PickupCanceller interface {
	CancelPickup(ctx context.Context, serviceID string) error
}

// Notifier delivers best-effort buyer notifications.
type Notifier interface {
	Notify(ctx context.Context, n notifications.Notification) error
}

// Command is a transition request plus the refund inputs money-moving
// transitions need.
type Command struct {
	Request
	Refund refunds.Adjustments
	Reason string
}

// Result describes a committed transition.
type Result struct {
	LineItemID  uuid.UUID `json:"line_item_id"`
	OrderID     uuid.UUID `json:"order_id"`
	GroupNumber int       `json:"group_number"`
	Decision
	Refund             *refunds.Result       `json:"refund,omitempty"`
	DeliveryFeeRefunds []models.RefundRecord `json:"delivery_fee_refunds,omitempty"`
	ReinstatedAddress  *models.AddressRecord `json:"reinstated_address,omitempty"`
}

// GroupTrackingInput assigns one parcel's tracking to a whole group.
type GroupTrackingInput struct {
	OrderID     uuid.UUID
	GroupNumber int
	Courier     string
	Tracking    string
	Trigger     enums.TransitionTrigger
}

// Service is the only writer of line item status. Transitions for one line
// item are serialized by a keyed lock around the read-decide-write transaction.
type Service interface {
	Check(ctx context.Context, lineItemID uuid.UUID, req Request) (*Decision, error)
	Apply(ctx context.Context, lineItemID uuid.UUID, cmd Command) (*Result, error)
	AssignGroupTracking(ctx context.Context, input GroupTrackingInput) ([]Result, error)
	RecordCarrierTracking(ctx context.Context, lineItemID uuid.UUID, leg Leg, tracking Tracking) (bool, error)
}

// ServiceParams groups dependencies for the transition engine. Pickups,
// Notifier and Metrics are optional.
type ServiceParams struct {
	Items        lineitems.Repository
	Tx           txRunner
	Locker       locks.Locker
	Refunds      Refunder
	Addresses    AddressLedger
	Applications ApplicationStore
	Pickups      PickupCanceller
	Outbox       outboxPublisher
	Notifier     Notifier
	Metrics      *metrics.FulfillmentMetrics
	Logger       *logger.Logger
	ReturnWindow time.Duration
	Clock        func() time.Time
}

type service struct {
	items        lineitems.Repository
	tx           txRunner
	locker       locks.Locker
	refunds      Refunder
	addresses    AddressLedger
	applications ApplicationStore
	pickups      PickupCanceller
	outbox       outboxPublisher
	notifier     Notifier
	metrics      *metrics.FulfillmentMetrics
	logg         *logger.Logger
	returnWindow time.Duration
	now          func() time.Time
}

// notice is a buyer notification sent once the transaction commits.
type notice struct {
	notification notifications.Notification
	lineItemID   uuid.UUID
}

// NewService builds the status transition engine.
func NewService(params ServiceParams) (Service, error) {
	if params.Items == nil {
		return nil, fmt.Errorf("line item repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if params.Refunds == nil {
		return nil, fmt.Errorf("refund service required")
	}
	if params.Addresses == nil {
		return nil, fmt.Errorf("address ledger required")
	}
	if params.Applications == nil {
		return nil, fmt.Errorf("application store required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	window := params.ReturnWindow
	if window <= 0 {
		window = DefaultReturnWindow
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &service{
		items:        params.Items,
		tx:           params.Tx,
		locker:       params.Locker,
		refunds:      params.Refunds,
		addresses:    params.Addresses,
		applications: params.Applications,
		pickups:      params.Pickups,
		outbox:       params.Outbox,
		notifier:     params.Notifier,
		metrics:      params.Metrics,
		logg:         params.Logger,
		returnWindow: window,
		now:          clock,
	}, nil
}

// Check runs the decision against current state without locking or writing.
func (s *service) Check(ctx context.Context, lineItemID uuid.UUID, req Request) (*Decision, error) {
	item, err := s.items.FindLineItem(ctx, lineItemID)
	if err != nil {
		return nil, db.LoadError(err, "line item")
	}
	snap, err := s.snapshot(ctx, nil, *item)
	if err != nil {
		return nil, err
	}
	decision, err := Decide(snap, req, s.now())
	if err != nil {
		return nil, err
	}
	return &decision, nil
}

func (s *service) Apply(ctx context.Context, lineItemID uuid.UUID, cmd Command) (*Result, error) {
	if lineItemID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "line item id required")
	}
	release, err := locks.LockAll(ctx, s.locker, locks.LineItemKey(lineItemID.String()))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "line item is busy")
	}
	defer release()

	var (
		result *Result
		note   *notice
	)
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		item, err := s.items.WithTx(tx).FindLineItem(ctx, lineItemID)
		if err != nil {
			return db.LoadError(err, "line item")
		}
		snap, err := s.snapshot(ctx, tx, *item)
		if err != nil {
			return err
		}
		result, note, err = s.transition(ctx, tx, snap, cmd)
		return err
	})
	if err != nil {
		s.rejected(ctx, lineItemID, cmd.Request, err)
		return nil, err
	}
	s.committed(ctx, *result, note)
	return result, nil
}

func (s *service) AssignGroupTracking(ctx context.Context, input GroupTrackingInput) ([]Result, error) {
	courier := strings.TrimSpace(input.Courier)
	number := strings.TrimSpace(input.Tracking)
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if courier == "" || number == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "courier and tracking number required")
	}
	trigger := input.Trigger
	if trigger == "" {
		trigger = enums.TriggerAdmin
	}

	members, err := s.items.ListByGroup(ctx, input.OrderID, input.GroupNumber)
	if err != nil {
		return nil, db.LoadError(err, "group members")
	}
	if len(members) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "group not found")
	}
	keys := lineItemKeys(members)
	release, err := locks.LockAll(ctx, s.locker, keys...)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "line items are busy")
	}
	defer release()

	var (
		results []Result
		notes   []*notice
	)
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.items.WithTx(tx)
		group, err := repo.ListByGroup(ctx, input.OrderID, input.GroupNumber)
		if err != nil {
			return db.LoadError(err, "group members")
		}
		if stray := locks.Unlocked(keys, lineItemKeys(group)...); len(stray) > 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "group membership changed while locking, retry")
		}
		var pending []int
		for i, member := range group {
			if member.Status != enums.LineItemStatusPaymentComplete {
				continue
			}
			if err := repo.UpdateLineItem(ctx, member.ID, map[string]any{
				"courier_code":    courier,
				"tracking_number": number,
			}); err != nil {
				return db.WriteError(err, "assign tracking")
			}
			group[i].CourierCode = courier
			group[i].TrackingNumber = number
			pending = append(pending, i)
		}
		if len(pending) == 0 {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "no line items in the group are awaiting shipment")
		}
		for _, i := range pending {
			snap, err := s.snapshotWithGroup(ctx, tx, group[i], group)
			if err != nil {
				return err
			}
			result, note, err := s.transition(ctx, tx, snap, Command{Request: Request{
				Target:  enums.LineItemStatusShipping,
				Trigger: trigger,
			}})
			if err != nil {
				return err
			}
			results = append(results, *result)
			notes = append(notes, note)
		}
		return nil
	})
	if err != nil {
		s.rejected(ctx, uuid.Nil, Request{Target: enums.LineItemStatusShipping, Trigger: trigger}, err)
		return nil, err
	}
	for i := range results {
		s.committed(ctx, results[i], notes[i])
	}
	return results, nil
}

// RecordCarrierTracking fills in courier and tracking the carrier assigned
// after booking. Values already stored locally are never overwritten.
func (s *service) RecordCarrierTracking(ctx context.Context, lineItemID uuid.UUID, leg Leg, tracking Tracking) (bool, error) {
	tracking.Courier = strings.TrimSpace(tracking.Courier)
	tracking.Number = strings.TrimSpace(tracking.Number)
	if tracking.Courier == "" && tracking.Number == "" {
		return false, nil
	}
	release, err := locks.LockAll(ctx, s.locker, locks.LineItemKey(lineItemID.String()))
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "line item is busy")
	}
	defer release()

	updated := false
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.items.WithTx(tx)
		item, err := repo.FindLineItem(ctx, lineItemID)
		if err != nil {
			return db.LoadError(err, "line item")
		}
		if item.Status.IsTerminal() {
			return pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonTerminalStatus, "line item is closed")
		}
		courierCol, numberCol, current := trackingColumns(*item, leg)
		if courierCol == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown leg %q", leg))
		}
		updates := map[string]any{}
		if current.Courier == "" && tracking.Courier != "" {
			updates[courierCol] = tracking.Courier
		}
		if current.Number == "" && tracking.Number != "" {
			updates[numberCol] = tracking.Number
		}
		if len(updates) == 0 {
			return nil
		}
		ok, err := repo.UpdateStatus(ctx, item.ID, item.Status, updates)
		if err != nil {
			return db.WriteError(err, "record carrier tracking")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "line item changed while recording tracking")
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if updated {
		logCtx := s.logg.WithFields(s.logg.WithLineItemID(ctx, lineItemID.String()), map[string]any{
			"leg":             leg,
			"courier":         tracking.Courier,
			"tracking_number": tracking.Number,
		})
		s.logg.Info(logCtx, "carrier tracking recorded")
	}
	return updated, nil
}

func (s *service) snapshot(ctx context.Context, tx *gorm.DB, item models.LineItem) (Snapshot, error) {
	group, err := s.items.WithTx(tx).ListByGroup(ctx, item.OrderID, item.GroupNumber)
	if err != nil {
		return Snapshot{}, db.LoadError(err, "group members")
	}
	return s.snapshotWithGroup(ctx, tx, item, group)
}

func (s *service) snapshotWithGroup(ctx context.Context, tx *gorm.DB, item models.LineItem, group []models.LineItem) (Snapshot, error) {
	app, err := s.applications.FindOpenApplication(ctx, tx, item.ID)
	if err != nil {
		return Snapshot{}, db.LoadError(err, "return application")
	}
	return Snapshot{Item: item, Group: group, Application: app, ReturnWindow: s.returnWindow}, nil
}

// transition decides and writes one status change inside tx.
func (s *service) transition(ctx context.Context, tx *gorm.DB, snap Snapshot, cmd Command) (*Result, *notice, error) {
	now := s.now()
	decision, err := Decide(snap, cmd.Request, now)
	if err != nil {
		return nil, nil, err
	}
	item := snap.Item
	repo := s.items.WithTx(tx)
	result := &Result{
		LineItemID:  item.ID,
		OrderID:     item.OrderID,
		GroupNumber: item.GroupNumber,
		Decision:    decision,
	}
	updates := map[string]any{"status": decision.To}

	for _, effect := range decision.Effects {
		switch effect {
		case EffectAssignTracking:
			updates["courier_code"] = decision.Tracking.Courier
			updates["tracking_number"] = decision.Tracking.Number
		case EffectAssignReplacementTracking:
			updates["replacement_courier_code"] = decision.Tracking.Courier
			updates["replacement_tracking_number"] = decision.Tracking.Number
		case EffectStampPurchaseConfirmation:
			updates["purchase_confirmed_at"] = *decision.ConfirmedAt
		case EffectRefundItem:
			if item.OutstandingCents() == 0 && cmd.Refund.Points == 0 {
				continue
			}
			refund, err := s.refunds.RefundLineItem(ctx, tx, refunds.LineItemRefund{
				LineItemID:  item.ID,
				Flow:        decision.RefundFlow,
				Adjustments: cmd.Refund,
				Reason:      cmd.Reason,
			})
			if err != nil {
				return nil, nil, err
			}
			result.Refund = refund
		case EffectRefundDeliveryFee:
			records, err := s.refunds.RefundItemDeliveryFees(ctx, tx, item.OrderID, item.ID, cmd.Reason)
			if err != nil {
				return nil, nil, err
			}
			result.DeliveryFeeRefunds = records
		case EffectCancelPickup:
			if err := s.cancelPickup(ctx, snap); err != nil {
				return nil, nil, err
			}
		case EffectRetireReturnAddress:
			if err := s.addresses.Retire(ctx, tx, item.ID, enums.AddressPurposeReturn); err != nil {
				return nil, nil, err
			}
		case EffectReinstateOrderAddress:
			record, err := s.addresses.Reinstate(ctx, tx, item.ID, enums.AddressPurposeOrder)
			if err != nil {
				return nil, nil, err
			}
			result.ReinstatedAddress = record
		case EffectApproveApplication:
			updates["approved"] = true
			if snap.Application != nil {
				if err := s.applications.SettleApplication(ctx, tx, snap.Application.ID, true); err != nil {
					return nil, nil, err
				}
			}
		case EffectCloseApplication:
			updates["cancelled"] = true
			if snap.Application != nil {
				if err := s.applications.SettleApplication(ctx, tx, snap.Application.ID, false); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	ok, err := repo.UpdateStatus(ctx, item.ID, decision.From, updates)
	if err != nil {
		return nil, nil, db.WriteError(err, "update line item status")
	}
	if !ok {
		return nil, nil, pkgerrors.New(pkgerrors.CodeConflict, "line item status changed concurrently")
	}

	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventLineItemStatusChanged,
		AggregateType: enums.AggregateLineItem,
		AggregateID:   item.ID,
		Actor:         transitionActor(ctx, decision.Trigger),
		Data: payloads.LineItemStatusChangedEvent{
			LineItemID:  item.ID,
			OrderID:     item.OrderID,
			GroupNumber: item.GroupNumber,
			From:        decision.From,
			To:          decision.To,
			Trigger:     decision.Trigger,
			ChangedAt:   now.UTC(),
		},
		OccurredAt: now.UTC(),
	}); err != nil {
		return nil, nil, err
	}

	return result, s.noticeFor(ctx, tx, item, decision, now), nil
}

func (s *service) cancelPickup(ctx context.Context, snap Snapshot) error {
	serviceID := snap.Item.ReturnServiceID
	if snap.Application != nil && snap.Application.PickupServiceID != "" {
		serviceID = snap.Application.PickupServiceID
	}
	if serviceID == "" {
		return nil
	}
	if s.pickups == nil {
		s.logg.Warn(s.logg.WithLineItemID(ctx, snap.Item.ID.String()), "pickup booked but no carrier client configured; skipping cancellation")
		return nil
	}
	if err := s.pickups.CancelPickup(ctx, serviceID); err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return err
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel carrier pickup")
	}
	return nil
}

func (s *service) noticeFor(ctx context.Context, tx *gorm.DB, item models.LineItem, decision Decision, now time.Time) *notice {
	if s.notifier == nil {
		return nil
	}
	title, body := noticeText(decision)
	if title == "" {
		return nil
	}
	order, err := s.items.WithTx(tx).FindOrder(ctx, item.OrderID)
	if err != nil {
		s.logg.Warn(s.logg.WithOrderID(ctx, item.OrderID.String()), "order lookup for notification failed")
		return nil
	}
	orderID, lineItemID := item.OrderID, item.ID
	key := uuid.NewSHA1(noticeNamespace, []byte(fmt.Sprintf("%s|%s|%s|%d", item.ID, decision.From, decision.To, now.UnixNano())))
	return &notice{
		lineItemID: item.ID,
		notification: notifications.Notification{
			Key:        key,
			Recipient:  order.BuyerRef,
			Title:      title,
			Body:       body,
			OrderID:    &orderID,
			LineItemID: &lineItemID,
		},
	}
}

func noticeText(d Decision) (string, string) {
	if d.Has(EffectCloseApplication) {
		return "Your request was declined", fmt.Sprintf("Your request was not approved; the item is back to %s.", d.To)
	}
	switch d.To {
	case enums.LineItemStatusShipping:
		return "Your order has shipped", "Your parcel is on its way."
	case enums.LineItemStatusShippingComplete:
		return "Your order was delivered", "Your parcel has been delivered."
	case enums.LineItemStatusCancelComplete:
		return "Cancellation complete", "Your cancellation was approved and a refund has been issued."
	case enums.LineItemStatusReturnGet, enums.LineItemStatusExchangeGet:
		return "We collected your parcel", "Your returned item has been picked up."
	case enums.LineItemStatusReturnComplete:
		return "Return complete", "Your return was approved and a refund has been issued."
	case enums.LineItemStatusExchangeShipping:
		return "Your replacement has shipped", "Your replacement item is on its way."
	case enums.LineItemStatusExchangeComplete:
		return "Exchange complete", "Your exchange is complete."
	default:
		return "", ""
	}
}

func (s *service) committed(ctx context.Context, result Result, note *notice) {
	s.metrics.IncTransition(string(result.From), string(result.To), string(result.Trigger))
	logCtx := s.logg.WithFields(s.logg.WithLineItemID(s.logg.WithOrderID(ctx, result.OrderID.String()), result.LineItemID.String()), map[string]any{
		"from":    result.From,
		"to":      result.To,
		"trigger": result.Trigger,
		"effects": result.Effects,
	})
	s.logg.Info(logCtx, "line item status changed")

	if note == nil {
		return
	}
	if err := s.notifier.Notify(ctx, note.notification); err != nil {
		s.logg.Error(logCtx, "buyer notification failed", err)
	}
}

func (s *service) rejected(ctx context.Context, lineItemID uuid.UUID, req Request, err error) {
	typed := pkgerrors.As(err)
	if typed == nil || (typed.Code() != pkgerrors.CodeValidation && typed.Code() != pkgerrors.CodeStateConflict) {
		return
	}
	s.metrics.IncRejection(string(typed.Reason()))
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"target":  req.Target,
		"trigger": req.Trigger,
		"reason":  typed.Reason(),
	})
	if lineItemID != uuid.Nil {
		logCtx = s.logg.WithLineItemID(logCtx, lineItemID.String())
	}
	s.logg.Warn(logCtx, "transition rejected")
}

// transitionActor credits the operator behind the request when there is one,
// with the trigger as role, and the trigger itself otherwise.
func transitionActor(ctx context.Context, trigger enums.TransitionTrigger) *outbox.ActorRef {
	if actor := outbox.ActorFromContext(ctx); actor != nil {
		return &outbox.ActorRef{Ref: actor.Ref, Role: string(trigger)}
	}
	return &outbox.ActorRef{Ref: string(trigger)}
}

func trackingColumns(item models.LineItem, leg Leg) (string, string, Tracking) {
	switch leg {
	case LegOutbound:
		return "courier_code", "tracking_number", Tracking{Courier: item.CourierCode, Number: item.TrackingNumber}
	case LegReturn:
		return "return_courier_code", "return_tracking_number", Tracking{Courier: item.ReturnCourierCode, Number: item.ReturnTrackingNumber}
	case LegReplacement:
		return "replacement_courier_code", "replacement_tracking_number", Tracking{Courier: item.ReplacementCourierCode, Number: item.ReplacementTrackingNumber}
	default:
		return "", "", Tracking{}
	}
}

func lineItemKeys(items []models.LineItem) []string {
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, locks.LineItemKey(item.ID.String()))
	}
	return keys
}
