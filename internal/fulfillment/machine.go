package fulfillment

import (
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
)

// DefaultReturnWindow bounds how long after purchase confirmation a return or exchange may start.
const DefaultReturnWindow = 72 * time.Hour

// Effect is a side effect that must happen with a transition.
type Effect string

const (
	EffectAssignTracking            Effect = "ASSIGN_TRACKING"
	EffectAssignReplacementTracking Effect = "ASSIGN_REPLACEMENT_TRACKING"
	EffectStampPurchaseConfirmation Effect = "STAMP_PURCHASE_CONFIRMATION"
	EffectRefundItem                Effect = "REFUND_ITEM"
	EffectRefundDeliveryFee         Effect = "REFUND_DELIVERY_FEE"
	EffectCancelPickup              Effect = "CANCEL_PICKUP"
	EffectReinstateOrderAddress     Effect = "REINSTATE_ORDER_ADDRESS"
	EffectRetireReturnAddress       Effect = "RETIRE_RETURN_ADDRESS"
	EffectApproveApplication        Effect = "APPROVE_APPLICATION"
	EffectCloseApplication          Effect = "CLOSE_APPLICATION"
)

// Snapshot is the state a decision is made against.
type Snapshot struct {
	Item models.LineItem
	// Group holds every member of the item's group, the item included.
	Group []models.LineItem
	// Application is the item's open return application, if any.
	Application  *models.ReturnApplication
	ReturnWindow time.Duration
}

// Request asks to move a line item to Target. Courier and Tracking carry the
// outbound or replacement tracking entered with a shipping transition.
type Request struct {
	Target   enums.LineItemStatus
	Trigger  enums.TransitionTrigger
	Courier  string
	Tracking string
}

// Tracking is a courier and tracking number pair.
type Tracking struct {
	Courier string `json:"courier"`
	Number  string `json:"tracking_number"`
}

// Decision is an accepted transition and the effects it carries.
type Decision struct {
	From        enums.LineItemStatus    `json:"from"`
	To          enums.LineItemStatus    `json:"to"`
	Trigger     enums.TransitionTrigger `json:"trigger"`
	Effects     []Effect                `json:"effects"`
	RefundFlow  enums.RefundFlow        `json:"refund_flow,omitempty"`
	Tracking    *Tracking               `json:"tracking,omitempty"`
	ConfirmedAt *time.Time              `json:"confirmed_at,omitempty"`
}

// Has reports whether the decision carries effect.
func (d Decision) Has(effect Effect) bool {
	for _, e := range d.Effects {
		if e == effect {
			return true
		}
	}
	return false
}

func (d *Decision) add(effects ...Effect) {
	d.Effects = append(d.Effects, effects...)
}

var (
	staff      = []enums.TransitionTrigger{enums.TriggerAdmin, enums.TriggerWorkflow}
	observable = []enums.TransitionTrigger{enums.TriggerAdmin, enums.TriggerWorkflow, enums.TriggerCarrier}
)

// Decide validates a transition without touching storage.
func Decide(snap Snapshot, req Request, now time.Time) (Decision, error) {
	from := snap.Item.Status
	if !req.Target.IsValid() {
		return Decision{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown target status %q", req.Target))
	}
	if !req.Trigger.IsValid() {
		return Decision{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown trigger %q", req.Trigger))
	}
	if from.IsTerminal() {
		return Decision{}, pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonTerminalStatus,
			fmt.Sprintf("line item is %s and can no longer change", from))
	}
	if from == req.Target {
		return Decision{}, illegal(from, req.Target)
	}
	if req.Target == enums.LineItemStatusCancelApply && from.IsShipped() {
		return Decision{}, pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonCancelAfterShipment,
			fmt.Sprintf("line item is %s; request a return instead of a cancellation", from))
	}

	d := Decision{From: from, To: req.Target, Trigger: req.Trigger}
	var err error
	switch from {
	case enums.LineItemStatusPaymentComplete:
		err = d.fromPaymentComplete(snap, req)
	case enums.LineItemStatusHold:
		err = d.fromHold(req)
	case enums.LineItemStatusShipping:
		err = d.fromShipping(req)
	case enums.LineItemStatusShippingComplete:
		err = d.fromShippingComplete(req, now)
	case enums.LineItemStatusPurchaseConfirm:
		err = d.fromPurchaseConfirm(snap, req, now)
	case enums.LineItemStatusCancelApply:
		err = d.fromCancelApply(req)
	case enums.LineItemStatusReturnApply:
		err = d.fromReturnApply(snap, req)
	case enums.LineItemStatusReturnGet:
		err = d.fromReturnGet(req)
	case enums.LineItemStatusExchangeApply:
		err = d.fromExchangeApply(req)
	case enums.LineItemStatusExchangeGet:
		err = d.fromExchangeGet(req)
	case enums.LineItemStatusExchangePaymentComplete:
		err = d.fromExchangePaymentComplete(snap, req)
	case enums.LineItemStatusExchangeShipping:
		err = d.fromExchangeShipping(req)
	case enums.LineItemStatusExchangeShippingComplete:
		err = d.fromExchangeShippingComplete(req)
	case enums.LineItemStatusCancelComplete, enums.LineItemStatusReturnComplete, enums.LineItemStatusExchangeComplete:
		err = pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonTerminalStatus, "terminal status")
	default:
		err = pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown current status %q", from))
	}
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (d *Decision) fromPaymentComplete(snap Snapshot, req Request) error {
	switch req.Target {
	case enums.LineItemStatusHold, enums.LineItemStatusCancelApply:
		return allow(d, req, staff...)
	case enums.LineItemStatusShipping:
		if err := allow(d, req, observable...); err != nil {
			return err
		}
		if req.Trigger == enums.TriggerCarrier {
			return nil
		}
		tracking, err := uniformTracking(snap, req)
		if err != nil {
			return err
		}
		if tracking.Courier != snap.Item.CourierCode || tracking.Number != snap.Item.TrackingNumber {
			d.Tracking = &tracking
			d.add(EffectAssignTracking)
		}
		return nil
	default:
		return illegal(d.From, req.Target)
	}
}

func (d *Decision) fromHold(req Request) error {
	switch req.Target {
	case enums.LineItemStatusPaymentComplete, enums.LineItemStatusCancelApply:
		return allow(d, req, staff...)
	default:
		return illegal(d.From, req.Target)
	}
}

func (d *Decision) fromShipping(req Request) error {
	switch req.Target {
	case enums.LineItemStatusShippingComplete:
		return allow(d, req, observable...)
	default:
		return illegal(d.From, req.Target)
	}
}

func (d *Decision) fromShippingComplete(req Request, now time.Time) error {
	switch req.Target {
	case enums.LineItemStatusPurchaseConfirm:
		if err := allow(d, req, staff...); err != nil {
			return err
		}
		stamped := now.UTC()
		d.ConfirmedAt = &stamped
		d.add(EffectStampPurchaseConfirmation)
		return nil
	case enums.LineItemStatusReturnApply, enums.LineItemStatusExchangeApply:
		return allow(d, req, staff...)
	default:
		return illegal(d.From, req.Target)
	}
}

func (d *Decision) fromPurchaseConfirm(snap Snapshot, req Request, now time.Time) error {
	switch req.Target {
	case enums.LineItemStatusReturnApply, enums.LineItemStatusExchangeApply:
		if err := allow(d, req, staff...); err != nil {
			return err
		}
		return withinReturnWindow(snap, now)
	default:
		return illegal(d.From, req.Target)
	}
}

func (d *Decision) fromCancelApply(req Request) error {
	switch req.Target {
	case enums.LineItemStatusPaymentComplete:
		if err := allow(d, req, staff...); err != nil {
			return err
		}
		d.add(EffectCloseApplication)
		return nil
	case enums.LineItemStatusCancelComplete:
		if err := allow(d, req, staff...); err != nil {
			return err
		}
		d.RefundFlow = enums.RefundFlowCancel
		d.add(EffectRefundItem, EffectApproveApplication)
		return nil
	default:
		return illegal(d.From, req.Target)
	}
}

func (d *Decision) fromReturnApply(snap Snapshot, req Request) error {
	switch req.Target {
	case enums.LineItemStatusShippingComplete, enums.LineItemStatusPurchaseConfirm:
		if err := allow(d, req, staff...); err != nil {
			return err
		}
		if prior := priorStatus(snap); prior != "" && prior != req.Target {
			return pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonIllegalTransition,
				fmt.Sprintf("a rejected return reverts to %s", prior))
		}
		d.add(EffectCancelPickup, EffectRefundDeliveryFee, EffectRetireReturnAddress, EffectReinstateOrderAddress, EffectCloseApplication)
		return nil
	case enums.LineItemStatusReturnGet:
		return allow(d, req, observable...)
	default:
		return illegal(d.From, req.Target)
	}
}

func (d *Decision) fromReturnGet(req Request) error {
	switch req.Target {
	case enums.LineItemStatusShippingComplete:
		if err := allow(d, req, staff...); err != nil {
			return err
		}
		d.add(EffectRetireReturnAddress, EffectReinstateOrderAddress, EffectCloseApplication)
		return nil
	case enums.LineItemStatusReturnComplete:
		if err := allow(d, req, staff...); err != nil {
			return err
		}
		d.RefundFlow = enums.RefundFlowReturn
		d.add(EffectRefundItem, EffectApproveApplication)
		return nil
	default:
		return illegal(d.From, req.Target)
	}
}

func (d *Decision) fromExchangeApply(req Request) error {
	switch req.Target {
	case enums.LineItemStatusShippingComplete:
		if err := allow(d, req, staff...); err != nil {
			return err
		}
		d.add(EffectCancelPickup, EffectRefundDeliveryFee, EffectRetireReturnAddress, EffectReinstateOrderAddress, EffectCloseApplication)
		return nil
	case enums.LineItemStatusExchangeGet, enums.LineItemStatusExchangePaymentComplete:
		return allow(d, req, observable...)
	default:
		return illegal(d.From, req.Target)
	}
}

func (d *Decision) fromExchangeGet(req Request) error {
	switch req.Target {
	case enums.LineItemStatusExchangePaymentComplete:
		return allow(d, req, staff...)
	default:
		return illegal(d.From, req.Target)
	}
}

func (d *Decision) fromExchangePaymentComplete(snap Snapshot, req Request) error {
	switch req.Target {
	case enums.LineItemStatusExchangeShipping:
		if err := allow(d, req, staff...); err != nil {
			return err
		}
		courier := firstNonEmpty(req.Courier, snap.Item.ReplacementCourierCode)
		number := firstNonEmpty(req.Tracking, snap.Item.ReplacementTrackingNumber)
		if courier == "" || number == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "replacement courier and tracking number required")
		}
		d.Tracking = &Tracking{Courier: courier, Number: number}
		d.add(EffectAssignReplacementTracking)
		return nil
	default:
		return illegal(d.From, req.Target)
	}
}

func (d *Decision) fromExchangeShipping(req Request) error {
	switch req.Target {
	case enums.LineItemStatusExchangeShippingComplete:
		return allow(d, req, observable...)
	default:
		return illegal(d.From, req.Target)
	}
}

func (d *Decision) fromExchangeShippingComplete(req Request) error {
	switch req.Target {
	case enums.LineItemStatusReturnApply, enums.LineItemStatusExchangeApply:
		return allow(d, req, staff...)
	case enums.LineItemStatusExchangeComplete:
		if err := allow(d, req, staff...); err != nil {
			return err
		}
		d.add(EffectApproveApplication)
		return nil
	default:
		return illegal(d.From, req.Target)
	}
}

// uniformTracking requires every member travelling in the shipment to carry
// the same courier and tracking number the item will carry.
func uniformTracking(snap Snapshot, req Request) (Tracking, error) {
	tracking := Tracking{
		Courier: firstNonEmpty(req.Courier, snap.Item.CourierCode),
		Number:  firstNonEmpty(req.Tracking, snap.Item.TrackingNumber),
	}
	if tracking.Courier == "" || tracking.Number == "" {
		return Tracking{}, pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonTrackingNotUniform,
			"courier and tracking number are required to ship")
	}
	var mismatched []string
	for _, member := range snap.Group {
		if member.ID == snap.Item.ID {
			continue
		}
		if member.Status != enums.LineItemStatusPaymentComplete && member.Status != enums.LineItemStatusShipping {
			continue
		}
		if member.CourierCode != tracking.Courier || member.TrackingNumber != tracking.Number {
			mismatched = append(mismatched, member.ID.String())
		}
	}
	if len(mismatched) > 0 {
		return Tracking{}, pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonTrackingNotUniform,
			"every item in the group must share the courier and tracking number; assign tracking to the group").
			WithDetails(map[string]any{"mismatched": mismatched})
	}
	return tracking, nil
}

func withinReturnWindow(snap Snapshot, now time.Time) error {
	window := snap.ReturnWindow
	if window <= 0 {
		window = DefaultReturnWindow
	}
	confirmed := snap.Item.PurchaseConfirmedAt
	if confirmed == nil {
		return pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonReturnWindowExpired,
			"purchase confirmation time is unknown")
	}
	if now.Sub(*confirmed) > window {
		return pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonReturnWindowExpired,
			fmt.Sprintf("returns close %s after purchase confirmation", window)).
			WithDetails(map[string]any{"confirmed_at": confirmed.UTC()})
	}
	return nil
}

func priorStatus(snap Snapshot) enums.LineItemStatus {
	if snap.Application == nil {
		return ""
	}
	switch snap.Application.PriorStatus {
	case enums.LineItemStatusShippingComplete, enums.LineItemStatusPurchaseConfirm:
		return snap.Application.PriorStatus
	case enums.LineItemStatusExchangeShippingComplete:
		return enums.LineItemStatusShippingComplete
	default:
		return ""
	}
}

func allow(d *Decision, req Request, triggers ...enums.TransitionTrigger) error {
	for _, t := range triggers {
		if t == req.Trigger {
			return nil
		}
	}
	return pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonIllegalTransition,
		fmt.Sprintf("%s trigger cannot move a line item from %s to %s", req.Trigger, d.From, req.Target))
}

func illegal(from, to enums.LineItemStatus) error {
	return pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonIllegalTransition,
		fmt.Sprintf("cannot move a line item from %s to %s", from, to))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
