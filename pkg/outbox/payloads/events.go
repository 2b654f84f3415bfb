package payloads

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
)

// LineItemStatusChangedEvent is emitted after a status transition commits.
type LineItemStatusChangedEvent struct {
	LineItemID  uuid.UUID               `json:"line_item_id"`
	OrderID     uuid.UUID               `json:"order_id"`
	GroupNumber int                     `json:"group_number"`
	From        enums.LineItemStatus    `json:"from"`
	To          enums.LineItemStatus    `json:"to"`
	Trigger     enums.TransitionTrigger `json:"trigger"`
	ChangedAt   time.Time               `json:"changed_at"`
}

// LineItemGroupChangedEvent reports a split or merge.
type LineItemGroupChangedEvent struct {
	OrderID       uuid.UUID   `json:"order_id"`
	Operation     string      `json:"operation"`
	SourceGroup   int         `json:"source_group"`
	TargetGroup   int         `json:"target_group"`
	LineItemIDs   []uuid.UUID `json:"line_item_ids"`
	CreatedItemID *uuid.UUID  `json:"created_item_id,omitempty"`
	MovedQuantity int         `json:"moved_quantity,omitempty"`
}

// RefundIssuedEvent records a line item refund confirmed by the payment provider.
type RefundIssuedEvent struct {
	RefundID         uuid.UUID        `json:"refund_id"`
	OrderID          uuid.UUID        `json:"order_id"`
	LineItemIDs      []uuid.UUID      `json:"line_item_ids"`
	Flow             enums.RefundFlow `json:"flow"`
	AmountCents      int64            `json:"amount_cents"`
	PointsRestored   int64            `json:"points_restored"`
	ProviderRefundID string           `json:"provider_refund_id"`
}

// DeliveryFeeRefundedEvent records the single refund of a delivery fee charge.
type DeliveryFeeRefundedEvent struct {
	PaymentRecordID  uuid.UUID `json:"payment_record_id"`
	OrderID          uuid.UUID `json:"order_id"`
	AmountCents      int64     `json:"amount_cents"`
	ProviderRefundID string    `json:"provider_refund_id"`
}

// NotificationRequestedEvent asks the notification service to alert a buyer.
type NotificationRequestedEvent struct {
	Recipient  string     `json:"recipient"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	OrderID    *uuid.UUID `json:"order_id,omitempty"`
	LineItemID *uuid.UUID `json:"line_item_id,omitempty"`
}

// Group change operations.
const (
	GroupOperationSplit = "split"
	GroupOperationMerge = "merge"
)

func (e LineItemStatusChangedEvent) Validate() error {
	switch {
	case e.LineItemID == uuid.Nil || e.OrderID == uuid.Nil:
		return errors.New("line item and order ids are required")
	case !e.From.IsValid() || !e.To.IsValid():
		return fmt.Errorf("invalid transition %q -> %q", e.From, e.To)
	case e.From == e.To:
		return fmt.Errorf("transition %q does not change status", e.To)
	case !e.Trigger.IsValid():
		return fmt.Errorf("invalid trigger %q", e.Trigger)
	}
	return nil
}

func (e LineItemGroupChangedEvent) Validate() error {
	if e.OrderID == uuid.Nil {
		return errors.New("order id is required")
	}
	if e.Operation != GroupOperationSplit && e.Operation != GroupOperationMerge {
		return fmt.Errorf("unknown group operation %q", e.Operation)
	}
	if len(e.LineItemIDs) == 0 {
		return errors.New("group change moved no line items")
	}
	return nil
}

func (e RefundIssuedEvent) Validate() error {
	if e.RefundID == uuid.Nil || e.OrderID == uuid.Nil {
		return errors.New("refund and order ids are required")
	}
	if !e.Flow.IsValid() {
		return fmt.Errorf("invalid refund flow %q", e.Flow)
	}
	if e.AmountCents < 0 || e.PointsRestored < 0 {
		return errors.New("refund amounts must not be negative")
	}
	return nil
}

func (e DeliveryFeeRefundedEvent) Validate() error {
	if e.PaymentRecordID == uuid.Nil || e.OrderID == uuid.Nil {
		return errors.New("payment record and order ids are required")
	}
	if e.AmountCents <= 0 {
		return errors.New("delivery fee refund must be positive")
	}
	return nil
}

func (e NotificationRequestedEvent) Validate() error {
	if strings.TrimSpace(e.Recipient) == "" || strings.TrimSpace(e.Title) == "" {
		return errors.New("notification needs a recipient and a title")
	}
	return nil
}
