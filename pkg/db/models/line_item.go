package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
)

// LineItem is one product line of an order, tracked individually through fulfillment.
type LineItem struct {
	ID                  uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	OrderID             uuid.UUID            `gorm:"column:order_id;type:uuid;not null"`
	GroupNumber         int                  `gorm:"column:group_number;not null"`
	ProductRef          string               `gorm:"column:product_ref;not null"`
	Quantity            int                  `gorm:"column:quantity;not null"`
	OrderedQuantity     int                  `gorm:"column:ordered_quantity;not null"`
	UnitPriceCents      int64                `gorm:"column:unit_price_cents;not null"`
	OriginalPriceCents  int64                `gorm:"column:original_price_cents;not null"`
	PaymentAmountCents  int64                `gorm:"column:payment_amount_cents;not null"`
	RefundedAmountCents int64                `gorm:"column:refunded_amount_cents;not null;default:0"`
	Status              enums.LineItemStatus `gorm:"column:status;not null"`

	CourierCode    string `gorm:"column:courier_code"`
	TrackingNumber string `gorm:"column:tracking_number"`
	ServiceID      string `gorm:"column:service_id"`

	ReturnCourierCode    string `gorm:"column:return_courier_code"`
	ReturnTrackingNumber string `gorm:"column:return_tracking_number"`
	ReturnServiceID      string `gorm:"column:return_service_id"`

	ReplacementCourierCode    string `gorm:"column:replacement_courier_code"`
	ReplacementTrackingNumber string `gorm:"column:replacement_tracking_number"`

	PurchaseConfirmedAt *time.Time `gorm:"column:purchase_confirmed_at"`
	ReasonCode          string     `gorm:"column:reason_code"`
	ReasonText          string     `gorm:"column:reason_text"`
	Approved            bool       `gorm:"column:approved;not null;default:false"`
	Cancelled           bool       `gorm:"column:cancelled;not null;default:false"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (l *LineItem) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// OutstandingCents is the part of the item payment not yet returned to the buyer.
func (l LineItem) OutstandingCents() int64 {
	if l.PaymentAmountCents <= l.RefundedAmountCents {
		return 0
	}
	return l.PaymentAmountCents - l.RefundedAmountCents
}

// ShipmentKey is the identity a group shares for delivery: status plus outbound tracking.
type ShipmentKey struct {
	Status         enums.LineItemStatus
	CourierCode    string
	TrackingNumber string
	ServiceID      string
}

func (l LineItem) ShipmentKey() ShipmentKey {
	return ShipmentKey{
		Status:         l.Status,
		CourierCode:    l.CourierCode,
		TrackingNumber: l.TrackingNumber,
		ServiceID:      l.ServiceID,
	}
}
