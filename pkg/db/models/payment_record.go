package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
)

// PaymentRecord is a captured charge: the order payment or a separately billed delivery fee.
type PaymentRecord struct {
	ID                  uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	OrderID             uuid.UUID           `gorm:"column:order_id;type:uuid;not null"`
	LineItemID          *uuid.UUID          `gorm:"column:line_item_id;type:uuid"`
	Kind                enums.PaymentKind   `gorm:"column:kind;not null"`
	ProviderPaymentID   string              `gorm:"column:provider_payment_id;not null"`
	AmountCents         int64               `gorm:"column:amount_cents;not null"`
	RefundedAmountCents int64               `gorm:"column:refunded_amount_cents;not null;default:0"`
	Status              enums.PaymentStatus `gorm:"column:status;not null"`
	RefundedAt          *time.Time          `gorm:"column:refunded_at"`
	CreatedAt           time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *PaymentRecord) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// RefundRecord is an immutable entry for every refund sent to the payment provider.
type RefundRecord struct {
	ID               uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	OrderID          uuid.UUID        `gorm:"column:order_id;type:uuid;not null"`
	PaymentRecordID  uuid.UUID        `gorm:"column:payment_record_id;type:uuid;not null"`
	LineItemID       *uuid.UUID       `gorm:"column:line_item_id;type:uuid"`
	Flow             enums.RefundFlow `gorm:"column:flow;not null"`
	Quantity         int              `gorm:"column:quantity;not null;default:0"`
	AmountCents      int64            `gorm:"column:amount_cents;not null"`
	PointsRestored   int64            `gorm:"column:points_restored;not null;default:0"`
	IdempotencyKey   string           `gorm:"column:idempotency_key;not null;uniqueIndex"`
	ProviderRefundID string           `gorm:"column:provider_refund_id"`
	Breakdown        json.RawMessage  `gorm:"column:breakdown;type:jsonb"`
	CreatedAt        time.Time        `gorm:"column:created_at;autoCreateTime"`
}

func (r *RefundRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
