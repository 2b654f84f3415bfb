package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/types"
)

// Order is the header shared by every line item purchased in one checkout.
type Order struct {
	ID                         uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	BuyerRef                   string                `gorm:"column:buyer_ref;not null"`
	PaymentAmountCents         int64                 `gorm:"column:payment_amount_cents;not null"`
	CouponType                 enums.CouponType      `gorm:"column:coupon_type;not null;default:'NONE'"`
	CouponAmount               int64                 `gorm:"column:coupon_amount;not null;default:0"`
	UsedPoints                 int64                 `gorm:"column:used_points;not null;default:0"`
	RefundedPoints             int64                 `gorm:"column:refunded_points;not null;default:0"`
	FreeShippingThresholdCents int64                 `gorm:"column:free_shipping_threshold_cents;not null;default:0"`
	DeliveryFeeCents           int64                 `gorm:"column:delivery_fee_cents;not null;default:0"`
	RefundedAmountCents        int64                 `gorm:"column:refunded_amount_cents;not null;default:0"`
	CouponWithheldCents        int64                 `gorm:"column:coupon_withheld_cents;not null;default:0"`
	DefaultAddress             types.DeliveryAddress `gorm:"column:default_address;type:jsonb"`
	CreatedAt                  time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt                  time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// OutstandingPoints is the reward-point balance that can still be restored.
func (o Order) OutstandingPoints() int64 {
	if o.UsedPoints <= o.RefundedPoints {
		return 0
	}
	return o.UsedPoints - o.RefundedPoints
}
