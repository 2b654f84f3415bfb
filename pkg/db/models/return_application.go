package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
)

// ReturnApplication is the customer's cancel, return or exchange request for one line item.
type ReturnApplication struct {
	ID              uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	LineItemID      uuid.UUID             `gorm:"column:line_item_id;type:uuid;not null;uniqueIndex"`
	Kind            enums.ApplicationKind `gorm:"column:kind;not null"`
	ReasonCode      string                `gorm:"column:reason_code;not null"`
	ReasonText      string                `gorm:"column:reason_text"`
	Quantity        int                   `gorm:"column:quantity;not null"`
	PickupMethod    enums.PickupMethod    `gorm:"column:pickup_method"`
	PickupServiceID string                `gorm:"column:pickup_service_id"`
	PriorStatus     enums.LineItemStatus  `gorm:"column:prior_status;not null"`
	AddressRecordID *uuid.UUID            `gorm:"column:address_record_id;type:uuid"`
	Approved        bool                  `gorm:"column:approved;not null;default:false"`
	Cancelled       bool                  `gorm:"column:cancelled;not null;default:false"`
	CreatedAt       time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (r *ReturnApplication) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Open reports whether the application still awaits a decision.
func (r ReturnApplication) Open() bool {
	return !r.Approved && !r.Cancelled
}
