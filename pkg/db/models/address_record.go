package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/types"
)

// AddressRecord is an append-only address fact for a line item. Rows are only ever
// inserted or deactivated, never edited.
type AddressRecord struct {
	ID                uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	LineItemID        uuid.UUID            `gorm:"column:line_item_id;type:uuid;not null"`
	Purpose           enums.AddressPurpose `gorm:"column:purpose;not null"`
	ReceiverName      string               `gorm:"column:receiver_name;not null"`
	ReceiverPhone     string               `gorm:"column:receiver_phone;not null"`
	PostalCode        string               `gorm:"column:postal_code;not null"`
	Line1             string               `gorm:"column:line1;not null"`
	Line2             string               `gorm:"column:line2"`
	EntryInstructions string               `gorm:"column:entry_instructions"`
	DeliveryNote      string               `gorm:"column:delivery_note"`
	Active            bool                 `gorm:"column:active;not null"`
	CreatedAt         time.Time            `gorm:"column:created_at;autoCreateTime"`
}

func (a *AddressRecord) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Address returns the postal fields of the record.
func (a AddressRecord) Address() types.DeliveryAddress {
	return types.DeliveryAddress{
		ReceiverName:      a.ReceiverName,
		ReceiverPhone:     a.ReceiverPhone,
		PostalCode:        a.PostalCode,
		Line1:             a.Line1,
		Line2:             a.Line2,
		EntryInstructions: a.EntryInstructions,
		DeliveryNote:      a.DeliveryNote,
	}
}

// NewAddressRecord builds an active record for the given purpose.
func NewAddressRecord(lineItemID uuid.UUID, purpose enums.AddressPurpose, addr types.DeliveryAddress) AddressRecord {
	return AddressRecord{
		LineItemID:        lineItemID,
		Purpose:           purpose,
		ReceiverName:      addr.ReceiverName,
		ReceiverPhone:     addr.ReceiverPhone,
		PostalCode:        addr.PostalCode,
		Line1:             addr.Line1,
		Line2:             addr.Line2,
		EntryInstructions: addr.EntryInstructions,
		DeliveryNote:      addr.DeliveryNote,
		Active:            true,
	}
}
