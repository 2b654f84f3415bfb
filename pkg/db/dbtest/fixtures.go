package dbtest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/types"
)

// SampleAddress is a complete delivery address.
func SampleAddress() types.DeliveryAddress {
	return types.DeliveryAddress{
		ReceiverName:  "Jordan Lee",
		ReceiverPhone: "010-1234-5678",
		PostalCode:    "06236",
		Line1:         "12 Teheran-ro",
		Line2:         "Suite 4",
	}
}

// SeedOrder inserts an order with no coupon, points or delivery fee unless mutated.
func SeedOrder(t *testing.T, conn *gorm.DB, mutate ...func(*models.Order)) models.Order {
	t.Helper()
	order := models.Order{
		BuyerRef:           "buyer-" + uuid.NewString()[:8],
		PaymentAmountCents: 27000,
		CouponType:         enums.CouponTypeNone,
		DefaultAddress:     SampleAddress(),
	}
	for _, fn := range mutate {
		fn(&order)
	}
	require.NoError(t, conn.Create(&order).Error)
	return order
}

// SeedLineItem inserts a PAYMENT_COMPLETE item of three units in group 1 unless mutated.
func SeedLineItem(t *testing.T, conn *gorm.DB, orderID uuid.UUID, mutate ...func(*models.LineItem)) models.LineItem {
	t.Helper()
	item := models.LineItem{
		OrderID:            orderID,
		GroupNumber:        1,
		ProductRef:         "sku-" + uuid.NewString()[:8],
		Quantity:           3,
		OrderedQuantity:    3,
		UnitPriceCents:     9000,
		OriginalPriceCents: 10000,
		PaymentAmountCents: 27000,
		Status:             enums.LineItemStatusPaymentComplete,
	}
	for _, fn := range mutate {
		fn(&item)
	}
	require.NoError(t, conn.Create(&item).Error)
	return item
}

// SeedPayment inserts a captured payment record for the order.
func SeedPayment(t *testing.T, conn *gorm.DB, orderID uuid.UUID, kind enums.PaymentKind, amount int64) models.PaymentRecord {
	t.Helper()
	record := models.PaymentRecord{
		OrderID:           orderID,
		Kind:              kind,
		ProviderPaymentID: "pay-" + uuid.NewString()[:8],
		AmountCents:       amount,
		Status:            enums.PaymentStatusComplete,
	}
	require.NoError(t, conn.Create(&record).Error)
	return record
}

// SeedAddress inserts an active address record.
func SeedAddress(t *testing.T, conn *gorm.DB, lineItemID uuid.UUID, purpose enums.AddressPurpose) models.AddressRecord {
	t.Helper()
	record := models.NewAddressRecord(lineItemID, purpose, SampleAddress())
	require.NoError(t, conn.Create(&record).Error)
	return record
}
