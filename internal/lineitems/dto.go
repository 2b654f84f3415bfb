package lineitems

import (
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/types"
)

// PlaceOrderInput carries a captured checkout into the fulfillment store.
type PlaceOrderInput struct {
	BuyerRef                   string                `json:"buyer_ref" validate:"required"`
	CouponType                 enums.CouponType      `json:"coupon_type"`
	CouponAmount               int64                 `json:"coupon_amount" validate:"gte=0"`
	UsedPoints                 int64                 `json:"used_points" validate:"gte=0"`
	FreeShippingThresholdCents int64                 `json:"free_shipping_threshold_cents" validate:"gte=0"`
	DeliveryFeeCents           int64                 `json:"delivery_fee_cents" validate:"gte=0"`
	ProviderPaymentID          string                `json:"provider_payment_id" validate:"required"`
	DeliveryFeePaymentID       string                `json:"delivery_fee_payment_id"`
	Address                    types.DeliveryAddress `json:"address"`
	Items                      []PlaceItemInput      `json:"items" validate:"required,min=1,dive"`
}

// PlaceItemInput is one purchased product line.
type PlaceItemInput struct {
	ProductRef         string `json:"product_ref" validate:"required"`
	Quantity           int    `json:"quantity" validate:"gt=0"`
	UnitPriceCents     int64  `json:"unit_price_cents" validate:"gte=0"`
	OriginalPriceCents int64  `json:"original_price_cents" validate:"gte=0"`
	PaymentAmountCents int64  `json:"payment_amount_cents" validate:"gte=0"`
	GroupNumber        int    `json:"group_number" validate:"gte=0"`
	Hold               bool   `json:"hold"`
}

// GroupView is one delivery unit of an order.
type GroupView struct {
	Number int               `json:"group_number"`
	Items  []models.LineItem `json:"items"`
}

// OrderView is an order with its line items arranged by group.
type OrderView struct {
	Order  models.Order `json:"order"`
	Groups []GroupView  `json:"groups"`
}

// Groups arranges items, already sorted by group number, into group views.
func Groups(items []models.LineItem) []GroupView {
	groups := []GroupView{}
	for _, item := range items {
		if n := len(groups); n > 0 && groups[n-1].Number == item.GroupNumber {
			groups[n-1].Items = append(groups[n-1].Items, item)
			continue
		}
		groups = append(groups, GroupView{Number: item.GroupNumber, Items: []models.LineItem{item}})
	}
	return groups
}
