package refunds

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/internal/refunds"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
)

type itemSelection struct {
	LineItemID uuid.UUID `json:"line_item_id" validate:"required"`
	Quantity   int       `json:"quantity" validate:"gt=0"`
}

type refundRequest struct {
	Flow               enums.RefundFlow    `json:"flow" validate:"required,enum"`
	Items              []itemSelection     `json:"items" validate:"required,min=1,dive"`
	Adjustments        refunds.Adjustments `json:"adjustments"`
	IncludeDeliveryFee bool                `json:"include_delivery_fee"`
	Reason             string              `json:"reason,omitempty"`
}

func (p refundRequest) toQuoteRequest(orderID uuid.UUID) refunds.QuoteRequest {
	items := make([]refunds.ItemSelection, 0, len(p.Items))
	for _, item := range p.Items {
		items = append(items, refunds.ItemSelection{LineItemID: item.LineItemID, Quantity: item.Quantity})
	}
	return refunds.QuoteRequest{
		OrderID:            orderID,
		Flow:               p.Flow,
		Items:              items,
		Adjustments:        p.Adjustments,
		IncludeDeliveryFee: p.IncludeDeliveryFee,
		Reason:             p.Reason,
	}
}

type deliveryFeeRefundRequest struct {
	Reason string `json:"reason,omitempty"`
}
