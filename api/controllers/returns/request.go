package returns

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/internal/refunds"
	"github.com/angelmondragon/fulfillment-backoffice/internal/returns"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/types"
)

const maxReasonRunes = 500

type returnFee struct {
	ProviderPaymentID string `json:"provider_payment_id" validate:"required"`
	AmountCents       int64  `json:"amount_cents" validate:"gt=0"`
}

type openRequest struct {
	Kind         enums.ApplicationKind  `json:"kind" validate:"required,enum"`
	Quantity     int                    `json:"quantity" validate:"gt=0"`
	ReasonCode   string                 `json:"reason_code" validate:"required"`
	ReasonText   string                 `json:"reason_text,omitempty"`
	PickupMethod enums.PickupMethod     `json:"pickup_method,omitempty"`
	Address      *types.DeliveryAddress `json:"address,omitempty"`
	ReturnFee    *returnFee             `json:"return_fee,omitempty"`
}

func (p openRequest) toInput(lineItemID uuid.UUID) returns.RequestInput {
	input := returns.RequestInput{
		LineItemID:   lineItemID,
		Kind:         p.Kind,
		Quantity:     p.Quantity,
		ReasonCode:   p.ReasonCode,
		ReasonText:   p.ReasonText,
		PickupMethod: p.PickupMethod,
		Address:      p.Address,
	}
	if p.ReturnFee != nil {
		input.ReturnFee = &returns.FeeCharge{
			ProviderPaymentID: p.ReturnFee.ProviderPaymentID,
			AmountCents:       p.ReturnFee.AmountCents,
		}
	}
	return input
}

type pickupRequest struct {
	FeeDecisionRequired bool `json:"fee_decision_required"`
}

type approveRequest struct {
	Adjustments refunds.Adjustments `json:"adjustments"`
	Reason      string              `json:"reason,omitempty"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type replacementRequest struct {
	Courier  string `json:"courier" validate:"required"`
	Tracking string `json:"tracking" validate:"required"`
}
