package refunds

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
)

// Selection is a quantity of one line item chosen for refund.
type Selection struct {
	Item     models.LineItem
	Quantity int
}

// Adjustments are the operator inputs layered on top of the computed entitlement.
type Adjustments struct {
	ManualDeductionCents int64  `json:"manual_deduction_cents"`
	OverrideCents        *int64 `json:"override_cents,omitempty"`
	Points               int64  `json:"points"`
}

// CalculationInput is everything the calculator needs; it never reads storage.
// OrderItems are all items of the order and feed the percentage coupon base.
type CalculationInput struct {
	Flow        enums.RefundFlow
	Order       models.Order
	OrderItems  []models.LineItem
	Selections  []Selection
	Adjustments Adjustments
	// DeliveryFeeCents is the still refundable delivery fee, zero when none.
	DeliveryFeeCents int64
}

// LineQuote is the share of a refund attributed to one line item.
type LineQuote struct {
	LineItemID  uuid.UUID `json:"line_item_id"`
	Quantity    int       `json:"quantity"`
	BaseCents   int64     `json:"base_cents"`
	AmountCents int64     `json:"amount_cents"`
}

// Quote is a computed refund. FinalCents is what goes back on the card.
type Quote struct {
	Flow                 enums.RefundFlow `json:"flow"`
	BaseCents            int64            `json:"base_cents"`
	CouponDeductionCents int64            `json:"coupon_deduction_cents"`
	EntitlementCents     int64            `json:"entitlement_cents"`
	ManualDeductionCents int64            `json:"manual_deduction_cents"`
	Overridden           bool             `json:"overridden"`
	FinalCents           int64            `json:"final_cents"`
	PointsRestored       int64            `json:"points_restored"`
	DeliveryFeeCents     int64            `json:"delivery_fee_cents"`
	Lines                []LineQuote      `json:"lines"`
}

// Calculate computes a prorated refund.
//
// Each line contributes floor(payment × qty / orderedQty), bounded by what is
// still outstanding on the item. The order's coupon is withheld once across
// all of its refunds: each refund takes what earlier refunds left, up to its
// base. Manual deductions and overrides must stay within the entitlement.
// Points are capped by the order's unrestored balance and never reduce money.
func Calculate(in CalculationInput) (Quote, error) {
	if !in.Flow.IsValid() {
		return Quote{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid refund flow %q", in.Flow))
	}
	if len(in.Selections) == 0 {
		return Quote{}, pkgerrors.New(pkgerrors.CodeValidation, "at least one line item required")
	}
	if in.Adjustments.ManualDeductionCents < 0 {
		return Quote{}, pkgerrors.New(pkgerrors.CodeValidation, "manual deduction cannot be negative")
	}
	if in.Adjustments.Points < 0 {
		return Quote{}, pkgerrors.New(pkgerrors.CodeValidation, "points cannot be negative")
	}

	quote := Quote{Flow: in.Flow, DeliveryFeeCents: max(in.DeliveryFeeCents, 0)}
	seen := make(map[uuid.UUID]struct{}, len(in.Selections))
	for _, sel := range in.Selections {
		if _, dup := seen[sel.Item.ID]; dup {
			return Quote{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("line item %s selected twice", sel.Item.ID))
		}
		seen[sel.Item.ID] = struct{}{}
		if sel.Item.OrderID != in.Order.ID {
			return Quote{}, pkgerrors.New(pkgerrors.CodeValidation, "line items must belong to the order")
		}
		if err := guardStatus(in.Flow, sel.Item); err != nil {
			return Quote{}, err
		}
		if sel.Quantity <= 0 || sel.Quantity > sel.Item.Quantity {
			return Quote{}, pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonInvalidQuantity,
				fmt.Sprintf("refund quantity must be between 1 and %d", sel.Item.Quantity))
		}
		base := ProratedBase(sel.Item, sel.Quantity)
		quote.BaseCents += base
		quote.Lines = append(quote.Lines, LineQuote{LineItemID: sel.Item.ID, Quantity: sel.Quantity, BaseCents: base})
	}

	quote.CouponDeductionCents = min(RemainingCoupon(in.Order, in.OrderItems), quote.BaseCents)
	quote.EntitlementCents = max(quote.BaseCents-quote.CouponDeductionCents, 0)

	if in.Adjustments.ManualDeductionCents > quote.EntitlementCents {
		return Quote{}, pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonDeductionExceedsEntitlement,
			fmt.Sprintf("manual deduction %d exceeds entitlement %d", in.Adjustments.ManualDeductionCents, quote.EntitlementCents)).
			WithDetails(map[string]int64{"entitlement_cents": quote.EntitlementCents})
	}
	quote.ManualDeductionCents = in.Adjustments.ManualDeductionCents
	quote.FinalCents = max(quote.EntitlementCents-quote.ManualDeductionCents, 0)

	if override := in.Adjustments.OverrideCents; override != nil {
		if *override < 0 || *override > quote.EntitlementCents {
			return Quote{}, pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonOverrideExceedsEntitlement,
				fmt.Sprintf("override %d must be between 0 and entitlement %d", *override, quote.EntitlementCents)).
				WithDetails(map[string]int64{"entitlement_cents": quote.EntitlementCents})
		}
		quote.FinalCents = *override
		quote.Overridden = true
	}

	quote.PointsRestored = min(in.Adjustments.Points, in.Order.OutstandingPoints())
	allocate(quote.FinalCents, quote.Lines)
	return quote, nil
}

// ProratedBase is the refundable share of an item for qty units.
func ProratedBase(item models.LineItem, qty int) int64 {
	ordered := item.OrderedQuantity
	if ordered <= 0 {
		ordered = item.Quantity
	}
	if ordered <= 0 || qty <= 0 {
		return 0
	}
	base := decimal.NewFromInt(item.PaymentAmountCents).
		Mul(decimal.NewFromInt(int64(qty))).
		Div(decimal.NewFromInt(int64(ordered))).
		Floor().
		IntPart()
	return min(base, item.OutstandingCents())
}

// CouponDeduction is the order-level coupon share withheld from a refund.
func CouponDeduction(order models.Order, items []models.LineItem) int64 {
	switch order.CouponType {
	case enums.CouponTypeFlat:
		return max(order.CouponAmount, 0)
	case enums.CouponTypePercent:
		var original, discounted int64
		for _, item := range items {
			original += item.OriginalPriceCents * int64(item.Quantity)
			discounted += item.UnitPriceCents * int64(item.Quantity)
		}
		diff := original - discounted
		if diff <= 0 || order.CouponAmount <= 0 {
			return 0
		}
		return decimal.NewFromInt(order.CouponAmount).
			Div(decimal.NewFromInt(100)).
			Mul(decimal.NewFromInt(diff)).
			Floor().
			IntPart()
	case enums.CouponTypeNone:
		return 0
	default:
		return 0
	}
}

// RemainingCoupon is the part of the order's coupon no earlier refund withheld.
func RemainingCoupon(order models.Order, items []models.LineItem) int64 {
	return max(CouponDeduction(order, items)-order.CouponWithheldCents, 0)
}

func guardStatus(flow enums.RefundFlow, item models.LineItem) error {
	if flow != enums.RefundFlowCancel {
		return nil
	}
	switch item.Status {
	case enums.LineItemStatusShipping, enums.LineItemStatusShippingComplete, enums.LineItemStatusPurchaseConfirm:
		return pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonCancelAfterShipment,
			fmt.Sprintf("line item %s has shipped and cannot be cancelled", item.ID))
	}
	return nil
}

// allocate spreads final across lines in proportion to their base. The
// remainder lands on the last line with a positive base.
func allocate(final int64, lines []LineQuote) {
	var total int64
	last := -1
	for i, line := range lines {
		total += line.BaseCents
		if line.BaseCents > 0 {
			last = i
		}
	}
	if total <= 0 || final <= 0 {
		return
	}
	var assigned int64
	for i := range lines {
		if lines[i].BaseCents <= 0 {
			continue
		}
		if i == last {
			lines[i].AmountCents = final - assigned
			break
		}
		share := final * lines[i].BaseCents / total
		lines[i].AmountCents = share
		assigned += share
	}
	// floor remainders may push the last line past its base; hand the excess back
	overflow := lines[last].AmountCents - lines[last].BaseCents
	if overflow <= 0 {
		return
	}
	lines[last].AmountCents = lines[last].BaseCents
	for i := range lines {
		if overflow == 0 {
			break
		}
		room := lines[i].BaseCents - lines[i].AmountCents
		if room <= 0 {
			continue
		}
		take := min(room, overflow)
		lines[i].AmountCents += take
		overflow -= take
	}
}
