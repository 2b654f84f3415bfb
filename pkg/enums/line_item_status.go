package enums

import "fmt"

// LineItemStatus is the fulfillment lifecycle state of a purchased line item.
type LineItemStatus string

const (
	LineItemStatusPaymentComplete          LineItemStatus = "PAYMENT_COMPLETE"
	LineItemStatusHold                     LineItemStatus = "HOLD"
	LineItemStatusShipping                 LineItemStatus = "SHIPPINGING"
	LineItemStatusShippingComplete         LineItemStatus = "SHIPPING_COMPLETE"
	LineItemStatusPurchaseConfirm          LineItemStatus = "PURCHASE_CONFIRM"
	LineItemStatusCancelApply              LineItemStatus = "CANCEL_APPLY"
	LineItemStatusCancelComplete           LineItemStatus = "CANCEL_COMPLETE"
	LineItemStatusReturnApply              LineItemStatus = "RETURN_APPLY"
	LineItemStatusReturnGet                LineItemStatus = "RETURN_GET"
	LineItemStatusReturnComplete           LineItemStatus = "RETURN_COMPLETE"
	LineItemStatusExchangeApply            LineItemStatus = "EXCHANGE_APPLY"
	LineItemStatusExchangeGet              LineItemStatus = "EXCHANGE_GET"
	LineItemStatusExchangePaymentComplete  LineItemStatus = "EXCHANGE_PAYMENT_COMPLETE"
	LineItemStatusExchangeShipping         LineItemStatus = "EXCHANGE_SHIPPINGING"
	LineItemStatusExchangeShippingComplete LineItemStatus = "EXCHANGE_SHIPPING_COMPLETE"
	LineItemStatusExchangeComplete         LineItemStatus = "EXCHANGE_COMPLETE"
)

var validLineItemStatuses = []LineItemStatus{
	LineItemStatusPaymentComplete,
	LineItemStatusHold,
	LineItemStatusShipping,
	LineItemStatusShippingComplete,
	LineItemStatusPurchaseConfirm,
	LineItemStatusCancelApply,
	LineItemStatusCancelComplete,
	LineItemStatusReturnApply,
	LineItemStatusReturnGet,
	LineItemStatusReturnComplete,
	LineItemStatusExchangeApply,
	LineItemStatusExchangeGet,
	LineItemStatusExchangePaymentComplete,
	LineItemStatusExchangeShipping,
	LineItemStatusExchangeShippingComplete,
	LineItemStatusExchangeComplete,
}

// LineItemStatuses returns every known status in lifecycle order.
func LineItemStatuses() []LineItemStatus {
	out := make([]LineItemStatus, len(validLineItemStatuses))
	copy(out, validLineItemStatuses)
	return out
}

// String implements fmt.Stringer.
func (l LineItemStatus) String() string {
	return string(l)
}

// IsValid reports whether the value is a known LineItemStatus.
func (l LineItemStatus) IsValid() bool {
	for _, candidate := range validLineItemStatuses {
		if candidate == l {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition may leave this status.
func (l LineItemStatus) IsTerminal() bool {
	switch l {
	case LineItemStatusCancelComplete, LineItemStatusReturnComplete, LineItemStatusExchangeComplete:
		return true
	default:
		return false
	}
}

// IsReturnOrExchange reports whether the item is inside a return or exchange flow.
func (l LineItemStatus) IsReturnOrExchange() bool {
	switch l {
	case LineItemStatusReturnApply,
		LineItemStatusReturnGet,
		LineItemStatusReturnComplete,
		LineItemStatusExchangeApply,
		LineItemStatusExchangeGet,
		LineItemStatusExchangePaymentComplete,
		LineItemStatusExchangeShipping,
		LineItemStatusExchangeShippingComplete,
		LineItemStatusExchangeComplete:
		return true
	default:
		return false
	}
}

// IsShipped reports whether the outbound parcel has left the warehouse.
func (l LineItemStatus) IsShipped() bool {
	switch l {
	case LineItemStatusShipping, LineItemStatusShippingComplete, LineItemStatusPurchaseConfirm:
		return true
	default:
		return false
	}
}

// ParseLineItemStatus converts raw input into a LineItemStatus.
func ParseLineItemStatus(value string) (LineItemStatus, error) {
	for _, candidate := range validLineItemStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid line item status %q", value)
}
