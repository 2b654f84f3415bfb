package enums

import "fmt"

// PaymentStatus tracks whether a captured payment has been returned to the buyer.
type PaymentStatus string

const (
	PaymentStatusComplete PaymentStatus = "COMPLETE"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusComplete,
	PaymentStatusRefunded,
}

// String implements fmt.Stringer.
func (p PaymentStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentStatus.
func (p PaymentStatus) IsValid() bool {
	for _, candidate := range validPaymentStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentStatus converts raw input into a PaymentStatus.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	for _, candidate := range validPaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment status %q", value)
}

// PaymentKind distinguishes the order charge from a separately billed delivery fee.
type PaymentKind string

const (
	PaymentKindOrder       PaymentKind = "ORDER"
	PaymentKindDeliveryFee PaymentKind = "DELIVERY_FEE"
)

var validPaymentKinds = []PaymentKind{
	PaymentKindOrder,
	PaymentKindDeliveryFee,
}

// IsValid reports whether the value is a known PaymentKind.
func (p PaymentKind) IsValid() bool {
	for _, candidate := range validPaymentKinds {
		if candidate == p {
			return true
		}
	}
	return false
}
