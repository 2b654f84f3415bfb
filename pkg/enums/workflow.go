package enums

import "fmt"

// ApplicationKind is the customer-initiated flow a return application belongs to.
type ApplicationKind string

const (
	ApplicationKindCancel   ApplicationKind = "CANCEL"
	ApplicationKindReturn   ApplicationKind = "RETURN"
	ApplicationKindExchange ApplicationKind = "EXCHANGE"
)

var validApplicationKinds = []ApplicationKind{
	ApplicationKindCancel,
	ApplicationKindReturn,
	ApplicationKindExchange,
}

// IsValid reports whether the value is a known ApplicationKind.
func (a ApplicationKind) IsValid() bool {
	for _, candidate := range validApplicationKinds {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseApplicationKind converts raw input into an ApplicationKind.
func ParseApplicationKind(value string) (ApplicationKind, error) {
	for _, candidate := range validApplicationKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid application kind %q", value)
}

// PickupMethod records whether the carrier collects the parcel or the customer ships it.
type PickupMethod string

const (
	PickupMethodAuto   PickupMethod = "AUTO"
	PickupMethodManual PickupMethod = "MANUAL"
)

// IsValid reports whether the value is a known PickupMethod.
func (p PickupMethod) IsValid() bool {
	return p == PickupMethodAuto || p == PickupMethodManual
}

// TransitionTrigger identifies who asked for a status change.
type TransitionTrigger string

const (
	TriggerAdmin    TransitionTrigger = "ADMIN"
	TriggerCarrier  TransitionTrigger = "CARRIER"
	TriggerWorkflow TransitionTrigger = "WORKFLOW"
)

var validTransitionTriggers = []TransitionTrigger{
	TriggerAdmin,
	TriggerCarrier,
	TriggerWorkflow,
}

// IsValid reports whether the value is a known TransitionTrigger.
func (t TransitionTrigger) IsValid() bool {
	for _, candidate := range validTransitionTriggers {
		if candidate == t {
			return true
		}
	}
	return false
}

// RefundFlow selects which non-cancelable guard the refund calculator applies.
type RefundFlow string

const (
	RefundFlowCancel   RefundFlow = "CANCEL"
	RefundFlowReturn   RefundFlow = "RETURN"
	RefundFlowExchange RefundFlow = "EXCHANGE"
	// RefundFlowDeliveryFee tags refund records for delivery fee charges.
	RefundFlowDeliveryFee RefundFlow = "DELIVERY_FEE"
)

// IsValid reports whether the value is a line item refund flow.
func (r RefundFlow) IsValid() bool {
	return r == RefundFlowCancel || r == RefundFlowReturn || r == RefundFlowExchange
}
