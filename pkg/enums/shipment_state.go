package enums

import "strings"

// ShipmentState is the normalized parcel state reported by a carrier.
type ShipmentState string

const (
	ShipmentStateUnknown   ShipmentState = "UNKNOWN"
	ShipmentStateBooked    ShipmentState = "BOOKED"
	ShipmentStatePickedUp  ShipmentState = "PICKED_UP"
	ShipmentStateInTransit ShipmentState = "IN_TRANSIT"
	ShipmentStateDelivered ShipmentState = "DELIVERED"
)

// NormalizeShipmentState maps provider spellings onto the known states.
func NormalizeShipmentState(raw string) ShipmentState {
	value := strings.ToUpper(strings.TrimSpace(raw))
	value = strings.NewReplacer("-", "_", " ", "_").Replace(value)
	switch value {
	case "BOOKED", "REGISTERED", "ACCEPTED":
		return ShipmentStateBooked
	case "PICKED_UP", "PICKEDUP", "COLLECTED":
		return ShipmentStatePickedUp
	case "IN_TRANSIT", "INTRANSIT", "OUT_FOR_DELIVERY":
		return ShipmentStateInTransit
	case "DELIVERED", "COMPLETED":
		return ShipmentStateDelivered
	default:
		return ShipmentStateUnknown
	}
}
