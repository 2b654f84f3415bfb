package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// DeliveryAddress is the receiver and location used for a delivery or a return pickup.
type DeliveryAddress struct {
	ReceiverName      string `json:"receiver_name"`
	ReceiverPhone     string `json:"receiver_phone"`
	PostalCode        string `json:"postal_code"`
	Line1             string `json:"line1"`
	Line2             string `json:"line2,omitempty"`
	EntryInstructions string `json:"entry_instructions,omitempty"`
	DeliveryNote      string `json:"delivery_note,omitempty"`
}

// MissingFields lists the required fields that are blank.
func (a DeliveryAddress) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(a.ReceiverName) == "" {
		missing = append(missing, "receiver_name")
	}
	if strings.TrimSpace(a.ReceiverPhone) == "" {
		missing = append(missing, "receiver_phone")
	}
	if strings.TrimSpace(a.PostalCode) == "" {
		missing = append(missing, "postal_code")
	}
	if strings.TrimSpace(a.Line1) == "" {
		missing = append(missing, "line1")
	}
	return missing
}

// Complete reports whether a carrier could be dispatched to this address.
func (a DeliveryAddress) Complete() bool {
	return len(a.MissingFields()) == 0
}

// Value stores the address as a JSON document.
func (a DeliveryAddress) Value() (driver.Value, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("delivery address: %w", err)
	}
	return string(payload), nil
}

// Scan decodes the JSON document written by Value.
func (a *DeliveryAddress) Scan(value interface{}) error {
	if value == nil {
		*a = DeliveryAddress{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("delivery address: unsupported scan type %T", value)
	}
	if len(raw) == 0 {
		*a = DeliveryAddress{}
		return nil
	}
	return json.Unmarshal(raw, a)
}
