package enums

import "fmt"

// AddressPurpose tags an address record as the outbound or the return-pickup address.
type AddressPurpose string

const (
	AddressPurposeOrder  AddressPurpose = "ORDER"
	AddressPurposeReturn AddressPurpose = "RETURN"
)

var validAddressPurposes = []AddressPurpose{
	AddressPurposeOrder,
	AddressPurposeReturn,
}

// String implements fmt.Stringer.
func (a AddressPurpose) String() string {
	return string(a)
}

// IsValid reports whether the value is a known AddressPurpose.
func (a AddressPurpose) IsValid() bool {
	for _, candidate := range validAddressPurposes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAddressPurpose converts raw input into an AddressPurpose.
func ParseAddressPurpose(value string) (AddressPurpose, error) {
	for _, candidate := range validAddressPurposes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid address purpose %q", value)
}
