package enums

import "fmt"

// CouponType describes how an order-level coupon discount is expressed.
type CouponType string

const (
	CouponTypeNone    CouponType = "NONE"
	CouponTypeFlat    CouponType = "FLAT"
	CouponTypePercent CouponType = "PERCENT"
)

var validCouponTypes = []CouponType{
	CouponTypeNone,
	CouponTypeFlat,
	CouponTypePercent,
}

// IsValid reports whether the value is a known CouponType.
func (c CouponType) IsValid() bool {
	for _, candidate := range validCouponTypes {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCouponType converts raw input into a CouponType. Empty input means no coupon.
func ParseCouponType(value string) (CouponType, error) {
	if value == "" {
		return CouponTypeNone, nil
	}
	for _, candidate := range validCouponTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid coupon type %q", value)
}
