package auth

import "github.com/golang-jwt/jwt/v5"

// OperatorClaims identifies the back-office operator behind a request. The
// operator id travels in the subject claim.
type OperatorClaims struct {
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// OperatorID returns the subject claim.
func (c *OperatorClaims) OperatorID() string {
	if c == nil {
		return ""
	}
	return c.Subject
}
