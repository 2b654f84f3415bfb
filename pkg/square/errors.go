package square

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	sq "github.com/square/square-go-sdk"
	sqcore "github.com/square/square-go-sdk/core"

	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
)

const refundErrorCategory = sq.ErrorCategory("REFUND_ERROR")

// mapError translates a Square failure into the service error taxonomy.
// Square's own error code wins over the HTTP status when it is more specific.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := "square " + op + " failed"
	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "square "+op+" timed out")
	}

	var apiErr *sqcore.APIError
	if !errors.As(err, &apiErr) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
	}

	code := domainCodeForStatus(apiErr.StatusCode)
	details := make([]string, 0)
	for _, sqErr := range squareErrors(apiErr) {
		details = append(details, string(sqErr.Code))
		switch {
		case sqErr.Code == sq.ErrorCodeIdempotencyKeyReused:
			code = pkgerrors.CodeIdempotency
		case sqErr.Category == sq.ErrorCategoryAuthenticationError:
			code = pkgerrors.CodeUnauthorized
		case sqErr.Category == refundErrorCategory:
			code = pkgerrors.CodeStateConflict
		}
	}
	mapped := pkgerrors.Wrap(code, err, msg)
	if len(details) > 0 {
		mapped = mapped.WithDetails(map[string]any{"provider_codes": details})
	}
	return mapped
}

// squareErrors decodes the errors array Square puts in the response body.
func squareErrors(apiErr *sqcore.APIError) []*sq.Error {
	inner := apiErr.Unwrap()
	if inner == nil {
		return nil
	}
	raw := strings.TrimSpace(inner.Error())
	if raw == "" {
		return nil
	}
	var body struct {
		Errors []*sq.Error `json:"errors"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil
	}
	out := body.Errors[:0]
	for _, e := range body.Errors {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func domainCodeForStatus(status int) pkgerrors.Code {
	switch {
	case status == http.StatusUnauthorized:
		return pkgerrors.CodeUnauthorized
	case status == http.StatusForbidden:
		return pkgerrors.CodeForbidden
	case status == http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case status == http.StatusConflict:
		return pkgerrors.CodeConflict
	case status == http.StatusTooManyRequests:
		return pkgerrors.CodeRateLimit
	case status == http.StatusUnprocessableEntity:
		return pkgerrors.CodeStateConflict
	case status >= 400 && status < 500:
		return pkgerrors.CodeValidation
	default:
		return pkgerrors.CodeDependency
	}
}

// retryable holds for outages and throttling; anything Square rejected on
// its merits fails fast.
func retryable(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeDependency) || pkgerrors.IsCode(err, pkgerrors.CodeRateLimit)
}
