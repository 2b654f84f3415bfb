package errors

import "net/http"

// Code classifies an error for transport and retry decisions.
type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeIdempotency   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"
	CodePersistence   Code = "PERSISTENCE_ERROR"
)

// Reason narrows a code to the specific business rule that rejected the request.
type Reason string

const (
	ReasonInvalidQuantity             Reason = "INVALID_QUANTITY"
	ReasonIncompatibleMerge           Reason = "INCOMPATIBLE_MERGE"
	ReasonIllegalTransition           Reason = "ILLEGAL_TRANSITION"
	ReasonTerminalStatus              Reason = "TERMINAL_STATUS"
	ReasonReturnWindowExpired         Reason = "RETURN_WINDOW_EXPIRED"
	ReasonCancelAfterShipment         Reason = "CANCEL_AFTER_SHIPMENT"
	ReasonDeductionExceedsEntitlement Reason = "DEDUCTION_EXCEEDS_ENTITLEMENT"
	ReasonOverrideExceedsEntitlement  Reason = "OVERRIDE_EXCEEDS_ENTITLEMENT"
	ReasonAlreadyRefunded             Reason = "ALREADY_REFUNDED"
	ReasonIncompletePickupAddress     Reason = "INCOMPLETE_PICKUP_ADDRESS"
	ReasonTrackingNotUniform          Reason = "TRACKING_NOT_UNIFORM"
	ReasonNoActiveApplication         Reason = "NO_ACTIVE_APPLICATION"
)

// Metadata is the transport contract of a code.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

const (
	retryable  = true
	terminal   = false
	showDetail = true
	hideDetail = false
)

var metadataByCode = map[Code]Metadata{
	CodeValidation:    {http.StatusBadRequest, terminal, "validation failed", showDetail},
	CodeUnauthorized:  {http.StatusUnauthorized, terminal, "authentication required", hideDetail},
	CodeForbidden:     {http.StatusForbidden, terminal, "access denied", hideDetail},
	CodeNotFound:      {http.StatusNotFound, terminal, "resource not found", hideDetail},
	CodeConflict:      {http.StatusConflict, terminal, "conflict detected", hideDetail},
	CodeStateConflict: {http.StatusUnprocessableEntity, terminal, "state transition disallowed", showDetail},
	CodeIdempotency:   {http.StatusConflict, terminal, "idempotency key reused", showDetail},
	CodeRateLimit:     {http.StatusTooManyRequests, terminal, "rate limit exceeded", hideDetail},
	CodeInternal:      {http.StatusInternalServerError, retryable, "internal server error", hideDetail},
	CodeDependency:    {http.StatusServiceUnavailable, retryable, "an external service is temporarily unavailable, please retry later", hideDetail},
	CodePersistence:   {http.StatusServiceUnavailable, retryable, "the request could not be saved, please retry later", hideDetail},
}

// MetadataFor returns the metadata of code, falling back to CodeInternal.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}
