package returns

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/api/responses"
	"github.com/angelmondragon/fulfillment-backoffice/api/validators"
	"github.com/angelmondragon/fulfillment-backoffice/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-backoffice/internal/returns"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
)

// Request opens a cancel, return or exchange for part or all of a line item.
func Request(svc returns.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineItemID, ok := lineItem(w, r, svc, logg)
		if !ok {
			return
		}

		var payload openRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payload.ReasonText = validators.SanitizeText(payload.ReasonText, maxReasonRunes)

		result, err := svc.Request(r.Context(), payload.toInput(lineItemID))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// Application returns the line item's current return application.
func Application(svc returns.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineItemID, ok := lineItem(w, r, svc, logg)
		if !ok {
			return
		}
		app, err := svc.Application(r.Context(), lineItemID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, app)
	}
}

// ConfirmPickup records that the parcel was collected.
func ConfirmPickup(svc returns.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineItemID, ok := lineItem(w, r, svc, logg)
		if !ok {
			return
		}
		var payload pickupRequest
		if !decodeOptional(w, r, &payload, logg) {
			return
		}
		writeTransition(w, r, logg)(svc.ConfirmPickup(r.Context(), lineItemID, payload.FeeDecisionRequired))
	}
}

// ReleaseFeeDecision clears a held exchange once the extra fee is settled.
func ReleaseFeeDecision(svc returns.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineItemID, ok := lineItem(w, r, svc, logg)
		if !ok {
			return
		}
		writeTransition(w, r, logg)(svc.ReleaseFeeDecision(r.Context(), lineItemID))
	}
}

// Approve completes the application, refunding returns and cancels.
func Approve(svc returns.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineItemID, ok := lineItem(w, r, svc, logg)
		if !ok {
			return
		}
		var payload approveRequest
		if !decodeOptional(w, r, &payload, logg) {
			return
		}
		writeTransition(w, r, logg)(svc.Approve(r.Context(), lineItemID, returns.ApproveInput{
			Adjustments: payload.Adjustments,
			Reason:      validators.SanitizeText(payload.Reason, maxReasonRunes),
		}))
	}
}

// Reject sends the item back to the status it held before the application.
func Reject(svc returns.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineItemID, ok := lineItem(w, r, svc, logg)
		if !ok {
			return
		}
		var payload rejectRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		writeTransition(w, r, logg)(svc.Reject(r.Context(), lineItemID, validators.SanitizeText(payload.Reason, maxReasonRunes)))
	}
}

// ShipReplacement records the replacement parcel of an exchange.
func ShipReplacement(svc returns.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineItemID, ok := lineItem(w, r, svc, logg)
		if !ok {
			return
		}
		var payload replacementRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		writeTransition(w, r, logg)(svc.ShipReplacement(r.Context(), lineItemID, fulfillment.Tracking{
			Courier: payload.Courier,
			Number:  payload.Tracking,
		}))
	}
}

func lineItem(w http.ResponseWriter, r *http.Request, svc returns.Service, logg *logger.Logger) (uuid.UUID, bool) {
	if svc == nil {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "return workflow unavailable"))
		return uuid.Nil, false
	}
	id, err := validators.ParseUUIDParam(r, "lineItemId")
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return uuid.Nil, false
	}
	return id, true
}

func decodeOptional(w http.ResponseWriter, r *http.Request, dest any, logg *logger.Logger) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := validators.DecodeJSONBody(r, dest); err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return false
	}
	return true
}

func writeTransition(w http.ResponseWriter, r *http.Request, logg *logger.Logger) func(*fulfillment.Result, error) {
	return func(result *fulfillment.Result, err error) {
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
