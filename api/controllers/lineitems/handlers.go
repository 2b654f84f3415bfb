package lineitems

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/api/responses"
	"github.com/angelmondragon/fulfillment-backoffice/api/validators"
	"github.com/angelmondragon/fulfillment-backoffice/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-backoffice/internal/groups"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
)

const maxReasonRunes = 500

type transitioner interface {
	Apply(ctx context.Context, lineItemID uuid.UUID, cmd fulfillment.Command) (*fulfillment.Result, error)
}

type splitter interface {
	Split(ctx context.Context, input groups.SplitInput) (*groups.SplitResult, error)
}

type addressHistory interface {
	History(ctx context.Context, lineItemID uuid.UUID) ([]models.AddressRecord, error)
}

// Transition applies an operator-requested status change. The trigger
// defaults to ADMIN.
func Transition(engine transitioner, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transition engine unavailable"))
			return
		}

		lineItemID, err := validators.ParseUUIDParam(r, "lineItemId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload transitionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payload.Reason = validators.SanitizeText(payload.Reason, maxReasonRunes)

		result, err := engine.Apply(r.Context(), lineItemID, payload.command())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// Split moves part of a line item into its own or an existing group.
func Split(svc splitter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "group manager unavailable"))
			return
		}

		lineItemID, err := validators.ParseUUIDParam(r, "lineItemId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload splitRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Split(r.Context(), groups.SplitInput{
			LineItemID:  lineItemID,
			Quantity:    payload.Quantity,
			TargetGroup: payload.TargetGroup,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// Addresses returns every address record of a line item, oldest first.
func Addresses(ledger addressHistory, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ledger == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "address ledger unavailable"))
			return
		}

		lineItemID, err := validators.ParseUUIDParam(r, "lineItemId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		records, err := ledger.History(r.Context(), lineItemID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, records)
	}
}
