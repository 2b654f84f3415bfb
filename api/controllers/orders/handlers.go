package orders

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/api/responses"
	"github.com/angelmondragon/fulfillment-backoffice/api/validators"
	"github.com/angelmondragon/fulfillment-backoffice/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-backoffice/internal/groups"
	"github.com/angelmondragon/fulfillment-backoffice/internal/lineitems"
	"github.com/angelmondragon/fulfillment-backoffice/internal/reconcile"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
)

type orderStore interface {
	PlaceOrder(ctx context.Context, input lineitems.PlaceOrderInput) (*lineitems.OrderView, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*lineitems.OrderView, error)
}

type groupTracker interface {
	AssignGroupTracking(ctx context.Context, input fulfillment.GroupTrackingInput) ([]fulfillment.Result, error)
}

type groupMerger interface {
	Merge(ctx context.Context, input groups.MergeInput) (*groups.MergeResult, error)
}

// Place records a captured checkout as an order with its line items.
func Place(store orderStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "line item store unavailable"))
			return
		}

		var payload lineitems.PlaceOrderInput
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := store.PlaceOrder(r.Context(), payload)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, view)
	}
}

// LineItems reconciles the order against the carrier, then returns its
// groups. A failed reconciliation is logged and the stored view still returns.
func LineItems(store orderStore, rec reconcile.Reconciler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "line item store unavailable"))
			return
		}

		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if rec != nil {
			report, err := rec.Reconcile(r.Context(), orderID)
			if err == nil && report != nil {
				err = report.Err()
			}
			if err != nil && logg != nil {
				ctx := logg.WithOrderID(r.Context(), orderID.String())
				logg.Error(ctx, "reconcile.view_load_failed", err)
			}
		}

		view, err := store.GetOrder(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// Reconcile runs the carrier reconciler over every open shipment, or one
// order when order_id is given. Per-parcel failures are listed in the report.
func Reconcile(rec reconcile.Reconciler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rec == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconciler unavailable"))
			return
		}

		var payload reconcileRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		orderID := uuid.Nil
		if payload.OrderID != nil {
			orderID = *payload.OrderID
		}

		report, err := rec.Reconcile(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, report)
	}
}

// GroupTracking assigns one parcel's tracking to every item of a group.
func GroupTracking(engine groupTracker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transition engine unavailable"))
			return
		}

		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		groupNumber, err := validators.ParseIntParam(r, "groupNumber", 1)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload groupTrackingRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		results, err := engine.AssignGroupTracking(r.Context(), fulfillment.GroupTrackingInput{
			OrderID:     orderID,
			GroupNumber: groupNumber,
			Courier:     payload.Courier,
			Tracking:    payload.Tracking,
			Trigger:     payload.Trigger,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, results)
	}
}

// Merge moves line items into the group named in the path.
func Merge(svc groupMerger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "group manager unavailable"))
			return
		}

		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		groupNumber, err := validators.ParseIntParam(r, "groupNumber", 1)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload mergeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Merge(r.Context(), groups.MergeInput{
			OrderID:     orderID,
			LineItemIDs: payload.LineItemIDs,
			TargetGroup: groupNumber,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
