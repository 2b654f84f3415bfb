package refunds

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/api/responses"
	"github.com/angelmondragon/fulfillment-backoffice/api/validators"
	"github.com/angelmondragon/fulfillment-backoffice/internal/refunds"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
)

const maxReasonRunes = 500

type refundService interface {
	Quote(ctx context.Context, req refunds.QuoteRequest) (*refunds.Quote, error)
	Apply(ctx context.Context, req refunds.QuoteRequest) (*refunds.Result, error)
	RefundDeliveryFee(ctx context.Context, tx *gorm.DB, paymentID uuid.UUID, reason string) (*models.RefundRecord, error)
}

// Quote computes a refund for the selected items without side effects.
func Quote(svc refundService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRefund(w, r, svc, logg)
		if !ok {
			return
		}
		quote, err := svc.Quote(r.Context(), req)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, quote)
	}
}

// Apply computes and executes a refund against the payment provider.
func Apply(svc refundService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRefund(w, r, svc, logg)
		if !ok {
			return
		}
		result, err := svc.Apply(r.Context(), req)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// DeliveryFeeRefund refunds a delivery fee payment. A fee refunds at most once.
func DeliveryFeeRefund(svc refundService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "refund service unavailable"))
			return
		}

		paymentID, err := validators.ParseUUIDParam(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload deliveryFeeRefundRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		record, err := svc.RefundDeliveryFee(r.Context(), nil, paymentID, validators.SanitizeText(payload.Reason, maxReasonRunes))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, record)
	}
}

func decodeRefund(w http.ResponseWriter, r *http.Request, svc refundService, logg *logger.Logger) (refunds.QuoteRequest, bool) {
	if svc == nil {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "refund service unavailable"))
		return refunds.QuoteRequest{}, false
	}

	orderID, err := validators.ParseUUIDParam(r, "orderId")
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return refunds.QuoteRequest{}, false
	}

	var payload refundRequest
	if err := validators.DecodeJSONBody(r, &payload); err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return refunds.QuoteRequest{}, false
	}
	payload.Reason = validators.SanitizeText(payload.Reason, maxReasonRunes)
	return payload.toQuoteRequest(orderID), true
}
