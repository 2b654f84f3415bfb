package square

import (
	"context"
	"encoding/json"

	"github.com/sethvargo/go-retry"
	sq "github.com/square/square-go-sdk"

	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
)

const opRefundPayment = "refund payment"

var (
	errPaymentIDRequired = pkgerrors.New(pkgerrors.CodeValidation, "square payment id is required")
	errAmountRequired    = pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
)

// RefundPayment refunds part or all of a captured payment. The idempotency
// key is fixed before the first attempt so retries can never refund twice.
// A refund Square rejects outright comes back as a state conflict.
func (c *Client) RefundPayment(ctx context.Context, params RefundParams) (Refund, error) {
	if params.PaymentID == "" {
		return Refund{}, errPaymentIDRequired
	}
	if params.AmountCents <= 0 {
		return Refund{}, errAmountRequired
	}
	req := params.toSquareRequest(idempotencyKeyOr("refund", params.IdempotencyKey), c.currency)
	logCtx := c.logContext(ctx, opRefundPayment, map[string]any{
		"payment_id":      params.PaymentID,
		"amount_cents":    params.AmountCents,
		"idempotency_key": req.IdempotencyKey,
	})

	var resp *sq.RefundPaymentResponse
	attempt := 0
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		out, err := c.refunds.RefundPayment(callCtx, req)
		if err == nil {
			resp = out
			return nil
		}
		mapped := mapError(err, opRefundPayment)
		if retryable(mapped) {
			c.logger.Warn(c.logger.WithField(logCtx, "attempt", attempt), "square refund attempt failed, retrying")
			return retry.RetryableError(mapped)
		}
		return mapped
	})
	if err != nil {
		c.logger.Error(c.logger.WithField(logCtx, "attempts", attempt), "square refund failed", err)
		return Refund{}, err
	}

	refund := summarizeRefund(resp.GetRefund())
	logCtx = c.logger.WithFields(logCtx, map[string]any{"refund_id": refund.ID, "refund_status": refund.Status})
	if refund.Rejected() {
		err := pkgerrors.New(pkgerrors.CodeStateConflict, "square rejected the refund").
			WithDetails(map[string]string{"refund_id": refund.ID, "status": refund.Status})
		c.logger.Error(logCtx, "square refund rejected", err)
		return Refund{}, err
	}
	c.logger.Info(logCtx, "square refund accepted")
	return refund, nil
}

// summarizeRefund keeps the fields the ledger records from Square's refund.
func summarizeRefund(refund *sq.PaymentRefund) Refund {
	if refund == nil {
		return Refund{}
	}
	raw, err := json.Marshal(refund)
	if err != nil {
		return Refund{}
	}
	var out Refund
	if err := json.Unmarshal(raw, &out); err != nil {
		return Refund{}
	}
	return out
}
