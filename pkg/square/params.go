package square

import (
	"strings"

	sq "github.com/square/square-go-sdk"
)

// Square refund statuses.
const (
	RefundStatusPending   = "PENDING"
	RefundStatusCompleted = "COMPLETED"
	RefundStatusRejected  = "REJECTED"
	RefundStatusFailed    = "FAILED"
)

// RefundParams describes a partial or full refund of a captured Square payment.
type RefundParams struct {
	IdempotencyKey string
	PaymentID      string
	AmountCents    int64
	Currency       string
	Reason         string
}

// Refund is the provider-side outcome of a refund request.
type Refund struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	PaymentID   string `json:"payment_id"`
	AmountMoney struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"amount_money"`
}

// AmountCents is the refunded amount Square acknowledged.
func (r Refund) AmountCents() int64 {
	return r.AmountMoney.Amount
}

// Rejected reports a terminal refusal; PENDING refunds settle later.
func (r Refund) Rejected() bool {
	return r.Status == RefundStatusRejected || r.Status == RefundStatusFailed
}

func (p RefundParams) toSquareRequest(idempotencyKey, fallbackCurrency string) *sq.RefundPaymentRequest {
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = strings.ToUpper(strings.TrimSpace(fallbackCurrency))
	}
	if currency == "" {
		currency = defaultCurrency
	}
	amount := p.AmountCents
	code := sq.Currency(currency)
	paymentID := strings.TrimSpace(p.PaymentID)
	req := &sq.RefundPaymentRequest{
		IdempotencyKey: idempotencyKey,
		AmountMoney:    &sq.Money{Amount: &amount, Currency: &code},
		PaymentID:      &paymentID,
	}
	if reason := strings.TrimSpace(p.Reason); reason != "" {
		req.Reason = &reason
	}
	return req
}
