package refunds

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/internal/lineitems"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/locks"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/metrics"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox/payloads"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/square"
)

var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("fulfillment-backoffice/refunds"))

// PaymentProvider sends refunds to the card processor. Implementations must
// treat a repeated idempotency key as the same refund.
type PaymentProvider interface {
	RefundPayment(ctx context.Context, params square.RefundParams) (square.Refund, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// ItemSelection picks a quantity of a line item.
type ItemSelection struct {
	LineItemID uuid.UUID `json:"line_item_id"`
	Quantity   int       `json:"quantity"`
}

// QuoteRequest selects what to refund. IncludeDeliveryFee adds the order's
// outstanding delivery fee charges.
type QuoteRequest struct {
	OrderID            uuid.UUID        `json:"order_id"`
	Flow               enums.RefundFlow `json:"flow"`
	Items              []ItemSelection  `json:"items"`
	Adjustments        Adjustments      `json:"adjustments"`
	IncludeDeliveryFee bool             `json:"include_delivery_fee"`
	Reason             string           `json:"reason,omitempty"`
}

// LineItemRefund refunds a single line item. Quantity zero means every unit it holds.
type LineItemRefund struct {
	LineItemID  uuid.UUID
	Flow        enums.RefundFlow
	Quantity    int
	Adjustments Adjustments
	Reason      string
}

// Result is a committed, or about to be committed, refund.
type Result struct {
	Quote        Quote                 `json:"quote"`
	Refund       *models.RefundRecord  `json:"refund"`
	DeliveryFees []models.RefundRecord `json:"delivery_fees,omitempty"`
}

// Service computes refunds and executes them against the payment provider.
// Methods taking a tx join the caller's transaction; a nil tx opens one.
type Service interface {
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
	Apply(ctx context.Context, req QuoteRequest) (*Result, error)
	RefundLineItem(ctx context.Context, tx *gorm.DB, req LineItemRefund) (*Result, error)
	RefundDeliveryFee(ctx context.Context, tx *gorm.DB, paymentID uuid.UUID, reason string) (*models.RefundRecord, error)
	RefundItemDeliveryFees(ctx context.Context, tx *gorm.DB, orderID, lineItemID uuid.UUID, reason string) ([]models.RefundRecord, error)
	RecordDeliveryFeeCharge(ctx context.Context, tx *gorm.DB, charge DeliveryFeeCharge) (*models.PaymentRecord, error)
}

// DeliveryFeeCharge is an extra shipping charge already captured by the provider.
type DeliveryFeeCharge struct {
	OrderID           uuid.UUID
	LineItemID        *uuid.UUID
	ProviderPaymentID string
	AmountCents       int64
}

type service struct {
	repo     Repository
	items    lineitems.Repository
	tx       txRunner
	locker   locks.Locker
	provider PaymentProvider
	outbox   outboxPublisher
	metrics  *metrics.FulfillmentMetrics
	logg     *logger.Logger
	now      func() time.Time
}

// NewService wires refund execution. metrics may be nil.
func NewService(repo Repository, items lineitems.Repository, tx txRunner, locker locks.Locker, provider PaymentProvider, outbox outboxPublisher, m *metrics.FulfillmentMetrics, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("refund repository required")
	}
	if items == nil {
		return nil, fmt.Errorf("line item repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if provider == nil {
		return nil, fmt.Errorf("payment provider required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:     repo,
		items:    items,
		tx:       tx,
		locker:   locker,
		provider: provider,
		outbox:   outbox,
		metrics:  m,
		logg:     logg,
		now:      time.Now,
	}, nil
}

func (s *service) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	input, _, err := s.prepare(ctx, nil, req)
	if err != nil {
		return nil, err
	}
	quote, err := Calculate(input)
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

func (s *service) Apply(ctx context.Context, req QuoteRequest) (*Result, error) {
	keys := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		keys = append(keys, locks.LineItemKey(item.LineItemID.String()))
	}
	release, err := locks.LockAll(ctx, s.locker, keys...)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "line items are busy")
	}
	defer release()

	var result *Result
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.execute(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) RefundLineItem(ctx context.Context, tx *gorm.DB, req LineItemRefund) (*Result, error) {
	var result *Result
	err := s.inTx(ctx, tx, func(tx *gorm.DB) error {
		item, err := s.items.WithTx(tx).FindLineItem(ctx, req.LineItemID)
		if err != nil {
			return db.LoadError(err, "line item")
		}
		qty := req.Quantity
		if qty == 0 {
			qty = item.Quantity
		}
		result, err = s.execute(ctx, tx, QuoteRequest{
			OrderID:     item.OrderID,
			Flow:        req.Flow,
			Items:       []ItemSelection{{LineItemID: item.ID, Quantity: qty}},
			Adjustments: req.Adjustments,
			Reason:      req.Reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) RefundDeliveryFee(ctx context.Context, tx *gorm.DB, paymentID uuid.UUID, reason string) (*models.RefundRecord, error) {
	var record *models.RefundRecord
	err := s.inTx(ctx, tx, func(tx *gorm.DB) error {
		fee, err := s.repo.WithTx(tx).FindPayment(ctx, paymentID)
		if err != nil {
			return db.LoadError(err, "payment")
		}
		record, err = s.refundFee(ctx, tx, *fee, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// RefundItemDeliveryFees refunds every outstanding delivery fee charged for one line item.
func (s *service) RefundItemDeliveryFees(ctx context.Context, tx *gorm.DB, orderID, lineItemID uuid.UUID, reason string) ([]models.RefundRecord, error) {
	var records []models.RefundRecord
	err := s.inTx(ctx, tx, func(tx *gorm.DB) error {
		fees, err := s.repo.WithTx(tx).ListDeliveryFeePayments(ctx, orderID, &lineItemID, enums.PaymentStatusComplete)
		if err != nil {
			return db.LoadError(err, "delivery fee payments")
		}
		for _, fee := range fees {
			record, err := s.refundFee(ctx, tx, fee, reason)
			if err != nil {
				return err
			}
			records = append(records, *record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *service) RecordDeliveryFeeCharge(ctx context.Context, tx *gorm.DB, charge DeliveryFeeCharge) (*models.PaymentRecord, error) {
	if charge.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if strings.TrimSpace(charge.ProviderPaymentID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider payment id required")
	}
	if charge.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "delivery fee must be positive")
	}
	record := &models.PaymentRecord{
		OrderID:           charge.OrderID,
		LineItemID:        charge.LineItemID,
		Kind:              enums.PaymentKindDeliveryFee,
		ProviderPaymentID: strings.TrimSpace(charge.ProviderPaymentID),
		AmountCents:       charge.AmountCents,
		Status:            enums.PaymentStatusComplete,
	}
	if err := s.repo.WithTx(tx).CreatePayment(ctx, record); err != nil {
		return nil, db.WriteError(err, "record delivery fee charge")
	}
	return record, nil
}

func (s *service) inTx(ctx context.Context, tx *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return s.tx.WithTx(ctx, fn)
}

// prepare loads everything Calculate needs. The returned map holds the order's items by id.
func (s *service) prepare(ctx context.Context, tx *gorm.DB, req QuoteRequest) (CalculationInput, map[uuid.UUID]models.LineItem, error) {
	if req.OrderID == uuid.Nil {
		return CalculationInput{}, nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	items := s.items.WithTx(tx)
	order, err := items.FindOrder(ctx, req.OrderID)
	if err != nil {
		return CalculationInput{}, nil, db.LoadError(err, "order")
	}
	orderItems, err := items.ListByOrder(ctx, req.OrderID)
	if err != nil {
		return CalculationInput{}, nil, db.LoadError(err, "line items")
	}
	byID := make(map[uuid.UUID]models.LineItem, len(orderItems))
	for _, item := range orderItems {
		byID[item.ID] = item
	}

	input := CalculationInput{
		Flow:        req.Flow,
		Order:       *order,
		OrderItems:  orderItems,
		Adjustments: req.Adjustments,
	}
	for _, sel := range req.Items {
		item, ok := byID[sel.LineItemID]
		if !ok {
			return CalculationInput{}, nil, pkgerrors.New(pkgerrors.CodeNotFound,
				fmt.Sprintf("line item %s not found on order", sel.LineItemID))
		}
		input.Selections = append(input.Selections, Selection{Item: item, Quantity: sel.Quantity})
	}
	if req.IncludeDeliveryFee {
		fees, err := s.repo.WithTx(tx).ListDeliveryFeePayments(ctx, req.OrderID, nil, enums.PaymentStatusComplete)
		if err != nil {
			return CalculationInput{}, nil, db.LoadError(err, "delivery fee payments")
		}
		for _, fee := range fees {
			input.DeliveryFeeCents += fee.AmountCents - fee.RefundedAmountCents
		}
	}
	return input, byID, nil
}

func (s *service) execute(ctx context.Context, tx *gorm.DB, req QuoteRequest) (*Result, error) {
	input, byID, err := s.prepare(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	quote, err := Calculate(input)
	if err != nil {
		s.metrics.IncRejection(string(reasonOf(err)))
		return nil, err
	}

	if fullyRefunded(input.Selections) && quote.PointsRestored == 0 {
		return nil, pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonAlreadyRefunded, "selected line items are already fully refunded")
	}

	repo := s.repo.WithTx(tx)
	key := refundKey(req.Flow, quote.Lines, byID)
	if _, err := repo.FindRefundByKey(ctx, key); err == nil {
		return nil, pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonAlreadyRefunded, "refund already issued")
	}

	payment, err := repo.FindOrderPayment(ctx, req.OrderID)
	if err != nil {
		return nil, db.LoadError(err, "order payment")
	}
	if quote.FinalCents > payment.AmountCents-payment.RefundedAmountCents {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "refund exceeds the remaining captured payment").
			WithDetails(map[string]int64{
				"refund_cents":    quote.FinalCents,
				"remaining_cents": payment.AmountCents - payment.RefundedAmountCents,
			})
	}

	// the coupon claim precedes the provider call
	if quote.CouponDeductionCents > 0 {
		ok, err := s.items.WithTx(tx).WithholdCoupon(ctx, req.OrderID, input.Order.CouponWithheldCents, quote.CouponDeductionCents)
		if err != nil {
			return nil, db.WriteError(err, "withhold order coupon")
		}
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "order coupon changed during refund, retry")
		}
	}

	var providerRefundID string
	if quote.FinalCents > 0 {
		refund, err := s.provider.RefundPayment(ctx, square.RefundParams{
			IdempotencyKey: key,
			PaymentID:      payment.ProviderPaymentID,
			AmountCents:    quote.FinalCents,
			Reason:         req.Reason,
		})
		if err != nil {
			return nil, dependencyError(err, "payment provider refund failed")
		}
		providerRefundID = refund.ID
	}

	breakdown, err := json.Marshal(quote)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode refund breakdown")
	}
	record := &models.RefundRecord{
		OrderID:          req.OrderID,
		PaymentRecordID:  payment.ID,
		Flow:             req.Flow,
		AmountCents:      quote.FinalCents,
		PointsRestored:   quote.PointsRestored,
		IdempotencyKey:   key,
		ProviderRefundID: providerRefundID,
		Breakdown:        breakdown,
	}
	lineIDs := make([]uuid.UUID, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		record.Quantity += line.Quantity
		lineIDs = append(lineIDs, line.LineItemID)
	}
	if len(quote.Lines) == 1 {
		id := quote.Lines[0].LineItemID
		record.LineItemID = &id
	}
	if err := repo.CreateRefund(ctx, record); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonAlreadyRefunded, "refund already issued")
		}
		return nil, db.WriteError(err, "record refund")
	}

	items := s.items.WithTx(tx)
	for _, line := range quote.Lines {
		if line.AmountCents == 0 {
			continue
		}
		if err := items.UpdateLineItem(ctx, line.LineItemID, map[string]any{
			"refunded_amount_cents": gorm.Expr("refunded_amount_cents + ?", line.AmountCents),
		}); err != nil {
			return nil, db.WriteError(err, "update line item refund")
		}
	}
	if err := items.UpdateOrder(ctx, req.OrderID, map[string]any{
		"refunded_amount_cents": gorm.Expr("refunded_amount_cents + ?", quote.FinalCents),
		"refunded_points":       gorm.Expr("refunded_points + ?", quote.PointsRestored),
	}); err != nil {
		return nil, db.WriteError(err, "update order refund")
	}
	if quote.FinalCents > 0 {
		if err := repo.UpdatePayment(ctx, payment.ID, s.paymentRefundUpdates(*payment, quote.FinalCents)); err != nil {
			return nil, db.WriteError(err, "update payment refund")
		}
	}

	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventRefundIssued,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		Data: payloads.RefundIssuedEvent{
			RefundID:         record.ID,
			OrderID:          req.OrderID,
			LineItemIDs:      lineIDs,
			Flow:             req.Flow,
			AmountCents:      quote.FinalCents,
			PointsRestored:   quote.PointsRestored,
			ProviderRefundID: providerRefundID,
		},
	}); err != nil {
		return nil, err
	}
	s.metrics.ObserveRefund(string(req.Flow), quote.FinalCents)

	result := &Result{Quote: quote, Refund: record}
	if req.IncludeDeliveryFee {
		fees, err := repo.ListDeliveryFeePayments(ctx, req.OrderID, nil, enums.PaymentStatusComplete)
		if err != nil {
			return nil, db.LoadError(err, "delivery fee payments")
		}
		for _, fee := range fees {
			feeRecord, err := s.refundFee(ctx, tx, fee, req.Reason)
			if err != nil {
				return nil, err
			}
			result.DeliveryFees = append(result.DeliveryFees, *feeRecord)
		}
	}

	logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, req.OrderID.String()), map[string]any{
		"flow":            req.Flow,
		"amount_cents":    quote.FinalCents,
		"points_restored": quote.PointsRestored,
		"lines":           len(quote.Lines),
	})
	s.logg.Info(logCtx, "refund issued")
	return result, nil
}

func (s *service) refundFee(ctx context.Context, tx *gorm.DB, fee models.PaymentRecord, reason string) (*models.RefundRecord, error) {
	if fee.Kind != enums.PaymentKindDeliveryFee {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment is not a delivery fee charge")
	}
	amount := fee.AmountCents - fee.RefundedAmountCents
	if fee.Status == enums.PaymentStatusRefunded || amount <= 0 {
		s.metrics.IncRejection(string(pkgerrors.ReasonAlreadyRefunded))
		return nil, pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonAlreadyRefunded, "delivery fee already refunded")
	}

	key := uuid.NewSHA1(keyNamespace, []byte("delivery-fee:"+fee.ID.String())).String()
	refund, err := s.provider.RefundPayment(ctx, square.RefundParams{
		IdempotencyKey: key,
		PaymentID:      fee.ProviderPaymentID,
		AmountCents:    amount,
		Reason:         reason,
	})
	if err != nil {
		return nil, dependencyError(err, "payment provider delivery fee refund failed")
	}

	repo := s.repo.WithTx(tx)
	record := &models.RefundRecord{
		OrderID:          fee.OrderID,
		PaymentRecordID:  fee.ID,
		LineItemID:       fee.LineItemID,
		Flow:             enums.RefundFlowDeliveryFee,
		AmountCents:      amount,
		IdempotencyKey:   key,
		ProviderRefundID: refund.ID,
	}
	if err := repo.CreateRefund(ctx, record); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonAlreadyRefunded, "delivery fee already refunded")
		}
		return nil, db.WriteError(err, "record delivery fee refund")
	}
	if err := repo.UpdatePayment(ctx, fee.ID, s.paymentRefundUpdates(fee, amount)); err != nil {
		return nil, db.WriteError(err, "mark delivery fee refunded")
	}
	if err := s.items.WithTx(tx).UpdateOrder(ctx, fee.OrderID, map[string]any{
		"refunded_amount_cents": gorm.Expr("refunded_amount_cents + ?", amount),
	}); err != nil {
		return nil, db.WriteError(err, "update order refund")
	}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventDeliveryFeeRefunded,
		AggregateType: enums.AggregatePayment,
		AggregateID:   fee.ID,
		Data: payloads.DeliveryFeeRefundedEvent{
			PaymentRecordID:  fee.ID,
			OrderID:          fee.OrderID,
			AmountCents:      amount,
			ProviderRefundID: refund.ID,
		},
	}); err != nil {
		return nil, err
	}
	s.metrics.ObserveRefund(string(enums.RefundFlowDeliveryFee), amount)
	s.logg.Info(s.logg.WithField(s.logg.WithOrderID(ctx, fee.OrderID.String()), "payment_id", fee.ID.String()), "delivery fee refunded")
	return record, nil
}

func (s *service) paymentRefundUpdates(payment models.PaymentRecord, amount int64) map[string]any {
	refunded := payment.RefundedAmountCents + amount
	updates := map[string]any{"refunded_amount_cents": refunded}
	if refunded >= payment.AmountCents {
		updates["status"] = enums.PaymentStatusRefunded
		updates["refunded_at"] = s.now().UTC()
	}
	return updates
}

// refundKey is stable for a given selection and refund state, so a retried
// request reuses the provider idempotency key while a later partial refund gets a new one.
func refundKey(flow enums.RefundFlow, lines []LineQuote, items map[uuid.UUID]models.LineItem) string {
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		item := items[line.LineItemID]
		parts = append(parts, fmt.Sprintf("%s:%d:%d", line.LineItemID, line.Quantity, item.RefundedAmountCents))
	}
	sort.Strings(parts)
	return uuid.NewSHA1(keyNamespace, []byte(string(flow)+"|"+strings.Join(parts, "|"))).String()
}

func fullyRefunded(selections []Selection) bool {
	for _, sel := range selections {
		if sel.Item.OutstandingCents() > 0 {
			return false
		}
	}
	return true
}

func dependencyError(err error, msg string) error {
	if typed := pkgerrors.As(err); typed != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}

func reasonOf(err error) pkgerrors.Reason {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Reason()
	}
	return ""
}
