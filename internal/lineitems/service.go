package lineitems

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type addressRecorder interface {
	Record(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, purpose enums.AddressPurpose, addr types.DeliveryAddress) (*models.AddressRecord, error)
}

// Service exposes order placement and the read side of the line item store.
type Service interface {
	PlaceOrder(ctx context.Context, input PlaceOrderInput) (*OrderView, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*OrderView, error)
	GetLineItem(ctx context.Context, lineItemID uuid.UUID) (*models.LineItem, error)
}

type service struct {
	repo      Repository
	tx        txRunner
	addresses addressRecorder
}

// NewService builds the line item service.
func NewService(repo Repository, tx txRunner, addresses addressRecorder) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("line item repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if addresses == nil {
		return nil, fmt.Errorf("address ledger required")
	}
	return &service{repo: repo, tx: tx, addresses: addresses}, nil
}

// PlaceOrder stores a paid order: the header, one line item per product line in
// PAYMENT_COMPLETE (or HOLD when flagged), an ORDER address per item and the
// captured payment records.
func (s *service) PlaceOrder(ctx context.Context, input PlaceOrderInput) (*OrderView, error) {
	if err := validatePlacement(input); err != nil {
		return nil, err
	}
	couponType := input.CouponType
	if couponType == "" {
		couponType = enums.CouponTypeNone
	}

	var orderID uuid.UUID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		var total int64
		for _, item := range input.Items {
			total += item.PaymentAmountCents
		}
		order := &models.Order{
			BuyerRef:                   strings.TrimSpace(input.BuyerRef),
			PaymentAmountCents:         total,
			CouponType:                 couponType,
			CouponAmount:               input.CouponAmount,
			UsedPoints:                 input.UsedPoints,
			FreeShippingThresholdCents: input.FreeShippingThresholdCents,
			DeliveryFeeCents:           input.DeliveryFeeCents,
			DefaultAddress:             input.Address,
		}
		if err := repo.CreateOrder(ctx, order); err != nil {
			return db.WriteError(err, "create order")
		}
		orderID = order.ID

		for _, in := range input.Items {
			status := enums.LineItemStatusPaymentComplete
			if in.Hold {
				status = enums.LineItemStatusHold
			}
			group := in.GroupNumber
			if group <= 0 {
				group = 1
			}
			item := &models.LineItem{
				OrderID:            order.ID,
				GroupNumber:        group,
				ProductRef:         strings.TrimSpace(in.ProductRef),
				Quantity:           in.Quantity,
				OrderedQuantity:    in.Quantity,
				UnitPriceCents:     in.UnitPriceCents,
				OriginalPriceCents: in.OriginalPriceCents,
				PaymentAmountCents: in.PaymentAmountCents,
				Status:             status,
			}
			if err := repo.CreateLineItem(ctx, item); err != nil {
				return db.WriteError(err, "create line item")
			}
			if _, err := s.addresses.Record(ctx, tx, item.ID, enums.AddressPurposeOrder, input.Address); err != nil {
				return err
			}
		}

		payments := []models.PaymentRecord{{
			OrderID:           order.ID,
			Kind:              enums.PaymentKindOrder,
			ProviderPaymentID: strings.TrimSpace(input.ProviderPaymentID),
			AmountCents:       total,
			Status:            enums.PaymentStatusComplete,
		}}
		if input.DeliveryFeeCents > 0 {
			payments = append(payments, models.PaymentRecord{
				OrderID:           order.ID,
				Kind:              enums.PaymentKindDeliveryFee,
				ProviderPaymentID: strings.TrimSpace(input.DeliveryFeePaymentID),
				AmountCents:       input.DeliveryFeeCents,
				Status:            enums.PaymentStatusComplete,
			})
		}
		if err := repo.CreatePaymentRecords(ctx, payments); err != nil {
			return db.WriteError(err, "create payment records")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *service) GetOrder(ctx context.Context, orderID uuid.UUID) (*OrderView, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		return nil, db.LoadError(err, "order")
	}
	items, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, db.LoadError(err, "line items")
	}
	return &OrderView{Order: *order, Groups: Groups(items)}, nil
}

func (s *service) GetLineItem(ctx context.Context, lineItemID uuid.UUID) (*models.LineItem, error) {
	if lineItemID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "line item id required")
	}
	item, err := s.repo.FindLineItem(ctx, lineItemID)
	if err != nil {
		return nil, db.LoadError(err, "line item")
	}
	return item, nil
}

func validatePlacement(input PlaceOrderInput) error {
	if strings.TrimSpace(input.BuyerRef) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "buyer reference required")
	}
	if strings.TrimSpace(input.ProviderPaymentID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "provider payment id required")
	}
	if input.CouponType != "" && !input.CouponType.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid coupon type")
	}
	if input.CouponType == enums.CouponTypePercent && input.CouponAmount > 100 {
		return pkgerrors.New(pkgerrors.CodeValidation, "percentage coupon cannot exceed 100")
	}
	if input.DeliveryFeeCents > 0 && strings.TrimSpace(input.DeliveryFeePaymentID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "delivery fee payment id required when a delivery fee is charged")
	}
	if len(input.Items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "at least one line item required")
	}
	for i, item := range input.Items {
		if strings.TrimSpace(item.ProductRef) == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("items[%d]: product reference required", i))
		}
		if item.Quantity <= 0 {
			return pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonInvalidQuantity, fmt.Sprintf("items[%d]: quantity must be positive", i))
		}
		if item.PaymentAmountCents < 0 || item.UnitPriceCents < 0 || item.OriginalPriceCents < 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("items[%d]: amounts must not be negative", i))
		}
	}
	return nil
}
