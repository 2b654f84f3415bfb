package refunds

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
)

// Repository persists payment records and the refund journal.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreatePayment(ctx context.Context, record *models.PaymentRecord) error
	FindPayment(ctx context.Context, paymentID uuid.UUID) (*models.PaymentRecord, error)
	FindOrderPayment(ctx context.Context, orderID uuid.UUID) (*models.PaymentRecord, error)
	ListDeliveryFeePayments(ctx context.Context, orderID uuid.UUID, lineItemID *uuid.UUID, status enums.PaymentStatus) ([]models.PaymentRecord, error)
	UpdatePayment(ctx context.Context, paymentID uuid.UUID, updates map[string]any) error
	CreateRefund(ctx context.Context, record *models.RefundRecord) error
	FindRefundByKey(ctx context.Context, key string) (*models.RefundRecord, error)
	ListRefunds(ctx context.Context, orderID uuid.UUID) ([]models.RefundRecord, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a refund repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreatePayment(ctx context.Context, record *models.PaymentRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) FindPayment(ctx context.Context, paymentID uuid.UUID) (*models.PaymentRecord, error) {
	var record models.PaymentRecord
	if err := r.db.WithContext(ctx).Where("id = ?", paymentID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repository) FindOrderPayment(ctx context.Context, orderID uuid.UUID) (*models.PaymentRecord, error) {
	var record models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND kind = ?", orderID, enums.PaymentKindOrder).
		Order("created_at ASC").
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListDeliveryFeePayments returns delivery fee charges of the order. A nil
// lineItemID selects order-level charges; otherwise charges tied to that item.
func (r *repository) ListDeliveryFeePayments(ctx context.Context, orderID uuid.UUID, lineItemID *uuid.UUID, status enums.PaymentStatus) ([]models.PaymentRecord, error) {
	query := r.db.WithContext(ctx).
		Where("order_id = ? AND kind = ?", orderID, enums.PaymentKindDeliveryFee)
	if lineItemID == nil {
		query = query.Where("line_item_id IS NULL")
	} else {
		query = query.Where("line_item_id = ?", *lineItemID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var records []models.PaymentRecord
	if err := query.Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repository) UpdatePayment(ctx context.Context, paymentID uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.PaymentRecord{}).
		Where("id = ?", paymentID).
		Updates(updates).Error
}

func (r *repository) CreateRefund(ctx context.Context, record *models.RefundRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) FindRefundByKey(ctx context.Context, key string) (*models.RefundRecord, error) {
	var record models.RefundRecord
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repository) ListRefunds(ctx context.Context, orderID uuid.UUID) ([]models.RefundRecord, error) {
	var records []models.RefundRecord
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}
