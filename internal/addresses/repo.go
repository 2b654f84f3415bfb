package addresses

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
)

// Repository manages persistence for address records. Rows are inserted or
// deactivated, never edited.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, record *models.AddressRecord) error
	Deactivate(ctx context.Context, lineItemID uuid.UUID, purpose enums.AddressPurpose) (int64, error)
	FindActive(ctx context.Context, lineItemID uuid.UUID, purpose enums.AddressPurpose) (*models.AddressRecord, error)
	FindLatest(ctx context.Context, lineItemID uuid.UUID, purpose enums.AddressPurpose) (*models.AddressRecord, error)
	ListActive(ctx context.Context, lineItemID uuid.UUID) ([]models.AddressRecord, error)
	ListByLineItem(ctx context.Context, lineItemID uuid.UUID) ([]models.AddressRecord, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an address repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Insert(ctx context.Context, record *models.AddressRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) Deactivate(ctx context.Context, lineItemID uuid.UUID, purpose enums.AddressPurpose) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.AddressRecord{}).
		Where("line_item_id = ? AND purpose = ? AND active = ?", lineItemID, purpose, true).
		Update("active", false)
	return res.RowsAffected, res.Error
}

func (r *repository) FindActive(ctx context.Context, lineItemID uuid.UUID, purpose enums.AddressPurpose) (*models.AddressRecord, error) {
	var record models.AddressRecord
	err := r.db.WithContext(ctx).
		Where("line_item_id = ? AND purpose = ? AND active = ?", lineItemID, purpose, true).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repository) FindLatest(ctx context.Context, lineItemID uuid.UUID, purpose enums.AddressPurpose) (*models.AddressRecord, error) {
	var record models.AddressRecord
	err := r.db.WithContext(ctx).
		Where("line_item_id = ? AND purpose = ?", lineItemID, purpose).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repository) ListActive(ctx context.Context, lineItemID uuid.UUID) ([]models.AddressRecord, error) {
	var records []models.AddressRecord
	if err := r.db.WithContext(ctx).
		Where("line_item_id = ? AND active = ?", lineItemID, true).
		Order("purpose ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repository) ListByLineItem(ctx context.Context, lineItemID uuid.UUID) ([]models.AddressRecord, error) {
	var records []models.AddressRecord
	if err := r.db.WithContext(ctx).
		Where("line_item_id = ?", lineItemID).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
