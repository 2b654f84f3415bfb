package lineitems

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds a line item repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateOrder(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) UpdateOrder(ctx context.Context, orderID uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(updates).Error
}

// WithholdCoupon adds amount to the order's withheld coupon only while the
// stored total still equals seen.
func (r *repository) WithholdCoupon(ctx context.Context, orderID uuid.UUID, seen, amount int64) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND coupon_withheld_cents = ?", orderID, seen).
		Update("coupon_withheld_cents", seen+amount)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) CreateLineItem(ctx context.Context, item *models.LineItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *repository) FindLineItem(ctx context.Context, lineItemID uuid.UUID) (*models.LineItem, error) {
	var item models.LineItem
	if err := r.db.WithContext(ctx).Where("id = ?", lineItemID).First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repository) FindLineItems(ctx context.Context, lineItemIDs []uuid.UUID) ([]models.LineItem, error) {
	var items []models.LineItem
	if len(lineItemIDs) == 0 {
		return items, nil
	}
	err := r.db.WithContext(ctx).
		Where("id IN ?", lineItemIDs).
		Order("group_number ASC, created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.LineItem, error) {
	var items []models.LineItem
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("group_number ASC, created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) ListByGroup(ctx context.Context, orderID uuid.UUID, groupNumber int) ([]models.LineItem, error) {
	var items []models.LineItem
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND group_number = ?", orderID, groupNumber).
		Order("created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListByStatuses returns items in any of the statuses. A nil order id spans every order.
func (r *repository) ListByStatuses(ctx context.Context, orderID uuid.UUID, statuses []enums.LineItemStatus) ([]models.LineItem, error) {
	var items []models.LineItem
	if len(statuses) == 0 {
		return items, nil
	}
	query := r.db.WithContext(ctx).Where("status IN ?", statuses)
	if orderID != uuid.Nil {
		query = query.Where("order_id = ?", orderID)
	}
	if err := query.Order("order_id ASC, group_number ASC, created_at ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) MaxGroupNumber(ctx context.Context, orderID uuid.UUID) (int, error) {
	var max sql.NullInt64
	row := r.db.WithContext(ctx).
		Model(&models.LineItem{}).
		Where("order_id = ?", orderID).
		Select("MAX(group_number)").
		Row()
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

func (r *repository) UpdateLineItem(ctx context.Context, lineItemID uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.LineItem{}).
		Where("id = ?", lineItemID).
		Updates(updates).Error
}

// UpdateStatus writes updates only while the item is still in status from.
// It reports false when another writer got there first.
func (r *repository) UpdateStatus(ctx context.Context, lineItemID uuid.UUID, from enums.LineItemStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.LineItem{}).
		Where("id = ? AND status = ?", lineItemID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) UpdateGroupNumber(ctx context.Context, lineItemIDs []uuid.UUID, groupNumber int) error {
	if len(lineItemIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.LineItem{}).
		Where("id IN ?", lineItemIDs).
		Update("group_number", groupNumber).Error
}

func (r *repository) CreatePaymentRecords(ctx context.Context, records []models.PaymentRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&records).Error
}
