package returns

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
)

// Repository persists return applications. A line item keeps one row that is
// rewritten when a new request follows a settled one.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, app *models.ReturnApplication) error
	Save(ctx context.Context, app *models.ReturnApplication) error
	FindByLineItem(ctx context.Context, lineItemID uuid.UUID) (*models.ReturnApplication, error)
	Update(ctx context.Context, applicationID uuid.UUID, updates map[string]any) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a return application repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, app *models.ReturnApplication) error {
	return r.db.WithContext(ctx).Create(app).Error
}

func (r *repository) Save(ctx context.Context, app *models.ReturnApplication) error {
	return r.db.WithContext(ctx).Save(app).Error
}

func (r *repository) FindByLineItem(ctx context.Context, lineItemID uuid.UUID) (*models.ReturnApplication, error) {
	var app models.ReturnApplication
	if err := r.db.WithContext(ctx).Where("line_item_id = ?", lineItemID).First(&app).Error; err != nil {
		return nil, err
	}
	return &app, nil
}

func (r *repository) Update(ctx context.Context, applicationID uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).
		Model(&models.ReturnApplication{}).
		Where("id = ?", applicationID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
