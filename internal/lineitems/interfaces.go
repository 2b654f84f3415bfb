package lineitems

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
)

// Repository defines persistence operations for orders and their line items.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateOrder(ctx context.Context, order *models.Order) error
	FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	UpdateOrder(ctx context.Context, orderID uuid.UUID, updates map[string]any) error
	WithholdCoupon(ctx context.Context, orderID uuid.UUID, seen, amount int64) (bool, error)
	CreateLineItem(ctx context.Context, item *models.LineItem) error
	FindLineItem(ctx context.Context, lineItemID uuid.UUID) (*models.LineItem, error)
	FindLineItems(ctx context.Context, lineItemIDs []uuid.UUID) ([]models.LineItem, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.LineItem, error)
	ListByGroup(ctx context.Context, orderID uuid.UUID, groupNumber int) ([]models.LineItem, error)
	ListByStatuses(ctx context.Context, orderID uuid.UUID, statuses []enums.LineItemStatus) ([]models.LineItem, error)
	MaxGroupNumber(ctx context.Context, orderID uuid.UUID) (int, error)
	UpdateLineItem(ctx context.Context, lineItemID uuid.UUID, updates map[string]any) error
	UpdateStatus(ctx context.Context, lineItemID uuid.UUID, from enums.LineItemStatus, updates map[string]any) (bool, error)
	UpdateGroupNumber(ctx context.Context, lineItemIDs []uuid.UUID, groupNumber int) error
	CreatePaymentRecords(ctx context.Context, records []models.PaymentRecord) error
}
