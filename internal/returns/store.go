package returns

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
)

// ApplicationStore gives the transition engine read and settle access to
// applications inside its transaction.
type ApplicationStore struct {
	repo Repository
}

func NewApplicationStore(repo Repository) *ApplicationStore {
	return &ApplicationStore{repo: repo}
}

// FindOpenApplication returns nil when the item has no undecided application.
func (s *ApplicationStore) FindOpenApplication(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID) (*models.ReturnApplication, error) {
	app, err := s.repo.WithTx(tx).FindByLineItem(ctx, lineItemID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !app.Open() {
		return nil, nil
	}
	return app, nil
}

func (s *ApplicationStore) SettleApplication(ctx context.Context, tx *gorm.DB, applicationID uuid.UUID, approved bool) error {
	updates := map[string]any{"cancelled": true}
	if approved {
		updates = map[string]any{"approved": true}
	}
	if err := s.repo.WithTx(tx).Update(ctx, applicationID, updates); err != nil {
		return db.LoadError(err, "return application")
	}
	return nil
}
