package addresses

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/types"
)

// Service is the append-only address ledger. Every write runs inside the
// caller's transaction so ledger changes commit or roll back with the status
// change that caused them. A nil tx uses the base connection.
type Service interface {
	Record(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, purpose enums.AddressPurpose, addr types.DeliveryAddress) (*models.AddressRecord, error)
	RecordPickup(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, addr types.DeliveryAddress) (*models.AddressRecord, error)
	Reinstate(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, purpose enums.AddressPurpose) (*models.AddressRecord, error)
	Retire(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, purpose enums.AddressPurpose) error
	CopyActive(ctx context.Context, tx *gorm.DB, fromLineItemID, toLineItemID uuid.UUID) ([]models.AddressRecord, error)
	Active(ctx context.Context, lineItemID uuid.UUID, purpose enums.AddressPurpose) (*models.AddressRecord, error)
	History(ctx context.Context, lineItemID uuid.UUID) ([]models.AddressRecord, error)
}

type service struct {
	repo Repository
}

// NewService builds the address ledger.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("address repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Record(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, purpose enums.AddressPurpose, addr types.DeliveryAddress) (*models.AddressRecord, error) {
	if lineItemID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "line item id required")
	}
	if !purpose.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid address purpose")
	}
	if missing := addr.MissingFields(); len(missing) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "address is incomplete").
			WithDetails(map[string]any{"missing": missing})
	}
	return s.append(ctx, s.repo.WithTx(tx), models.NewAddressRecord(lineItemID, purpose, addr))
}

// RecordPickup stores the RETURN address a carrier will collect from.
func (s *service) RecordPickup(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, addr types.DeliveryAddress) (*models.AddressRecord, error) {
	if missing := addr.MissingFields(); len(missing) > 0 {
		return nil, pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonIncompletePickupAddress, "pickup address is incomplete").
			WithDetails(map[string]any{"missing": missing})
	}
	return s.Record(ctx, tx, lineItemID, enums.AddressPurposeReturn, addr)
}

// Reinstate appends a fresh copy of the most recent record for the purpose.
// The historical row is left inactive. Returns nil when the purpose has no history.
func (s *service) Reinstate(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, purpose enums.AddressPurpose) (*models.AddressRecord, error) {
	repo := s.repo.WithTx(tx)
	latest, err := repo.FindLatest(ctx, lineItemID, purpose)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, db.LoadError(err, "address record")
	}
	return s.append(ctx, repo, models.NewAddressRecord(lineItemID, purpose, latest.Address()))
}

func (s *service) Retire(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, purpose enums.AddressPurpose) error {
	if _, err := s.repo.WithTx(tx).Deactivate(ctx, lineItemID, purpose); err != nil {
		return db.WriteError(err, "deactivate address record")
	}
	return nil
}

// CopyActive gives a line item split from another its own copies of the active records.
func (s *service) CopyActive(ctx context.Context, tx *gorm.DB, fromLineItemID, toLineItemID uuid.UUID) ([]models.AddressRecord, error) {
	repo := s.repo.WithTx(tx)
	active, err := repo.ListActive(ctx, fromLineItemID)
	if err != nil {
		return nil, db.LoadError(err, "address records")
	}
	copies := make([]models.AddressRecord, 0, len(active))
	for _, record := range active {
		created, err := s.append(ctx, repo, models.NewAddressRecord(toLineItemID, record.Purpose, record.Address()))
		if err != nil {
			return nil, err
		}
		copies = append(copies, *created)
	}
	return copies, nil
}

func (s *service) Active(ctx context.Context, lineItemID uuid.UUID, purpose enums.AddressPurpose) (*models.AddressRecord, error) {
	record, err := s.repo.FindActive(ctx, lineItemID, purpose)
	if err != nil {
		return nil, db.LoadError(err, "active address record")
	}
	return record, nil
}

func (s *service) History(ctx context.Context, lineItemID uuid.UUID) ([]models.AddressRecord, error) {
	records, err := s.repo.ListByLineItem(ctx, lineItemID)
	if err != nil {
		return nil, db.LoadError(err, "address records")
	}
	return records, nil
}

func (s *service) append(ctx context.Context, repo Repository, record models.AddressRecord) (*models.AddressRecord, error) {
	if _, err := repo.Deactivate(ctx, record.LineItemID, record.Purpose); err != nil {
		return nil, db.WriteError(err, "deactivate address record")
	}
	if err := repo.Insert(ctx, &record); err != nil {
		return nil, db.WriteError(err, "insert address record")
	}
	return &record, nil
}
