package groups

import (
	"context"
	"fmt"
	"sort"
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
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type addressCopier interface {
	CopyActive(ctx context.Context, tx *gorm.DB, fromLineItemID, toLineItemID uuid.UUID) ([]models.AddressRecord, error)
}

// SplitInput moves Quantity units of a line item out of its group.
type SplitInput struct {
	LineItemID  uuid.UUID
	Quantity    int
	TargetGroup *int
}

// SplitResult reports where the units went. LineItemID is the row that now
// holds the moved units: the source itself when it moved whole.
type SplitResult struct {
	OrderID     uuid.UUID `json:"order_id"`
	SourceGroup int       `json:"source_group"`
	TargetGroup int       `json:"target_group"`
	LineItemID  uuid.UUID `json:"line_item_id"`
	Created     bool      `json:"created"`
	Quantity    int       `json:"quantity"`
}

// MergeInput moves line items of one order into TargetGroup.
type MergeInput struct {
	OrderID     uuid.UUID
	LineItemIDs []uuid.UUID
	TargetGroup int
}

// MergeResult lists the rows that changed group.
type MergeResult struct {
	OrderID     uuid.UUID   `json:"order_id"`
	TargetGroup int         `json:"target_group"`
	Moved       []uuid.UUID `json:"moved"`
}

// Service splits and merges delivery groups. Both operations are all-or-nothing.
type Service interface {
	Split(ctx context.Context, input SplitInput) (*SplitResult, error)
	Merge(ctx context.Context, input MergeInput) (*MergeResult, error)
}

type service struct {
	repo      lineitems.Repository
	tx        txRunner
	locker    locks.Locker
	addresses addressCopier
	outbox    outboxPublisher
	logg      *logger.Logger
}

// NewService builds the group manager.
func NewService(repo lineitems.Repository, tx txRunner, locker locks.Locker, addresses addressCopier, outbox outboxPublisher, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("line item repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if addresses == nil {
		return nil, fmt.Errorf("address ledger required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{repo: repo, tx: tx, locker: locker, addresses: addresses, outbox: outbox, logg: logg}, nil
}

func (s *service) Split(ctx context.Context, input SplitInput) (*SplitResult, error) {
	if input.LineItemID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "line item id required")
	}
	release, err := locks.LockAll(ctx, s.locker, locks.LineItemKey(input.LineItemID.String()))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "line item is busy")
	}
	defer release()

	var result *SplitResult
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		source, err := repo.FindLineItem(ctx, input.LineItemID)
		if err != nil {
			return db.LoadError(err, "line item")
		}
		group, err := repo.ListByGroup(ctx, source.OrderID, source.GroupNumber)
		if err != nil {
			return db.LoadError(err, "group members")
		}
		var targetMembers []models.LineItem
		if input.TargetGroup != nil && *input.TargetGroup != source.GroupNumber {
			targetMembers, err = repo.ListByGroup(ctx, source.OrderID, *input.TargetGroup)
			if err != nil {
				return db.LoadError(err, "target group members")
			}
		}
		maxGroup, err := repo.MaxGroupNumber(ctx, source.OrderID)
		if err != nil {
			return db.LoadError(err, "group numbers")
		}

		plan, err := PlanSplit(group, *source, input.Quantity, input.TargetGroup, targetMembers, maxGroup)
		if err != nil {
			return err
		}

		result = &SplitResult{
			OrderID:     source.OrderID,
			SourceGroup: plan.SourceGroup,
			TargetGroup: plan.TargetGroup,
			LineItemID:  source.ID,
			Quantity:    plan.Quantity,
		}
		if plan.MoveWhole {
			if err := repo.UpdateGroupNumber(ctx, []uuid.UUID{source.ID}, plan.TargetGroup); err != nil {
				return db.WriteError(err, "move line item")
			}
		} else {
			created := splitRow(*source, plan)
			if err := repo.CreateLineItem(ctx, &created); err != nil {
				return db.WriteError(err, "create split line item")
			}
			if err := repo.UpdateLineItem(ctx, source.ID, map[string]any{
				"quantity":              source.Quantity - plan.Quantity,
				"ordered_quantity":      source.OrderedQuantity - created.OrderedQuantity,
				"payment_amount_cents":  source.PaymentAmountCents - plan.MovedPayment,
				"refunded_amount_cents": source.RefundedAmountCents - plan.MovedRefunded,
			}); err != nil {
				return db.WriteError(err, "shrink source line item")
			}
			if _, err := s.addresses.CopyActive(ctx, tx, source.ID, created.ID); err != nil {
				return err
			}
			result.LineItemID = created.ID
			result.Created = true
		}

		event := payloads.LineItemGroupChangedEvent{
			OrderID:       source.OrderID,
			Operation:     payloads.GroupOperationSplit,
			SourceGroup:   plan.SourceGroup,
			TargetGroup:   plan.TargetGroup,
			LineItemIDs:   []uuid.UUID{source.ID},
			MovedQuantity: plan.Quantity,
		}
		if result.Created {
			createdID := result.LineItemID
			event.CreatedItemID = &createdID
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventLineItemGroupChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   source.OrderID,
			Data:          event,
		})
	})
	if err != nil {
		return nil, err
	}

	ctx = s.logg.WithFields(s.logg.WithOrderID(ctx, result.OrderID.String()), map[string]any{
		"source_group": result.SourceGroup,
		"target_group": result.TargetGroup,
		"quantity":     result.Quantity,
		"created":      result.Created,
	})
	s.logg.Info(ctx, "line item group split")
	return result, nil
}

func (s *service) Merge(ctx context.Context, input MergeInput) (*MergeResult, error) {
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if len(input.LineItemIDs) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one line item required")
	}

	members, err := s.repo.ListByGroup(ctx, input.OrderID, input.TargetGroup)
	if err != nil {
		return nil, db.LoadError(err, "target group members")
	}
	keys := make([]string, 0, len(input.LineItemIDs)+len(members))
	for _, id := range input.LineItemIDs {
		keys = append(keys, locks.LineItemKey(id.String()))
	}
	for _, member := range members {
		keys = append(keys, locks.LineItemKey(member.ID.String()))
	}
	release, err := locks.LockAll(ctx, s.locker, keys...)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "line items are busy")
	}
	defer release()

	var result *MergeResult
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		selected, err := repo.FindLineItems(ctx, dedupe(input.LineItemIDs))
		if err != nil {
			return db.LoadError(err, "line items")
		}
		if len(selected) != len(dedupe(input.LineItemIDs)) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "one or more line items not found")
		}
		for _, item := range selected {
			if item.OrderID != input.OrderID {
				return pkgerrors.New(pkgerrors.CodeValidation, "line items must belong to the order")
			}
		}
		targetMembers, err := repo.ListByGroup(ctx, input.OrderID, input.TargetGroup)
		if err != nil {
			return db.LoadError(err, "target group members")
		}
		memberKeys := make([]string, 0, len(targetMembers))
		for _, member := range targetMembers {
			memberKeys = append(memberKeys, locks.LineItemKey(member.ID.String()))
		}
		if stray := locks.Unlocked(keys, memberKeys...); len(stray) > 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "target group membership changed while locking, retry")
		}

		plan, err := PlanMerge(selected, targetMembers, input.TargetGroup)
		if err != nil {
			return err
		}
		result = &MergeResult{OrderID: input.OrderID, TargetGroup: plan.TargetGroup, Moved: plan.Move}
		if len(plan.Move) == 0 {
			return nil
		}
		if err := repo.UpdateGroupNumber(ctx, plan.Move, plan.TargetGroup); err != nil {
			return db.WriteError(err, "merge line items")
		}
		sourceGroup := 0
		if len(plan.SourceGroup) == 1 {
			sourceGroup = plan.SourceGroup[0]
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventLineItemGroupChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   input.OrderID,
			Data: payloads.LineItemGroupChangedEvent{
				OrderID:     input.OrderID,
				Operation:   payloads.GroupOperationMerge,
				SourceGroup: sourceGroup,
				TargetGroup: plan.TargetGroup,
				LineItemIDs: plan.Move,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	ctx = s.logg.WithField(s.logg.WithGroup(ctx, input.OrderID.String(), result.TargetGroup), "moved", len(result.Moved))
	s.logg.Info(ctx, "line item groups merged")
	return result, nil
}

func splitRow(source models.LineItem, plan SplitPlan) models.LineItem {
	created := source
	created.ID = uuid.Nil
	created.GroupNumber = plan.TargetGroup
	created.Quantity = plan.Quantity
	created.OrderedQuantity = plan.Quantity
	created.PaymentAmountCents = plan.MovedPayment
	created.RefundedAmountCents = plan.MovedRefunded
	created.CreatedAt = time.Time{}
	created.UpdatedAt = time.Time{}
	if source.OrderedQuantity != source.Quantity && source.Quantity > 0 {
		created.OrderedQuantity = source.OrderedQuantity * plan.Quantity / source.Quantity
	}
	return created
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
