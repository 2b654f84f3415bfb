package groups

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
)

// SplitPlan describes how a quantity leaves its group. When MoveWhole is set the
// source row changes group; otherwise a new row carrying Quantity units is created.
type SplitPlan struct {
	SourceID      uuid.UUID
	SourceGroup   int
	TargetGroup   int
	Quantity      int
	MoveWhole     bool
	MovedPayment  int64
	MovedRefunded int64
}

// MergePlan lists the rows that change group.
type MergePlan struct {
	TargetGroup int
	Move        []uuid.UUID
	SourceGroup []int
}

// PlanSplit validates a split of qty units of source out of its group.
// group holds every current member of the source group, including source.
// targetMembers holds the members of an explicitly requested target group.
func PlanSplit(group []models.LineItem, source models.LineItem, qty int, target *int, targetMembers []models.LineItem, maxGroup int) (SplitPlan, error) {
	if source.Status.IsTerminal() {
		return SplitPlan{}, pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonTerminalStatus, "line item is closed and cannot be split")
	}
	if qty <= 0 {
		return SplitPlan{}, invalidQuantity("split quantity must be positive")
	}
	if qty > source.Quantity {
		return SplitPlan{}, invalidQuantity(fmt.Sprintf("split quantity %d exceeds item quantity %d", qty, source.Quantity))
	}
	others := 0
	for _, member := range group {
		if member.ID != source.ID {
			others++
		}
	}
	if qty == source.Quantity && others == 0 {
		return SplitPlan{}, invalidQuantity("split would move the entire group; at least one unit must remain")
	}

	plan := SplitPlan{
		SourceID:    source.ID,
		SourceGroup: source.GroupNumber,
		Quantity:    qty,
		MoveWhole:   qty == source.Quantity,
	}

	switch {
	case target == nil:
		plan.TargetGroup = maxGroup + 1
	case *target <= 0:
		return SplitPlan{}, pkgerrors.New(pkgerrors.CodeValidation, "target group must be positive")
	case *target == source.GroupNumber:
		return SplitPlan{}, pkgerrors.New(pkgerrors.CodeValidation, "target group must differ from the source group")
	default:
		if err := ensureCompatible(append([]models.LineItem{source}, targetMembers...)); err != nil {
			return SplitPlan{}, err
		}
		plan.TargetGroup = *target
	}

	if !plan.MoveWhole {
		plan.MovedPayment = prorate(source.PaymentAmountCents, qty, source.Quantity)
		plan.MovedRefunded = prorate(source.RefundedAmountCents, qty, source.Quantity)
	}
	return plan, nil
}

// PlanMerge validates moving selected items into targetGroup.
func PlanMerge(selected []models.LineItem, targetMembers []models.LineItem, targetGroup int) (MergePlan, error) {
	if targetGroup <= 0 {
		return MergePlan{}, pkgerrors.New(pkgerrors.CodeValidation, "target group must be positive")
	}
	if len(selected) == 0 {
		return MergePlan{}, pkgerrors.New(pkgerrors.CodeValidation, "at least one line item required")
	}
	for _, item := range append(append([]models.LineItem{}, selected...), targetMembers...) {
		if item.Status.IsTerminal() {
			return MergePlan{}, pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonTerminalStatus,
				fmt.Sprintf("line item %s is closed and cannot be merged", item.ID))
		}
	}
	if err := ensureCompatible(append(append([]models.LineItem{}, selected...), targetMembers...)); err != nil {
		return MergePlan{}, err
	}

	plan := MergePlan{TargetGroup: targetGroup}
	seenGroups := map[int]bool{}
	for _, item := range selected {
		if item.GroupNumber == targetGroup {
			continue
		}
		plan.Move = append(plan.Move, item.ID)
		if !seenGroups[item.GroupNumber] {
			seenGroups[item.GroupNumber] = true
			plan.SourceGroup = append(plan.SourceGroup, item.GroupNumber)
		}
	}
	return plan, nil
}

// ensureCompatible requires identical status, courier, tracking number and service id.
func ensureCompatible(items []models.LineItem) error {
	if len(items) < 2 {
		return nil
	}
	want := items[0].ShipmentKey()
	var mismatched []string
	for _, item := range items[1:] {
		if item.ShipmentKey() != want {
			mismatched = append(mismatched, item.ID.String())
		}
	}
	if len(mismatched) > 0 {
		return pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonIncompatibleMerge,
			"line items differ in status, courier, tracking number or carrier service id").
			WithDetails(map[string]any{"reference": items[0].ID.String(), "mismatched": mismatched})
	}
	return nil
}

func prorate(amount int64, part, whole int) int64 {
	if whole <= 0 || amount <= 0 {
		return 0
	}
	return amount * int64(part) / int64(whole)
}

func invalidQuantity(msg string) error {
	return pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonInvalidQuantity, msg)
}
