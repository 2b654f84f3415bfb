package returns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-backoffice/internal/groups"
	"github.com/angelmondragon/fulfillment-backoffice/internal/lineitems"
	"github.com/angelmondragon/fulfillment-backoffice/internal/refunds"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/carrier"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-backoffice/pkg/errors"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/types"
)

var pickupNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("fulfillment-backoffice/pickups"))

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type engine interface {
	Check(ctx context.Context, lineItemID uuid.UUID, req fulfillment.Request) (*fulfillment.Decision, error)
	Apply(ctx context.Context, lineItemID uuid.UUID, cmd fulfillment.Command) (*fulfillment.Result, error)
}

type groupSplitter interface {
	Split(ctx context.Context, input groups.SplitInput) (*groups.SplitResult, error)
	Merge(ctx context.Context, input groups.MergeInput) (*groups.MergeResult, error)
}

type addressLedger interface {
	Record(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, purpose enums.AddressPurpose, addr types.DeliveryAddress) (*models.AddressRecord, error)
	RecordPickup(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, addr types.DeliveryAddress) (*models.AddressRecord, error)
	Retire(ctx context.Context, tx *gorm.DB, lineItemID uuid.UUID, purpose enums.AddressPurpose) error
}

type pickupBooker interface {
	BookPickup(ctx context.Context, req carrier.PickupRequest) (carrier.Pickup, error)
	CancelPickup(ctx context.Context, serviceID string) error
}

type feeRecorder interface {
	RecordDeliveryFeeCharge(ctx context.Context, tx *gorm.DB, charge refunds.DeliveryFeeCharge) (*models.PaymentRecord, error)
	RefundItemDeliveryFees(ctx context.Context, tx *gorm.DB, orderID, lineItemID uuid.UUID, reason string) ([]models.RefundRecord, error)
}

// FeeCharge is a delivery fee the buyer paid for the return leg.
type FeeCharge struct {
	ProviderPaymentID string
	AmountCents       int64
}

// RequestInput opens a cancel, return or exchange for Quantity units of a line item.
type RequestInput struct {
	LineItemID   uuid.UUID
	Kind         enums.ApplicationKind
	Quantity     int
	ReasonCode   string
	ReasonText   string
	PickupMethod enums.PickupMethod
	Address      *types.DeliveryAddress
	ReturnFee    *FeeCharge
}

// RequestResult describes the application that was opened.
type RequestResult struct {
	Application models.ReturnApplication `json:"application"`
	Transition  fulfillment.Result       `json:"transition"`
	// Split is set when a partial quantity was moved into its own group first.
	Split *groups.SplitResult `json:"split,omitempty"`
}

// ApproveInput carries the refund adjustments applied on approval.
type ApproveInput struct {
	Adjustments refunds.Adjustments
	Reason      string
}

// Service orchestrates cancel, return and exchange requests around the
// transition engine. It never holds a line item lock itself.
type Service interface {
	Request(ctx context.Context, input RequestInput) (*RequestResult, error)
	ConfirmPickup(ctx context.Context, lineItemID uuid.UUID, feeDecisionRequired bool) (*fulfillment.Result, error)
	ReleaseFeeDecision(ctx context.Context, lineItemID uuid.UUID) (*fulfillment.Result, error)
	ShipReplacement(ctx context.Context, lineItemID uuid.UUID, tracking fulfillment.Tracking) (*fulfillment.Result, error)
	Approve(ctx context.Context, lineItemID uuid.UUID, input ApproveInput) (*fulfillment.Result, error)
	Reject(ctx context.Context, lineItemID uuid.UUID, reason string) (*fulfillment.Result, error)
	Application(ctx context.Context, lineItemID uuid.UUID) (*models.ReturnApplication, error)
}

// ServiceParams groups workflow dependencies. Pickups may be nil when no
// carrier is configured; automatic pickups are then refused.
type ServiceParams struct {
	Repo      Repository
	Items     lineitems.Repository
	Tx        txRunner
	Engine    engine
	Groups    groupSplitter
	Addresses addressLedger
	Fees      feeRecorder
	Pickups   pickupBooker
	Logger    *logger.Logger
}

type service struct {
	repo      Repository
	items     lineitems.Repository
	tx        txRunner
	engine    engine
	groups    groupSplitter
	addresses addressLedger
	fees      feeRecorder
	pickups   pickupBooker
	logg      *logger.Logger
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("return application repository required")
	}
	if params.Items == nil {
		return nil, fmt.Errorf("line item repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("transition engine required")
	}
	if params.Groups == nil {
		return nil, fmt.Errorf("group manager required")
	}
	if params.Addresses == nil {
		return nil, fmt.Errorf("address ledger required")
	}
	if params.Fees == nil {
		return nil, fmt.Errorf("fee recorder required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:      params.Repo,
		items:     params.Items,
		tx:        params.Tx,
		engine:    params.Engine,
		groups:    params.Groups,
		addresses: params.Addresses,
		fees:      params.Fees,
		pickups:   params.Pickups,
		logg:      params.Logger,
	}, nil
}

// progress tracks what Request has done so a failed engine apply can be undone.
type progress struct {
	split       *groups.SplitResult
	orderID     uuid.UUID
	subject     uuid.UUID
	application *models.ReturnApplication
	returnAddr  bool
	feeCharged  bool
	serviceID   string
}

func (s *service) Request(ctx context.Context, input RequestInput) (*RequestResult, error) {
	target, err := validateRequest(input)
	if err != nil {
		return nil, err
	}
	item, err := s.items.FindLineItem(ctx, input.LineItemID)
	if err != nil {
		return nil, db.LoadError(err, "line item")
	}
	if input.Quantity > item.Quantity {
		return nil, pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonInvalidQuantity,
			fmt.Sprintf("quantity must be between 1 and %d", item.Quantity))
	}
	if _, err := s.engine.Check(ctx, item.ID, fulfillment.Request{Target: target, Trigger: enums.TriggerWorkflow}); err != nil {
		return nil, err
	}
	if input.Kind != enums.ApplicationKindCancel && input.PickupMethod == enums.PickupMethodAuto && s.pickups == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "carrier pickups are not configured")
	}

	logCtx := s.logg.WithFields(s.logg.WithLineItemID(ctx, item.ID.String()), map[string]any{
		"kind":          input.Kind,
		"quantity":      input.Quantity,
		"pickup_method": input.PickupMethod,
	})

	done := &progress{orderID: item.OrderID, subject: item.ID}
	if input.Quantity < item.Quantity {
		split, err := s.groups.Split(ctx, groups.SplitInput{LineItemID: item.ID, Quantity: input.Quantity})
		if err != nil {
			return nil, err
		}
		done.split = split
		done.subject = split.LineItemID
	}

	result, err := s.open(ctx, input, *item, target, done)
	if err != nil {
		if compErr := s.compensate(ctx, done); compErr != nil {
			s.logg.Error(logCtx, "return request compensation incomplete", compErr)
			err = multierr.Append(err, compErr)
		}
		s.logg.Warn(logCtx, "return request aborted")
		return nil, err
	}
	s.logg.Info(logCtx, "return request opened")
	return result, nil
}

func (s *service) open(ctx context.Context, input RequestInput, item models.LineItem, target enums.LineItemStatus, done *progress) (*RequestResult, error) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		app, isNew, err := s.prepareApplication(ctx, repo, input, item, done.subject)
		if err != nil {
			return err
		}

		if input.Kind != enums.ApplicationKindCancel && input.Address != nil {
			var record *models.AddressRecord
			if input.PickupMethod == enums.PickupMethodAuto {
				record, err = s.addresses.RecordPickup(ctx, tx, done.subject, *input.Address)
			} else {
				record, err = s.addresses.Record(ctx, tx, done.subject, enums.AddressPurposeReturn, *input.Address)
			}
			if err != nil {
				return err
			}
			app.AddressRecordID = &record.ID
		}

		if input.ReturnFee != nil {
			if _, err := s.fees.RecordDeliveryFeeCharge(ctx, tx, refunds.DeliveryFeeCharge{
				OrderID:           item.OrderID,
				LineItemID:        &done.subject,
				ProviderPaymentID: input.ReturnFee.ProviderPaymentID,
				AmountCents:       input.ReturnFee.AmountCents,
			}); err != nil {
				return err
			}
		}

		if isNew {
			err = repo.Create(ctx, app)
		} else {
			err = repo.Save(ctx, app)
		}
		if err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.New(pkgerrors.CodeConflict, "a request for this line item is already open")
			}
			return db.WriteError(err, "save return application")
		}
		done.application = app
		return s.items.WithTx(tx).UpdateLineItem(ctx, done.subject, map[string]any{
			"reason_code": input.ReasonCode,
			"reason_text": strings.TrimSpace(input.ReasonText),
		})
	})
	if err != nil {
		// the transaction rolled back; nothing of it needs undoing
		done.application = nil
		return nil, db.WriteError(err, "open return application")
	}
	done.returnAddr = input.Kind != enums.ApplicationKindCancel && input.Address != nil
	done.feeCharged = input.ReturnFee != nil

	if input.PickupMethod == enums.PickupMethodAuto && input.Kind != enums.ApplicationKindCancel {
		if err := s.bookPickup(ctx, input, done); err != nil {
			return nil, err
		}
	}

	transition, err := s.engine.Apply(ctx, done.subject, fulfillment.Command{
		Request: fulfillment.Request{Target: target, Trigger: enums.TriggerWorkflow},
		Reason:  input.ReasonCode,
	})
	if err != nil {
		return nil, err
	}
	return &RequestResult{Application: *done.application, Transition: *transition, Split: done.split}, nil
}

// prepareApplication returns the item's application ready for a new request.
// A settled application is rewritten in place; an open one is a conflict
// unless a delivered replacement closes it.
func (s *service) prepareApplication(ctx context.Context, repo Repository, input RequestInput, item models.LineItem, subject uuid.UUID) (*models.ReturnApplication, bool, error) {
	app, err := repo.FindByLineItem(ctx, subject)
	isNew := false
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		app = &models.ReturnApplication{LineItemID: subject}
		isNew = true
	case err != nil:
		return nil, false, db.LoadError(err, "return application")
	case app.Open() && !supersedes(app, item):
		return nil, false, pkgerrors.New(pkgerrors.CodeConflict, "a request for this line item is already open")
	}

	app.Kind = input.Kind
	app.ReasonCode = strings.TrimSpace(input.ReasonCode)
	app.ReasonText = strings.TrimSpace(input.ReasonText)
	app.Quantity = input.Quantity
	app.PickupMethod = input.PickupMethod
	if input.Kind == enums.ApplicationKindCancel {
		app.PickupMethod = ""
	}
	app.PickupServiceID = ""
	app.PriorStatus = item.Status
	app.AddressRecordID = nil
	app.Approved = false
	app.Cancelled = false
	return app, isNew, nil
}

func (s *service) bookPickup(ctx context.Context, input RequestInput, done *progress) error {
	key := uuid.NewSHA1(pickupNamespace, []byte(fmt.Sprintf("%s|%d", done.application.ID, done.application.UpdatedAt.UnixNano())))
	pickup, err := s.pickups.BookPickup(ctx, carrier.PickupRequest{
		IdempotencyKey: key.String(),
		Reference:      done.subject.String(),
		Quantity:       input.Quantity,
		Address:        *input.Address,
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return err
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "book carrier pickup")
	}
	done.serviceID = pickup.ServiceID
	done.application.PickupServiceID = pickup.ServiceID

	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Update(ctx, done.application.ID, map[string]any{"pickup_service_id": pickup.ServiceID}); err != nil {
			return db.WriteError(err, "store pickup service id")
		}
		updates := map[string]any{"return_service_id": pickup.ServiceID}
		if pickup.CourierCode != "" {
			updates["return_courier_code"] = pickup.CourierCode
		}
		if pickup.TrackingNumber != "" {
			updates["return_tracking_number"] = pickup.TrackingNumber
		}
		return db.WriteError(s.items.WithTx(tx).UpdateLineItem(ctx, done.subject, updates), "store pickup on line item")
	})
}

// compensate undoes a partially opened request in reverse order.
func (s *service) compensate(ctx context.Context, done *progress) error {
	var errs error
	if done.serviceID != "" {
		errs = multierr.Append(errs, s.pickups.CancelPickup(ctx, done.serviceID))
	}
	if done.feeCharged {
		_, err := s.fees.RefundItemDeliveryFees(ctx, nil, done.orderID, done.subject, "request aborted")
		errs = multierr.Append(errs, err)
	}
	if done.application != nil || done.returnAddr {
		errs = multierr.Append(errs, s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			if done.application != nil {
				if err := s.repo.WithTx(tx).Update(ctx, done.application.ID, map[string]any{"cancelled": true}); err != nil {
					return err
				}
			}
			if done.returnAddr {
				return s.addresses.Retire(ctx, tx, done.subject, enums.AddressPurposeReturn)
			}
			return nil
		}))
	}
	if done.split != nil && done.split.Created {
		_, err := s.groups.Merge(ctx, groups.MergeInput{
			OrderID:     done.orderID,
			LineItemIDs: []uuid.UUID{done.split.LineItemID},
			TargetGroup: done.split.SourceGroup,
		})
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (s *service) ConfirmPickup(ctx context.Context, lineItemID uuid.UUID, feeDecisionRequired bool) (*fulfillment.Result, error) {
	item, err := s.items.FindLineItem(ctx, lineItemID)
	if err != nil {
		return nil, db.LoadError(err, "line item")
	}
	var target enums.LineItemStatus
	switch item.Status {
	case enums.LineItemStatusReturnApply:
		target = enums.LineItemStatusReturnGet
	case enums.LineItemStatusExchangeApply:
		target = enums.LineItemStatusExchangePaymentComplete
		if feeDecisionRequired {
			target = enums.LineItemStatusExchangeGet
		}
	default:
		return nil, noPickupPending(item.Status)
	}
	return s.engine.Apply(ctx, lineItemID, fulfillment.Command{
		Request: fulfillment.Request{Target: target, Trigger: enums.TriggerWorkflow},
	})
}

func (s *service) ReleaseFeeDecision(ctx context.Context, lineItemID uuid.UUID) (*fulfillment.Result, error) {
	return s.engine.Apply(ctx, lineItemID, fulfillment.Command{
		Request: fulfillment.Request{Target: enums.LineItemStatusExchangePaymentComplete, Trigger: enums.TriggerWorkflow},
	})
}

func (s *service) ShipReplacement(ctx context.Context, lineItemID uuid.UUID, tracking fulfillment.Tracking) (*fulfillment.Result, error) {
	return s.engine.Apply(ctx, lineItemID, fulfillment.Command{
		Request: fulfillment.Request{
			Target:   enums.LineItemStatusExchangeShipping,
			Trigger:  enums.TriggerWorkflow,
			Courier:  tracking.Courier,
			Tracking: tracking.Number,
		},
	})
}

func (s *service) Approve(ctx context.Context, lineItemID uuid.UUID, input ApproveInput) (*fulfillment.Result, error) {
	item, err := s.items.FindLineItem(ctx, lineItemID)
	if err != nil {
		return nil, db.LoadError(err, "line item")
	}
	var target enums.LineItemStatus
	switch item.Status {
	case enums.LineItemStatusCancelApply:
		target = enums.LineItemStatusCancelComplete
	case enums.LineItemStatusReturnGet:
		target = enums.LineItemStatusReturnComplete
	case enums.LineItemStatusExchangeShippingComplete:
		target = enums.LineItemStatusExchangeComplete
	default:
		return nil, pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonIllegalTransition,
			fmt.Sprintf("nothing to approve while line item is %s", item.Status))
	}
	if err := s.requireOpen(ctx, lineItemID); err != nil {
		return nil, err
	}
	return s.engine.Apply(ctx, lineItemID, fulfillment.Command{
		Request: fulfillment.Request{Target: target, Trigger: enums.TriggerWorkflow},
		Refund:  input.Adjustments,
		Reason:  input.Reason,
	})
}

// Reject returns the item to where it was before the request. The engine
// cancels the pickup, refunds return-leg fees and reinstates the ORDER address.
func (s *service) Reject(ctx context.Context, lineItemID uuid.UUID, reason string) (*fulfillment.Result, error) {
	item, err := s.items.FindLineItem(ctx, lineItemID)
	if err != nil {
		return nil, db.LoadError(err, "line item")
	}
	app, err := s.repo.FindByLineItem(ctx, lineItemID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, db.LoadError(err, "return application")
	}
	var target enums.LineItemStatus
	switch item.Status {
	case enums.LineItemStatusCancelApply:
		target = enums.LineItemStatusPaymentComplete
	case enums.LineItemStatusReturnApply:
		target = enums.LineItemStatusShippingComplete
		if app != nil && app.PriorStatus == enums.LineItemStatusPurchaseConfirm {
			target = enums.LineItemStatusPurchaseConfirm
		}
	case enums.LineItemStatusReturnGet, enums.LineItemStatusExchangeApply:
		target = enums.LineItemStatusShippingComplete
	default:
		return nil, pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonIllegalTransition,
			fmt.Sprintf("nothing to reject while line item is %s", item.Status))
	}
	return s.engine.Apply(ctx, lineItemID, fulfillment.Command{
		Request: fulfillment.Request{Target: target, Trigger: enums.TriggerWorkflow},
		Reason:  reason,
	})
}

func (s *service) Application(ctx context.Context, lineItemID uuid.UUID) (*models.ReturnApplication, error) {
	app, err := s.repo.FindByLineItem(ctx, lineItemID)
	if err != nil {
		return nil, db.LoadError(err, "return application")
	}
	return app, nil
}

func (s *service) requireOpen(ctx context.Context, lineItemID uuid.UUID) error {
	app, err := s.repo.FindByLineItem(ctx, lineItemID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !app.Open()) {
		return pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonNoActiveApplication, "line item has no open request")
	}
	if err != nil {
		return db.LoadError(err, "return application")
	}
	return nil
}

func validateRequest(input RequestInput) (enums.LineItemStatus, error) {
	if input.LineItemID == uuid.Nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "line item id required")
	}
	if input.Quantity <= 0 {
		return "", pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonInvalidQuantity, "quantity must be positive")
	}
	if strings.TrimSpace(input.ReasonCode) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "reason code required")
	}
	var target enums.LineItemStatus
	switch input.Kind {
	case enums.ApplicationKindCancel:
		return enums.LineItemStatusCancelApply, nil
	case enums.ApplicationKindReturn:
		target = enums.LineItemStatusReturnApply
	case enums.ApplicationKindExchange:
		target = enums.LineItemStatusExchangeApply
	default:
		return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown request kind %q", input.Kind))
	}
	if !input.PickupMethod.IsValid() {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "pickup method must be AUTO or MANUAL")
	}
	if input.PickupMethod == enums.PickupMethodAuto {
		if input.Address == nil {
			return "", pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonIncompletePickupAddress, "pickup address required")
		}
		if missing := input.Address.MissingFields(); len(missing) > 0 {
			return "", pkgerrors.Reject(pkgerrors.CodeValidation, pkgerrors.ReasonIncompletePickupAddress, "pickup address is incomplete").
				WithDetails(map[string]any{"missing": missing})
		}
	}
	if input.ReturnFee != nil && (input.ReturnFee.AmountCents <= 0 || strings.TrimSpace(input.ReturnFee.ProviderPaymentID) == "") {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "return fee needs a payment reference and a positive amount")
	}
	return target, nil
}

// supersedes reports whether a new request may replace an open exchange whose
// replacement has already been delivered.
func supersedes(app *models.ReturnApplication, item models.LineItem) bool {
	return app.Kind == enums.ApplicationKindExchange && item.Status == enums.LineItemStatusExchangeShippingComplete
}

func noPickupPending(status enums.LineItemStatus) error {
	return pkgerrors.Reject(pkgerrors.CodeStateConflict, pkgerrors.ReasonIllegalTransition,
		fmt.Sprintf("no pickup is pending while line item is %s", status))
}
