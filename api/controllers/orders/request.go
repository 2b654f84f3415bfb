package orders

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
)

type groupTrackingRequest struct {
	Courier  string                  `json:"courier" validate:"required"`
	Tracking string                  `json:"tracking" validate:"required"`
	Trigger  enums.TransitionTrigger `json:"trigger,omitempty"`
}

type mergeRequest struct {
	LineItemIDs []uuid.UUID `json:"line_item_ids" validate:"required,min=1"`
}

type reconcileRequest struct {
	OrderID *uuid.UUID `json:"order_id,omitempty"`
}
