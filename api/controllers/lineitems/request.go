package lineitems

import (
	"github.com/angelmondragon/fulfillment-backoffice/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-backoffice/internal/refunds"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
)

type transitionRequest struct {
	Target   enums.LineItemStatus    `json:"target" validate:"required,enum"`
	Trigger  enums.TransitionTrigger `json:"trigger,omitempty" validate:"omitempty,enum"`
	Refund   *refunds.Adjustments    `json:"refund,omitempty"`
	Reason   string                  `json:"reason,omitempty"`
	Courier  string                  `json:"courier,omitempty"`
	Tracking string                  `json:"tracking,omitempty"`
}

func (p transitionRequest) command() fulfillment.Command {
	trigger := p.Trigger
	if trigger == "" {
		trigger = enums.TriggerAdmin
	}
	cmd := fulfillment.Command{
		Request: fulfillment.Request{
			Target:   p.Target,
			Trigger:  trigger,
			Courier:  p.Courier,
			Tracking: p.Tracking,
		},
		Reason: p.Reason,
	}
	if p.Refund != nil {
		cmd.Refund = *p.Refund
	}
	return cmd
}

type splitRequest struct {
	Quantity    int  `json:"quantity" validate:"gt=0"`
	TargetGroup *int `json:"target_group,omitempty" validate:"omitempty,gt=0"`
}
