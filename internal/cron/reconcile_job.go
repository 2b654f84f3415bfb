package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-backoffice/internal/reconcile"
)

// NewReconcileJob sweeps every order with a parcel in flight on each tick.
func NewReconcileJob(rec reconcile.Reconciler) (Job, error) {
	if rec == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	return &reconcileJob{rec: rec}, nil
}

type reconcileJob struct {
	rec reconcile.Reconciler
}

func (j *reconcileJob) Name() string { return "carrier-reconcile-sweep" }

func (j *reconcileJob) Run(ctx context.Context) error {
	report, err := j.rec.Reconcile(ctx, uuid.Nil)
	if err != nil {
		return fmt.Errorf("carrier reconcile: %w", err)
	}
	return report.Err()
}
