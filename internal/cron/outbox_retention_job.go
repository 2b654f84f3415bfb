package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
)

const (
	outboxRetentionDays   = 30
	deadLetterDays        = 90
	outboxParkedAttempts  = 5
	outboxRetentionPeriod = 24 * time.Hour
	outboxRetentionBudget = 5 * time.Minute
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxRetentionRepo interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, parkedAttempts int) (int64, error)
}

type deadLetterPurger interface {
	DeleteFailedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxRetentionRepo
	// DeadLetters is optional; without it dead letters are kept.
	DeadLetters deadLetterPurger
	// Retention and DeadLetterRetention are in days.
	Retention           int
	DeadLetterRetention int
	// ParkedAttempts matches the publisher's terminal attempt count.
	ParkedAttempts int
}

func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = outboxRetentionDays
	}
	dlqRetention := params.DeadLetterRetention
	if dlqRetention <= 0 {
		dlqRetention = deadLetterDays
	}
	parked := params.ParkedAttempts
	if parked <= 0 {
		parked = outboxParkedAttempts
	}
	return &outboxRetentionJob{
		logg:      params.Logger,
		db:        params.DB,
		repo:      params.Repository,
		dlq:       params.DeadLetters,
		retention: retention,
		dlqDays:   dlqRetention,
		parked:    parked,
		now:       time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg      *logger.Logger
	db        txRunner
	repo      outboxRetentionRepo
	dlq       deadLetterPurger
	retention int
	dlqDays   int
	parked    int
	now       func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Every() time.Duration { return outboxRetentionPeriod }

func (j *outboxRetentionJob) Timeout() time.Duration { return outboxRetentionBudget }

// Run prunes delivered outbox rows, and dead letters past their own window,
// in one transaction.
func (j *outboxRetentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	cutoff := now.AddDate(0, 0, -j.retention)
	dlqCutoff := now.AddDate(0, 0, -j.dlqDays)
	var deleted, purged int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.repo.DeletePublishedBefore(ctx, tx, cutoff, j.parked)
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		deleted = rows
		if j.dlq == nil {
			return nil
		}
		rows, err = j.dlq.DeleteFailedBefore(ctx, tx, dlqCutoff)
		if err != nil {
			return fmt.Errorf("dead letters: %w", err)
		}
		purged = rows
		return nil
	})
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":              cutoff,
		"retention_days":      j.retention,
		"parked_attempts":     j.parked,
		"rows_deleted":        deleted,
		"dead_letters_purged": purged,
	})
	j.logg.Info(logCtx, "outbox retention cleanup complete")
	return nil
}
