package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
)

type recordingPurge struct {
	cutoffs []time.Time
	parked  int
	err     error
}

func (r *recordingPurge) DeletePublishedBefore(_ context.Context, _ *gorm.DB, cutoff time.Time, parkedAttempts int) (int64, error) {
	r.cutoffs = append(r.cutoffs, cutoff)
	r.parked = parkedAttempts
	return 7, r.err
}

func (r *recordingPurge) DeleteFailedBefore(_ context.Context, _ *gorm.DB, cutoff time.Time) (int64, error) {
	r.cutoffs = append(r.cutoffs, cutoff)
	return 2, r.err
}

type inlineTx struct{ calls int }

func (i *inlineTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	i.calls++
	return fn(nil)
}

func retentionJob(t *testing.T, params OutboxRetentionJobParams) *outboxRetentionJob {
	t.Helper()
	params.Logger = logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	job, err := NewOutboxRetentionJob(params)
	require.NoError(t, err)
	return job.(*outboxRetentionJob)
}

func TestOutboxRetentionUsesDefaultWindows(t *testing.T) {
	events := &recordingPurge{}
	letters := &recordingPurge{}
	tx := &inlineTx{}
	job := retentionJob(t, OutboxRetentionJobParams{DB: tx, Repository: events, DeadLetters: letters})
	now := time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, tx.calls)
	assert.Equal(t, []time.Time{now.AddDate(0, 0, -outboxRetentionDays)}, events.cutoffs)
	assert.Equal(t, outboxParkedAttempts, events.parked)
	assert.Equal(t, []time.Time{now.AddDate(0, 0, -deadLetterDays)}, letters.cutoffs)
}

func TestOutboxRetentionHonorsConfiguredWindows(t *testing.T) {
	events := &recordingPurge{}
	letters := &recordingPurge{}
	job := retentionJob(t, OutboxRetentionJobParams{
		DB:                  &inlineTx{},
		Repository:          events,
		DeadLetters:         letters,
		Retention:           7,
		DeadLetterRetention: 14,
		ParkedAttempts:      10,
	})
	now := time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, now.AddDate(0, 0, -7), events.cutoffs[0])
	assert.Equal(t, 10, events.parked)
	assert.Equal(t, now.AddDate(0, 0, -14), letters.cutoffs[0])
}

func TestOutboxRetentionKeepsDeadLettersWithoutPurger(t *testing.T) {
	events := &recordingPurge{}
	job := retentionJob(t, OutboxRetentionJobParams{DB: &inlineTx{}, Repository: events})
	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, events.cutoffs, 1)
}

func TestOutboxRetentionCadenceAndErrors(t *testing.T) {
	job := retentionJob(t, OutboxRetentionJobParams{DB: &inlineTx{}, Repository: &recordingPurge{err: errors.New("boom")}})
	assert.Equal(t, 24*time.Hour, job.Every())
	assert.Equal(t, outboxRetentionBudget, job.Timeout())
	require.ErrorContains(t, job.Run(context.Background()), "outbox retention: events: boom")

	_, err := NewOutboxRetentionJob(OutboxRetentionJobParams{Logger: logger.New(logger.Options{Output: io.Discard})})
	require.Error(t, err)
}
