package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/fulfillment-backoffice/internal/bootstrap"
	"github.com/angelmondragon/fulfillment-backoffice/internal/cron"
)

const lockKeyFormat = "fulfillment:cron-worker:lock:%s"

func main() {
	ctx := context.Background()
	rt := bootstrap.Start(ctx, "cron-worker", bootstrap.Needs{Database: true, Redis: true})
	defer rt.Close(ctx)
	cfg, logg := rt.Config, rt.Logger

	svcs, err := bootstrap.Build(ctx, bootstrap.Params{
		Config:     cfg,
		Logger:     logg,
		DB:         rt.DB,
		Redis:      rt.Redis,
		Registerer: prometheus.DefaultRegisterer,
	})
	bootstrap.Require(ctx, logg, "services", err)

	var lock cron.Lock = cron.NewLocalLock()
	if rt.Redis != nil {
		redisLock, err := cron.NewRedisLock(rt.Redis, lockKey(cfg.App.Env), 3*cfg.Reconcile.Interval)
		bootstrap.Require(ctx, logg, "cron lock", err)
		lock = redisLock
	}

	registry := &cron.Registry{}
	if cfg.Reconcile.Interval > 0 {
		job, err := cron.NewReconcileJob(svcs.Reconciler)
		bootstrap.Require(ctx, logg, "reconcile job", err)
		bootstrap.Require(ctx, logg, "reconcile job registration", registry.Register(job))
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:              logg,
		DB:                  rt.DB,
		Repository:          svcs.Outbox,
		DeadLetters:         svcs.DeadLetters,
		Retention:           cfg.Outbox.RetentionDays,
		DeadLetterRetention: cfg.Outbox.DLQRetentionDays,
		ParkedAttempts:      cfg.Outbox.MaxAttempts,
	})
	bootstrap.Require(ctx, logg, "outbox retention job", err)
	bootstrap.Require(ctx, logg, "outbox retention job registration", registry.Register(retention))

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  svcs.JobMetrics,
		Interval: cfg.Reconcile.Interval,
	})
	bootstrap.Require(ctx, logg, "cron service", err)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	runCtx = rt.Context(runCtx, map[string]any{"jobs": registry.Names()})
	logg.Info(runCtx, "starting cron worker")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "cron worker stopped unexpectedly", err)
		rt.Close(ctx)
		os.Exit(1)
	}

	logg.Info(runCtx, "cron worker shutting down gracefully")
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
