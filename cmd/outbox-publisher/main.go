package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/fulfillment-backoffice/internal/bootstrap"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/metrics"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox/registry"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/pubsub"
)

func main() {
	ctx := context.Background()
	rt := bootstrap.Start(ctx, "outbox-publisher", bootstrap.Needs{Database: true})
	defer rt.Close(ctx)
	cfg, logg := rt.Config, rt.Logger

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	bootstrap.Require(ctx, logg, "pubsub", err)
	rt.Defer("pubsub", pubsubClient.Close)

	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	bootstrap.Require(ctx, logg, "event registry", err)

	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            rt.DB,
		PubSub:        pubsubClient,
		Repository:    outbox.NewRepository(rt.DB.DB()),
		Registry:      eventRegistry,
		DLQRepository: outbox.NewDLQRepository(rt.DB.DB()),
		Metrics:       metrics.NewJobMetrics(prometheus.DefaultRegisterer),
	})
	bootstrap.Require(ctx, logg, "outbox publisher", err)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	runCtx = rt.Context(runCtx, map[string]any{"topics": eventRegistry.Topics()})
	logg.Info(runCtx, "starting outbox publisher")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "outbox publisher stopped unexpectedly", err)
		rt.Close(ctx)
		os.Exit(1)
	}

	logg.Info(runCtx, "outbox publisher shutting down gracefully")
}
