package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/angelmondragon/fulfillment-backoffice/internal/analytics"
	"github.com/angelmondragon/fulfillment-backoffice/internal/bootstrap"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/bigquery"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox/idempotency"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/pubsub"
)

func main() {
	ctx := context.Background()
	rt := bootstrap.Start(ctx, "analytics-worker", bootstrap.Needs{Redis: true})
	defer rt.Close(ctx)
	cfg, logg := rt.Config, rt.Logger

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	bootstrap.Require(ctx, logg, "pubsub", err)
	rt.Defer("pubsub", pubsubClient.Close)

	subscription := pubsubClient.AnalyticsSubscriber()
	if subscription == nil {
		bootstrap.Require(ctx, logg, "analytics subscription", errors.New("subscription not configured"))
	}
	bootstrap.Require(ctx, logg, "analytics subscription", pubsubClient.VerifyAnalyticsSubscription(ctx))

	eventsTable, err := analytics.EventsTableSpec(cfg.BigQuery.EventsTable)
	bootstrap.Require(ctx, logg, "analytics table schema", err)

	bqClient, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg, eventsTable)
	bootstrap.Require(ctx, logg, "bigquery client", err)
	rt.Defer("bigquery", bqClient.Close)

	writer, err := analytics.NewWriter(bqClient, analytics.WriterConfig{Table: cfg.BigQuery.EventsTable})
	bootstrap.Require(ctx, logg, "analytics bigquery writer", err)

	// Without redis, duplicate deliveries fall back to BigQuery insert ids.
	var manager *idempotency.Manager
	if rt.Redis != nil {
		manager, err = idempotency.NewManager(rt.Redis, cfg.Eventing.IdempotencyTTL)
		bootstrap.Require(ctx, logg, "idempotency manager", err)
	}

	var service *analytics.Service
	if manager != nil {
		service, err = analytics.NewService(subscription, writer, manager, logg)
	} else {
		service, err = analytics.NewService(subscription, writer, nil, logg)
	}
	bootstrap.Require(ctx, logg, "analytics worker service", err)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	runCtx = rt.Context(runCtx, nil)
	logg.Info(runCtx, "analytics worker ready")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "analytics worker failed", err)
		rt.Close(ctx)
		os.Exit(1)
	}
}
