// Package bootstrap assembles the fulfillment services shared by the api and
// worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/fulfillment-backoffice/internal/addresses"
	"github.com/angelmondragon/fulfillment-backoffice/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-backoffice/internal/groups"
	"github.com/angelmondragon/fulfillment-backoffice/internal/lineitems"
	"github.com/angelmondragon/fulfillment-backoffice/internal/notifications"
	"github.com/angelmondragon/fulfillment-backoffice/internal/reconcile"
	"github.com/angelmondragon/fulfillment-backoffice/internal/refunds"
	"github.com/angelmondragon/fulfillment-backoffice/internal/returns"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/carrier"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/config"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/locks"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/metrics"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/outbox/idempotency"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/redis"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/square"
)

const notificationGuardTTL = 72 * time.Hour

type notificationGuard interface {
	CheckAndMarkProcessed(ctx context.Context, scope string, id uuid.UUID) (bool, error)
	Delete(ctx context.Context, scope string, id uuid.UUID) error
}

// Params carries the process-level clients. Redis is nil when no redis
// endpoint is configured; locks then stay in-process and notifications are
// not deduplicated.
type Params struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Redis      *redis.Client
	Registerer prometheus.Registerer
}

// Services is the wired fulfillment domain.
type Services struct {
	LineItems  lineitems.Service
	Addresses  addresses.Service
	Engine     fulfillment.Service
	Groups     groups.Service
	Refunds    refunds.Service
	Returns    returns.Service
	Reconciler reconcile.Reconciler
	Notifier   *notifications.Dispatcher

	Outbox      *outbox.Repository
	DeadLetters *outbox.DLQRepository
	JobMetrics  *metrics.JobMetrics
}

// Build wires every service against the shared database.
func Build(ctx context.Context, p Params) (*Services, error) {
	if p.Config == nil || p.Logger == nil || p.DB == nil {
		return nil, fmt.Errorf("config, logger and db are required")
	}
	cfg := p.Config
	logg := p.Logger
	conn := p.DB.DB()

	reg := p.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	fulfillmentMetrics := metrics.NewFulfillmentMetrics(reg)
	jobMetrics := metrics.NewJobMetrics(reg)

	locker, err := newLocker(cfg, p.Redis, logg)
	if err != nil {
		return nil, err
	}

	carrierClient, err := carrier.NewClient(cfg.Carrier, logg)
	if err != nil {
		return nil, fmt.Errorf("carrier client: %w", err)
	}
	squareClient, err := square.NewClient(ctx, cfg.Square, logg)
	if err != nil {
		return nil, fmt.Errorf("square client: %w", err)
	}

	outboxRepo := outbox.NewRepository(conn)
	outboxSvc := outbox.NewService(outboxRepo, logg)

	var guard notificationGuard
	if p.Redis != nil {
		manager, err := idempotency.NewManager(p.Redis, notificationGuardTTL)
		if err != nil {
			return nil, fmt.Errorf("notification guard: %w", err)
		}
		guard = manager
	}
	dispatcher, err := notifications.NewDispatcher(p.DB, outboxSvc, guard, logg)
	if err != nil {
		return nil, fmt.Errorf("notification dispatcher: %w", err)
	}

	itemRepo := lineitems.NewRepository(conn)
	addressSvc, err := addresses.NewService(addresses.NewRepository(conn))
	if err != nil {
		return nil, fmt.Errorf("address ledger: %w", err)
	}
	itemSvc, err := lineitems.NewService(itemRepo, p.DB, addressSvc)
	if err != nil {
		return nil, fmt.Errorf("line item store: %w", err)
	}
	groupSvc, err := groups.NewService(itemRepo, p.DB, locker, addressSvc, outboxSvc, logg)
	if err != nil {
		return nil, fmt.Errorf("group manager: %w", err)
	}
	refundSvc, err := refunds.NewService(refunds.NewRepository(conn), itemRepo, p.DB, locker, squareClient, outboxSvc, fulfillmentMetrics, logg)
	if err != nil {
		return nil, fmt.Errorf("refund calculator: %w", err)
	}

	returnRepo := returns.NewRepository(conn)
	engine, err := fulfillment.NewService(fulfillment.ServiceParams{
		Items:        itemRepo,
		Tx:           p.DB,
		Locker:       locker,
		Refunds:      refundSvc,
		Addresses:    addressSvc,
		Applications: returns.NewApplicationStore(returnRepo),
		Pickups:      carrierClient,
		Outbox:       outboxSvc,
		Notifier:     dispatcher,
		Metrics:      fulfillmentMetrics,
		Logger:       logg,
		ReturnWindow: cfg.Refund.ReturnWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("transition engine: %w", err)
	}
	returnSvc, err := returns.NewService(returns.ServiceParams{
		Repo:      returnRepo,
		Items:     itemRepo,
		Tx:        p.DB,
		Engine:    engine,
		Groups:    groupSvc,
		Addresses: addressSvc,
		Fees:      refundSvc,
		Pickups:   carrierClient,
		Logger:    logg,
	})
	if err != nil {
		return nil, fmt.Errorf("return workflow: %w", err)
	}
	reconciler, err := reconcile.New(reconcile.Params{
		Items:         itemRepo,
		Carrier:       carrierClient,
		Engine:        engine,
		Concurrency:   cfg.Reconcile.Concurrency,
		LookupTimeout: cfg.Reconcile.LookupTimeout,
		Metrics:       fulfillmentMetrics,
		JobMetrics:    jobMetrics,
		Logger:        logg,
	})
	if err != nil {
		return nil, fmt.Errorf("carrier reconciler: %w", err)
	}

	return &Services{
		LineItems:   itemSvc,
		Addresses:   addressSvc,
		Engine:      engine,
		Groups:      groupSvc,
		Refunds:     refundSvc,
		Returns:     returnSvc,
		Reconciler:  reconciler,
		Notifier:    dispatcher,
		Outbox:      outboxRepo,
		DeadLetters: outbox.NewDLQRepository(conn),
		JobMetrics:  jobMetrics,
	}, nil
}

func newLocker(cfg *config.Config, redisClient *redis.Client, logg *logger.Logger) (locks.Locker, error) {
	if redisClient == nil || !cfg.FeatureFlags.DistributedLocks {
		return locks.NewKeyedMutex(), nil
	}
	locker, err := locks.NewRedisLocker(redisClient, logg)
	if err != nil {
		return nil, fmt.Errorf("redis locker: %w", err)
	}
	return locker, nil
}
