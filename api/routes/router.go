package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/fulfillment-backoffice/api/controllers"
	lineitemcontrollers "github.com/angelmondragon/fulfillment-backoffice/api/controllers/lineitems"
	ordercontrollers "github.com/angelmondragon/fulfillment-backoffice/api/controllers/orders"
	outboxcontrollers "github.com/angelmondragon/fulfillment-backoffice/api/controllers/outbox"
	refundcontrollers "github.com/angelmondragon/fulfillment-backoffice/api/controllers/refunds"
	returncontrollers "github.com/angelmondragon/fulfillment-backoffice/api/controllers/returns"
	"github.com/angelmondragon/fulfillment-backoffice/api/middleware"
	"github.com/angelmondragon/fulfillment-backoffice/internal/addresses"
	"github.com/angelmondragon/fulfillment-backoffice/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-backoffice/internal/groups"
	"github.com/angelmondragon/fulfillment-backoffice/internal/lineitems"
	"github.com/angelmondragon/fulfillment-backoffice/internal/reconcile"
	"github.com/angelmondragon/fulfillment-backoffice/internal/refunds"
	"github.com/angelmondragon/fulfillment-backoffice/internal/returns"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/config"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db/models"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/enums"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/pagination"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type deadLetterLister interface {
	ListPage(ctx context.Context, params pagination.Params, reason enums.OutboxDLQErrorReason) ([]models.OutboxDLQ, string, error)
}

type counterStore interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Deps carries everything the router mounts. Redis-backed stores are nil
// when redis is not configured; idempotency and rate limiting are then off.
type Deps struct {
	Config *config.Config
	Logger *logger.Logger

	DB    pinger
	Redis pinger

	Idempotency middleware.IdempotencyStore
	Counters    counterStore
	Gatherer    prometheus.Gatherer

	LineItems  lineitems.Service
	Addresses  addresses.Service
	Engine     fulfillment.Service
	Groups     groups.Service
	Refunds    refunds.Service
	Returns    returns.Service
	Reconciler reconcile.Reconciler

	DeadLetters deadLetterLister
}

func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	logg := d.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.CORS(cfg.App.CORSOrigins),
		middleware.Operator(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, d.DB, d.Redis))
	})
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	reconcilePolicy := middleware.NewRateLimitPolicy("reconcile", cfg.Reconcile.RateWindow, cfg.Reconcile.RateLimit)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.OperatorAuth.Enabled() {
			r.Use(middleware.OperatorAuth(cfg.OperatorAuth, logg))
		}
		if d.Idempotency != nil {
			r.Use(middleware.Idempotency(d.Idempotency, logg))
		}

		r.With(middleware.RateLimit(reconcilePolicy, d.Counters, logg)).
			Post("/reconcile", ordercontrollers.Reconcile(d.Reconciler, logg))

		r.Post("/orders", ordercontrollers.Place(d.LineItems, logg))
		r.Route("/orders/{orderId}", func(r chi.Router) {
			r.Get("/line-items", ordercontrollers.LineItems(d.LineItems, d.Reconciler, logg))
			r.Post("/groups/{groupNumber}/tracking", ordercontrollers.GroupTracking(d.Engine, logg))
			r.Post("/groups/{groupNumber}/merge", ordercontrollers.Merge(d.Groups, logg))
			r.Post("/refunds/quote", refundcontrollers.Quote(d.Refunds, logg))
			r.Post("/refunds", refundcontrollers.Apply(d.Refunds, logg))
		})

		r.Get("/outbox/dead-letters", outboxcontrollers.DeadLetters(d.DeadLetters, logg))

		r.Post("/payments/{paymentId}/delivery-fee-refund", refundcontrollers.DeliveryFeeRefund(d.Refunds, logg))

		r.Route("/line-items/{lineItemId}", func(r chi.Router) {
			r.Post("/transition", lineitemcontrollers.Transition(d.Engine, logg))
			r.Post("/split", lineitemcontrollers.Split(d.Groups, logg))
			r.Get("/addresses", lineitemcontrollers.Addresses(d.Addresses, logg))
			r.Get("/returns", returncontrollers.Application(d.Returns, logg))
			r.Post("/returns", returncontrollers.Request(d.Returns, logg))
			r.Post("/returns/pickup", returncontrollers.ConfirmPickup(d.Returns, logg))
			r.Post("/returns/fee-decision", returncontrollers.ReleaseFeeDecision(d.Returns, logg))
			r.Post("/returns/replacement", returncontrollers.ShipReplacement(d.Returns, logg))
			r.Post("/returns/approve", returncontrollers.Approve(d.Returns, logg))
			r.Post("/returns/reject", returncontrollers.Reject(d.Returns, logg))
		})
	})

	return r
}
