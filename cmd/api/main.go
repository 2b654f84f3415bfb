package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/fulfillment-backoffice/api/routes"
	"github.com/angelmondragon/fulfillment-backoffice/internal/bootstrap"
)

const shutdownGrace = 15 * time.Second

func main() {
	ctx := context.Background()
	rt := bootstrap.Start(ctx, "api", bootstrap.Needs{Database: true, Redis: true})
	defer rt.Close(ctx)
	cfg, logg := rt.Config, rt.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svcs, err := bootstrap.Build(ctx, bootstrap.Params{
		Config:     cfg,
		Logger:     logg,
		DB:         rt.DB,
		Redis:      rt.Redis,
		Registerer: reg,
	})
	bootstrap.Require(ctx, logg, "services", err)

	deps := routes.Deps{
		Config:      cfg,
		Logger:      logg,
		DB:          rt.DB,
		Gatherer:    reg,
		LineItems:   svcs.LineItems,
		Addresses:   svcs.Addresses,
		Engine:      svcs.Engine,
		Groups:      svcs.Groups,
		Refunds:     svcs.Refunds,
		Returns:     svcs.Returns,
		Reconciler:  svcs.Reconciler,
		DeadLetters: svcs.DeadLetters,
	}
	// Interface fields stay nil without redis so middleware passes through.
	if rt.Redis != nil {
		deps.Redis = rt.Redis
		deps.Idempotency = rt.Redis
		deps.Counters = rt.Redis
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           routes.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	runCtx = rt.Context(runCtx, map[string]any{"addr": server.Addr})

	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api server shutdown incomplete", err)
		}
	}()

	logg.Info(runCtx, "starting api server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(runCtx, "api server stopped unexpectedly", err)
		rt.Close(ctx)
		os.Exit(1)
	}
	logg.Info(runCtx, "api server shut down")
}
