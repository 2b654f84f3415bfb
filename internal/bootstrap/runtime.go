package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/config"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/instance"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/migrate"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/redis"
)

// Needs selects the shared resources a binary opens at startup.
type Needs struct {
	Database bool
	// Redis opens a client only when redis is configured.
	Redis bool
}

// Runtime is the config, logger and shared clients of one process.
type Runtime struct {
	Service string
	Config  *config.Config
	Logger  *logger.Logger
	DB      *db.Client
	Redis   *redis.Client

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Start loads .env and the environment config, then opens what needs asks for.
// Failures are logged and end the process.
func Start(ctx context.Context, service string, needs Needs) *Runtime {
	logg := logger.New(logger.Options{ServiceName: service})
	if err := godotenv.Load(); err != nil {
		logg.Debug(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	Require(ctx, logg, "config", err)

	rt, err := Open(ctx, service, cfg, needs)
	Require(ctx, logg, "runtime", err)
	return rt
}

// Open builds the runtime from an already loaded config.
func Open(ctx context.Context, service string, cfg *config.Config, needs Needs) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.Service.Kind = service

	rt := &Runtime{
		Service: service,
		Config:  cfg,
		Logger: logger.New(logger.Options{
			ServiceName: service,
			Level:       logger.ParseLevel(cfg.App.LogLevel),
			WarnStack:   cfg.App.LogWarnStack,
		}),
	}

	if needs.Database {
		client, err := db.New(ctx, cfg.DB, rt.Logger)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		rt.DB = client
		rt.closers = append(rt.closers, namedCloser{"database", client.Close})

		if err := migrate.MaybeRunDev(ctx, cfg, rt.Logger, client); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("dev migrations: %w", err)
		}
	}

	if needs.Redis {
		if !cfg.Redis.Enabled() {
			rt.Logger.Warn(ctx, "redis not configured; idempotency keys, rate limits and distributed locks are disabled")
			return rt, nil
		}
		client, err := redis.New(ctx, cfg.Redis, rt.Logger)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("redis: %w", err)
		}
		rt.Redis = client
		rt.closers = append(rt.closers, namedCloser{"redis", client.Close})
	}

	return rt, nil
}

// Defer registers an extra resource to close with the runtime.
func (r *Runtime) Defer(name string, close func() error) {
	r.closers = append(r.closers, namedCloser{name, close})
}

// Close releases resources in reverse order of opening.
func (r *Runtime) Close(ctx context.Context) error {
	var errs error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.close(); err != nil {
			r.Logger.Error(r.Logger.WithField(ctx, "resource", c.name), "failed to close resource", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	r.closers = nil
	return errs
}

// Context decorates ctx with the fields every startup log line carries.
func (r *Runtime) Context(ctx context.Context, extra map[string]any) context.Context {
	fields := map[string]any{
		"env":         r.Config.App.Env,
		"serviceKind": r.Service,
		"instance":    instance.GetID(),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return r.Logger.WithFields(ctx, fields)
}

// Require logs err against resource and exits when err is set.
func Require(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
