package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/config"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
)

// MaybeRunDev applies the embedded migrations at startup when running in dev
// with FULFILLMENT_AUTO_MIGRATE set. sqlite schemas come from gorm instead.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if cfg == nil || client == nil {
		return nil
	}
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	ctx = logg.WithField(ctx, "env", cfg.App.Env)
	if cfg.DB.Driver == config.DriverSQLite {
		logg.Warn(ctx, "skipping goose migrations for sqlite")
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	runner, err := NewRunner(sqlDB, Migrations(), logg)
	if err != nil {
		return err
	}

	logg.Info(ctx, "applying embedded migrations")
	if err := runner.Up(ctx); err != nil {
		return fmt.Errorf("dev auto-migrate: %w", err)
	}
	return nil
}
