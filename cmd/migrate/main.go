package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/config"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/db"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/instance"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/logger"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/migrate"
)

const usage = "migration command: up|down|redo|reset|status|version|create|validate"

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "migrate"})

	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", usage)
	dir := flag.String("dir", "", "migrations directory on disk (default: migrations embedded in this binary; create writes to "+migrate.DefaultDir+")")
	name := flag.String("name", "", "migration name for -cmd=create")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	command := strings.ToLower(strings.TrimSpace(*cmd))
	source := "embedded"
	if *dir != "" {
		source = *dir
	}
	ctx = logg.WithFields(ctx, map[string]any{
		"cmd":      command,
		"source":   source,
		"instance": instance.GetID(),
	})

	switch command {
	case "create":
		target := *dir
		if target == "" {
			target = migrate.DefaultDir
		}
		if strings.TrimSpace(*name) == "" {
			fail(ctx, logg, "missing -name for create", nil)
		}
		path, err := migrate.CreateSQLMigration(target, *name, time.Now())
		if err != nil {
			fail(ctx, logg, "failed to create migration", err)
		}
		logg.Info(logg.WithField(ctx, "path", path), "migration created")
		return

	case "validate":
		var err error
		if *dir != "" {
			err = migrate.ValidateDir(*dir)
		} else {
			_, err = migrate.ValidateFS(migrate.Migrations())
		}
		if err != nil {
			fail(ctx, logg, "migration validation failed", err)
		}
		logg.Info(ctx, "migration validation passed")
		return

	case "version":
		if strings.TrimSpace(*version) == "" {
			fail(ctx, logg, "missing -version for version command", nil)
		}
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithField(ctx, "env", cfg.App.Env)

	if cfg.DB.Driver == config.DriverSQLite {
		fail(ctx, logg, "goose migrations target postgres only", nil)
	}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	requireResource(ctx, logg, "sql database", err)

	var migrations fs.FS = migrate.Migrations()
	if *dir != "" {
		if err := migrate.ValidateDir(*dir); err != nil {
			fail(ctx, logg, "migration validation failed", err)
		}
		migrations = os.DirFS(*dir)
	}

	runner, err := migrate.NewRunner(sqlDB, migrations, logg)
	requireResource(ctx, logg, "migration runner", err)

	logg.Info(ctx, "migrate ready")

	var args []string
	if command == "version" {
		args = append(args, *version)
	}
	if err := runner.Run(ctx, command, args...); err != nil {
		fail(ctx, logg, fmt.Sprintf("goose %s failed", command), err)
	}
	logg.Info(ctx, "migrate finished")
}

func fail(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if err == nil {
		err = errors.New(msg)
	}
	logg.Error(ctx, msg, err)
	os.Exit(1)
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
