// Command asfalis runs the scan platform daemon: the worker pool that drives
// queued scans through the pipeline, and the lease reaper. The SERVICES
// environment variable selects which modes this process hosts.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/asfalis/asfalis/config"
	"github.com/asfalis/asfalis/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger()
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.IsDev {
		logger = bootstrap.InitDevLogger()
	}
	if _, err = cfg.GetEnabledServices(); err != nil {
		return err
	}
	logStartupInfo(ctx, logger, &cfg)

	db, err := bootstrap.ConnectDB(cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close database failed", "error", cerr)
		}
	}()

	if cfg.Postgres.RunMigrationsOnStart {
		if err = bootstrap.RunMigrations(ctx, db, logger); err != nil {
			return err
		}
	}

	redisClient, err := bootstrap.ConnectRedis(cfg.Redis, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() {
			if cerr := redisClient.Close(); cerr != nil {
				logger.ErrorContext(ctx, "close redis failed", "error", cerr)
			}
		}()
	}

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config: &cfg,
		DB:     db,
		Redis:  redisClient,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	return bootstrap.RunServicesWithShutdown(ctx, &cfg, services, logger)
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	enabled, _ := cfg.GetEnabledServices()
	modes := make([]string, 0, len(enabled))
	for mode := range enabled {
		modes = append(modes, string(mode))
	}
	logger.InfoContext(ctx, "starting asfalis",
		"db_host", cfg.Postgres.Host,
		"db_name", cfg.Postgres.Name,
		"services", modes,
		"worker_concurrency", cfg.Worker.Concurrency)
}
