// Package main provides the entry point for the Neuralake API service.
// The API exposes REST endpoints for the table catalog and the versioned
// table store: registration, queries, writes, time travel and maintenance.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/OCWC22/neuralake/internal/api"
	"github.com/OCWC22/neuralake/internal/api/handlers"
	"github.com/OCWC22/neuralake/internal/api/services"
	"github.com/OCWC22/neuralake/internal/catalog"
	"github.com/OCWC22/neuralake/internal/config"
	"github.com/OCWC22/neuralake/internal/lake/lock"
	"github.com/OCWC22/neuralake/internal/lake/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting Neuralake API",
		"version", cfg.Version,
		"environment", cfg.Environment,
	)

	minioStore, err := objectstore.NewMinIOStore(objectstore.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		UseSSL:    cfg.Storage.UseSSL,
	}, logger)
	if err != nil {
		return err
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		return err
	}

	var objects objectstore.Store = minioStore
	if cfg.Storage.EncryptionKey != "" {
		objects, err = objectstore.NewEncryptedStore(minioStore, cfg.Storage.EncryptionKey)
		if err != nil {
			return err
		}
		logger.Info("storage encryption enabled")
	}

	locks, err := lock.NewPostgresProvider(ctx, lock.PostgresConfig{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, logger)
	if err != nil {
		return err
	}
	defer locks.Close()

	registry := catalog.NewRegistry(catalog.Options{
		Strict: cfg.Catalog.Strict,
		Logger: logger,
	})
	cat := catalog.New(registry, logger)
	lakeService := services.NewLakeService(objects, locks, cat, cfg.Store, logger)

	serverCfg := api.DefaultServerConfig(cfg, logger)
	serverCfg.Lake = lakeService
	serverCfg.CORSConfig.AllowedOrigins = cfg.API.CORSOrigins
	serverCfg.RateLimitConfig.RequestsPerSecond = cfg.API.RateLimitRPS
	serverCfg.RateLimitConfig.BurstSize = cfg.API.RateLimitBurst
	serverCfg.ReadinessChecks = map[string]handlers.ReadinessChecker{
		"database": locks.Ping,
		"storage": func(ctx context.Context) error {
			_, err := objects.List(ctx, cfg.Store.BasePath)
			return err
		},
	}

	server := api.NewServer(serverCfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		return server.Stop(nil)
	case err := <-errCh:
		return err
	}
}
