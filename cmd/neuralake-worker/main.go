// Package main provides the entry point for the Neuralake maintenance
// worker. The worker runs scheduled compaction and vacuum passes over
// every table in the store.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OCWC22/neuralake/internal/config"
	"github.com/OCWC22/neuralake/internal/lake/lock"
	"github.com/OCWC22/neuralake/internal/lake/objectstore"
	"github.com/OCWC22/neuralake/internal/maintenance"
	"github.com/OCWC22/neuralake/internal/metrics"
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
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting Neuralake maintenance worker",
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

	if cfg.Metrics.Enabled {
		metrics.Register()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	runner := maintenance.NewRunner(objects, locks, cfg.Store, cfg.Maintenance, logger)
	if err := runner.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	runner.Stop()
	return nil
}
