// Package maintenance runs scheduled compaction and vacuum passes over
// every table found under the store's base path.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/OCWC22/neuralake/internal/config"
	"github.com/OCWC22/neuralake/internal/lake/lock"
	"github.com/OCWC22/neuralake/internal/lake/objectstore"
	"github.com/OCWC22/neuralake/internal/lake/store"
)

// Runner discovers tables in the object store and applies maintenance
// passes on cron schedules.
type Runner struct {
	objects objectstore.Store
	locks   lock.Provider
	cfg     config.StoreConfig
	maint   config.MaintenanceConfig
	logger  *slog.Logger
	cron    *cron.Cron
}

// NewRunner creates a maintenance runner.
func NewRunner(objects objectstore.Store, locks lock.Provider, storeCfg config.StoreConfig, maintCfg config.MaintenanceConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		objects: objects,
		locks:   locks,
		cfg:     storeCfg,
		maint:   maintCfg,
		logger:  logger.With("component", "maintenance"),
	}
}

// Start schedules the compaction and vacuum jobs and starts the cron
// loop. It returns after scheduling; jobs run until Stop.
func (r *Runner) Start(ctx context.Context) error {
	r.cron = cron.New()

	if _, err := r.cron.AddFunc(r.maint.CompactionSchedule, func() {
		if err := r.CompactAll(ctx); err != nil {
			r.logger.Error("compaction pass failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule compaction %q: %w", r.maint.CompactionSchedule, err)
	}

	if _, err := r.cron.AddFunc(r.maint.VacuumSchedule, func() {
		if err := r.VacuumAll(ctx); err != nil {
			r.logger.Error("vacuum pass failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule vacuum %q: %w", r.maint.VacuumSchedule, err)
	}

	r.cron.Start()
	r.logger.Info("maintenance scheduled",
		"compaction", r.maint.CompactionSchedule,
		"vacuum", r.maint.VacuumSchedule,
		"retention", r.maint.VacuumRetention,
	)
	return nil
}

// Stop stops the cron loop and waits for running jobs.
func (r *Runner) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// DiscoverTables lists table names by scanning version logs under the
// base path.
func (r *Runner) DiscoverTables(ctx context.Context) ([]string, error) {
	prefix := strings.TrimSuffix(r.cfg.BasePath, "/") + "/"
	keys, err := r.objects.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list tables under %s: %w", prefix, err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		name, tail, ok := strings.Cut(rest, "/")
		if !ok || !strings.HasPrefix(tail, "_log/") || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CompactAll runs one compaction pass over every discovered table.
func (r *Runner) CompactAll(ctx context.Context) error {
	names, err := r.DiscoverTables(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		result, err := r.tableStore(name).Compact(ctx)
		if err != nil {
			r.logger.Error("compaction failed", "table", name, "error", err)
			continue
		}
		if result.Compacted {
			r.logger.Info("compacted table",
				"table", name,
				"version", result.Version,
				"files_before", result.FilesBefore,
				"files_after", result.FilesAfter,
			)
		}
	}
	return nil
}

// VacuumAll runs one retention-based vacuum pass over every discovered
// table.
func (r *Runner) VacuumAll(ctx context.Context) error {
	names, err := r.DiscoverTables(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		result, err := r.tableStore(name).VacuumRetention(ctx, r.maint.VacuumRetention)
		if err != nil {
			r.logger.Error("vacuum failed", "table", name, "error", err)
			continue
		}
		if len(result.Deleted) > 0 || len(result.Failed) > 0 {
			r.logger.Info("vacuumed table",
				"table", name,
				"horizon", result.Horizon,
				"deleted", len(result.Deleted),
				"failed", len(result.Failed),
			)
		}
	}
	return nil
}

func (r *Runner) tableStore(name string) *store.TableStore {
	return store.New(r.objects, r.locks, store.Config{
		TablePath: strings.TrimSuffix(r.cfg.BasePath, "/") + "/" + name,
		LeaseTTL:  r.cfg.LeaseTTL,
		LeaseWait: r.cfg.LeaseWait,
		Retry: store.RetryPolicy{
			MaxAttempts:     r.cfg.Retry.MaxAttempts,
			InitialInterval: r.cfg.Retry.InitialInterval,
			MaxInterval:     r.cfg.Retry.MaxInterval,
			Multiplier:      r.cfg.Retry.Multiplier,
			Jitter:          true,
		},
		TargetFileSize: r.cfg.TargetFileSizeBytes,
	}, r.logger)
}
