// Package services implements the business logic behind the API handlers.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/OCWC22/neuralake/internal/catalog"
	"github.com/OCWC22/neuralake/internal/config"
	"github.com/OCWC22/neuralake/internal/frame"
	"github.com/OCWC22/neuralake/internal/lake"
	"github.com/OCWC22/neuralake/internal/lake/lock"
	"github.com/OCWC22/neuralake/internal/lake/objectstore"
	"github.com/OCWC22/neuralake/internal/lake/store"
)

// LakeService manages versioned table stores and their catalog
// registrations. Stores are created lazily per table name and cached.
type LakeService struct {
	objects objectstore.Store
	locks   lock.Provider
	catalog *catalog.Catalog
	cfg     config.StoreConfig
	logger  *slog.Logger

	mu     sync.Mutex
	stores map[string]*store.TableStore
}

// NewLakeService creates a LakeService.
func NewLakeService(objects objectstore.Store, locks lock.Provider, cat *catalog.Catalog, cfg config.StoreConfig, logger *slog.Logger) *LakeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LakeService{
		objects: objects,
		locks:   locks,
		catalog: cat,
		cfg:     cfg,
		logger:  logger.With("component", "lake-service"),
		stores:  make(map[string]*store.TableStore),
	}
}

// Catalog returns the catalog facade.
func (s *LakeService) Catalog() *catalog.Catalog { return s.catalog }

// ValidateName checks a table name for use in object-store paths.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty table name")
	}
	if strings.ContainsAny(name, "/\\ \t\n") {
		return fmt.Errorf("table name %q contains reserved characters", name)
	}
	return nil
}

// Store returns the cached TableStore for a name, creating it if absent.
// The store may point at a table that does not exist yet.
func (s *LakeService) Store(name string) (*store.TableStore, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.stores[name]; ok {
		return ts, nil
	}

	ts := store.New(s.objects, s.locks, store.Config{
		TablePath: path.Join(s.cfg.BasePath, name),
		LeaseTTL:  s.cfg.LeaseTTL,
		LeaseWait: s.cfg.LeaseWait,
		Retry: store.RetryPolicy{
			MaxAttempts:     s.cfg.Retry.MaxAttempts,
			InitialInterval: s.cfg.Retry.InitialInterval,
			MaxInterval:     s.cfg.Retry.MaxInterval,
			Multiplier:      s.cfg.Retry.Multiplier,
			Jitter:          true,
		},
		TargetFileSize: s.cfg.TargetFileSizeBytes,
	}, s.logger)
	s.stores[name] = ts
	return ts, nil
}

// CreateTableParams describes a table to create and register.
type CreateTableParams struct {
	Name        string
	Description string
	Owner       string
	Tags        []string
	Rows        []frame.Row
	Columns     []lake.Column
	PartitionBy []string
	Overwrite   bool
}

// CreateTable creates a versioned table and registers it in the catalog.
func (s *LakeService) CreateTable(ctx context.Context, p CreateTableParams) (int64, error) {
	ts, err := s.Store(p.Name)
	if err != nil {
		return 0, err
	}

	schema := lake.Schema{Columns: p.Columns}
	if len(schema.Columns) == 0 {
		schema = inferSchema(p.Rows)
	}

	version, err := ts.Create(ctx, p.Rows, schema, store.CreateOptions{
		PartitionBy: p.PartitionBy,
		Overwrite:   p.Overwrite,
	})
	if err != nil {
		return 0, err
	}

	err = s.catalog.Registry().RegisterStore(catalog.TableMetadata{
		Name:             p.Name,
		Description:      p.Description,
		Owner:            p.Owner,
		Tags:             p.Tags,
		Schema:           &schema,
		PartitionColumns: p.PartitionBy,
		TablePath:        ts.TablePath(),
	}, ts)
	if err != nil {
		return 0, fmt.Errorf("table %s created but registration failed: %w", p.Name, err)
	}
	return version, nil
}

// OpenStore resolves a catalog name to its backing TableStore. Only
// versioned store tables qualify.
func (s *LakeService) OpenStore(name string) (*store.TableStore, error) {
	entry, err := s.catalog.Registry().Lookup(name)
	if err != nil {
		return nil, err
	}
	if entry.Metadata.Kind != catalog.KindVersionedStore {
		return nil, fmt.Errorf("table %q is %s: %w", name, entry.Metadata.Kind, lake.ErrBadTableKind)
	}
	return s.Store(name)
}

// Append appends rows to a registered table.
func (s *LakeService) Append(ctx context.Context, name string, rows []frame.Row) (int64, error) {
	ts, err := s.OpenStore(name)
	if err != nil {
		return 0, err
	}
	return ts.Append(ctx, rows)
}

// Overwrite replaces a registered table's rows.
func (s *LakeService) Overwrite(ctx context.Context, name string, rows []frame.Row) (int64, error) {
	ts, err := s.OpenStore(name)
	if err != nil {
		return 0, err
	}
	return ts.Overwrite(ctx, rows)
}

// EvolveSchema adds columns to a registered table.
func (s *LakeService) EvolveSchema(ctx context.Context, name string, columns []lake.Column) (int64, error) {
	ts, err := s.OpenStore(name)
	if err != nil {
		return 0, err
	}
	return ts.EvolveSchema(ctx, columns)
}

// QuerySpec selects rows from a registered table of any kind.
type QuerySpec struct {
	Columns []string
	Limit   int
	Version *int64
	AsOf    *time.Time
}

// Query resolves a table through the catalog and collects rows. Version
// and as-of selectors only apply to versioned store tables.
func (s *LakeService) Query(ctx context.Context, name string, spec QuerySpec) ([]frame.Row, []string, error) {
	var fr *frame.Frame

	entry, err := s.catalog.Registry().Lookup(name)
	if err != nil {
		return nil, nil, err
	}

	if entry.Metadata.Kind == catalog.KindVersionedStore && (spec.Version != nil || spec.AsOf != nil) {
		ts, err := s.Store(name)
		if err != nil {
			return nil, nil, err
		}
		fr, err = ts.Query(ctx, store.QueryOptions{Version: spec.Version, AsOf: spec.AsOf})
		if err != nil {
			return nil, nil, err
		}
	} else {
		fr, err = s.catalog.Table(ctx, name, nil)
		if err != nil {
			return nil, nil, err
		}
	}

	if len(spec.Columns) > 0 {
		fr = fr.Select(spec.Columns...)
	}
	if spec.Limit > 0 {
		fr = fr.Limit(spec.Limit)
	}

	cols, err := fr.Columns(ctx)
	if err != nil {
		return nil, nil, err
	}
	rows, err := fr.Collect(ctx)
	if err != nil {
		return nil, nil, err
	}
	return rows, cols, nil
}

// History returns a registered table's commit history.
func (s *LakeService) History(ctx context.Context, name string) ([]lake.EntrySummary, error) {
	ts, err := s.OpenStore(name)
	if err != nil {
		return nil, err
	}
	return ts.History(ctx)
}

// Stats returns a registered table's statistics.
func (s *LakeService) Stats(ctx context.Context, name string) (store.Stats, error) {
	ts, err := s.OpenStore(name)
	if err != nil {
		return store.Stats{}, err
	}
	return ts.Stats(ctx)
}

// Compact runs a compaction pass on a registered table.
func (s *LakeService) Compact(ctx context.Context, name string) (store.CompactResult, error) {
	ts, err := s.OpenStore(name)
	if err != nil {
		return store.CompactResult{}, err
	}
	return ts.Compact(ctx)
}

// Vacuum runs a vacuum pass on a registered table.
func (s *LakeService) Vacuum(ctx context.Context, name string, horizon *int64, retention time.Duration) (store.VacuumResult, error) {
	ts, err := s.OpenStore(name)
	if err != nil {
		return store.VacuumResult{}, err
	}
	if horizon != nil {
		return ts.Vacuum(ctx, *horizon)
	}
	return ts.VacuumRetention(ctx, retention)
}

// RegisteredStores returns the names of all versioned store tables.
func (s *LakeService) RegisteredStores() []string {
	var names []string
	for _, meta := range s.catalog.Registry().List(catalog.KindVersionedStore) {
		names = append(names, meta.Name)
	}
	return names
}

func inferSchema(rows []frame.Row) lake.Schema {
	maps := make([]map[string]any, len(rows))
	for i, row := range rows {
		maps[i] = row
	}
	return lake.InferSchema(maps)
}
