// Package store implements the versioned table store: atomic commits over
// an append-only version log, time-travel reads, additive schema
// evolution, compaction and vacuum. All mutation goes through the lease +
// conditional-write protocol, so commits are linearizable per table.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OCWC22/neuralake/internal/frame"
	"github.com/OCWC22/neuralake/internal/lake"
	"github.com/OCWC22/neuralake/internal/lake/lock"
	"github.com/OCWC22/neuralake/internal/lake/objectstore"
	"github.com/OCWC22/neuralake/internal/lake/versionlog"
	"github.com/OCWC22/neuralake/internal/metrics"
)

// RetryPolicy bounds the commit retry loop that absorbs version races.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first try).
	MaxAttempts int

	// InitialInterval is the initial backoff interval.
	InitialInterval time.Duration

	// MaxInterval is the maximum backoff interval.
	MaxInterval time.Duration

	// Multiplier is the backoff multiplier.
	Multiplier float64

	// Jitter adds randomness to prevent thundering herd.
	Jitter bool
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// Config holds table store configuration.
type Config struct {
	// TablePath is the object-store prefix the table lives under.
	TablePath string

	// CommitterID identifies this writer in log entries. Defaults to a
	// fresh UUID.
	CommitterID string

	// LeaseTTL is how long an acquired lease stays valid.
	LeaseTTL time.Duration

	// LeaseWait bounds how long commit operations wait for the lease
	// before failing with lake.ErrLockTimeout.
	LeaseWait time.Duration

	// Retry bounds the conditional-commit retry loop.
	Retry RetryPolicy

	// TargetFileSize is the compaction threshold: live files smaller
	// than this are candidates for consolidation.
	TargetFileSize int64
}

func (c *Config) applyDefaults() {
	if c.CommitterID == "" {
		c.CommitterID = uuid.New().String()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.LeaseWait <= 0 {
		c.LeaseWait = 10 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	if c.TargetFileSize <= 0 {
		c.TargetFileSize = 64 * 1024 * 1024
	}
}

// TableStore is a versioned table backed by an object store and a lock
// provider. It is safe for concurrent use.
type TableStore struct {
	objects objectstore.Store
	locks   lock.Provider
	log     *versionlog.Log
	cfg     Config
	logger  *slog.Logger
}

// New creates a TableStore for the configured table path.
func New(objects objectstore.Store, locks lock.Provider, cfg Config, logger *slog.Logger) *TableStore {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "table-store", "table_path", cfg.TablePath)
	return &TableStore{
		objects: objects,
		locks:   locks,
		log:     versionlog.New(objects, cfg.TablePath, logger),
		cfg:     cfg,
		logger:  logger,
	}
}

// TablePath returns the table's object-store prefix.
func (s *TableStore) TablePath() string { return s.cfg.TablePath }

// Exists reports whether the table has a version 0.
func (s *TableStore) Exists(ctx context.Context) (bool, error) {
	_, exists, err := s.log.MaxVersion(ctx)
	return exists, err
}

// CreateOptions controls table creation.
type CreateOptions struct {
	// PartitionBy is the ordered list of partition columns. Fixed for
	// the table's lifetime.
	PartitionBy []string

	// Overwrite replaces an existing table's data instead of failing
	// with lake.ErrTableExists.
	Overwrite bool
}

// Create writes version 0 with the initial data. Fails with
// lake.ErrTableExists if the table is already initialized, unless
// overwrite mode is requested.
func (s *TableStore) Create(ctx context.Context, rows []frame.Row, schema lake.Schema, opts CreateOptions) (int64, error) {
	exists, err := s.Exists(ctx)
	if err != nil {
		return 0, err
	}
	if exists && !opts.Overwrite {
		return 0, fmt.Errorf("create %s: %w", s.cfg.TablePath, lake.ErrTableExists)
	}

	// The partition spec is fixed at creation. On overwrite an empty
	// spec adopts the existing one; a different spec is rejected so the
	// physical layout and the committed spec cannot diverge.
	partitionBy := opts.PartitionBy
	if exists {
		current, err := s.latestSnapshot(ctx)
		if err != nil {
			return 0, err
		}
		if len(partitionBy) == 0 {
			partitionBy = current.PartitionColumns
		} else if !slices.Equal(partitionBy, current.PartitionColumns) {
			return 0, fmt.Errorf("create %s: partition spec %v does not match existing %v: %w",
				s.cfg.TablePath, partitionBy, current.PartitionColumns, lake.ErrSchemaConflict)
		}
	}

	if err := lake.ValidateSchema(schema, partitionBy); err != nil {
		return 0, fmt.Errorf("create %s: %w", s.cfg.TablePath, err)
	}

	files, err := s.writeDataFiles(ctx, rows, partitionBy)
	if err != nil {
		return 0, err
	}

	op := lake.OpCreate
	if exists {
		op = lake.OpOverwrite
	}
	version, err := s.commit(ctx, op, func(current *lake.Snapshot) (commitChange, error) {
		change := commitChange{
			added:       files,
			schema:      schema,
			partitionBy: partitionBy,
		}
		if current != nil {
			if !slices.Equal(partitionBy, current.PartitionColumns) {
				return commitChange{}, fmt.Errorf("create %s: partition spec %v does not match existing %v: %w",
					s.cfg.TablePath, partitionBy, current.PartitionColumns, lake.ErrSchemaConflict)
			}
			merged, err := lake.MergeSchemas(current.Schema, schema)
			if err != nil {
				return commitChange{}, err
			}
			change.schema = merged
			change.removed = current.Files
		}
		return change, nil
	})
	if err != nil {
		s.cleanupFiles(ctx, files)
		return 0, err
	}
	return version, nil
}

// Append atomically adds a batch of rows as a single new version. The
// batch schema merges additively into the table schema; an existing
// column changing type fails with lake.ErrSchemaConflict before anything
// is uploaded.
func (s *TableStore) Append(ctx context.Context, rows []frame.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, fmt.Errorf("append %s: empty batch", s.cfg.TablePath)
	}

	current, err := s.latestSnapshot(ctx)
	if err != nil {
		return 0, err
	}

	batchSchema := inferBatchSchema(rows)
	if _, err := lake.MergeSchemas(current.Schema, batchSchema); err != nil {
		return 0, fmt.Errorf("append %s: %w", s.cfg.TablePath, err)
	}

	files, err := s.writeDataFiles(ctx, rows, current.PartitionColumns)
	if err != nil {
		return 0, err
	}

	version, err := s.commit(ctx, lake.OpAppend, func(current *lake.Snapshot) (commitChange, error) {
		if current == nil {
			return commitChange{}, fmt.Errorf("append %s: %w", s.cfg.TablePath, lake.ErrTableNotFound)
		}
		merged, err := lake.MergeSchemas(current.Schema, batchSchema)
		if err != nil {
			return commitChange{}, err
		}
		return commitChange{added: files, schema: merged, partitionBy: current.PartitionColumns}, nil
	})
	if err != nil {
		s.cleanupFiles(ctx, files)
		return 0, err
	}
	return version, nil
}

// Overwrite atomically replaces the table's data with a new batch. All
// currently-live files are tombstoned; the schema still merges
// additively, so an overwrite cannot drop or retype columns.
func (s *TableStore) Overwrite(ctx context.Context, rows []frame.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, fmt.Errorf("overwrite %s: empty batch", s.cfg.TablePath)
	}

	current, err := s.latestSnapshot(ctx)
	if err != nil {
		return 0, err
	}

	batchSchema := inferBatchSchema(rows)
	if _, err := lake.MergeSchemas(current.Schema, batchSchema); err != nil {
		return 0, fmt.Errorf("overwrite %s: %w", s.cfg.TablePath, err)
	}

	files, err := s.writeDataFiles(ctx, rows, current.PartitionColumns)
	if err != nil {
		return 0, err
	}

	version, err := s.commit(ctx, lake.OpOverwrite, func(current *lake.Snapshot) (commitChange, error) {
		if current == nil {
			return commitChange{}, fmt.Errorf("overwrite %s: %w", s.cfg.TablePath, lake.ErrTableNotFound)
		}
		merged, err := lake.MergeSchemas(current.Schema, batchSchema)
		if err != nil {
			return commitChange{}, err
		}
		return commitChange{
			added:       files,
			removed:     current.Files,
			schema:      merged,
			partitionBy: current.PartitionColumns,
		}, nil
	})
	if err != nil {
		s.cleanupFiles(ctx, files)
		return 0, err
	}
	return version, nil
}

// EvolveSchema commits an explicit additive schema change without data
// files. New columns are added as nullable; retypes fail with
// lake.ErrSchemaConflict.
func (s *TableStore) EvolveSchema(ctx context.Context, columns []lake.Column) (int64, error) {
	return s.commit(ctx, lake.OpSchemaEvolve, func(current *lake.Snapshot) (commitChange, error) {
		if current == nil {
			return commitChange{}, fmt.Errorf("evolve schema %s: %w", s.cfg.TablePath, lake.ErrTableNotFound)
		}
		merged, err := lake.MergeSchemas(current.Schema, lake.Schema{Columns: columns})
		if err != nil {
			return commitChange{}, err
		}
		return commitChange{schema: merged, partitionBy: current.PartitionColumns}, nil
	})
}

// QueryOptions selects what and when to read.
type QueryOptions struct {
	// Columns projects the result to these columns. Nil keeps all.
	Columns []string

	// Where filters rows; applied lazily during iteration.
	Where func(frame.Row) bool

	// Version reads the table as of a specific version.
	Version *int64

	// AsOf reads the latest version committed at or before this time.
	// Ignored when Version is set.
	AsOf *time.Time
}

// Query returns a lazy, restartable row sequence over an immutable
// snapshot. Reads are independent of concurrent writers; files are
// downloaded and decoded one at a time during iteration.
func (s *TableStore) Query(ctx context.Context, opts QueryOptions) (*frame.Frame, error) {
	snap, err := s.resolveSnapshot(ctx, opts)
	if err != nil {
		return nil, err
	}

	fr := frame.New(s.snapshotSource(snap)).WithColumnNames(snap.Schema.Names())
	if opts.Columns != nil {
		fr = fr.Select(opts.Columns...)
	}
	if opts.Where != nil {
		fr = fr.Where(opts.Where)
	}
	return fr, nil
}

// Open returns a lazy frame over the latest snapshot.
func (s *TableStore) Open(ctx context.Context) (*frame.Frame, error) {
	return s.Query(ctx, QueryOptions{})
}

// CurrentSchema returns the schema at the latest version.
func (s *TableStore) CurrentSchema(ctx context.Context) (lake.Schema, error) {
	snap, err := s.latestSnapshot(ctx)
	if err != nil {
		return lake.Schema{}, err
	}
	return snap.Schema, nil
}

// Snapshot resolves and replays the snapshot for the given options
// without opening it for reading.
func (s *TableStore) Snapshot(ctx context.Context, opts QueryOptions) (*lake.Snapshot, error) {
	return s.resolveSnapshot(ctx, opts)
}

func (s *TableStore) resolveSnapshot(ctx context.Context, opts QueryOptions) (*lake.Snapshot, error) {
	switch {
	case opts.Version != nil:
		return s.log.Replay(ctx, *opts.Version)
	case opts.AsOf != nil:
		version, err := s.log.VersionAsOf(ctx, *opts.AsOf)
		if err != nil {
			return nil, err
		}
		return s.log.Replay(ctx, version)
	default:
		max, exists, err := s.log.MaxVersion(ctx)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("query %s: %w", s.cfg.TablePath, lake.ErrTableNotFound)
		}
		return s.log.Replay(ctx, max)
	}
}

// History returns the chronological, append-only audit view of the log.
func (s *TableStore) History(ctx context.Context) ([]lake.EntrySummary, error) {
	entries, err := s.log.Entries(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]lake.EntrySummary, 0, len(entries))
	for _, entry := range entries {
		var rowsAdded int64
		for _, f := range entry.AddedFiles {
			rowsAdded += f.RowCount
		}
		summaries = append(summaries, lake.EntrySummary{
			Version:      entry.Version,
			Timestamp:    entry.Timestamp,
			Operation:    entry.Operation,
			AddedFiles:   len(entry.AddedFiles),
			RemovedFiles: len(entry.RemovedFiles),
			RowsAdded:    rowsAdded,
			CommitterID:  entry.CommitterID,
		})
	}
	return summaries, nil
}

// Stats describes the table's current shape.
type Stats struct {
	Exists      bool   `json:"exists"`
	Version     int64  `json:"version"`
	NumVersions int    `json:"num_versions"`
	NumFiles    int    `json:"num_files"`
	NumRows     int64  `json:"num_rows"`
	SizeBytes   int64  `json:"size_bytes"`
	NumColumns  int    `json:"num_columns"`
	TablePath   string `json:"table_path"`
}

// Stats returns table statistics from the latest snapshot.
func (s *TableStore) Stats(ctx context.Context) (Stats, error) {
	max, exists, err := s.log.MaxVersion(ctx)
	if err != nil {
		return Stats{}, err
	}
	if !exists {
		return Stats{Exists: false, TablePath: s.cfg.TablePath}, nil
	}

	snap, err := s.log.Replay(ctx, max)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Exists:      true,
		Version:     snap.Version,
		NumVersions: int(max) + 1,
		NumFiles:    len(snap.Files),
		NumRows:     snap.TotalRows(),
		SizeBytes:   snap.TotalBytes(),
		NumColumns:  len(snap.Schema.Columns),
		TablePath:   s.cfg.TablePath,
	}, nil
}

// commitChange is what a commit builder produces from the current
// snapshot: the files to add and tombstone and the schema at the new
// version.
type commitChange struct {
	added       []lake.FileReference
	removed     []lake.FileReference
	schema      lake.Schema
	partitionBy []string
}

// commit runs the serializable commit protocol: acquire the table lease,
// read the current max version, build the entry against that snapshot,
// and conditionally put it at the next version. Losing the conditional
// put (another committer won despite the lease) re-reads and retries
// with backoff up to the configured attempt budget.
func (s *TableStore) commit(ctx context.Context, op lake.Operation, build func(current *lake.Snapshot) (commitChange, error)) (int64, error) {
	leaseCtx, cancel := context.WithTimeout(ctx, s.cfg.LeaseWait)
	defer cancel()

	lease, err := s.locks.Acquire(leaseCtx, s.cfg.TablePath, s.cfg.LeaseTTL)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := s.locks.Release(ctx, lease); err != nil {
			s.logger.Warn("lease release failed", "error", err)
		}
	}()

	start := time.Now()
	for attempt := 1; attempt <= s.cfg.Retry.MaxAttempts; attempt++ {
		max, exists, err := s.log.MaxVersion(ctx)
		if err != nil {
			return 0, err
		}

		var current *lake.Snapshot
		version := int64(0)
		if exists {
			current, err = s.log.Replay(ctx, max)
			if err != nil {
				return 0, err
			}
			version = max + 1
		}

		change, err := build(current)
		if err != nil {
			return 0, err
		}

		entry := lake.LogEntry{
			Version:          version,
			Timestamp:        time.Now().UTC(),
			Operation:        op,
			AddedFiles:       change.added,
			RemovedFiles:     change.removed,
			Schema:           change.schema,
			PartitionColumns: change.partitionBy,
			CommitterID:      s.cfg.CommitterID,
		}

		err = s.log.Append(ctx, entry)
		if err == nil {
			metrics.StoreCommitsTotal.WithLabelValues(s.cfg.TablePath, string(op)).Inc()
			metrics.StoreCommitDuration.WithLabelValues(s.cfg.TablePath, string(op)).Observe(time.Since(start).Seconds())
			s.logger.Info("commit succeeded",
				"operation", op,
				"version", version,
				"added_files", len(change.added),
				"removed_files", len(change.removed),
				"attempt", attempt,
			)
			return version, nil
		}
		if !errors.Is(err, lake.ErrCommitConflict) {
			return 0, err
		}

		metrics.StoreCommitConflictsTotal.WithLabelValues(s.cfg.TablePath).Inc()
		if attempt == s.cfg.Retry.MaxAttempts {
			break
		}
		metrics.StoreCommitRetriesTotal.WithLabelValues(s.cfg.TablePath).Inc()

		wait := s.backoff(attempt)
		s.logger.Warn("commit conflict, retrying",
			"operation", op,
			"version", version,
			"attempt", attempt,
			"wait", wait,
		)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}

	return 0, fmt.Errorf("commit %s to %s after %d attempts: %w",
		op, s.cfg.TablePath, s.cfg.Retry.MaxAttempts, lake.ErrCommitConflict)
}

func (s *TableStore) backoff(attempt int) time.Duration {
	policy := s.cfg.Retry
	wait := float64(policy.InitialInterval) * math.Pow(policy.Multiplier, float64(attempt-1))
	if wait > float64(policy.MaxInterval) {
		wait = float64(policy.MaxInterval)
	}
	if policy.Jitter {
		// Full jitter in [wait/2, wait).
		wait = wait/2 + rand.Float64()*wait/2
	}
	return time.Duration(wait)
}

// latestSnapshot replays the current snapshot, failing with
// lake.ErrTableNotFound for an uninitialized table.
func (s *TableStore) latestSnapshot(ctx context.Context) (*lake.Snapshot, error) {
	max, exists, err := s.log.MaxVersion(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("table %s: %w", s.cfg.TablePath, lake.ErrTableNotFound)
	}
	return s.log.Replay(ctx, max)
}

// writeDataFiles encodes rows into one parquet file per partition and
// uploads them. The file keys are unique, so uploads never collide with
// live data and losing the subsequent commit leaves only unreferenced
// garbage the caller deletes.
func (s *TableStore) writeDataFiles(ctx context.Context, rows []frame.Row, partitionBy []string) ([]lake.FileReference, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	groups := partitionRows(rows, partitionBy)
	files := make([]lake.FileReference, 0, len(groups))
	for _, group := range groups {
		data, err := encodeRows(group.rows)
		if err != nil {
			return nil, fmt.Errorf("encode partition %v: %w", group.values, err)
		}

		key := s.dataFileKey(partitionBy, group.values)
		if err := s.objects.Put(ctx, key, data); err != nil {
			return nil, fmt.Errorf("upload data file: %w", err)
		}

		files = append(files, lake.FileReference{
			Path:            key,
			SizeBytes:       int64(len(data)),
			RowCount:        int64(len(group.rows)),
			PartitionValues: group.values,
		})
	}
	return files, nil
}

func (s *TableStore) dataFileKey(partitionBy []string, values map[string]string) string {
	var sb strings.Builder
	sb.WriteString(s.cfg.TablePath)
	sb.WriteString("/data/")
	for _, col := range partitionBy {
		fmt.Fprintf(&sb, "%s=%s/", col, values[col])
	}
	fmt.Fprintf(&sb, "%s-%d.parquet", uuid.New().String(), time.Now().UnixMilli())
	return sb.String()
}

// cleanupFiles deletes uploaded files whose commit never happened.
func (s *TableStore) cleanupFiles(ctx context.Context, files []lake.FileReference) {
	for _, f := range files {
		if err := s.objects.Delete(ctx, f.Path); err != nil {
			s.logger.Warn("cleanup of uncommitted file failed", "path", f.Path, "error", err)
		}
	}
}

type rowGroup struct {
	values map[string]string
	rows   []frame.Row
}

// partitionRows splits rows into per-partition groups with a
// deterministic group order.
func partitionRows(rows []frame.Row, partitionBy []string) []rowGroup {
	if len(partitionBy) == 0 {
		return []rowGroup{{rows: rows}}
	}

	index := make(map[string]int)
	var groups []rowGroup
	for _, row := range rows {
		values := make(map[string]string, len(partitionBy))
		var keyParts []string
		for _, col := range partitionBy {
			value := ""
			if v, ok := row[col]; ok && v != nil {
				value = fmt.Sprint(v)
			}
			values[col] = value
			keyParts = append(keyParts, value)
		}
		key := strings.Join(keyParts, "\x00")
		idx, ok := index[key]
		if !ok {
			idx = len(groups)
			index[key] = idx
			groups = append(groups, rowGroup{values: values})
		}
		groups[idx].rows = append(groups[idx].rows, row)
	}

	sort.Slice(groups, func(i, j int) bool {
		for _, col := range partitionBy {
			if groups[i].values[col] != groups[j].values[col] {
				return groups[i].values[col] < groups[j].values[col]
			}
		}
		return false
	})
	return groups
}

// inferBatchSchema infers a schema from a row batch.
func inferBatchSchema(rows []frame.Row) lake.Schema {
	maps := make([]map[string]any, len(rows))
	for i, row := range rows {
		maps[i] = row
	}
	return lake.InferSchema(maps)
}

// snapshotSource returns a restartable frame source that streams the
// snapshot's files in order, downloading and decoding lazily.
func (s *TableStore) snapshotSource(snap *lake.Snapshot) frame.Source {
	return func(ctx context.Context) (frame.Iterator, error) {
		return &snapshotIterator{
			ctx:     ctx,
			objects: s.objects,
			snap:    snap,
			table:   s.cfg.TablePath,
		}, nil
	}
}

type snapshotIterator struct {
	ctx     context.Context
	objects objectstore.Store
	snap    *lake.Snapshot
	table   string

	fileIdx int
	buf     []frame.Row
	bufPos  int
	err     error
}

func (it *snapshotIterator) Next() (frame.Row, bool) {
	for it.bufPos >= len(it.buf) {
		if it.err != nil || it.fileIdx >= len(it.snap.Files) {
			return nil, false
		}
		ref := it.snap.Files[it.fileIdx]
		it.fileIdx++

		data, err := it.objects.Get(it.ctx, ref.Path)
		if err != nil {
			it.err = fmt.Errorf("read data file %s: %w", ref.Path, err)
			return nil, false
		}
		raw, err := decodeRows(data)
		if err != nil {
			it.err = fmt.Errorf("decode data file %s: %w", ref.Path, err)
			return nil, false
		}

		it.buf = it.buf[:0]
		for _, row := range raw {
			it.buf = append(it.buf, projectRow(it.snap.Schema, row))
		}
		it.bufPos = 0
	}

	row := it.buf[it.bufPos]
	it.bufPos++
	metrics.StoreQueryRowsTotal.WithLabelValues(it.table).Inc()
	return row, true
}

func (it *snapshotIterator) Err() error { return it.err }
func (it *snapshotIterator) Close()     {}
