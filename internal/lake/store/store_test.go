package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/OCWC22/neuralake/internal/frame"
	"github.com/OCWC22/neuralake/internal/lake"
	"github.com/OCWC22/neuralake/internal/lake/lock"
	"github.com/OCWC22/neuralake/internal/lake/objectstore"
)

func testConfig() Config {
	return Config{
		TablePath: "tables/events",
		LeaseTTL:  time.Minute,
		LeaseWait: 5 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:     8,
			InitialInterval: time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			Multiplier:      2.0,
			Jitter:          true,
		},
	}
}

func newTestStore(t *testing.T) (*TableStore, *objectstore.MemoryStore) {
	t.Helper()
	objects := objectstore.NewMemoryStore()
	return New(objects, lock.NewMemoryProvider(), testConfig(), nil), objects
}

func eventSchema() lake.Schema {
	return lake.Schema{Columns: []lake.Column{
		{Name: "id", Type: lake.TypeInt64},
		{Name: "name", Type: lake.TypeString, Nullable: true},
	}}
}

func eventRows(ids ...int64) []frame.Row {
	rows := make([]frame.Row, len(ids))
	for i, id := range ids {
		rows[i] = frame.Row{"id": id, "name": fmt.Sprintf("event-%d", id)}
	}
	return rows
}

func collectLatest(t *testing.T, ts *TableStore) []frame.Row {
	t.Helper()
	fr, err := ts.Query(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	rows, err := fr.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	return rows
}

func TestCreateAppendHistory(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestStore(t)

	version, err := ts.Create(ctx, eventRows(1, 2, 3), eventSchema(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if version != 0 {
		t.Errorf("Create() version = %d, want 0", version)
	}

	version, err = ts.Append(ctx, eventRows(4, 5))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if version != 1 {
		t.Errorf("Append() version = %d, want 1", version)
	}

	rows := collectLatest(t, ts)
	if len(rows) != 5 {
		t.Errorf("latest snapshot has %d rows, want 5", len(rows))
	}

	history, err := ts.History(ctx)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() has %d entries, want 2", len(history))
	}
	if history[0].Operation != lake.OpCreate || history[1].Operation != lake.OpAppend {
		t.Errorf("history operations = %v, %v", history[0].Operation, history[1].Operation)
	}
	if history[0].Version != 0 || history[1].Version != 1 {
		t.Errorf("history versions = %d, %d", history[0].Version, history[1].Version)
	}
	if history[1].RowsAdded != 2 {
		t.Errorf("append RowsAdded = %d, want 2", history[1].RowsAdded)
	}
}

func TestCreateExisting(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestStore(t)

	if _, err := ts.Create(ctx, eventRows(1), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := ts.Create(ctx, eventRows(2), eventSchema(), CreateOptions{})
	if !errors.Is(err, lake.ErrTableExists) {
		t.Fatalf("second Create() error = %v, want ErrTableExists", err)
	}

	// Overwrite mode replaces the data instead.
	version, err := ts.Create(ctx, eventRows(9), eventSchema(), CreateOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("Create(Overwrite) error = %v", err)
	}
	if version != 1 {
		t.Errorf("Create(Overwrite) version = %d, want 1", version)
	}

	rows := collectLatest(t, ts)
	if len(rows) != 1 || rows[0]["id"] != int64(9) {
		t.Errorf("rows after overwrite = %v", rows)
	}
}

func TestAppendMissingTable(t *testing.T) {
	ts, _ := newTestStore(t)

	_, err := ts.Append(context.Background(), eventRows(1))
	if !errors.Is(err, lake.ErrTableNotFound) {
		t.Fatalf("Append() error = %v, want ErrTableNotFound", err)
	}
}

func TestSchemaEvolutionOnAppend(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestStore(t)

	if _, err := ts.Create(ctx, eventRows(1, 2), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Batch with an extra column evolves the schema additively.
	_, err := ts.Append(ctx, []frame.Row{
		{"id": int64(3), "name": "c", "score": 9.5},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	schema, err := ts.CurrentSchema(ctx)
	if err != nil {
		t.Fatalf("CurrentSchema() error = %v", err)
	}
	col, ok := schema.Column("score")
	if !ok {
		t.Fatal("evolved column score missing from schema")
	}
	if !col.Nullable {
		t.Error("evolved column is not nullable")
	}

	// Old rows surface nil for the new column.
	rows := collectLatest(t, ts)
	if len(rows) != 3 {
		t.Fatalf("latest snapshot has %d rows, want 3", len(rows))
	}
	for _, row := range rows {
		score, present := row["score"]
		if !present {
			t.Errorf("row %v missing evolved column", row)
			continue
		}
		if row["id"] != int64(3) && score != nil {
			t.Errorf("pre-evolution row has score %v, want nil", score)
		}
	}
}

func TestSchemaConflictRejectedBeforeCommit(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestStore(t)

	if _, err := ts.Create(ctx, eventRows(1), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// id changes from int64 to string.
	_, err := ts.Append(ctx, []frame.Row{{"id": "not-a-number"}})
	if !errors.Is(err, lake.ErrSchemaConflict) {
		t.Fatalf("Append() error = %v, want ErrSchemaConflict", err)
	}

	// No version was committed.
	stats, err := ts.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Version != 0 {
		t.Errorf("version after rejected append = %d, want 0", stats.Version)
	}
}

func TestEvolveSchemaExplicit(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestStore(t)

	if _, err := ts.Create(ctx, eventRows(1), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	version, err := ts.EvolveSchema(ctx, []lake.Column{
		{Name: "region", Type: lake.TypeString},
	})
	if err != nil {
		t.Fatalf("EvolveSchema() error = %v", err)
	}
	if version != 1 {
		t.Errorf("EvolveSchema() version = %d, want 1", version)
	}

	_, err = ts.EvolveSchema(ctx, []lake.Column{
		{Name: "id", Type: lake.TypeFloat64},
	})
	if !errors.Is(err, lake.ErrSchemaConflict) {
		t.Errorf("retype EvolveSchema() error = %v, want ErrSchemaConflict", err)
	}
}

func TestTimeTravel(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestStore(t)

	if _, err := ts.Create(ctx, eventRows(1, 2, 3), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := ts.Overwrite(ctx, eventRows(100)); err != nil {
		t.Fatalf("Overwrite() error = %v", err)
	}

	v0 := int64(0)
	fr, err := ts.Query(ctx, QueryOptions{Version: &v0})
	if err != nil {
		t.Fatalf("Query(v0) error = %v", err)
	}
	rows, err := fr.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect(v0) error = %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("version 0 has %d rows, want 3", len(rows))
	}

	latest := collectLatest(t, ts)
	if len(latest) != 1 || latest[0]["id"] != int64(100) {
		t.Errorf("latest rows = %v", latest)
	}

	// Missing version fails cleanly.
	v9 := int64(9)
	if _, err := ts.Query(ctx, QueryOptions{Version: &v9}); !errors.Is(err, lake.ErrVersionNotFound) {
		t.Errorf("Query(v9) error = %v, want ErrVersionNotFound", err)
	}
}

func TestQueryAsOf(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestStore(t)

	if _, err := ts.Create(ctx, eventRows(1), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	between := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)
	if _, err := ts.Append(ctx, eventRows(2)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	fr, err := ts.Query(ctx, QueryOptions{AsOf: &between})
	if err != nil {
		t.Fatalf("Query(AsOf) error = %v", err)
	}
	rows, err := fr.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("as-of snapshot has %d rows, want 1", len(rows))
	}
}

func TestSnapshotStableUnderConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestStore(t)

	if _, err := ts.Create(ctx, eventRows(1, 2), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Open a frame against the current snapshot, then write twice.
	fr, err := ts.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if _, err := ts.Append(ctx, eventRows(3)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := ts.Overwrite(ctx, eventRows(99)); err != nil {
		t.Fatalf("Overwrite() error = %v", err)
	}

	rows, err := fr.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("pinned snapshot returned %d rows, want 2", len(rows))
	}
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemoryStore()
	locks := lock.NewMemoryProvider()

	seed := New(objects, locks, testConfig(), nil)
	if _, err := seed.Create(ctx, eventRows(0), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const writers = 6
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			// Each writer is its own store instance, as separate
			// processes would be.
			w := New(objects, locks, testConfig(), nil)
			if _, err := w.Append(ctx, eventRows(id)); err != nil {
				errCh <- err
			}
		}(int64(i))
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent Append() error = %v", err)
	}

	stats, err := seed.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Version != writers {
		t.Errorf("final version = %d, want %d", stats.Version, writers)
	}
	if stats.NumRows != writers+1 {
		t.Errorf("total rows = %d, want %d", stats.NumRows, writers+1)
	}

	// Versions are gapless: every log entry from 0..writers is readable.
	history, err := seed.History(ctx)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("history has %d entries, want %d", len(history), writers+1)
	}
	for i, h := range history {
		if h.Version != int64(i) {
			t.Errorf("history[%d].Version = %d", i, h.Version)
		}
	}
}

// noopLockProvider grants every acquisition immediately, simulating a
// misbehaving lock so the conditional put is the only safety net.
type noopLockProvider struct{}

func (noopLockProvider) Acquire(ctx context.Context, tablePath string, ttl time.Duration) (*lock.Lease, error) {
	return &lock.Lease{
		TablePath:  tablePath,
		HolderID:   uuid.New().String(),
		AcquiredAt: time.Now(),
		ExpiresAt:  time.Now().Add(ttl),
	}, nil
}

func (noopLockProvider) Renew(ctx context.Context, lease *lock.Lease, ttl time.Duration) error {
	return nil
}

func (noopLockProvider) Release(ctx context.Context, lease *lock.Lease) error {
	return nil
}

func TestConditionalPutCatchesLockFailure(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemoryStore()
	locks := noopLockProvider{}

	seed := New(objects, locks, testConfig(), nil)
	if _, err := seed.Create(ctx, eventRows(0), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const writers = 4
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			w := New(objects, locks, testConfig(), nil)
			if _, err := w.Append(ctx, eventRows(id)); err != nil {
				errCh <- err
			}
		}(int64(i))
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("racing Append() error = %v", err)
	}

	// Despite the broken lock, no version was lost or duplicated.
	stats, err := seed.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Version != writers {
		t.Errorf("final version = %d, want %d", stats.Version, writers)
	}
	if stats.NumRows != writers+1 {
		t.Errorf("total rows = %d, want %d", stats.NumRows, writers+1)
	}
}

func TestOverwriteKeepsPartitionSpec(t *testing.T) {
	ctx := context.Background()
	ts, objects := newTestStore(t)

	schema := lake.Schema{Columns: []lake.Column{
		{Name: "id", Type: lake.TypeInt64},
		{Name: "region", Type: lake.TypeString},
	}}
	rows := []frame.Row{
		{"id": int64(1), "region": "eu"},
		{"id": int64(2), "region": "us"},
	}

	if _, err := ts.Create(ctx, rows, schema, CreateOptions{PartitionBy: []string{"region"}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// A different partition spec on overwrite is rejected.
	_, err := ts.Create(ctx, rows, schema, CreateOptions{PartitionBy: []string{"id"}, Overwrite: true})
	if !errors.Is(err, lake.ErrSchemaConflict) {
		t.Fatalf("overwrite with new partition spec error = %v, want ErrSchemaConflict", err)
	}

	// An empty spec adopts the existing one and keeps the layout.
	version, err := ts.Create(ctx, rows, schema, CreateOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("overwrite error = %v", err)
	}
	if version != 1 {
		t.Errorf("overwrite version = %d, want 1", version)
	}

	snap, err := ts.Snapshot(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.PartitionColumns) != 1 || snap.PartitionColumns[0] != "region" {
		t.Errorf("partition columns = %v, want [region]", snap.PartitionColumns)
	}
	for _, f := range snap.Files {
		if f.PartitionValues["region"] == "" {
			t.Errorf("file %s has no region partition value", f.Path)
		}
	}

	keys, err := objects.List(ctx, "tables/events/data/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	for _, key := range keys {
		if !strings.Contains(key, "region=") {
			t.Errorf("data file %s written outside the partition layout", key)
		}
	}
}

func TestPartitionedLayout(t *testing.T) {
	ctx := context.Background()
	ts, objects := newTestStore(t)

	schema := lake.Schema{Columns: []lake.Column{
		{Name: "id", Type: lake.TypeInt64},
		{Name: "region", Type: lake.TypeString},
	}}
	rows := []frame.Row{
		{"id": int64(1), "region": "eu"},
		{"id": int64(2), "region": "us"},
		{"id": int64(3), "region": "eu"},
	}

	if _, err := ts.Create(ctx, rows, schema, CreateOptions{PartitionBy: []string{"region"}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	keys, err := objects.List(ctx, "tables/events/data/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("data files = %v, want one per partition", keys)
	}
	var eu, us bool
	for _, key := range keys {
		if strings.Contains(key, "region=eu/") {
			eu = true
		}
		if strings.Contains(key, "region=us/") {
			us = true
		}
	}
	if !eu || !us {
		t.Errorf("partition directories missing in %v", keys)
	}

	// Appends reuse the table's partition spec.
	if _, err := ts.Append(ctx, []frame.Row{{"id": int64(4), "region": "ap"}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	keys, err = objects.List(ctx, "tables/events/data/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	found := false
	for _, key := range keys {
		if strings.Contains(key, "region=ap/") {
			found = true
		}
	}
	if !found {
		t.Errorf("appended partition directory missing in %v", keys)
	}

	if rows := collectLatest(t, ts); len(rows) != 4 {
		t.Errorf("latest snapshot has %d rows, want 4", len(rows))
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestStore(t)

	stats, err := ts.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Exists {
		t.Error("Stats().Exists = true before create")
	}

	if _, err := ts.Create(ctx, eventRows(1, 2), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	stats, err = ts.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if !stats.Exists || stats.NumRows != 2 || stats.NumFiles != 1 || stats.NumColumns != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
}
