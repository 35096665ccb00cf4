package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/OCWC22/neuralake/internal/lake"
	"github.com/OCWC22/neuralake/internal/lake/lock"
	"github.com/OCWC22/neuralake/internal/lake/objectstore"
)

func TestVacuumDeletesTombstonedFiles(t *testing.T) {
	ctx := context.Background()
	ts, objects := newTestStore(t)

	if _, err := ts.Create(ctx, eventRows(1, 2), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := ts.Overwrite(ctx, eventRows(3)); err != nil {
		t.Fatalf("Overwrite() error = %v", err)
	}

	filesBefore, err := objects.List(ctx, "tables/events/data/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(filesBefore) != 2 {
		t.Fatalf("data files before vacuum = %d, want 2", len(filesBefore))
	}

	// Horizon past the overwrite makes the version-0 file deletable.
	result, err := ts.Vacuum(ctx, 2)
	if err != nil {
		t.Fatalf("Vacuum() error = %v", err)
	}
	if len(result.Deleted) != 1 {
		t.Fatalf("Vacuum() deleted %v, want 1 file", result.Deleted)
	}
	if len(result.Failed) != 0 {
		t.Errorf("Vacuum() failed = %v", result.Failed)
	}
	if result.BytesReclaimed <= 0 {
		t.Errorf("Vacuum() reclaimed %d bytes", result.BytesReclaimed)
	}

	filesAfter, err := objects.List(ctx, "tables/events/data/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(filesAfter) != 1 {
		t.Errorf("data files after vacuum = %d, want 1", len(filesAfter))
	}

	// The latest snapshot is untouched.
	rows := collectLatest(t, ts)
	if len(rows) != 1 || rows[0]["id"] != int64(3) {
		t.Errorf("rows after vacuum = %v", rows)
	}

	// The log itself is never truncated and records the VACUUM pass.
	history, err := ts.History(ctx)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history has %d entries, want 3", len(history))
	}
	if history[2].Operation != lake.OpVacuum {
		t.Errorf("last operation = %v, want VACUUM", history[2].Operation)
	}

	// The audit entry records the physically deleted file.
	entry, err := ts.log.Read(ctx, 2)
	if err != nil {
		t.Fatalf("Read(2) error = %v", err)
	}
	if len(entry.RemovedFiles) != 1 || entry.RemovedFiles[0].Path != result.Deleted[0] {
		t.Errorf("VACUUM entry removed = %+v, want %v", entry.RemovedFiles, result.Deleted)
	}
}

func TestVacuumKeepsLiveAndReaddedFiles(t *testing.T) {
	ctx := context.Background()
	ts, objects := newTestStore(t)

	if _, err := ts.Create(ctx, eventRows(1), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := ts.Append(ctx, eventRows(2)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := ts.Append(ctx, eventRows(3)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	// Compaction at v3 tombstones the three small files.
	if _, err := ts.Compact(ctx); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	// Horizon below the compaction version protects the tombstoned files.
	result, err := ts.Vacuum(ctx, 2)
	if err != nil {
		t.Fatalf("Vacuum() error = %v", err)
	}
	if len(result.Deleted) != 0 {
		t.Errorf("Vacuum(2) deleted %v, want none", result.Deleted)
	}

	// A horizon past the compaction deletes exactly the tombstoned inputs.
	result, err = ts.Vacuum(ctx, 4)
	if err != nil {
		t.Fatalf("Vacuum() error = %v", err)
	}
	if len(result.Deleted) != 3 {
		t.Errorf("Vacuum(4) deleted %v, want 3 files", result.Deleted)
	}

	keys, err := objects.List(ctx, "tables/events/data/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("data files after vacuum = %v, want only the compacted file", keys)
	}

	if rows := collectLatest(t, ts); len(rows) != 3 {
		t.Errorf("rows after vacuum = %d, want 3", len(rows))
	}
}

func TestVacuumRetentionNothingOldEnough(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestStore(t)

	if _, err := ts.Create(ctx, eventRows(1), eventSchema(), CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// A week-long retention keeps everything committed just now.
	result, err := ts.VacuumRetention(ctx, 168*time.Hour)
	if err != nil {
		t.Fatalf("VacuumRetention() error = %v", err)
	}
	if len(result.Deleted) != 0 {
		t.Errorf("VacuumRetention() deleted %v, want none", result.Deleted)
	}
}

// failingDeleteStore wraps a store and refuses to delete matching keys.
type failingDeleteStore struct {
	objectstore.Store
	failSubstring string
}

func (s *failingDeleteStore) Delete(ctx context.Context, key string) error {
	if strings.Contains(key, s.failSubstring) {
		return fmt.Errorf("simulated storage outage for %s", key)
	}
	return s.Store.Delete(ctx, key)
}

func TestVacuumAggregatesDeleteFailures(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemoryStore()
	locks := lock.NewMemoryProvider()

	// Two partitions so the overwrite tombstones two separate files.
	schema := lake.Schema{Columns: []lake.Column{
		{Name: "id", Type: lake.TypeInt64},
		{Name: "region", Type: lake.TypeString},
	}}
	seed := New(objects, locks, testConfig(), nil)
	if _, err := seed.Create(ctx, append(regionRows("eu", 1), regionRows("us", 2)...), schema,
		CreateOptions{PartitionBy: []string{"region"}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := seed.Overwrite(ctx, regionRows("eu", 3)); err != nil {
		t.Fatalf("Overwrite() error = %v", err)
	}

	failing := &failingDeleteStore{Store: objects, failSubstring: "region=eu"}
	ts := New(failing, locks, testConfig(), nil)

	result, err := ts.Vacuum(ctx, 2)
	if err != nil {
		t.Fatalf("Vacuum() error = %v", err)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("Vacuum() failed = %v, want 1 entry", result.Failed)
	}
	if len(result.Deleted) != 1 {
		t.Errorf("Vacuum() deleted = %v, want 1 file", result.Deleted)
	}
	if !strings.Contains(result.Failed[0].Error, "simulated storage outage") {
		t.Errorf("failure reason = %q", result.Failed[0].Error)
	}

	// The failed file stays eligible; a later pass with working storage
	// removes it.
	ok := New(objects, locks, testConfig(), nil)
	result, err = ok.Vacuum(ctx, 2)
	if err != nil {
		t.Fatalf("second Vacuum() error = %v", err)
	}
	if len(result.Failed) != 0 {
		t.Errorf("second Vacuum() failed = %v, want none", result.Failed)
	}

	keys, err := objects.List(ctx, seed.TablePath()+"/data/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("data files after second vacuum = %v, want only the live file", keys)
	}
}
