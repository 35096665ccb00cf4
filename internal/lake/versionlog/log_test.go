package versionlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/OCWC22/neuralake/internal/lake"
	"github.com/OCWC22/neuralake/internal/lake/objectstore"
)

func testLog() *Log {
	return New(objectstore.NewMemoryStore(), "tables/events", nil)
}

func entryAt(version int64, ts time.Time, op lake.Operation, added, removed []lake.FileReference) lake.LogEntry {
	return lake.LogEntry{
		Version:      version,
		Timestamp:    ts,
		Operation:    op,
		AddedFiles:   added,
		RemovedFiles: removed,
		Schema: lake.Schema{Columns: []lake.Column{
			{Name: "id", Type: lake.TypeInt64},
		}},
		CommitterID: "test",
	}
}

func fileRef(path string, rows int64) lake.FileReference {
	return lake.FileReference{Path: path, SizeBytes: 100, RowCount: rows}
}

func TestMaxVersionEmpty(t *testing.T) {
	log := testLog()

	_, exists, err := log.MaxVersion(context.Background())
	if err != nil {
		t.Fatalf("MaxVersion() error = %v", err)
	}
	if exists {
		t.Error("MaxVersion() exists = true for empty log")
	}
}

func TestAppendAndRead(t *testing.T) {
	ctx := context.Background()
	log := testLog()

	base := time.Now().UTC().Truncate(time.Second)
	for v := int64(0); v <= 2; v++ {
		entry := entryAt(v, base.Add(time.Duration(v)*time.Minute), lake.OpAppend,
			[]lake.FileReference{fileRef(string(rune('a'+v)), 10)}, nil)
		if v == 0 {
			entry.Operation = lake.OpCreate
		}
		if err := log.Append(ctx, entry); err != nil {
			t.Fatalf("Append(v%d) error = %v", v, err)
		}
	}

	max, exists, err := log.MaxVersion(ctx)
	if err != nil {
		t.Fatalf("MaxVersion() error = %v", err)
	}
	if !exists || max != 2 {
		t.Fatalf("MaxVersion() = %d/%v, want 2/true", max, exists)
	}

	entry, err := log.Read(ctx, 1)
	if err != nil {
		t.Fatalf("Read(1) error = %v", err)
	}
	if entry.Version != 1 || entry.Operation != lake.OpAppend {
		t.Errorf("Read(1) = %+v", entry)
	}

	entries, err := log.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Entries() returned %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Version != int64(i) {
			t.Errorf("entry %d has version %d", i, e.Version)
		}
	}
}

func TestAppendConflict(t *testing.T) {
	ctx := context.Background()
	log := testLog()

	entry := entryAt(0, time.Now().UTC(), lake.OpCreate, []lake.FileReference{fileRef("a", 1)}, nil)
	if err := log.Append(ctx, entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	err := log.Append(ctx, entry)
	if !errors.Is(err, lake.ErrCommitConflict) {
		t.Fatalf("duplicate Append() error = %v, want ErrCommitConflict", err)
	}
}

func TestReadMissingVersion(t *testing.T) {
	log := testLog()

	_, err := log.Read(context.Background(), 7)
	if !errors.Is(err, lake.ErrVersionNotFound) {
		t.Fatalf("Read(7) error = %v, want ErrVersionNotFound", err)
	}
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	log := testLog()
	base := time.Now().UTC()

	// v0: create a, b. v1: append c. v2: compact a+b -> d.
	appendOrFail := func(entry lake.LogEntry) {
		t.Helper()
		if err := log.Append(ctx, entry); err != nil {
			t.Fatalf("Append(v%d) error = %v", entry.Version, err)
		}
	}
	appendOrFail(entryAt(0, base, lake.OpCreate,
		[]lake.FileReference{fileRef("a", 5), fileRef("b", 5)}, nil))
	appendOrFail(entryAt(1, base.Add(time.Minute), lake.OpAppend,
		[]lake.FileReference{fileRef("c", 3)}, nil))
	appendOrFail(entryAt(2, base.Add(2*time.Minute), lake.OpCompact,
		[]lake.FileReference{fileRef("d", 10)},
		[]lake.FileReference{fileRef("a", 5), fileRef("b", 5)}))

	// Snapshot at v1 still sees the pre-compaction files.
	snap1, err := log.Replay(ctx, 1)
	if err != nil {
		t.Fatalf("Replay(1) error = %v", err)
	}
	if len(snap1.Files) != 3 {
		t.Errorf("Replay(1) live files = %d, want 3", len(snap1.Files))
	}
	if snap1.TotalRows() != 13 {
		t.Errorf("Replay(1) rows = %d, want 13", snap1.TotalRows())
	}

	// Snapshot at v2 sees the compacted layout with the same rows.
	snap2, err := log.Replay(ctx, 2)
	if err != nil {
		t.Fatalf("Replay(2) error = %v", err)
	}
	if len(snap2.Files) != 2 {
		t.Errorf("Replay(2) live files = %d, want 2", len(snap2.Files))
	}
	if snap2.TotalRows() != 13 {
		t.Errorf("Replay(2) rows = %d, want 13", snap2.TotalRows())
	}

	live := map[string]bool{}
	for _, f := range snap2.Files {
		live[f.Path] = true
	}
	if live["a"] || live["b"] || !live["c"] || !live["d"] {
		t.Errorf("Replay(2) live set = %v", live)
	}
}

func TestReplayMissingVersion(t *testing.T) {
	log := testLog()

	_, err := log.Replay(context.Background(), 0)
	if !errors.Is(err, lake.ErrVersionNotFound) {
		t.Fatalf("Replay(0) on empty log error = %v, want ErrVersionNotFound", err)
	}
}

func TestVersionAsOf(t *testing.T) {
	ctx := context.Background()
	log := testLog()
	base := time.Now().UTC().Add(-time.Hour)

	for v := int64(0); v <= 2; v++ {
		entry := entryAt(v, base.Add(time.Duration(v)*10*time.Minute), lake.OpAppend,
			[]lake.FileReference{fileRef(string(rune('a'+v)), 1)}, nil)
		if err := log.Append(ctx, entry); err != nil {
			t.Fatalf("Append(v%d) error = %v", v, err)
		}
	}

	// Between v1 and v2 resolves to v1.
	version, err := log.VersionAsOf(ctx, base.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("VersionAsOf() error = %v", err)
	}
	if version != 1 {
		t.Errorf("VersionAsOf() = %d, want 1", version)
	}

	// After everything resolves to the latest.
	version, err = log.VersionAsOf(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("VersionAsOf() error = %v", err)
	}
	if version != 2 {
		t.Errorf("VersionAsOf() = %d, want 2", version)
	}

	// Before the first commit there is no version.
	_, err = log.VersionAsOf(ctx, base.Add(-time.Minute))
	if !errors.Is(err, lake.ErrVersionNotFound) {
		t.Errorf("VersionAsOf() before first commit error = %v, want ErrVersionNotFound", err)
	}
}
