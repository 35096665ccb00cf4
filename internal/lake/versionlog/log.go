// Package versionlog implements the append-only commit log that is the
// source of truth for a table's state. Each entry is one immutable JSON
// object in the object store; the conditional put of the entry key is
// what makes commits linearizable.
package versionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/OCWC22/neuralake/internal/lake"
	"github.com/OCWC22/neuralake/internal/lake/objectstore"
)

const logDir = "_log"

// Log is the version log of a single table, stored under
// <tablePath>/_log/<zero-padded version>.json.
type Log struct {
	store     objectstore.Store
	tablePath string
	logger    *slog.Logger
}

// New creates a Log for a table path.
func New(store objectstore.Store, tablePath string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:     store,
		tablePath: strings.TrimSuffix(tablePath, "/"),
		logger:    logger.With("component", "version-log", "table_path", tablePath),
	}
}

// TablePath returns the table path the log belongs to.
func (l *Log) TablePath() string { return l.tablePath }

func (l *Log) entryKey(version int64) string {
	return fmt.Sprintf("%s/%s/%020d.json", l.tablePath, logDir, version)
}

func (l *Log) logPrefix() string {
	return fmt.Sprintf("%s/%s/", l.tablePath, logDir)
}

// Append durably writes an entry at its version. The write succeeds only
// if no entry exists at that version; a lost race surfaces as
// lake.ErrCommitConflict so the committer can re-read and retry.
func (l *Log) Append(ctx context.Context, entry lake.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	err = l.store.PutIfAbsent(ctx, l.entryKey(entry.Version), data)
	if errors.Is(err, objectstore.ErrKeyExists) {
		return fmt.Errorf("version %d already committed: %w", entry.Version, lake.ErrCommitConflict)
	}
	if err != nil {
		return fmt.Errorf("write log entry %d: %w", entry.Version, err)
	}

	l.logger.Debug("log entry committed",
		"version", entry.Version,
		"operation", entry.Operation,
		"added_files", len(entry.AddedFiles),
		"removed_files", len(entry.RemovedFiles),
	)
	return nil
}

// MaxVersion returns the highest committed version. The second return is
// false when the log is empty.
func (l *Log) MaxVersion(ctx context.Context) (int64, bool, error) {
	keys, err := l.store.List(ctx, l.logPrefix())
	if err != nil {
		return 0, false, fmt.Errorf("list log entries: %w", err)
	}
	if len(keys) == 0 {
		return 0, false, nil
	}
	version, err := parseVersion(keys[len(keys)-1])
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}

// Read loads the entry at a version. Returns lake.ErrVersionNotFound for
// a version that never existed.
func (l *Log) Read(ctx context.Context, version int64) (lake.LogEntry, error) {
	data, err := l.store.Get(ctx, l.entryKey(version))
	if errors.Is(err, objectstore.ErrKeyNotFound) {
		return lake.LogEntry{}, fmt.Errorf("version %d: %w", version, lake.ErrVersionNotFound)
	}
	if err != nil {
		return lake.LogEntry{}, fmt.Errorf("read log entry %d: %w", version, err)
	}

	var entry lake.LogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return lake.LogEntry{}, fmt.Errorf("decode log entry %d: %w", version, err)
	}
	return entry, nil
}

// Entries loads all entries in version order.
func (l *Log) Entries(ctx context.Context) ([]lake.LogEntry, error) {
	max, exists, err := l.MaxVersion(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	entries := make([]lake.LogEntry, 0, max+1)
	for v := int64(0); v <= max; v++ {
		entry, err := l.Read(ctx, v)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Replay builds the snapshot at a version by applying adds and removes of
// entries 0..version in order. A file referenced by an entry at or below
// the version and not tombstoned at or below it is live.
func (l *Log) Replay(ctx context.Context, version int64) (*lake.Snapshot, error) {
	max, exists, err := l.MaxVersion(ctx)
	if err != nil {
		return nil, err
	}
	if !exists || version > max || version < 0 {
		return nil, fmt.Errorf("snapshot at version %d: %w", version, lake.ErrVersionNotFound)
	}

	live := make(map[string]int) // path -> index into files
	var files []lake.FileReference
	var snapshot lake.Snapshot

	for v := int64(0); v <= version; v++ {
		entry, err := l.Read(ctx, v)
		if err != nil {
			return nil, err
		}
		for _, f := range entry.AddedFiles {
			ref := f
			if ref.MinCommitVersion == 0 {
				ref.MinCommitVersion = entry.Version
			}
			if idx, ok := live[ref.Path]; ok {
				files[idx] = ref
				continue
			}
			live[ref.Path] = len(files)
			files = append(files, ref)
		}
		for _, f := range entry.RemovedFiles {
			// Removing a file that is not live is a no-op, which makes
			// vacuum's audit entries harmless on replay.
			idx, ok := live[f.Path]
			if !ok {
				continue
			}
			files = append(files[:idx], files[idx+1:]...)
			delete(live, f.Path)
			for p, i := range live {
				if i > idx {
					live[p] = i - 1
				}
			}
		}
		snapshot.Schema = entry.Schema
		snapshot.Timestamp = entry.Timestamp
		if entry.PartitionColumns != nil {
			snapshot.PartitionColumns = entry.PartitionColumns
		}
	}

	snapshot.Version = version
	snapshot.Files = files
	return &snapshot, nil
}

// VersionAsOf returns the latest version whose commit timestamp is at or
// before the given time.
func (l *Log) VersionAsOf(ctx context.Context, asOf time.Time) (int64, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return 0, err
	}

	version := int64(-1)
	for _, entry := range entries {
		if entry.Timestamp.After(asOf) {
			break
		}
		version = entry.Version
	}
	if version < 0 {
		return 0, fmt.Errorf("no version at or before %s: %w", asOf.Format(time.RFC3339), lake.ErrVersionNotFound)
	}
	return version, nil
}

func parseVersion(key string) (int64, error) {
	name := strings.TrimSuffix(path.Base(key), ".json")
	version, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed log entry key %q: %w", key, err)
	}
	return version, nil
}
