package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/OCWC22/neuralake/internal/frame"
	"github.com/OCWC22/neuralake/internal/lake"
	"github.com/OCWC22/neuralake/internal/metrics"
)

// CompactResult describes what a compaction commit did.
type CompactResult struct {
	// Version is the COMPACT version, or the current version when
	// nothing needed compacting.
	Version int64 `json:"version"`

	// Compacted is true when a COMPACT entry was committed.
	Compacted bool `json:"compacted"`

	// FilesBefore and FilesAfter count live files either side of the
	// commit.
	FilesBefore int `json:"files_before"`
	FilesAfter  int `json:"files_after"`

	// RowsRewritten is the number of rows moved into consolidated files.
	RowsRewritten int64 `json:"rows_rewritten"`
}

// Compact consolidates small live files within each partition into
// fewer, larger ones. The visible row set is unchanged: the COMPACT
// entry tombstones the inputs and adds the consolidated outputs in one
// atomic commit. Partitions with fewer than two small files are left
// alone.
func (s *TableStore) Compact(ctx context.Context) (CompactResult, error) {
	snap, err := s.latestSnapshot(ctx)
	if err != nil {
		return CompactResult{}, err
	}

	candidates := compactionGroups(snap.Files, s.cfg.TargetFileSize)
	if len(candidates) == 0 {
		return CompactResult{
			Version:     snap.Version,
			FilesBefore: len(snap.Files),
			FilesAfter:  len(snap.Files),
		}, nil
	}

	// Rewrite each candidate group into a single file before taking the
	// lease; the inputs are immutable, so reading them outside the
	// commit window is safe.
	var newFiles []lake.FileReference
	var oldFiles []lake.FileReference
	var rowsRewritten int64
	for _, group := range candidates {
		rows, err := s.readFiles(ctx, snap.Schema, group)
		if err != nil {
			s.cleanupFiles(ctx, newFiles)
			return CompactResult{}, err
		}

		data, err := encodeRows(rows)
		if err != nil {
			s.cleanupFiles(ctx, newFiles)
			return CompactResult{}, fmt.Errorf("encode compacted file: %w", err)
		}
		key := s.dataFileKey(snap.PartitionColumns, group[0].PartitionValues)
		if err := s.objects.Put(ctx, key, data); err != nil {
			s.cleanupFiles(ctx, newFiles)
			return CompactResult{}, fmt.Errorf("upload compacted file: %w", err)
		}

		newFiles = append(newFiles, lake.FileReference{
			Path:            key,
			SizeBytes:       int64(len(data)),
			RowCount:        int64(len(rows)),
			PartitionValues: group[0].PartitionValues,
		})
		oldFiles = append(oldFiles, group...)
		rowsRewritten += int64(len(rows))
	}

	version, err := s.commit(ctx, lake.OpCompact, func(current *lake.Snapshot) (commitChange, error) {
		if current == nil {
			return commitChange{}, fmt.Errorf("compact %s: %w", s.cfg.TablePath, lake.ErrTableNotFound)
		}
		// A concurrent commit may have tombstoned one of our inputs; in
		// that case the rewrite is stale and the compaction aborts.
		live := make(map[string]bool, len(current.Files))
		for _, f := range current.Files {
			live[f.Path] = true
		}
		for _, f := range oldFiles {
			if !live[f.Path] {
				return commitChange{}, fmt.Errorf("compact %s: input %s no longer live: %w",
					s.cfg.TablePath, f.Path, lake.ErrCommitConflict)
			}
		}
		return commitChange{
			added:       newFiles,
			removed:     oldFiles,
			schema:      current.Schema,
			partitionBy: current.PartitionColumns,
		}, nil
	})
	if err != nil {
		s.cleanupFiles(ctx, newFiles)
		return CompactResult{}, err
	}

	metrics.StoreCompactionsTotal.WithLabelValues(s.cfg.TablePath).Inc()
	return CompactResult{
		Version:       version,
		Compacted:     true,
		FilesBefore:   len(snap.Files),
		FilesAfter:    len(snap.Files) - len(oldFiles) + len(newFiles),
		RowsRewritten: rowsRewritten,
	}, nil
}

// readFiles downloads and decodes a set of files into schema-projected
// rows, preserving file order.
func (s *TableStore) readFiles(ctx context.Context, schema lake.Schema, files []lake.FileReference) ([]frame.Row, error) {
	var rows []frame.Row
	for _, ref := range files {
		data, err := s.objects.Get(ctx, ref.Path)
		if err != nil {
			return nil, fmt.Errorf("read data file %s: %w", ref.Path, err)
		}
		raw, err := decodeRows(data)
		if err != nil {
			return nil, fmt.Errorf("decode data file %s: %w", ref.Path, err)
		}
		for _, r := range raw {
			rows = append(rows, projectRow(schema, r))
		}
	}
	return rows, nil
}

// compactionGroups returns, per partition, the live files below the
// size threshold, keeping only partitions with at least two candidates.
func compactionGroups(files []lake.FileReference, targetSize int64) [][]lake.FileReference {
	index := make(map[string]int)
	var keys []string
	var groups [][]lake.FileReference
	for _, f := range files {
		if f.SizeBytes >= targetSize {
			continue
		}
		key := partitionKey(f.PartitionValues)
		idx, ok := index[key]
		if !ok {
			idx = len(groups)
			index[key] = idx
			keys = append(keys, key)
			groups = append(groups, nil)
		}
		groups[idx] = append(groups[idx], f)
	}

	var result [][]lake.FileReference
	sort.Strings(keys)
	for _, key := range keys {
		group := groups[index[key]]
		if len(group) >= 2 {
			result = append(result, group)
		}
	}
	return result
}

func partitionKey(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	var sb strings.Builder
	for _, col := range cols {
		sb.WriteString(col)
		sb.WriteByte('=')
		sb.WriteString(values[col])
		sb.WriteByte('\x00')
	}
	return sb.String()
}
