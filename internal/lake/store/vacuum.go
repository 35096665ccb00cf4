package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OCWC22/neuralake/internal/lake"
	"github.com/OCWC22/neuralake/internal/metrics"
)

// FileError pairs a file path with the error that kept it from being
// deleted.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// VacuumResult reports what a vacuum pass deleted and what it could not.
type VacuumResult struct {
	// Horizon is the version cutoff: files tombstoned strictly before
	// it were eligible.
	Horizon int64 `json:"horizon"`

	// Deleted is the list of physically removed file paths.
	Deleted []string `json:"deleted"`

	// Failed lists files whose deletion failed. They stay eligible for
	// the next pass.
	Failed []FileError `json:"failed,omitempty"`

	// BytesReclaimed sums the sizes of deleted files.
	BytesReclaimed int64 `json:"bytes_reclaimed"`
}

// VacuumRetention vacuums files tombstoned before the latest version
// older than the retention window. Time travel to versions at or after
// the horizon stays intact; older versions may no longer be fully
// readable.
func (s *TableStore) VacuumRetention(ctx context.Context, retention time.Duration) (VacuumResult, error) {
	cutoff := time.Now().UTC().Add(-retention)
	horizon, err := s.log.VersionAsOf(ctx, cutoff)
	if err != nil {
		// Nothing committed before the cutoff means nothing is old
		// enough to delete.
		if errors.Is(err, lake.ErrVersionNotFound) {
			return VacuumResult{Horizon: 0}, nil
		}
		return VacuumResult{}, err
	}
	return s.Vacuum(ctx, horizon)
}

// Vacuum physically deletes data files that were tombstoned at a
// version strictly before horizon and are not live in the current
// snapshot. The log itself is never truncated. Deletion is best effort
// per file; failures are collected and reported, never fatal mid-pass.
// The pass runs under the table lease so it serializes with compaction,
// and it records a VACUUM audit entry.
func (s *TableStore) Vacuum(ctx context.Context, horizon int64) (VacuumResult, error) {
	result := VacuumResult{Horizon: horizon}

	_, err := s.commit(ctx, lake.OpVacuum, func(current *lake.Snapshot) (commitChange, error) {
		if current == nil {
			return commitChange{}, fmt.Errorf("vacuum %s: %w", s.cfg.TablePath, lake.ErrTableNotFound)
		}

		deletable, err := s.deletableFiles(ctx, current, horizon)
		if err != nil {
			return commitChange{}, err
		}

		result.Deleted = result.Deleted[:0]
		result.Failed = result.Failed[:0]
		result.BytesReclaimed = 0
		var removed []lake.FileReference
		for _, f := range deletable {
			if err := s.objects.Delete(ctx, f.Path); err != nil {
				result.Failed = append(result.Failed, FileError{Path: f.Path, Error: err.Error()})
				continue
			}
			result.Deleted = append(result.Deleted, f.Path)
			result.BytesReclaimed += f.SizeBytes
			removed = append(removed, f)
		}

		// The audit entry records what was physically deleted. Replay
		// treats re-removal of an already dead file as a no-op.
		return commitChange{
			removed:     removed,
			schema:      current.Schema,
			partitionBy: current.PartitionColumns,
		}, nil
	})
	if err != nil {
		return VacuumResult{}, err
	}

	metrics.StoreVacuumDeletionsTotal.WithLabelValues(s.cfg.TablePath).Add(float64(len(result.Deleted)))
	s.logger.Info("vacuum finished",
		"horizon", horizon,
		"deleted", len(result.Deleted),
		"failed", len(result.Failed),
		"bytes_reclaimed", result.BytesReclaimed,
	)
	return result, nil
}

// deletableFiles scans log entries below the horizon for tombstoned
// files and filters out anything still live in the current snapshot.
// Files re-added after their tombstone stay protected by the liveness
// check.
func (s *TableStore) deletableFiles(ctx context.Context, current *lake.Snapshot, horizon int64) ([]lake.FileReference, error) {
	live := make(map[string]bool, len(current.Files))
	for _, f := range current.Files {
		live[f.Path] = true
	}

	seen := make(map[string]bool)
	var deletable []lake.FileReference
	for v := int64(0); v < horizon && v <= current.Version; v++ {
		entry, err := s.log.Read(ctx, v)
		if err != nil {
			return nil, err
		}
		for _, f := range entry.RemovedFiles {
			if live[f.Path] || seen[f.Path] {
				continue
			}
			seen[f.Path] = true
			deletable = append(deletable, f)
		}
	}
	return deletable, nil
}
