// Package lake defines the core types of the versioned table store:
// column schemas, commit log entries, file references and snapshots.
package lake

import (
	"fmt"
	"time"
)

// ColumnType represents a logical column type.
type ColumnType string

// Supported logical column types.
const (
	TypeBool      ColumnType = "bool"
	TypeInt32     ColumnType = "int32"
	TypeInt64     ColumnType = "int64"
	TypeFloat32   ColumnType = "float32"
	TypeFloat64   ColumnType = "float64"
	TypeString    ColumnType = "string"
	TypeBinary    ColumnType = "binary"
	TypeTimestamp ColumnType = "timestamp"
	TypeDate      ColumnType = "date"
)

// ParseColumnType parses a type name into a ColumnType.
func ParseColumnType(name string) (ColumnType, error) {
	switch t := ColumnType(name); t {
	case TypeBool, TypeInt32, TypeInt64, TypeFloat32, TypeFloat64,
		TypeString, TypeBinary, TypeTimestamp, TypeDate:
		return t, nil
	default:
		return "", fmt.Errorf("unknown column type %q", name)
	}
}

// Column describes a single column in a table schema.
type Column struct {
	// Name is the column name, unique within a schema.
	Name string `json:"name"`

	// Type is the logical column type.
	Type ColumnType `json:"type"`

	// Nullable indicates whether the column may hold null values.
	Nullable bool `json:"nullable"`
}

// Schema is an ordered set of columns. Order is preserved across merges so
// listings and projections stay deterministic.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Column returns the column with the given name, if present.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Names returns the column names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Equal reports whether two schemas have the same columns in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i, c := range s.Columns {
		if c != other.Columns[i] {
			return false
		}
	}
	return true
}

// Operation is the kind of change a commit log entry records.
type Operation string

// Commit operations.
const (
	OpCreate       Operation = "CREATE"
	OpAppend       Operation = "APPEND"
	OpOverwrite    Operation = "OVERWRITE"
	OpSchemaEvolve Operation = "SCHEMA_EVOLVE"
	OpCompact      Operation = "COMPACT"
	OpVacuum       Operation = "VACUUM"
)

// FileReference describes a single immutable data file referenced by the
// commit log.
type FileReference struct {
	// Path is the object-store key of the file.
	Path string `json:"path"`

	// SizeBytes is the encoded file size.
	SizeBytes int64 `json:"size_bytes"`

	// RowCount is the number of rows in the file.
	RowCount int64 `json:"row_count"`

	// PartitionValues maps partition column names to their values for
	// this file, empty for unpartitioned tables.
	PartitionValues map[string]string `json:"partition_values,omitempty"`

	// MinCommitVersion is the first version that referenced the file.
	// Assigned during snapshot replay.
	MinCommitVersion int64 `json:"min_commit_version,omitempty"`
}

// LogEntry is a single immutable commit in a table's version log. Entries
// are never edited or reordered once durably written.
type LogEntry struct {
	// Version is the gapless, strictly increasing commit version.
	Version int64 `json:"version"`

	// Timestamp is the commit time, used for as-of time travel.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the kind of change this entry records.
	Operation Operation `json:"operation"`

	// AddedFiles are the data files made live by this commit.
	AddedFiles []FileReference `json:"added_files,omitempty"`

	// RemovedFiles are the files tombstoned (not deleted) by this commit.
	RemovedFiles []FileReference `json:"removed_files,omitempty"`

	// Schema is the full table schema as of this version.
	Schema Schema `json:"schema"`

	// PartitionColumns is the table's partition spec, fixed at creation.
	PartitionColumns []string `json:"partition_columns,omitempty"`

	// CommitterID identifies the writer that produced the entry.
	CommitterID string `json:"committer_id"`
}

// EntrySummary is the audit view of a log entry returned by History.
type EntrySummary struct {
	Version      int64     `json:"version"`
	Timestamp    time.Time `json:"timestamp"`
	Operation    Operation `json:"operation"`
	AddedFiles   int       `json:"added_files"`
	RemovedFiles int       `json:"removed_files"`
	RowsAdded    int64     `json:"rows_added"`
	CommitterID  string    `json:"committer_id"`
}

// Snapshot is the derived set of files live at a given version. Snapshots
// are computed by replaying the log and are never stored.
type Snapshot struct {
	// Version is the version the snapshot was built for.
	Version int64

	// Timestamp is the commit time of that version.
	Timestamp time.Time

	// Schema is the table schema as of that version.
	Schema Schema

	// PartitionColumns is the table's partition spec.
	PartitionColumns []string

	// Files are the live file references in add order.
	Files []FileReference
}

// TotalRows returns the row count across all live files.
func (s *Snapshot) TotalRows() int64 {
	var n int64
	for _, f := range s.Files {
		n += f.RowCount
	}
	return n
}

// TotalBytes returns the byte size across all live files.
func (s *Snapshot) TotalBytes() int64 {
	var n int64
	for _, f := range s.Files {
		n += f.SizeBytes
	}
	return n
}
