package models

import "time"

// VersionResponse contains version information.
type VersionResponse struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	GoVersion  string `json:"go_version,omitempty"`
}

// HealthResponse represents the overall health status.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ColumnSpec declares one column in a create or evolve request.
type ColumnSpec struct {
	Name     string `json:"name" binding:"required"`
	Type     string `json:"type" binding:"required"`
	Nullable bool   `json:"nullable"`
}

// CreateTableRequest creates a versioned table and registers it in the
// catalog.
type CreateTableRequest struct {
	Name        string           `json:"name" binding:"required"`
	Description string           `json:"description"`
	Owner       string           `json:"owner"`
	Tags        []string         `json:"tags"`
	PartitionBy []string         `json:"partition_by"`
	Columns     []ColumnSpec     `json:"columns"`
	Rows        []map[string]any `json:"rows"`
	Overwrite   bool             `json:"overwrite"`
}

// WriteRowsRequest appends to or overwrites a table.
type WriteRowsRequest struct {
	Rows []map[string]any `json:"rows" binding:"required"`

	// Mode is "append" (default) or "overwrite".
	Mode string `json:"mode"`
}

// EvolveSchemaRequest adds nullable columns to a table.
type EvolveSchemaRequest struct {
	Columns []ColumnSpec `json:"columns" binding:"required"`
}

// VacuumRequest controls a vacuum pass. Exactly one of Horizon or
// Retention should be set; both empty means the configured retention.
type VacuumRequest struct {
	// Horizon is an explicit version cutoff.
	Horizon *int64 `json:"horizon,omitempty"`

	// Retention is a Go duration string, e.g. "168h".
	Retention string `json:"retention,omitempty"`
}

// CommitResponse reports the version a write committed at.
type CommitResponse struct {
	Table   string `json:"table"`
	Version int64  `json:"version"`
}

// RowsResponse is a page of query results.
type RowsResponse struct {
	Table   string           `json:"table"`
	Columns []string         `json:"columns,omitempty"`
	Rows    []map[string]any `json:"rows"`
	Count   int              `json:"count"`
}

// ListResponse is a generic list response.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
