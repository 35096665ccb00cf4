package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/OCWC22/neuralake/internal/frame"
	"github.com/OCWC22/neuralake/internal/lake"
)

// Catalog is the uniform query facade over a Registry: every table,
// regardless of kind, resolves to a lazy frame.
type Catalog struct {
	registry *Registry
	logger   *slog.Logger
}

// New creates a Catalog over a registry.
func New(registry *Registry, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		registry: registry,
		logger:   logger.With("component", "catalog"),
	}
}

// Registry returns the underlying registry.
func (c *Catalog) Registry() *Registry { return c.registry }

// Table resolves a name to a lazy frame. Nothing is read until the
// frame is iterated; the caller composes Select/Where/Limit first.
// Params are forwarded to function-table producers and ignored by the
// other kinds; nil is fine.
func (c *Catalog) Table(ctx context.Context, name string, params map[string]any) (*frame.Frame, error) {
	entry, err := c.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	switch entry.Metadata.Kind {
	case KindFunction:
		result, err := entry.Produce(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("table %q: producer: %w", name, err)
		}
		return coerceProduced(name, result)
	case KindVersionedStore:
		fr, err := entry.Store.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", name, err)
		}
		return fr, nil
	case KindStaticObject:
		return frame.FromRows(entry.Rows), nil
	default:
		return nil, fmt.Errorf("table %q: kind %q: %w", name, entry.Metadata.Kind, lake.ErrBadTableKind)
	}
}

// coerceProduced narrows a producer's return value to a frame.
func coerceProduced(name string, result any) (*frame.Frame, error) {
	switch v := result.(type) {
	case *frame.Frame:
		if v == nil {
			return nil, fmt.Errorf("table %q: producer returned nil frame: %w", name, lake.ErrBadTableKind)
		}
		return v, nil
	case []frame.Row:
		return frame.FromRows(v), nil
	default:
		return nil, fmt.Errorf("table %q: producer returned %T: %w", name, result, lake.ErrBadTableKind)
	}
}

// ColumnInfo describes one column of a described table.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Nullable bool   `json:"nullable,omitempty"`
}

// Description is the discovery view of one table.
type Description struct {
	TableMetadata

	// SchemaKnown is false when the table's schema could not be
	// determined without evaluating it.
	SchemaKnown bool `json:"schema_known"`

	// Columns is the schema when known. Function and static tables
	// report names only.
	Columns []ColumnInfo `json:"columns,omitempty"`
}

// Describe returns a table's metadata and best-effort schema. Store
// tables report full typed schemas; function and static tables are
// probed for column names, degrading to an unknown schema when the
// probe fails rather than erroring.
func (c *Catalog) Describe(ctx context.Context, name string) (Description, error) {
	entry, err := c.registry.Lookup(name)
	if err != nil {
		return Description{}, err
	}
	return c.describe(ctx, entry), nil
}

// DescribeAll describes every registered table in registration order.
func (c *Catalog) DescribeAll(ctx context.Context) []Description {
	metas := c.registry.List()
	result := make([]Description, 0, len(metas))
	for _, meta := range metas {
		entry, err := c.registry.Lookup(meta.Name)
		if err != nil {
			continue
		}
		result = append(result, c.describe(ctx, entry))
	}
	return result
}

// Export is the machine-readable catalog index.
type Export struct {
	ExportTime  time.Time                `json:"export_time"`
	TotalTables int                      `json:"total_tables"`
	Tables      map[string]TableMetadata `json:"tables"`
}

// ExportMetadata returns the catalog contents as a serializable export,
// suitable for publishing a static site or machine-readable index. It
// serializes registered metadata only: producers are never invoked and
// no storage is touched. Use Describe for a live schema probe.
func (c *Catalog) ExportMetadata() Export {
	tables := make(map[string]TableMetadata)
	for _, meta := range c.registry.List() {
		tables[meta.Name] = meta
	}
	return Export{
		ExportTime:  time.Now().UTC(),
		TotalTables: len(tables),
		Tables:      tables,
	}
}

func (c *Catalog) describe(ctx context.Context, entry *Entry) Description {
	desc := Description{TableMetadata: entry.Metadata}

	switch entry.Metadata.Kind {
	case KindVersionedStore:
		schema, err := entry.Store.CurrentSchema(ctx)
		if err != nil {
			c.logger.Warn("schema probe failed", "name", entry.Metadata.Name, "error", err)
			return desc
		}
		desc.SchemaKnown = true
		for _, col := range schema.Columns {
			desc.Columns = append(desc.Columns, ColumnInfo{
				Name:     col.Name,
				Type:     string(col.Type),
				Nullable: col.Nullable,
			})
		}
	case KindFunction:
		result, err := entry.Produce(ctx, nil)
		if err != nil {
			c.logger.Warn("schema probe failed", "name", entry.Metadata.Name, "error", err)
			return desc
		}
		fr, err := coerceProduced(entry.Metadata.Name, result)
		if err != nil {
			c.logger.Warn("schema probe failed", "name", entry.Metadata.Name, "error", err)
			return desc
		}
		cols, err := fr.Columns(ctx)
		if err != nil {
			c.logger.Warn("schema probe failed", "name", entry.Metadata.Name, "error", err)
			return desc
		}
		desc.SchemaKnown = true
		for _, name := range cols {
			desc.Columns = append(desc.Columns, ColumnInfo{Name: name})
		}
	case KindStaticObject:
		desc.SchemaKnown = true
		var schema lake.Schema
		if entry.Metadata.Schema != nil {
			schema = *entry.Metadata.Schema
		} else {
			schema = lake.InferSchema(rowsToMaps(entry.Rows))
		}
		for _, col := range schema.Columns {
			desc.Columns = append(desc.Columns, ColumnInfo{
				Name:     col.Name,
				Type:     string(col.Type),
				Nullable: col.Nullable,
			})
		}
	}
	return desc
}

func rowsToMaps(rows []frame.Row) []map[string]any {
	maps := make([]map[string]any, len(rows))
	for i, row := range rows {
		maps[i] = row
	}
	return maps
}
