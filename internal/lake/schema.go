package lake

import (
	"fmt"
	"sort"
	"time"
)

// MergeSchemas merges a new schema into an existing one following the
// additive-only evolution rule: columns present in both must have exactly
// matching types, columns only in the new schema are appended as nullable,
// and columns only in the old schema are retained. Merging a schema with
// itself yields the same schema.
func MergeSchemas(existing, incoming Schema) (Schema, error) {
	merged := Schema{Columns: make([]Column, len(existing.Columns))}
	copy(merged.Columns, existing.Columns)

	for _, col := range incoming.Columns {
		current, ok := existing.Column(col.Name)
		if !ok {
			added := col
			added.Nullable = true
			merged.Columns = append(merged.Columns, added)
			continue
		}
		if current.Type != col.Type {
			return Schema{}, fmt.Errorf("column %q: cannot change type %s to %s: %w",
				col.Name, current.Type, col.Type, ErrSchemaConflict)
		}
	}

	return merged, nil
}

// ValidateSchema checks a schema for duplicate or empty column names and
// verifies that every partition column appears in the schema.
func ValidateSchema(schema Schema, partitionBy []string) error {
	if len(schema.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	seen := make(map[string]struct{}, len(schema.Columns))
	for _, c := range schema.Columns {
		if c.Name == "" {
			return fmt.Errorf("schema has a column with an empty name")
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	for _, p := range partitionBy {
		if _, ok := seen[p]; !ok {
			return fmt.Errorf("partition column %q not in schema", p)
		}
	}
	return nil
}

// InferType maps a Go value to a logical column type. Nil values carry no
// type information and default to string, matching how untyped columns are
// treated elsewhere in the pipeline.
func InferType(value any) ColumnType {
	switch value.(type) {
	case nil:
		return TypeString
	case bool:
		return TypeBool
	case int32:
		return TypeInt32
	case int, int64:
		return TypeInt64
	case float32:
		return TypeFloat32
	case float64:
		return TypeFloat64
	case []byte:
		return TypeBinary
	case time.Time:
		return TypeTimestamp
	case string:
		return TypeString
	default:
		return TypeString
	}
}

// InferSchema builds a schema from a batch of rows. Column names are
// sorted for deterministic ordering; all inferred columns are nullable.
// A column whose values are all nil defaults to string.
func InferSchema(rows []map[string]any) Schema {
	types := make(map[string]ColumnType)
	seen := make(map[string]struct{})
	for _, row := range rows {
		for name, value := range row {
			seen[name] = struct{}{}
			if value == nil {
				continue
			}
			inferred := InferType(value)
			if existing, ok := types[name]; ok && existing != inferred {
				// Mixed value types fall back to string.
				types[name] = TypeString
				continue
			}
			types[name] = inferred
		}
	}
	for name := range seen {
		if _, ok := types[name]; !ok {
			types[name] = TypeString
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	schema := Schema{Columns: make([]Column, 0, len(names))}
	for _, name := range names {
		schema.Columns = append(schema.Columns, Column{
			Name:     name,
			Type:     types[name],
			Nullable: true,
		})
	}
	return schema
}
