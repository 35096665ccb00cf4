// Package catalog implements a "code as catalog" registry: tables are
// declared in code, registered under unique names, and resolved to lazy
// query frames through a uniform facade.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OCWC22/neuralake/internal/frame"
	"github.com/OCWC22/neuralake/internal/lake"
	"github.com/OCWC22/neuralake/internal/metrics"
)

// TableKind identifies how a registered table produces its data.
type TableKind string

const (
	// KindFunction is a table backed by a user-supplied producer function.
	KindFunction TableKind = "function"

	// KindVersionedStore is a table backed by a versioned table store.
	KindVersionedStore TableKind = "versioned_store"

	// KindStaticObject is a table backed by fixed in-memory rows.
	KindStaticObject TableKind = "static_object"
)

// TableMetadata describes a registered table for discovery.
type TableMetadata struct {
	// Name is the unique registry name.
	Name string `json:"name"`

	// Kind is the table's backing kind.
	Kind TableKind `json:"kind"`

	// Description is free-form documentation supplied at registration.
	Description string `json:"description,omitempty"`

	// Tags are free-form labels for discovery.
	Tags []string `json:"tags,omitempty"`

	// Owner identifies the team or person responsible for the table.
	Owner string `json:"owner,omitempty"`

	// Schema is the schema declared at registration. Metadata export
	// serializes this declared schema; it never evaluates the table.
	Schema *lake.Schema `json:"schema,omitempty"`

	// PartitionColumns is the table's partition spec, set for versioned
	// store tables only.
	PartitionColumns []string `json:"partition_columns,omitempty"`

	// TablePath is the object-store prefix, set for versioned store
	// tables only.
	TablePath string `json:"table_path,omitempty"`

	// CreatedAt is when the table was first registered. Filled in at
	// registration when zero.
	CreatedAt time.Time `json:"created_at"`
}

// Producer builds the data for a function table. It is called on every
// resolution, so results reflect the producer's current state. The
// returned value must be a *frame.Frame or a []frame.Row; anything else
// resolves to ErrBadTableKind. Params carry caller-supplied arguments
// and may be nil.
type Producer func(ctx context.Context, params map[string]any) (any, error)

// QueryableTable is the store-facing surface the catalog needs: a way to
// open a lazy scan and a way to describe the current schema.
type QueryableTable interface {
	// Open returns a lazy frame over the table's latest snapshot.
	Open(ctx context.Context) (*frame.Frame, error)

	// CurrentSchema returns the schema at the latest version.
	CurrentSchema(ctx context.Context) (lake.Schema, error)
}

// Entry is a registered table: its metadata plus exactly one backing,
// matching its kind.
type Entry struct {
	Metadata TableMetadata

	// Produce backs function tables.
	Produce Producer

	// Store backs versioned store tables.
	Store QueryableTable

	// Rows backs static object tables.
	Rows []frame.Row
}

// Options configures a Registry.
type Options struct {
	// Strict makes re-registration under an existing name an error
	// instead of a logged overwrite.
	Strict bool

	// Logger receives registration and overwrite events. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// Registry holds registered tables by name. It is safe for concurrent
// use. Listing preserves first-registration order.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
	strict  bool
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		strict:  opts.Strict,
		logger:  logger.With("component", "catalog-registry"),
	}
}

// Register adds a table entry. Re-registering an existing name logs a
// warning and overwrites it, keeping the original list position; in
// strict mode it fails instead.
func (r *Registry) Register(entry Entry) error {
	name := entry.Metadata.Name
	if name == "" {
		return fmt.Errorf("register table: empty name")
	}
	if err := validateEntry(&entry); err != nil {
		return fmt.Errorf("register table %q: %w", name, err)
	}
	if entry.Metadata.CreatedAt.IsZero() {
		entry.Metadata.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.entries[name]; exists {
		if r.strict {
			return fmt.Errorf("register table %q: %w", name, lake.ErrTableExists)
		}
		r.logger.Warn("overwriting registered table",
			"name", name,
			"previous_kind", prev.Metadata.Kind,
			"kind", entry.Metadata.Kind,
		)
		metrics.CatalogTablesRegistered.WithLabelValues(string(prev.Metadata.Kind)).Dec()
		// First-registration time survives overwrites.
		entry.Metadata.CreatedAt = prev.Metadata.CreatedAt
	} else {
		r.order = append(r.order, name)
	}

	r.entries[name] = &entry
	metrics.CatalogTablesRegistered.WithLabelValues(string(entry.Metadata.Kind)).Inc()
	return nil
}

// RegisterFunction registers a producer-backed table.
func (r *Registry) RegisterFunction(meta TableMetadata, produce Producer) error {
	meta.Kind = KindFunction
	return r.Register(Entry{Metadata: meta, Produce: produce})
}

// RegisterStore registers a versioned-store-backed table.
func (r *Registry) RegisterStore(meta TableMetadata, store QueryableTable) error {
	meta.Kind = KindVersionedStore
	return r.Register(Entry{Metadata: meta, Store: store})
}

// RegisterStatic registers a fixed-row table. The schema is inferred
// from the rows unless the metadata declares one.
func (r *Registry) RegisterStatic(meta TableMetadata, rows []frame.Row) error {
	meta.Kind = KindStaticObject
	if meta.Schema == nil && len(rows) > 0 {
		schema := lake.InferSchema(rowsToMaps(rows))
		meta.Schema = &schema
	}
	return r.Register(Entry{Metadata: meta, Rows: rows})
}

// Lookup returns the entry for a name.
func (r *Registry) Lookup(name string) (*Entry, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		metrics.CatalogLookupsTotal.WithLabelValues("miss").Inc()
		return nil, fmt.Errorf("table %q: %w", name, lake.ErrTableNotFound)
	}
	metrics.CatalogLookupsTotal.WithLabelValues("hit").Inc()
	return entry, nil
}

// Deregister removes a table by name. Removing an unknown name is not
// an error.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	metrics.CatalogTablesRegistered.WithLabelValues(string(entry.Metadata.Kind)).Dec()
}

// List returns metadata for all tables in first-registration order,
// optionally filtered to the given kinds.
func (r *Registry) List(kinds ...TableKind) []TableMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]TableMetadata, 0, len(r.order))
	for _, name := range r.order {
		meta := r.entries[name].Metadata
		if len(kinds) > 0 && !containsKind(kinds, meta.Kind) {
			continue
		}
		result = append(result, meta)
	}
	return result
}

func containsKind(kinds []TableKind, kind TableKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Len returns the number of registered tables.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func validateEntry(entry *Entry) error {
	switch entry.Metadata.Kind {
	case KindFunction:
		if entry.Produce == nil {
			return fmt.Errorf("function table without producer: %w", lake.ErrBadTableKind)
		}
	case KindVersionedStore:
		if entry.Store == nil {
			return fmt.Errorf("versioned store table without store: %w", lake.ErrBadTableKind)
		}
	case KindStaticObject:
		// Empty static tables are allowed.
	default:
		return fmt.Errorf("kind %q: %w", entry.Metadata.Kind, lake.ErrBadTableKind)
	}
	return nil
}
