// Package metrics provides Prometheus metrics for Neuralake components.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registerOnce sync.Once

const (
	// Namespace is the Prometheus namespace for all Neuralake metrics.
	Namespace = "neuralake"

	// Subsystem constants for metric organization.
	SubsystemStore   = "store"
	SubsystemCatalog = "catalog"
	SubsystemAPI     = "api"
)

// Label constants for consistent labeling across metrics.
const (
	LabelTable     = "table"
	LabelOperation = "operation"
	LabelKind      = "kind"
	LabelEndpoint  = "endpoint"
	LabelMethod    = "method"
	LabelStatus    = "status"
)

var (
	// Store Metrics

	// StoreCommitsTotal counts successful table commits.
	StoreCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemStore,
			Name:      "commits_total",
			Help:      "Total number of successful table commits",
		},
		[]string{LabelTable, LabelOperation},
	)

	// StoreCommitDuration tracks end-to-end commit latency, including
	// lease acquisition and retries.
	StoreCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemStore,
			Name:      "commit_duration_seconds",
			Help:      "Duration of table commits in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelTable, LabelOperation},
	)

	// StoreCommitConflictsTotal counts lost conditional puts on the
	// version log.
	StoreCommitConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemStore,
			Name:      "commit_conflicts_total",
			Help:      "Total number of version conflicts during commit",
		},
		[]string{LabelTable},
	)

	// StoreCommitRetriesTotal counts commit retry attempts.
	StoreCommitRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemStore,
			Name:      "commit_retries_total",
			Help:      "Total number of commit retry attempts",
		},
		[]string{LabelTable},
	)

	// StoreQueryRowsTotal counts rows yielded by table scans.
	StoreQueryRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemStore,
			Name:      "query_rows_total",
			Help:      "Total number of rows yielded by table scans",
		},
		[]string{LabelTable},
	)

	// StoreCompactionsTotal counts committed compaction passes.
	StoreCompactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemStore,
			Name:      "compactions_total",
			Help:      "Total number of committed compaction passes",
		},
		[]string{LabelTable},
	)

	// StoreVacuumDeletionsTotal counts data files physically deleted by
	// vacuum.
	StoreVacuumDeletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemStore,
			Name:      "vacuum_deletions_total",
			Help:      "Total number of data files deleted by vacuum",
		},
		[]string{LabelTable},
	)

	// Catalog Metrics

	// CatalogTablesRegistered tracks the number of registered tables per kind.
	CatalogTablesRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SubsystemCatalog,
			Name:      "tables_registered",
			Help:      "Number of tables registered in the catalog",
		},
		[]string{LabelKind},
	)

	// CatalogLookupsTotal counts catalog table lookups.
	CatalogLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemCatalog,
			Name:      "lookups_total",
			Help:      "Total number of catalog table lookups",
		},
		[]string{LabelStatus},
	)

	// API Metrics

	// APIRequestsTotal counts the total number of API requests.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{LabelEndpoint, LabelMethod, LabelStatus},
	)

	// APIRequestDuration tracks the duration of API requests.
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{LabelEndpoint, LabelMethod},
	)

	// APIRequestSize tracks the size of API request bodies.
	APIRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAPI,
			Name:      "request_size_bytes",
			Help:      "Size of API request bodies in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6), // 100B to 10MB
		},
		[]string{LabelEndpoint, LabelMethod},
	)

	// APIResponseSize tracks the size of API response bodies.
	APIResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAPI,
			Name:      "response_size_bytes",
			Help:      "Size of API response bodies in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6), // 100B to 10MB
		},
		[]string{LabelEndpoint, LabelMethod},
	)

	// allMetrics contains all metrics for registration.
	allMetrics = []prometheus.Collector{
		// Store
		StoreCommitsTotal,
		StoreCommitDuration,
		StoreCommitConflictsTotal,
		StoreCommitRetriesTotal,
		StoreQueryRowsTotal,
		StoreCompactionsTotal,
		StoreVacuumDeletionsTotal,
		// Catalog
		CatalogTablesRegistered,
		CatalogLookupsTotal,
		// API
		APIRequestsTotal,
		APIRequestDuration,
		APIRequestSize,
		APIResponseSize,
	}
)

// Register registers all Neuralake metrics with the default Prometheus
// registry. It is safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		for _, m := range allMetrics {
			prometheus.MustRegister(m)
		}
	})
}

// RegisterWith registers all Neuralake metrics with the given registry.
func RegisterWith(reg prometheus.Registerer) {
	for _, m := range allMetrics {
		reg.MustRegister(m)
	}
}

// NewRegistry creates a new Prometheus registry with all Neuralake metrics
// and standard Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	RegisterWith(reg)

	return reg
}
