// Package metrics exposes the storage engine's Prometheus instrumentation.
// A Registry is created once per process and handed to stores explicitly;
// nothing in the engine reaches for the default registry on its own.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the storage engine
type Registry struct {
	// Write path
	WritesTotal        prometheus.Counter
	WriteBytesTotal    prometheus.Counter
	WriteLatency       prometheus.Histogram
	MemtableLiveBytes  prometheus.Gauge
	MemtableOperations prometheus.Gauge
	MemtableSwitches   prometheus.Counter

	// Read path
	ReadsTotal       *prometheus.CounterVec
	ReadLatency      prometheus.Histogram
	BloomChecksTotal *prometheus.CounterVec

	// Flush
	FlushesTotal        *prometheus.CounterVec
	FlushBytesTotal     prometheus.Counter
	FlushDuration       prometheus.Histogram
	FlushQueueDepth     prometheus.Gauge
	PendingFlushSignals prometheus.Gauge

	// Compaction
	CompactionsTotal       *prometheus.CounterVec
	CompactionBytesRead    prometheus.Counter
	CompactionBytesWritten prometheus.Counter
	CompactionDuration     prometheus.Histogram
	CompactionsPending     prometheus.Gauge
	SSTablesPerLevel       *prometheus.GaugeVec
	LiveSSTables           prometheus.Gauge
	LiveDataBytes          prometheus.Gauge

	// Caches
	CacheRequestsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	// Initialize all metrics
	r.initWriteMetrics()
	r.initReadMetrics()
	r.initFlushMetrics()
	r.initCompactionMetrics()
	r.initCacheMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
