package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initWriteMetrics() {
	r.WritesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "tablestore_writes_total",
			Help: "Total number of row mutations applied",
		},
	)

	r.WriteBytesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "tablestore_write_bytes_total",
			Help: "Total serialized bytes accepted by memtables",
		},
	)

	r.WriteLatency = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tablestore_write_latency_seconds",
			Help:    "Write path latency in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	r.MemtableLiveBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "tablestore_memtable_live_bytes",
			Help: "Estimated heap held by the active memtable",
		},
	)

	r.MemtableOperations = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "tablestore_memtable_operations",
			Help: "Cell writes and tombstones applied to the active memtable",
		},
	)

	r.MemtableSwitches = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "tablestore_memtable_switches_total",
			Help: "Total number of memtable switches",
		},
	)
}
