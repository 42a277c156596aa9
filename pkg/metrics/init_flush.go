package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initFlushMetrics() {
	r.FlushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablestore_flushes_total",
			Help: "Total number of memtable flushes by outcome",
		},
		[]string{"status"},
	)

	r.FlushBytesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "tablestore_flush_bytes_total",
			Help: "Total data bytes written by flushes",
		},
	)

	r.FlushDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tablestore_flush_duration_seconds",
			Help:    "Flush duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
	)

	r.FlushQueueDepth = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "tablestore_flush_queue_depth",
			Help: "Memtables waiting to be flushed",
		},
	)

	r.PendingFlushSignals = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "tablestore_flush_signals_pending",
			Help: "Completed flushes held back for commit log ordering",
		},
	)
}
