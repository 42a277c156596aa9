package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCompactionMetrics() {
	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablestore_compactions_total",
			Help: "Total number of compactions by outcome",
		},
		[]string{"status"},
	)

	r.CompactionBytesRead = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "tablestore_compaction_bytes_read_total",
			Help: "Data bytes read by compactions",
		},
	)

	r.CompactionBytesWritten = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "tablestore_compaction_bytes_written_total",
			Help: "Data bytes written by compactions",
		},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tablestore_compaction_duration_seconds",
			Help:    "Compaction duration in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 5.0, 30.0, 120.0, 600.0},
		},
	)

	r.CompactionsPending = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "tablestore_compactions_pending",
			Help: "Compaction tasks submitted but not finished",
		},
	)

	r.SSTablesPerLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tablestore_sstables_per_level",
			Help: "Live SSTables per manifest level",
		},
		[]string{"level"},
	)

	r.LiveSSTables = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "tablestore_sstables_live",
			Help: "Total live SSTables",
		},
	)

	r.LiveDataBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "tablestore_data_bytes_live",
			Help: "Total uncompressed data bytes across live SSTables",
		},
	)
}
