package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReadMetrics() {
	r.ReadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablestore_reads_total",
			Help: "Total number of row reads",
		},
		[]string{"result"},
	)

	r.ReadLatency = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tablestore_read_latency_seconds",
			Help:    "Read path latency in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	r.BloomChecksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablestore_bloom_checks_total",
			Help: "Bloom filter probes by outcome",
		},
		[]string{"outcome"},
	)
}
