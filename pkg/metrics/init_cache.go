package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCacheMetrics() {
	r.CacheRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablestore_cache_requests_total",
			Help: "Key and row cache lookups by cache and outcome",
		},
		[]string{"cache", "outcome"},
	)
}
