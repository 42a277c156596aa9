package metrics

import (
	"strconv"
	"time"
)

// RecordWrite records one applied mutation and its size and latency.
func (r *Registry) RecordWrite(bytes int64, duration time.Duration) {
	r.WritesTotal.Inc()
	r.WriteBytesTotal.Add(float64(bytes))
	r.WriteLatency.Observe(duration.Seconds())
}

// RecordRead records one row read. result is "hit" or "miss".
func (r *Registry) RecordRead(result string, duration time.Duration) {
	r.ReadsTotal.WithLabelValues(result).Inc()
	r.ReadLatency.Observe(duration.Seconds())
}

// RecordFlush records a finished flush attempt.
func (r *Registry) RecordFlush(status string, bytes int64, duration time.Duration) {
	r.FlushesTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		r.FlushBytesTotal.Add(float64(bytes))
	}
	r.FlushDuration.Observe(duration.Seconds())
}

// RecordCompaction records a finished compaction attempt.
func (r *Registry) RecordCompaction(status string, bytesRead, bytesWritten int64, duration time.Duration) {
	r.CompactionsTotal.WithLabelValues(status).Inc()
	r.CompactionBytesRead.Add(float64(bytesRead))
	r.CompactionBytesWritten.Add(float64(bytesWritten))
	r.CompactionDuration.Observe(duration.Seconds())
}

// RecordCacheRequest records one cache lookup. outcome is "hit" or "miss".
func (r *Registry) RecordCacheRequest(cache, outcome string) {
	r.CacheRequestsTotal.WithLabelValues(cache, outcome).Inc()
}

// UpdateLevels publishes the per-level table counts and the live totals.
func (r *Registry) UpdateLevels(perLevel []int, totalTables int, totalBytes int64) {
	for level, n := range perLevel {
		r.SSTablesPerLevel.WithLabelValues(strconv.Itoa(level)).Set(float64(n))
	}
	r.LiveSSTables.Set(float64(totalTables))
	r.LiveDataBytes.Set(float64(totalBytes))
}
