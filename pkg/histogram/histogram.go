// Package histogram provides the two histogram shapes carried in SSTable
// stats: a fixed-bucket exponential histogram for row sizes and column
// counts, and a bin-compressing streaming histogram for tombstone drop
// times.
package histogram

import (
	"fmt"
	"math"
	"sort"

	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

// EstimatedHistogram counts values in exponentially growing buckets. Bucket
// i covers (offset[i-1], offset[i]]; the final bucket is an overflow for
// values past the last offset. Offsets grow by ~20% per bucket starting
// at 1.
type EstimatedHistogram struct {
	offsets []int64
	buckets []int64
}

// NewEstimatedHistogram builds a histogram with the given total bucket
// count, overflow bucket included.
func NewEstimatedHistogram(bucketCount int) *EstimatedHistogram {
	if bucketCount < 2 {
		bucketCount = 2
	}
	return &EstimatedHistogram{
		offsets: newOffsets(bucketCount - 1),
		buckets: make([]int64, bucketCount),
	}
}

func newOffsets(n int) []int64 {
	offsets := make([]int64, n)
	last := int64(1)
	offsets[0] = last
	for i := 1; i < n; i++ {
		next := int64(math.Round(float64(last) * 1.2))
		if next == last {
			next++
		}
		offsets[i] = next
		last = next
	}
	return offsets
}

// Add records one observation of n.
func (h *EstimatedHistogram) Add(n int64) {
	i := sort.Search(len(h.offsets), func(i int) bool { return h.offsets[i] >= n })
	h.buckets[i]++
}

// Count is the number of recorded observations.
func (h *EstimatedHistogram) Count() int64 {
	var total int64
	for _, b := range h.buckets {
		total += b
	}
	return total
}

// Mean estimates the average recorded value, rounding up. Overflowed
// observations count at the largest tracked offset.
func (h *EstimatedHistogram) Mean() int64 {
	count := h.Count()
	if count == 0 {
		return 0
	}
	var sum int64
	for i, b := range h.buckets {
		sum += b * h.offsetAt(i)
	}
	return (sum + count - 1) / count
}

// Percentile estimates the value at the given quantile in [0, 1].
func (h *EstimatedHistogram) Percentile(q float64) int64 {
	count := h.Count()
	if count == 0 {
		return 0
	}
	rank := int64(math.Ceil(q * float64(count)))
	if rank <= 0 {
		rank = 1
	}
	var seen int64
	for i, b := range h.buckets {
		seen += b
		if seen >= rank {
			return h.offsetAt(i)
		}
	}
	return h.offsets[len(h.offsets)-1]
}

// Max returns the largest tracked offset that has an observation, or 0.
func (h *EstimatedHistogram) Max() int64 {
	for i := len(h.buckets) - 1; i >= 0; i-- {
		if h.buckets[i] > 0 {
			return h.offsetAt(i)
		}
	}
	return 0
}

// IsOverflowed reports whether any observation exceeded the tracked range.
func (h *EstimatedHistogram) IsOverflowed() bool {
	return h.buckets[len(h.buckets)-1] > 0
}

// Merge folds another histogram's observations into this one. The bucket
// layouts must match.
func (h *EstimatedHistogram) Merge(other *EstimatedHistogram) error {
	if len(other.buckets) != len(h.buckets) {
		return fmt.Errorf("bucket count mismatch: %d vs %d", len(h.buckets), len(other.buckets))
	}
	for i, b := range other.buckets {
		h.buckets[i] += b
	}
	return nil
}

// WriteTo serializes the histogram as a bucket count followed by
// (offset, count) pairs; the overflow bucket repeats the last offset.
func (h *EstimatedHistogram) WriteTo(b *pools.BufferBuilder) {
	b.WriteUint32BE(uint32(len(h.buckets)))
	for i, bucket := range h.buckets {
		b.WriteInt64BE(h.offsetAt(i))
		b.WriteInt64BE(bucket)
	}
}

// ReadEstimated deserializes a histogram written by WriteTo.
func ReadEstimated(r *pools.ByteReader) (*EstimatedHistogram, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if n < 2 || n > 1<<20 {
		return nil, fmt.Errorf("implausible histogram bucket count %d", n)
	}
	h := &EstimatedHistogram{
		offsets: make([]int64, n-1),
		buckets: make([]int64, n),
	}
	for i := uint32(0); i < n; i++ {
		off, err := r.Int64()
		if err != nil {
			return nil, err
		}
		if int(i) < len(h.offsets) {
			h.offsets[i] = off
		}
		if h.buckets[i], err = r.Int64(); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// offsetAt clamps the overflow bucket onto the last tracked offset.
func (h *EstimatedHistogram) offsetAt(i int) int64 {
	if i >= len(h.offsets) {
		i = len(h.offsets) - 1
	}
	return h.offsets[i]
}
