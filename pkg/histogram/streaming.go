package histogram

import (
	"fmt"
	"sort"

	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

// StreamingHistogram approximates the distribution of a value stream with a
// bounded number of (point, count) bins. When a new point would exceed the
// bound, the two closest bins are merged into their weighted centroid. Used
// to track tombstone drop times so compaction can estimate how much of a
// table is droppable at a given gcBefore.
type StreamingHistogram struct {
	maxBins int
	points  []float64
	counts  []int64
}

// NewStreamingHistogram builds an empty histogram holding at most maxBins
// bins.
func NewStreamingHistogram(maxBins int) *StreamingHistogram {
	if maxBins < 1 {
		maxBins = 1
	}
	return &StreamingHistogram{maxBins: maxBins}
}

// Update records one observation of p.
func (h *StreamingHistogram) Update(p float64) {
	h.UpdateN(p, 1)
}

// UpdateN records count observations of p.
func (h *StreamingHistogram) UpdateN(p float64, count int64) {
	i := sort.SearchFloat64s(h.points, p)
	if i < len(h.points) && h.points[i] == p {
		h.counts[i] += count
		return
	}
	h.points = append(h.points, 0)
	copy(h.points[i+1:], h.points[i:])
	h.points[i] = p
	h.counts = append(h.counts, 0)
	copy(h.counts[i+1:], h.counts[i:])
	h.counts[i] = count

	if len(h.points) > h.maxBins {
		h.compact()
	}
}

// compact merges the two closest adjacent bins into their weighted centroid.
func (h *StreamingHistogram) compact() {
	best := 0
	bestGap := h.points[1] - h.points[0]
	for i := 1; i < len(h.points)-1; i++ {
		if gap := h.points[i+1] - h.points[i]; gap < bestGap {
			best, bestGap = i, gap
		}
	}
	m := h.counts[best] + h.counts[best+1]
	h.points[best] = (h.points[best]*float64(h.counts[best]) + h.points[best+1]*float64(h.counts[best+1])) / float64(m)
	h.counts[best] = m
	h.points = append(h.points[:best+1], h.points[best+2:]...)
	h.counts = append(h.counts[:best+1], h.counts[best+2:]...)
}

// Merge folds another histogram's bins into this one.
func (h *StreamingHistogram) Merge(other *StreamingHistogram) {
	for i, p := range other.points {
		h.UpdateN(p, other.counts[i])
	}
}

// BinCount returns the number of live bins.
func (h *StreamingHistogram) BinCount() int { return len(h.points) }

// Count returns the total number of recorded observations.
func (h *StreamingHistogram) Count() int64 {
	var total int64
	for _, c := range h.counts {
		total += c
	}
	return total
}

// Sum estimates the number of observations at or below b by trapezoid
// interpolation between the bracketing bins.
func (h *StreamingHistogram) Sum(b float64) float64 {
	if len(h.points) == 0 || b < h.points[0] {
		return 0
	}
	// i is the last bin at or below b
	i := sort.SearchFloat64s(h.points, b)
	if i == len(h.points) || h.points[i] > b {
		i--
	}
	if i == len(h.points)-1 {
		return float64(h.Count())
	}

	var sum float64
	for j := 0; j < i; j++ {
		sum += float64(h.counts[j])
	}

	pi, pnext := h.points[i], h.points[i+1]
	mi, mnext := float64(h.counts[i]), float64(h.counts[i+1])
	weight := (b - pi) / (pnext - pi)
	mb := mi + (mnext-mi)*weight
	sum += (mi + mb) / 2 * weight
	sum += mi / 2
	return sum
}

// WriteTo serializes the histogram: max bin bound, bin count, then
// (point, count) pairs.
func (h *StreamingHistogram) WriteTo(b *pools.BufferBuilder) {
	b.WriteUint32BE(uint32(h.maxBins))
	b.WriteUint32BE(uint32(len(h.points)))
	for i, p := range h.points {
		b.WriteFloat64BE(p)
		b.WriteInt64BE(h.counts[i])
	}
}

// ReadStreaming deserializes a histogram written by WriteTo.
func ReadStreaming(r *pools.ByteReader) (*StreamingHistogram, error) {
	maxBins, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if maxBins == 0 || n > maxBins || maxBins > 1<<16 {
		return nil, fmt.Errorf("implausible streaming histogram shape: %d bins, bound %d", n, maxBins)
	}
	h := &StreamingHistogram{
		maxBins: int(maxBins),
		points:  make([]float64, n),
		counts:  make([]int64, n),
	}
	for i := uint32(0); i < n; i++ {
		if h.points[i], err = r.Float64(); err != nil {
			return nil, err
		}
		if h.counts[i], err = r.Int64(); err != nil {
			return nil, err
		}
	}
	return h, nil
}
