package memtable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-tablestore/pkg/logging"
)

const (
	minLiveRatio = 1.0
	maxLiveRatio = 64.0

	// Rough per-object heap costs used by the metering walk: tree node and
	// entry bookkeeping per partition, cell struct and slice slot per column.
	entryOverhead = 96
	cellOverhead  = 64
)

// LiveRatio calibrates how much heap a memtable really holds per serialized
// byte. One instance is shared by all memtables of a store, so a ratio
// learned from a flushed memtable keeps informing its successors.
//
// Guessing low risks running out of memory before the flush threshold
// trips, so upward measurements are believed immediately while downward
// ones are averaged with the old value.
type LiveRatio struct {
	mu      sync.Mutex
	value   float64
	pending atomic.Bool
	logger  logging.Logger
}

func NewLiveRatio(initial float64) *LiveRatio {
	return &LiveRatio{value: clampRatio(initial), logger: logging.DefaultLogger()}
}

// Value returns the current calibrated ratio.
func (r *LiveRatio) Value() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// Meter walks mt, measures its deep heap size against its serialized size
// and folds the measurement into the ratio.
func (r *LiveRatio) Meter(mt *Memtable) {
	serialized := mt.SerializedSize()
	if serialized <= 0 {
		return
	}

	start := time.Now()
	var deep, partitions int64
	mt.snapshot().Ascend(func(e *entry) bool {
		partitions++
		deep += int64(len(e.key.Key)) + entryOverhead
		e.mu.Lock()
		deep += e.row.DataSize() + int64(e.row.CellCount())*cellOverhead
		e.mu.Unlock()
		return true
	})

	measured := clampRatio(float64(deep) / float64(serialized))

	r.mu.Lock()
	if measured > r.value {
		r.value = measured
	} else {
		r.value = (r.value + measured) / 2
	}
	ratio := r.value
	r.mu.Unlock()

	r.logger.Info("memtable live ratio calibrated",
		logging.Float64("live_ratio", ratio),
		logging.Float64("measured", measured),
		logging.Int64("partitions", partitions),
		logging.Duration("elapsed", time.Since(start)),
		logging.Operation("meter"))
}

// MeterAsync runs Meter in the background. At most one pass is in flight
// per ratio; submissions made while one is pending are dropped and reported
// with a false return.
func (r *LiveRatio) MeterAsync(mt *Memtable) bool {
	if !r.pending.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer r.pending.Store(false)
		r.Meter(mt)
	}()
	return true
}

func clampRatio(v float64) float64 {
	switch {
	case v < minLiveRatio:
		return minLiveRatio
	case v > maxLiveRatio:
		return maxLiveRatio
	default:
		return v
	}
}
