package sstable

import (
	"fmt"
	"math"

	"github.com/dd0wney/cluso-tablestore/pkg/commitlog"
	"github.com/dd0wney/cluso-tablestore/pkg/histogram"
	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

const (
	rowSizeBuckets     = 150
	columnCountBuckets = 114
	tombstoneBins      = 100

	// NoCompressionRatio marks tables whose ratio was never measured.
	NoCompressionRatio = -1.0
)

// Stats is the durable per-table metadata sidecar. Fields a file's version
// predates are filled with conservative sentinels on load: the widest
// timestamp range, an unknown compression ratio and no replay position.
type Stats struct {
	RowSizeHistogram     *histogram.EstimatedHistogram
	ColumnCountHistogram *histogram.EstimatedHistogram
	ReplayPosition       commitlog.ReplayPosition
	MinTimestamp         int64
	MaxTimestamp         int64
	CompressionRatio     float64
	Partitioner          string
	Ancestors            []uint32
	TombstoneHistogram   *histogram.StreamingHistogram
}

// DroppableTombstoneRatio estimates the fraction of this table's columns
// that are tombstones already expired at gcBefore. Zero when the column
// estimate is empty.
func (s Stats) DroppableTombstoneRatio(gcBefore int32) float64 {
	columns := float64(s.ColumnCountHistogram.Mean() * s.ColumnCountHistogram.Count())
	if columns <= 0 {
		return 0
	}
	return s.TombstoneHistogram.Sum(float64(gcBefore)) / columns
}

// WriteTo serializes the stats in sidecar order. Fields the version does
// not track are omitted, matching what a reader of that version expects.
func (s Stats) WriteTo(b *pools.BufferBuilder, v Version) {
	s.RowSizeHistogram.WriteTo(b)
	s.ColumnCountHistogram.WriteTo(b)
	s.ReplayPosition.WriteTo(b)
	if v.TracksMinTimestamp() {
		b.WriteInt64BE(s.MinTimestamp)
	}
	b.WriteInt64BE(s.MaxTimestamp)
	b.WriteFloat64BE(s.CompressionRatio)
	b.WriteUTF(s.Partitioner)
	b.WriteUint32BE(uint32(len(s.Ancestors)))
	for _, gen := range s.Ancestors {
		b.WriteUint32BE(gen)
	}
	if v.TracksTombstones() {
		s.TombstoneHistogram.WriteTo(b)
	}
}

// ReadStats deserializes a sidecar written by WriteTo under the same
// version, substituting sentinels for fields the version predates.
func ReadStats(r *pools.ByteReader, v Version) (Stats, error) {
	var s Stats
	var err error
	if s.RowSizeHistogram, err = histogram.ReadEstimated(r); err != nil {
		return Stats{}, fmt.Errorf("failed to read row size histogram: %w", err)
	}
	if s.ColumnCountHistogram, err = histogram.ReadEstimated(r); err != nil {
		return Stats{}, fmt.Errorf("failed to read column count histogram: %w", err)
	}
	if s.ReplayPosition, err = commitlog.ReadReplayPosition(r); err != nil {
		return Stats{}, fmt.Errorf("failed to read replay position: %w", err)
	}

	s.MinTimestamp = math.MinInt64
	if v.TracksMinTimestamp() {
		if s.MinTimestamp, err = r.Int64(); err != nil {
			return Stats{}, fmt.Errorf("failed to read min timestamp: %w", err)
		}
	}
	if s.MaxTimestamp, err = r.Int64(); err != nil {
		return Stats{}, fmt.Errorf("failed to read max timestamp: %w", err)
	}
	if s.CompressionRatio, err = r.Float64(); err != nil {
		return Stats{}, fmt.Errorf("failed to read compression ratio: %w", err)
	}
	if s.Partitioner, err = r.UTF(); err != nil {
		return Stats{}, fmt.Errorf("failed to read partitioner: %w", err)
	}

	count, err := r.Uint32()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read ancestor count: %w", err)
	}
	if count > 1<<20 {
		return Stats{}, fmt.Errorf("implausible ancestor count %d", count)
	}
	for i := uint32(0); i < count; i++ {
		gen, err := r.Uint32()
		if err != nil {
			return Stats{}, fmt.Errorf("failed to read ancestor %d: %w", i, err)
		}
		s.Ancestors = append(s.Ancestors, gen)
	}

	if v.TracksTombstones() {
		if s.TombstoneHistogram, err = histogram.ReadStreaming(r); err != nil {
			return Stats{}, fmt.Errorf("failed to read tombstone histogram: %w", err)
		}
	} else {
		s.TombstoneHistogram = histogram.NewStreamingHistogram(tombstoneBins)
	}
	return s, nil
}

// StatsCollector accumulates per-row measurements while a writer appends,
// then finalizes into the durable sidecar. The empty collector starts at
// the inverted timestamp sentinels so the first row narrows them.
type StatsCollector struct {
	rowSize     *histogram.EstimatedHistogram
	columnCount *histogram.EstimatedHistogram
	tombstones  *histogram.StreamingHistogram
	replay      commitlog.ReplayPosition
	minTs       int64
	maxTs       int64
	ratio       float64
	ancestors   []uint32
}

func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		rowSize:     histogram.NewEstimatedHistogram(rowSizeBuckets),
		columnCount: histogram.NewEstimatedHistogram(columnCountBuckets),
		tombstones:  histogram.NewStreamingHistogram(tombstoneBins),
		replay:      commitlog.None,
		minTs:       math.MaxInt64,
		maxTs:       math.MinInt64,
		ratio:       NoCompressionRatio,
	}
}

// AddRowSize records one row's total on-disk size.
func (c *StatsCollector) AddRowSize(n int64) { c.rowSize.Add(n) }

// AddColumnCount records one row's cell count.
func (c *StatsCollector) AddColumnCount(n int64) { c.columnCount.Add(n) }

// AddTombstone records the local deletion second of one tombstone.
func (c *StatsCollector) AddTombstone(localDeletionTime int32) {
	c.tombstones.Update(float64(localDeletionTime))
}

// MergeTombstones folds a pre-aggregated tombstone histogram into the
// collector. Streamed appends measure their tombstones while serializing
// and hand them over in bulk.
func (c *StatsCollector) MergeTombstones(h *histogram.StreamingHistogram) {
	if h != nil {
		c.tombstones.Merge(h)
	}
}

// UpdateTimestamps widens the table's timestamp bounds with one row's.
func (c *StatsCollector) UpdateTimestamps(min, max int64) {
	if min < c.minTs {
		c.minTs = min
	}
	if max > c.maxTs {
		c.maxTs = max
	}
}

// SetReplayPosition records the commit log position this table covers.
func (c *StatsCollector) SetReplayPosition(pos commitlog.ReplayPosition) {
	c.replay = pos
}

// SetCompressionRatio records compressed/uncompressed for the data file.
func (c *StatsCollector) SetCompressionRatio(ratio float64) {
	c.ratio = ratio
}

// AddAncestor records a generation whose rows were merged into this table.
func (c *StatsCollector) AddAncestor(generation uint32) {
	for _, g := range c.ancestors {
		if g == generation {
			return
		}
	}
	c.ancestors = append(c.ancestors, generation)
}

// Finalize produces the sidecar for the named partitioner.
func (c *StatsCollector) Finalize(partitioner string) Stats {
	return Stats{
		RowSizeHistogram:     c.rowSize,
		ColumnCountHistogram: c.columnCount,
		ReplayPosition:       c.replay,
		MinTimestamp:         c.minTs,
		MaxTimestamp:         c.maxTs,
		CompressionRatio:     c.ratio,
		Partitioner:          partitioner,
		Ancestors:            c.ancestors,
		TombstoneHistogram:   c.tombstones,
	}
}
