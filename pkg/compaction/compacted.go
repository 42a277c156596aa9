package compaction

import (
	"encoding/binary"
	"hash"
	"io"
	"math"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/histogram"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/pools"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

const tombstoneHistogramBins = 100

// CompactedRow is one output row of a compaction: the reconciled and
// possibly purged merge of every input holding the key. Empty rows are
// skipped by the executor rather than written.
type CompactedRow interface {
	Key() partition.DecoratedKey
	IsEmpty() bool
	WriteTo(w *sstable.Writer) error

	// Digest folds the merged row into h the same way a read-repair digest
	// would, so validation trees built from compaction output and from reads
	// agree.
	Digest(h hash.Hash)
}

// PrecompactedRow merges its inputs fully in memory. It is the fast path
// for rows under the in-memory compaction limit.
type PrecompactedRow struct {
	key partition.DecoratedKey
	row *column.Row
}

func newPrecompactedRow(dk partition.DecoratedKey, inputs []*column.Row, ctl *Controller) *PrecompactedRow {
	merged := MergeRows(ctl.cmp, inputs, ctl.indexer)

	gc := int32(math.MinInt32)
	purge := false
	if merged.HasIrrelevantData(ctl.gcBefore) && ctl.ShouldPurge(dk, merged.MaxTimestamp()) {
		gc = ctl.gcBefore
		purge = true
	}
	// With purge denied this strips only cells shadowed by the row's own
	// tombstones; no tombstone is ever dropped outside a purging merge.
	merged = merged.RemoveDeleted(gc)
	if purge {
		merged = clampCounterShards(merged, ctl.mergeShardBefore)
	}
	return &PrecompactedRow{key: dk, row: merged}
}

func (p *PrecompactedRow) Key() partition.DecoratedKey { return p.key }

func (p *PrecompactedRow) IsEmpty() bool { return p.row.IsEmpty() }

func (p *PrecompactedRow) WriteTo(w *sstable.Writer) error {
	return w.Append(p.key, p.row)
}

func (p *PrecompactedRow) Digest(h hash.Hash) {
	h.Write(p.key.Key)
	p.row.Digest(h)
}

// Row exposes the merged row, for read paths reusing compaction merging.
func (p *PrecompactedRow) Row() *column.Row { return p.row }

// clampCounterShards drops counter shards older than the merge bound,
// returning the same row when nothing changes.
func clampCounterShards(row *column.Row, before int64) *column.Row {
	changed := false
	out := column.NewRow(row.Comparator())
	out.ApplyDeletion(row.Deletion())
	for _, c := range row.Cells() {
		if counter, ok := c.(*column.CounterCell); ok {
			clamped := counter.RemoveOldShards(before)
			if clamped != counter {
				changed = true
			}
			if len(clamped.Shards()) > 0 {
				out.AddCell(clamped)
			}
			continue
		}
		out.AddCell(c)
	}
	if !changed {
		return row
	}
	return out
}

// LazilyCompactedRow merges rows too large for the in-memory limit. The
// reduced atom stream is walked once to size the row and tile its promoted
// index, and again to write the atoms, so no pass ever buffers more than
// one atom's serialized bytes.
type LazilyCompactedRow struct {
	key    partition.DecoratedKey
	inputs []*column.Row
	ctl    *Controller

	deletion column.DeletionInfo
	gc       int32
	purge    bool

	bodySize  int64
	atomMetas []atomMeta
	stats     sstable.RowStats
	empty     bool
}

type atomMeta struct {
	name []byte
	size int64
}

func newLazilyCompactedRow(dk partition.DecoratedKey, inputs []*column.Row, ctl *Controller) *LazilyCompactedRow {
	l := &LazilyCompactedRow{key: dk, inputs: inputs, ctl: ctl, gc: math.MinInt32}

	// First pass: decide whether purging is allowed at all.
	merged := MergeDeletionInfo(ctl.cmp, inputs)
	hasIrrelevant := merged.HasIrrelevantData(ctl.gcBefore)
	maxTs := merged.MaxTimestamp()
	scan := NewCellMerger(ctl.cmp, inputs, ctl.indexer)
	for c := scan.Next(); c != nil; c = scan.Next() {
		if ts := c.MaxTimestamp(); ts > maxTs {
			maxTs = ts
		}
		if !hasIrrelevant {
			hasIrrelevant = c.Timestamp() <= merged.MaxTimestamp() || c.HasIrrelevantData(ctl.gcBefore)
		}
	}
	if hasIrrelevant && ctl.ShouldPurge(dk, maxTs) {
		l.gc = ctl.gcBefore
		l.purge = true
	}
	l.deletion = merged.PurgeTombstones(l.gc)

	// Second pass: measure the surviving stream.
	l.measure()
	return l
}

// keep applies the delete-preservation rule to one reduced cell and clamps
// counter shards during purging merges. A nil return drops the cell.
func (l *LazilyCompactedRow) keep(c column.Cell) column.Cell {
	if c.LocalDeletionTime() < l.gc || l.deletion.IsDeleted(l.ctl.cmp, c) {
		return nil
	}
	if l.purge {
		if counter, ok := c.(*column.CounterCell); ok {
			clamped := counter.RemoveOldShards(l.ctl.mergeShardBefore)
			if len(clamped.Shards()) == 0 {
				return nil
			}
			return clamped
		}
	}
	return c
}

// stream walks the surviving atoms in clustering order, range tombstones
// first on equal starts, invoking fn for each.
func (l *LazilyCompactedRow) stream(fn func(column.Atom) error) error {
	ranges := l.deletion.Ranges()
	ri := 0
	merger := NewCellMerger(l.ctl.cmp, l.inputs, column.NopIndexer{})
	for c := merger.Next(); c != nil; c = merger.Next() {
		kept := l.keep(c)
		if kept == nil {
			continue
		}
		for ri < len(ranges) && l.ctl.cmp.Compare(ranges[ri].Start, kept.Name()) <= 0 {
			if err := fn(ranges[ri]); err != nil {
				return err
			}
			ri++
		}
		if err := fn(kept); err != nil {
			return err
		}
	}
	for ; ri < len(ranges); ri++ {
		if err := fn(ranges[ri]); err != nil {
			return err
		}
	}
	return nil
}

func (l *LazilyCompactedRow) measure() {
	stats := sstable.RowStats{
		MinTimestamp: math.MaxInt64,
		MaxTimestamp: math.MinInt64,
		Tombstones:   histogram.NewStreamingHistogram(tombstoneHistogramBins),
	}
	if top := l.deletion.Top(); !top.IsLive() {
		stats.Tombstones.Update(float64(top.LocalDeletionTime))
		if top.MarkedForDeleteAt < stats.MinTimestamp {
			stats.MinTimestamp = top.MarkedForDeleteAt
		}
		if top.MarkedForDeleteAt > stats.MaxTimestamp {
			stats.MaxTimestamp = top.MarkedForDeleteAt
		}
	}

	size := int64(column.DeletionTimeSize) + 4
	var count int64
	_ = l.stream(func(a column.Atom) error {
		size += a.SerializedSize()
		l.atomMetas = append(l.atomMetas, atomMeta{name: a.Name(), size: a.SerializedSize()})
		count++
		switch v := a.(type) {
		case column.RangeTombstone:
			stats.Tombstones.Update(float64(v.LocalDeletionTime))
			if v.MarkedForDeleteAt < stats.MinTimestamp {
				stats.MinTimestamp = v.MarkedForDeleteAt
			}
			if v.MarkedForDeleteAt > stats.MaxTimestamp {
				stats.MaxTimestamp = v.MarkedForDeleteAt
			}
		case column.Cell:
			stats.CellCount++
			if ldt := v.LocalDeletionTime(); ldt != column.NoDeletionTime {
				stats.Tombstones.Update(float64(ldt))
			}
			if ts := v.Timestamp(); ts < stats.MinTimestamp {
				stats.MinTimestamp = ts
			}
			if ts := v.MaxTimestamp(); ts > stats.MaxTimestamp {
				stats.MaxTimestamp = ts
			}
		}
		return nil
	})

	l.bodySize = size
	l.stats = stats
	l.empty = count == 0 && l.deletion.IsLive()
}

func (l *LazilyCompactedRow) Key() partition.DecoratedKey { return l.key }

func (l *LazilyCompactedRow) IsEmpty() bool { return l.empty }

func (l *LazilyCompactedRow) WriteTo(w *sstable.Writer) error {
	tiler := sstable.NewPromotedIndexBuilder(w.ColumnIndexSize())
	for _, m := range l.atomMetas {
		tiler.Add(m.name, m.size)
	}
	blocks := tiler.Blocks()

	atomCount := int32(len(l.atomMetas))
	return w.AppendStreamed(l.key, l.bodySize, blocks, func(out io.Writer) error {
		buf := pools.NewBufferBuilder(4 << 10)
		defer buf.Release()

		l.deletion.Top().WriteTo(buf)
		buf.WriteInt32BE(atomCount)
		if _, err := out.Write(buf.Bytes()); err != nil {
			return err
		}
		return l.stream(func(a column.Atom) error {
			buf.Reset()
			a.WriteTo(buf)
			_, err := out.Write(buf.Bytes())
			return err
		})
	}, l.stats)
}

func (l *LazilyCompactedRow) Digest(h hash.Hash) {
	h.Write(l.key.Key)
	l.deletion.Digest(h)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(l.stats.CellCount))
	h.Write(buf[:])
	_ = l.stream(func(a column.Atom) error {
		if c, ok := a.(column.Cell); ok {
			c.Digest(h)
		}
		return nil
	})
}
