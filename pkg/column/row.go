package column

import (
	"encoding/binary"
	"hash"
	"math"
	"sort"

	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

// Indexer observes cell changes on the write path so secondary indexes stay
// in step with the data. NopIndexer is used when a table has no indexes.
type Indexer interface {
	Insert(c Cell)
	Update(old, new Cell)
	Remove(c Cell)
}

// NopIndexer ignores all notifications.
type NopIndexer struct{}

func (NopIndexer) Insert(c Cell)      {}
func (NopIndexer) Update(old, n Cell) {}
func (NopIndexer) Remove(c Cell)      {}

// Row is one partition's worth of cells plus its deletion state. Cells are
// kept sorted by the row's comparator. Row is not safe for concurrent use;
// the memtable serialises access per partition.
type Row struct {
	cmp      Comparator
	deletion DeletionInfo
	cells    []Cell
}

// NewRow builds an empty live row ordered by cmp.
func NewRow(cmp Comparator) *Row {
	return &Row{cmp: cmp, deletion: LiveDeletionInfo()}
}

// Comparator returns the clustering comparator.
func (r *Row) Comparator() Comparator { return r.cmp }

// Deletion returns the row's deletion state.
func (r *Row) Deletion() DeletionInfo { return r.deletion }

// Delete applies a row-level tombstone.
func (r *Row) Delete(dt DeletionTime) {
	r.deletion = r.deletion.WithTop(dt)
}

// DeleteRange adds a range tombstone.
func (r *Row) DeleteRange(rt RangeTombstone) {
	r.deletion = r.deletion.AddRange(r.cmp, rt)
}

// ApplyDeletion merges another row's deletion state into this one.
func (r *Row) ApplyDeletion(other DeletionInfo) {
	r.deletion = r.deletion.Merge(r.cmp, other)
}

func (r *Row) find(name []byte) (int, bool) {
	i := sort.Search(len(r.cells), func(i int) bool {
		return r.cmp.Compare(r.cells[i].Name(), name) >= 0
	})
	if i < len(r.cells) && r.cmp.Compare(r.cells[i].Name(), name) == 0 {
		return i, true
	}
	return i, false
}

// AddCell inserts a cell, reconciling against any existing cell of the same
// name.
func (r *Row) AddCell(c Cell) {
	idx, ok := r.find(c.Name())
	if ok {
		r.cells[idx] = r.cells[idx].Reconcile(c)
		return
	}
	r.cells = append(r.cells, nil)
	copy(r.cells[idx+1:], r.cells[idx:])
	r.cells[idx] = c
}

// AddAll merges another row into this one, deep-copying incoming data
// through the allocator and notifying the indexer of every insert and
// replacement. It returns the change in accounted data size.
func (r *Row) AddAll(other *Row, alloc ByteAllocator, indexer Indexer) int64 {
	var delta int64

	if !other.deletion.IsLive() {
		before := r.deletion.DataSize()
		r.deletion = r.deletion.Merge(r.cmp, other.deletion)
		delta += r.deletion.DataSize() - before
	}

	for _, c := range other.cells {
		clone := c.Clone(alloc)
		idx, ok := r.find(clone.Name())
		if !ok {
			r.cells = append(r.cells, nil)
			copy(r.cells[idx+1:], r.cells[idx:])
			r.cells[idx] = clone
			delta += clone.DataSize()
			indexer.Insert(clone)
			continue
		}
		old := r.cells[idx]
		winner := old.Reconcile(clone)
		r.cells[idx] = winner
		delta += winner.DataSize() - old.DataSize()
		indexer.Update(old, winner)
	}
	return delta
}

// GetCell returns the cell with the given name, or nil.
func (r *Row) GetCell(name []byte) Cell {
	if idx, ok := r.find(name); ok {
		return r.cells[idx]
	}
	return nil
}

// Cells returns the cells in clustering order.
func (r *Row) Cells() []Cell { return r.cells }

// CellCount returns the number of cells.
func (r *Row) CellCount() int { return len(r.cells) }

// ShallowClone returns a row sharing this row's cells. Cells are immutable
// once inserted, so the clone is a stable read snapshot while the original
// keeps taking writes.
func (r *Row) ShallowClone() *Row {
	clone := &Row{cmp: r.cmp, deletion: r.deletion}
	if len(r.cells) > 0 {
		clone.cells = append(make([]Cell, 0, len(r.cells)), r.cells...)
	}
	return clone
}

// SliceCells returns the cells in [from, to] (nil bounds are open) in
// clustering order, reversed when asked.
func (r *Row) SliceCells(from, to []byte, reversed bool) []Cell {
	lo := 0
	if from != nil {
		lo = sort.Search(len(r.cells), func(i int) bool {
			return r.cmp.Compare(r.cells[i].Name(), from) >= 0
		})
	}
	hi := len(r.cells)
	if to != nil {
		hi = sort.Search(len(r.cells), func(i int) bool {
			return r.cmp.Compare(r.cells[i].Name(), to) > 0
		})
	}
	if lo >= hi {
		return nil
	}
	out := make([]Cell, hi-lo)
	copy(out, r.cells[lo:hi])
	if reversed {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// IsEmpty reports whether the row carries no cells and no deletion state.
func (r *Row) IsEmpty() bool {
	return len(r.cells) == 0 && r.deletion.IsLive()
}

// IsMarkedForDelete reports whether a row-level tombstone is set.
func (r *Row) IsMarkedForDelete() bool {
	return !r.deletion.Top().IsLive()
}

// MaxTimestamp is the newest write timestamp in the row, deletions included.
func (r *Row) MaxTimestamp() int64 {
	max := r.deletion.MaxTimestamp()
	for _, c := range r.cells {
		if ts := c.MaxTimestamp(); ts > max {
			max = ts
		}
	}
	return max
}

// MinTimestamp is the oldest write timestamp in the row, deletions included.
func (r *Row) MinTimestamp() int64 {
	min := int64(math.MaxInt64)
	if !r.deletion.Top().IsLive() {
		min = r.deletion.Top().MarkedForDeleteAt
	}
	for _, rt := range r.deletion.Ranges() {
		if rt.MarkedForDeleteAt < min {
			min = rt.MarkedForDeleteAt
		}
	}
	for _, c := range r.cells {
		if ts := c.Timestamp(); ts < min {
			min = ts
		}
	}
	return min
}

// HasIrrelevantData reports whether purging at gcBefore could remove
// anything: gcable deletion markers, cells shadowed by them, or gcable cell
// tombstones.
func (r *Row) HasIrrelevantData(gcBefore int32) bool {
	if r.deletion.HasIrrelevantData(gcBefore) {
		return true
	}
	deletedAt := r.deletion.MaxTimestamp()
	for _, c := range r.cells {
		if c.Timestamp() <= deletedAt || c.HasIrrelevantData(gcBefore) {
			return true
		}
	}
	return false
}

// RemoveDeletedCells drops cells that are gcable tombstones (localDeletionTime
// strictly before gcBefore) or shadowed by the row's deletion state. Passing
// math.MinInt32 keeps every tombstone and removes only shadowed cells.
func (r *Row) RemoveDeletedCells(gcBefore int32) *Row {
	out := &Row{cmp: r.cmp, deletion: r.deletion}
	for _, c := range r.cells {
		if c.LocalDeletionTime() < gcBefore || r.deletion.IsDeleted(r.cmp, c) {
			continue
		}
		out.cells = append(out.cells, c)
	}
	return out
}

// RemoveDeleted is RemoveDeletedCells plus purging of deletion markers older
// than gcBefore.
func (r *Row) RemoveDeleted(gcBefore int32) *Row {
	out := r.RemoveDeletedCells(gcBefore)
	out.deletion = out.deletion.PurgeTombstones(gcBefore)
	return out
}

// Atoms returns the on-disk stream for this row: range tombstones and cells
// interleaved in clustering order, tombstones first on equal starts.
func (r *Row) Atoms() []Atom {
	ranges := r.deletion.Ranges()
	out := make([]Atom, 0, len(ranges)+len(r.cells))
	i, j := 0, 0
	for i < len(ranges) && j < len(r.cells) {
		if r.cmp.Compare(ranges[i].Start, r.cells[j].Name()) <= 0 {
			out = append(out, ranges[i])
			i++
		} else {
			out = append(out, r.cells[j])
			j++
		}
	}
	for ; i < len(ranges); i++ {
		out = append(out, ranges[i])
	}
	for ; j < len(r.cells); j++ {
		out = append(out, r.cells[j])
	}
	return out
}

// AtomCount returns the number of on-disk atoms.
func (r *Row) AtomCount() int {
	return len(r.cells) + r.deletion.RangeCount()
}

// DataSize is the in-memory accounting size of the row.
func (r *Row) DataSize() int64 {
	size := r.deletion.DataSize()
	for _, c := range r.cells {
		size += c.DataSize()
	}
	return size
}

// SerializedSize is the size of the on-disk row body: deletion header, atom
// count, atoms.
func (r *Row) SerializedSize() int64 {
	size := int64(DeletionTimeSize) + 4
	for _, a := range r.Atoms() {
		size += a.SerializedSize()
	}
	return size
}

// WriteTo serializes the row body.
func (r *Row) WriteTo(b *pools.BufferBuilder) {
	r.deletion.Top().WriteTo(b)
	atoms := r.Atoms()
	b.WriteInt32BE(int32(len(atoms)))
	for _, a := range atoms {
		a.WriteTo(b)
	}
}

// Digest folds the row into h: deletion state, then cell count, then each
// cell in clustering order.
func (r *Row) Digest(h hash.Hash) {
	r.deletion.Digest(h)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(r.cells)))
	h.Write(buf[:])
	for _, c := range r.cells {
		c.Digest(h)
	}
}
