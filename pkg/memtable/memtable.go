// Package memtable holds the in-memory write buffer for a table: a sorted
// map of partition key to row, backed by a slab allocator, that accumulates
// mutations until the store flushes it to an SSTable.
package memtable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
)

// State tracks where a memtable is in its lifecycle. Writes are only
// permitted while active; the store's lock discipline enforces that.
type State int32

const (
	StateActive State = iota
	StateFlushing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFlushing:
		return "flushing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// entry is one partition in the tree. The mutex serializes row merges; the
// tree's own lock only covers entry insertion and lookup.
type entry struct {
	key partition.DecoratedKey
	mu  sync.Mutex
	row *column.Row
}

func entryLess(a, b *entry) bool {
	return a.key.Compare(b.key) < 0
}

// Entry pairs a partition key with a point-in-time view of its row.
type Entry struct {
	Key partition.DecoratedKey
	Row *column.Row
}

// Memtable is a concurrent sorted map of partition key to row. Many writers
// may Put under the store's read lock; iteration reads copy-on-write
// snapshots, so readers never block writers.
type Memtable struct {
	cmp   column.Comparator
	alloc *SlabAllocator
	ratio *LiveRatio

	mu   sync.RWMutex
	tree *btree.BTreeG[*entry]

	currentSize atomic.Int64
	operations  atomic.Int64
	state       atomic.Int32
	created     time.Time
}

func NewMemtable(cmp column.Comparator, ratio *LiveRatio) *Memtable {
	return &Memtable{
		cmp:     cmp,
		alloc:   NewSlabAllocator(),
		ratio:   ratio,
		tree:    btree.NewG(32, entryLess),
		created: time.Now(),
	}
}

// entryFor returns the entry holding dk's row, inserting an empty one with a
// slab-cloned key if absent. Losing an insert race means adopting the
// winner's entry.
func (m *Memtable) entryFor(dk partition.DecoratedKey) *entry {
	probe := &entry{key: dk}

	m.mu.RLock()
	e, ok := m.tree.Get(probe)
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tree.Get(probe); ok {
		return e
	}
	e = &entry{
		key: partition.DecoratedKey{Token: dk.Token, Key: m.alloc.Copy(dk.Key)},
		row: column.NewRow(m.cmp),
	}
	m.tree.ReplaceOrInsert(e)
	return e
}

// Put merges row into the partition at dk, deep-copying cell bytes through
// the slab allocator, and returns the serialized-size delta. The indexer
// observes every insert and replacement.
func (m *Memtable) Put(dk partition.DecoratedKey, row *column.Row, indexer column.Indexer) int64 {
	e := m.entryFor(dk)

	e.mu.Lock()
	delta := e.row.AddAll(row, m.alloc, indexer)
	e.mu.Unlock()

	m.currentSize.Add(delta)
	ops := int64(row.CellCount()) + int64(row.Deletion().RangeCount())
	if !row.Deletion().Top().IsLive() {
		ops++
	}
	m.operations.Add(ops)
	return delta
}

// Get returns a stable snapshot of the row stored at dk.
func (m *Memtable) Get(dk partition.DecoratedKey) (*column.Row, bool) {
	m.mu.RLock()
	e, ok := m.tree.Get(&entry{key: dk})
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.row.ShallowClone(), true
}

// snapshot clones the tree. The clone shares nodes with the live tree and
// stays consistent while writers keep inserting.
func (m *Memtable) snapshot() *btree.BTreeG[*entry] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Clone()
}

// Range returns the entries with from ≤ key ≤ to in key order, read from a
// point-in-time snapshot. Nil bounds are open ends.
func (m *Memtable) Range(from, to *partition.DecoratedKey) []Entry {
	snap := m.snapshot()
	out := make([]Entry, 0)
	visit := func(e *entry) bool {
		if to != nil && e.key.Compare(*to) > 0 {
			return false
		}
		e.mu.Lock()
		row := e.row.ShallowClone()
		e.mu.Unlock()
		out = append(out, Entry{Key: e.key, Row: row})
		return true
	}
	if from != nil {
		snap.AscendGreaterOrEqual(&entry{key: *from}, visit)
	} else {
		snap.Ascend(visit)
	}
	return out
}

// IsEmpty reports whether no partition has been touched. A memtable holding
// only tombstoned rows is not empty.
func (m *Memtable) IsEmpty() bool {
	return m.RowCount() == 0
}

// RowCount returns the number of distinct partitions written.
func (m *Memtable) RowCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// SerializedSize returns the accumulated on-disk size estimate in bytes.
func (m *Memtable) SerializedSize() int64 {
	return m.currentSize.Load()
}

// Operations returns the count of cell writes, row tombstones and range
// tombstones applied.
func (m *Memtable) Operations() int64 {
	return m.operations.Load()
}

// LiveSize estimates the heap held by this memtable: the serialized size
// scaled by the calibrated live ratio, floored by the slab regions already
// pinned. The flush threshold compares against this value.
func (m *Memtable) LiveSize() int64 {
	est := int64(float64(m.currentSize.Load()) * m.ratio.Value())
	if floor := m.alloc.MinimumSize(); est < floor {
		return floor
	}
	return est
}

// FlushEstimate returns the disk space to reserve before flushing: keys are
// written to both the index and the data file, and the flat 1.2 factor
// covers filter, summary and row-index overhead.
func (m *Memtable) FlushEstimate() int64 {
	var keyBytes int64
	m.snapshot().Ascend(func(e *entry) bool {
		keyBytes += int64(len(e.key.Key))
		return true
	})
	return int64(float64(2*keyBytes+m.currentSize.Load()) * 1.2)
}

// CreatedAt returns when this memtable started accepting writes. Compaction
// uses the oldest unflushed creation time to bound counter shard merging.
func (m *Memtable) CreatedAt() time.Time {
	return m.created
}

func (m *Memtable) State() State {
	return State(m.state.Load())
}

// MarkFlushing moves an active memtable to flushing. It returns false if the
// memtable was already switched out, so a racing second switch is a no-op.
func (m *Memtable) MarkFlushing() bool {
	return m.state.CompareAndSwap(int32(StateActive), int32(StateFlushing))
}

// MarkDone records that the flushed SSTable is live and this memtable's
// contents are redundant.
func (m *Memtable) MarkDone() {
	m.state.Store(int32(StateDone))
}
