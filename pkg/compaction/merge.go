package compaction

import (
	"container/heap"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
)

// MergeDeletionInfo folds the deletion state of every input row into one.
// Range tombstones travel on the deletion info, so gathering them out of the
// cell stream happens here.
func MergeDeletionInfo(cmp column.Comparator, inputs []*column.Row) column.DeletionInfo {
	out := column.LiveDeletionInfo()
	for _, in := range inputs {
		out = out.Merge(cmp, in.Deletion())
	}
	return out
}

// cellCursor walks one input row's cells in clustering order.
type cellCursor struct {
	cells []column.Cell
	pos   int
	src   int
}

func (c *cellCursor) head() column.Cell { return c.cells[c.pos] }
func (c *cellCursor) done() bool        { return c.pos >= len(c.cells) }

// cursorHeap orders cursors by their head cell's name, breaking ties by
// input position so reduction order is deterministic.
type cursorHeap struct {
	cmp     column.Comparator
	cursors []*cellCursor
}

func (h *cursorHeap) Len() int { return len(h.cursors) }

func (h *cursorHeap) Less(i, j int) bool {
	c := h.cmp.Compare(h.cursors[i].head().Name(), h.cursors[j].head().Name())
	if c != 0 {
		return c < 0
	}
	return h.cursors[i].src < h.cursors[j].src
}

func (h *cursorHeap) Swap(i, j int) {
	h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i]
}

func (h *cursorHeap) Push(x any) {
	h.cursors = append(h.cursors, x.(*cellCursor))
}

func (h *cursorHeap) Pop() any {
	old := h.cursors
	n := len(old)
	x := old[n-1]
	h.cursors = old[:n-1]
	return x
}

// CellMerger is a k-way merge over PK-aligned input rows that reduces
// equal-named cells to a single survivor. The indexer observes each time a
// previously reduced cell loses to a newer one carrying a different value,
// which is when a secondary index entry becomes stale.
type CellMerger struct {
	cmp     column.Comparator
	heap    *cursorHeap
	indexer column.Indexer
}

// NewCellMerger starts a merge over the given rows' cells.
func NewCellMerger(cmp column.Comparator, inputs []*column.Row, indexer column.Indexer) *CellMerger {
	if indexer == nil {
		indexer = column.NopIndexer{}
	}
	h := &cursorHeap{cmp: cmp}
	for i, in := range inputs {
		if cells := in.Cells(); len(cells) > 0 {
			h.cursors = append(h.cursors, &cellCursor{cells: cells, src: i})
		}
	}
	heap.Init(h)
	return &CellMerger{cmp: cmp, heap: h, indexer: indexer}
}

// Next returns the reduced cell for the smallest remaining name, or nil when
// every input is exhausted.
func (m *CellMerger) Next() column.Cell {
	if m.heap.Len() == 0 {
		return nil
	}

	cur := m.heap.cursors[0]
	reduced := cur.head()
	name := reduced.Name()
	m.advance(cur)

	for m.heap.Len() > 0 && m.cmp.Compare(m.heap.cursors[0].head().Name(), name) == 0 {
		cur = m.heap.cursors[0]
		next := cur.head()
		m.advance(cur)

		winner := reduced.Reconcile(next)
		if winner != reduced && !bytesEqual(winner.Value(), reduced.Value()) {
			m.indexer.Remove(reduced)
		}
		reduced = winner
	}
	return reduced
}

func (m *CellMerger) advance(cur *cellCursor) {
	cur.pos++
	if cur.done() {
		heap.Pop(m.heap)
	} else {
		heap.Fix(m.heap, 0)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MergeRows materializes the full merge of PK-aligned rows: reconciled cells
// plus the union of their deletion state. Shadowed cells are kept; callers
// decide what RemoveDeleted threshold applies.
func MergeRows(cmp column.Comparator, inputs []*column.Row, indexer column.Indexer) *column.Row {
	if len(inputs) == 1 && indexer == nil {
		return inputs[0].ShallowClone()
	}
	out := column.NewRow(cmp)
	out.ApplyDeletion(MergeDeletionInfo(cmp, inputs))
	merger := NewCellMerger(cmp, inputs, indexer)
	for c := merger.Next(); c != nil; c = merger.Next() {
		out.AddCell(c)
	}
	return out
}
