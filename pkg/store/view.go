package store

import (
	"github.com/dd0wney/cluso-tablestore/pkg/memtable"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

// View is one immutable snapshot of the store's readable sources: the
// active memtable, memtables being flushed, and the live table set with the
// subset currently feeding a compaction. Mutators build a fresh View and
// swap it in with a CAS loop; readers work against whatever View they
// loaded for the duration of one operation.
type View struct {
	memtable   *memtable.Memtable
	flushing   []*memtable.Memtable
	sstables   []*sstable.Reader
	compacting map[*sstable.Reader]struct{}
}

func newView(mt *memtable.Memtable, tables []*sstable.Reader) *View {
	return &View{
		memtable:   mt,
		sstables:   tables,
		compacting: map[*sstable.Reader]struct{}{},
	}
}

// Memtable returns the active memtable of this snapshot.
func (v *View) Memtable() *memtable.Memtable { return v.memtable }

// SSTables returns the live tables of this snapshot. Callers must not
// mutate the slice.
func (v *View) SSTables() []*sstable.Reader { return v.sstables }

// IsCompacting reports whether the table is an input of a running
// compaction in this snapshot.
func (v *View) IsCompacting(r *sstable.Reader) bool {
	_, ok := v.compacting[r]
	return ok
}

func (v *View) clone() *View {
	next := &View{
		memtable:   v.memtable,
		flushing:   append([]*memtable.Memtable(nil), v.flushing...),
		sstables:   append([]*sstable.Reader(nil), v.sstables...),
		compacting: make(map[*sstable.Reader]struct{}, len(v.compacting)),
	}
	for r := range v.compacting {
		next.compacting[r] = struct{}{}
	}
	return next
}

// updateView swaps in mut's result until the CAS lands.
func (s *Store) updateView(mut func(*View) *View) *View {
	for {
		cur := s.view.Load()
		next := mut(cur)
		if s.view.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// switchedView installs a fresh active memtable and moves the old one to
// the flushing list.
func (s *Store) switchedView(old, fresh *memtable.Memtable) {
	s.updateView(func(v *View) *View {
		next := v.clone()
		next.memtable = fresh
		next.flushing = append(next.flushing, old)
		return next
	})
}

// replaceFlushed retires a flushed memtable, publishing its table when one
// was produced.
func (s *Store) replaceFlushed(mt *memtable.Memtable, r *sstable.Reader) {
	s.updateView(func(v *View) *View {
		next := v.clone()
		for i, f := range next.flushing {
			if f == mt {
				next.flushing = append(next.flushing[:i:i], next.flushing[i+1:]...)
				break
			}
		}
		if r != nil {
			next.sstables = append(next.sstables, r)
		}
		return next
	})
}

// markCompacting claims the set for one compaction. It fails when any table
// is already claimed or no longer live.
func (s *Store) markCompacting(set []*sstable.Reader) bool {
	for {
		cur := s.view.Load()
		live := make(map[*sstable.Reader]struct{}, len(cur.sstables))
		for _, r := range cur.sstables {
			live[r] = struct{}{}
		}
		for _, r := range set {
			if _, ok := live[r]; !ok {
				return false
			}
			if _, ok := cur.compacting[r]; ok {
				return false
			}
		}
		next := cur.clone()
		for _, r := range set {
			next.compacting[r] = struct{}{}
		}
		if s.view.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// unmarkCompacting releases a claim without replacing anything, for aborted
// compactions.
func (s *Store) unmarkCompacting(set []*sstable.Reader) {
	s.updateView(func(v *View) *View {
		next := v.clone()
		for _, r := range set {
			delete(next.compacting, r)
		}
		return next
	})
}

// replaceCompacted swaps a compaction's inputs for its outputs in one view
// step, so no reader ever observes both or neither.
func (s *Store) replaceCompacted(inputs, outputs []*sstable.Reader) {
	drop := make(map[*sstable.Reader]struct{}, len(inputs))
	for _, r := range inputs {
		drop[r] = struct{}{}
	}
	s.updateView(func(v *View) *View {
		next := v.clone()
		kept := next.sstables[:0]
		for _, r := range next.sstables {
			if _, ok := drop[r]; !ok {
				kept = append(kept, r)
			}
		}
		next.sstables = append(kept[:len(kept):len(kept)], outputs...)
		for _, r := range inputs {
			delete(next.compacting, r)
		}
		return next
	})
}

// dropTable removes one table from the view, for suspect readers. It
// reports whether this call took the table out, so that concurrent
// removals of the same reader release the view's reference exactly once.
func (s *Store) dropTable(r *sstable.Reader) bool {
	for {
		v := s.view.Load()
		idx := -1
		for i, t := range v.sstables {
			if t == r {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false
		}
		next := v.clone()
		next.sstables = append(next.sstables[:idx:idx], next.sstables[idx+1:]...)
		delete(next.compacting, r)
		if s.view.CompareAndSwap(v, next) {
			return true
		}
	}
}

// acquire loads the current view and takes one reference per live table.
// Tables that lost their last reference in a race are retried against a
// fresh view.
func (s *Store) acquire() (*View, []*sstable.Reader) {
	for {
		v := s.view.Load()
		refs := make([]*sstable.Reader, 0, len(v.sstables))
		ok := true
		for _, r := range v.sstables {
			if !r.Ref() {
				ok = false
				break
			}
			refs = append(refs, r)
		}
		if ok {
			return v, refs
		}
		release(refs)
	}
}

func release(refs []*sstable.Reader) {
	for _, r := range refs {
		r.Unref()
	}
}
