package memtable

import (
	"sync"
	"sync/atomic"
)

const (
	// regionSize is the fixed carve-out unit. Regions are retired wholesale
	// with the memtable that owns them, never individually.
	regionSize = 1 << 20

	// maxSlabCopy is the largest value cloned into a region. Anything bigger
	// would strand too much of a region on rollover and goes to the heap.
	maxSlabCopy = regionSize / 8
)

// region is a bump-pointer byte arena. alloc never reuses freed space.
type region struct {
	data []byte
	off  atomic.Int64
}

func (r *region) alloc(n int) []byte {
	for {
		off := r.off.Load()
		end := off + int64(n)
		if end > int64(len(r.data)) {
			return nil
		}
		if r.off.CompareAndSwap(off, end) {
			return r.data[off:end:end]
		}
	}
}

// SlabAllocator clones keys and cell payloads into memtable-scoped regions
// so millions of small writes do not become millions of small heap objects.
// It implements column.ByteAllocator. Safe for concurrent use.
type SlabAllocator struct {
	mu      sync.Mutex
	current atomic.Pointer[region]
	regions atomic.Int64
}

func NewSlabAllocator() *SlabAllocator {
	return &SlabAllocator{}
}

// Copy clones b into region-backed memory. The result never aliases b and
// has no spare capacity, so appends by the caller cannot bleed into
// neighbouring allocations.
func (a *SlabAllocator) Copy(b []byte) []byte {
	if b == nil {
		return nil
	}
	if len(b) == 0 {
		return []byte{}
	}
	if len(b) > maxSlabCopy {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	for {
		r := a.current.Load()
		if r != nil {
			if out := r.alloc(len(b)); out != nil {
				copy(out, b)
				return out
			}
		}
		a.grow(r)
	}
}

// grow installs a fresh region unless another writer already replaced prev.
func (a *SlabAllocator) grow(prev *region) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current.Load() != prev {
		return
	}
	a.current.Store(&region{data: make([]byte, regionSize)})
	a.regions.Add(1)
}

// MinimumSize is the memory pinned by the regions themselves. Live-size
// estimates are floored here: even a sparsely used region holds its full
// footprint until the memtable goes away.
func (a *SlabAllocator) MinimumSize() int64 {
	return a.regions.Load() * regionSize
}
