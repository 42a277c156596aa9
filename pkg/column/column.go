package column

import (
	"bytes"
	"encoding/binary"
	"hash"
	"math"

	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

// Serialization flag masks, one bit per cell variant.
const (
	DeletionMask       = 0x01
	ExpirationMask     = 0x02
	CounterMask        = 0x04
	CounterUpdateMask  = 0x08
	RangeTombstoneMask = 0x10
)

// NoDeletionTime marks a cell that carries no local deletion time.
const NoDeletionTime = math.MaxInt32

// Kind tags the cell variant.
type Kind uint8

const (
	KindLive Kind = iota
	KindExpiring
	KindDeleted
	KindCounter
)

// ByteAllocator copies byte slices into caller-owned memory. The memtable
// slab allocator implements it; HeapAllocator is the trivial fallback.
type ByteAllocator interface {
	Copy(b []byte) []byte
}

// HeapAllocator copies through the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Copy(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Atom is one element of a row's on-disk cell stream: a cell or a range
// tombstone. For range tombstones Name returns the start bound.
type Atom interface {
	Name() []byte
	MaxTimestamp() int64
	SerializedSize() int64
	WriteTo(b *pools.BufferBuilder)
}

// Cell is a single column instance within a row.
type Cell interface {
	Atom

	Value() []byte
	Timestamp() int64
	Kind() Kind

	// LocalDeletionTime is the tombstone/expiry time in unix seconds, or
	// NoDeletionTime for plain live cells.
	LocalDeletionTime() int32

	// IsMarkedForDelete reports whether the cell acts as a tombstone at the
	// given time (unix seconds).
	IsMarkedForDelete(now int32) bool

	// HasIrrelevantData reports whether purging with the given gcBefore
	// threshold could remove data from this cell.
	HasIrrelevantData(gcBefore int32) bool

	// Reconcile merges this cell with another cell of the same name and
	// returns the survivor.
	Reconcile(other Cell) Cell

	// DataSize is the in-memory payload size used for memtable accounting.
	DataSize() int64

	// Clone deep-copies the cell through the allocator.
	Clone(alloc ByteAllocator) Cell

	// Digest feeds the cell's identity into a row digest.
	Digest(h hash.Hash)
}

// LiveCell is a regular column: name, value, write timestamp.
type LiveCell struct {
	name  []byte
	value []byte
	ts    int64
}

// NewLive builds a live cell.
func NewLive(name, value []byte, ts int64) *LiveCell {
	return &LiveCell{name: name, value: value, ts: ts}
}

func (c *LiveCell) Name() []byte             { return c.name }
func (c *LiveCell) Value() []byte            { return c.value }
func (c *LiveCell) Timestamp() int64         { return c.ts }
func (c *LiveCell) MaxTimestamp() int64      { return c.ts }
func (c *LiveCell) Kind() Kind               { return KindLive }
func (c *LiveCell) LocalDeletionTime() int32 { return NoDeletionTime }

func (c *LiveCell) IsMarkedForDelete(now int32) bool { return false }

func (c *LiveCell) HasIrrelevantData(gcBefore int32) bool { return false }

func (c *LiveCell) DataSize() int64 {
	return int64(len(c.name) + len(c.value) + 8)
}

func (c *LiveCell) SerializedSize() int64 {
	// short name + flags + timestamp + int-length value
	return int64(2+len(c.name)) + 1 + 8 + int64(4+len(c.value))
}

func (c *LiveCell) WriteTo(b *pools.BufferBuilder) {
	b.WriteShortBytes(c.name)
	b.WriteByte(0)
	b.WriteInt64BE(c.ts)
	b.WriteInt32BE(int32(len(c.value)))
	b.Write(c.value)
}

func (c *LiveCell) Clone(alloc ByteAllocator) Cell {
	return &LiveCell{name: alloc.Copy(c.name), value: alloc.Copy(c.value), ts: c.ts}
}

func (c *LiveCell) Digest(h hash.Hash) {
	digestCell(h, c.name, c.value, c.ts, 0)
}

func (c *LiveCell) Reconcile(other Cell) Cell {
	return reconcileWithLive(c, other)
}

// ExpiringCell is a live cell with a TTL. localExpiration is the unix second
// at which it turns into a tombstone.
type ExpiringCell struct {
	LiveCell
	ttl             int32
	localExpiration int32
}

// NewExpiring builds an expiring cell.
func NewExpiring(name, value []byte, ts int64, ttl, localExpiration int32) *ExpiringCell {
	return &ExpiringCell{
		LiveCell:        LiveCell{name: name, value: value, ts: ts},
		ttl:             ttl,
		localExpiration: localExpiration,
	}
}

func (c *ExpiringCell) Kind() Kind               { return KindExpiring }
func (c *ExpiringCell) TTL() int32               { return c.ttl }
func (c *ExpiringCell) LocalDeletionTime() int32 { return c.localExpiration }

func (c *ExpiringCell) IsMarkedForDelete(now int32) bool { return now >= c.localExpiration }

func (c *ExpiringCell) HasIrrelevantData(gcBefore int32) bool {
	return c.localExpiration < gcBefore
}

func (c *ExpiringCell) DataSize() int64 {
	return c.LiveCell.DataSize() + 8
}

func (c *ExpiringCell) SerializedSize() int64 {
	// short name + flags + ttl + localExpiration + timestamp + value
	return int64(2+len(c.name)) + 1 + 4 + 4 + 8 + int64(4+len(c.value))
}

func (c *ExpiringCell) WriteTo(b *pools.BufferBuilder) {
	b.WriteShortBytes(c.name)
	b.WriteByte(ExpirationMask)
	b.WriteInt32BE(c.ttl)
	b.WriteInt32BE(c.localExpiration)
	b.WriteInt64BE(c.ts)
	b.WriteInt32BE(int32(len(c.value)))
	b.Write(c.value)
}

func (c *ExpiringCell) Clone(alloc ByteAllocator) Cell {
	return &ExpiringCell{
		LiveCell:        LiveCell{name: alloc.Copy(c.name), value: alloc.Copy(c.value), ts: c.ts},
		ttl:             c.ttl,
		localExpiration: c.localExpiration,
	}
}

func (c *ExpiringCell) Digest(h hash.Hash) {
	digestCell(h, c.name, c.value, c.ts, ExpirationMask)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(c.ttl))
	h.Write(buf[:])
}

func (c *ExpiringCell) Reconcile(other Cell) Cell {
	return reconcileWithLive(c, other)
}

// DeletedCell is a cell tombstone. Its value carries the local deletion time
// so the wire shape matches the other variants.
type DeletedCell struct {
	name          []byte
	localDeletion int32
	ts            int64
}

// NewDeleted builds a cell tombstone.
func NewDeleted(name []byte, localDeletion int32, ts int64) *DeletedCell {
	return &DeletedCell{name: name, localDeletion: localDeletion, ts: ts}
}

func (c *DeletedCell) Name() []byte { return c.name }

func (c *DeletedCell) Value() []byte {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(c.localDeletion))
	return v
}

func (c *DeletedCell) Timestamp() int64         { return c.ts }
func (c *DeletedCell) MaxTimestamp() int64      { return c.ts }
func (c *DeletedCell) Kind() Kind               { return KindDeleted }
func (c *DeletedCell) LocalDeletionTime() int32 { return c.localDeletion }

func (c *DeletedCell) IsMarkedForDelete(now int32) bool { return true }

func (c *DeletedCell) HasIrrelevantData(gcBefore int32) bool {
	return c.localDeletion < gcBefore
}

func (c *DeletedCell) DataSize() int64 {
	return int64(len(c.name)) + 4 + 8
}

func (c *DeletedCell) SerializedSize() int64 {
	return int64(2+len(c.name)) + 1 + 8 + 4 + 4
}

func (c *DeletedCell) WriteTo(b *pools.BufferBuilder) {
	b.WriteShortBytes(c.name)
	b.WriteByte(DeletionMask)
	b.WriteInt64BE(c.ts)
	b.WriteInt32BE(4)
	b.WriteInt32BE(c.localDeletion)
}

func (c *DeletedCell) Clone(alloc ByteAllocator) Cell {
	return &DeletedCell{name: alloc.Copy(c.name), localDeletion: c.localDeletion, ts: c.ts}
}

func (c *DeletedCell) Digest(h hash.Hash) {
	digestCell(h, c.name, c.Value(), c.ts, DeletionMask)
}

func (c *DeletedCell) Reconcile(other Cell) Cell {
	// Between two tombstones the newer wins, receiver on ties. Anything else
	// is delegated so the outcome matches reconciling in the other order.
	if o, ok := other.(*DeletedCell); ok {
		if c.ts < o.ts {
			return o
		}
		return c
	}
	return other.Reconcile(c)
}

// reconcileWithLive implements last-writer-wins between a live-ish cell and
// any other cell: higher timestamp wins; on ties a tombstone beats a value
// and equal-timestamp values fall back to a byte comparison so the outcome
// is deterministic across replicas.
func reconcileWithLive(c Cell, other Cell) Cell {
	if d, ok := other.(*DeletedCell); ok {
		if d.Timestamp() >= c.Timestamp() {
			return d
		}
		return c
	}
	if c.Timestamp() == other.Timestamp() {
		if bytes.Compare(c.Value(), other.Value()) < 0 {
			return other
		}
		return c
	}
	if c.Timestamp() < other.Timestamp() {
		return other
	}
	return c
}

func digestCell(h hash.Hash, name, value []byte, ts int64, flags byte) {
	h.Write(name)
	h.Write(value)
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(ts))
	buf[8] = flags
	h.Write(buf[:])
}
