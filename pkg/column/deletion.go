package column

import (
	"encoding/binary"
	"hash"
	"math"
	"sort"

	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

// DeletionTime is a deletion marker: the write timestamp at which everything
// older is deleted, plus the unix second the deletion happened locally.
type DeletionTime struct {
	MarkedForDeleteAt int64
	LocalDeletionTime int32
}

// LiveDeletion is the sentinel for "not deleted".
var LiveDeletion = DeletionTime{MarkedForDeleteAt: math.MinInt64, LocalDeletionTime: math.MaxInt32}

// IsLive reports whether this marker deletes nothing.
func (dt DeletionTime) IsLive() bool {
	return dt.MarkedForDeleteAt == math.MinInt64 && dt.LocalDeletionTime == math.MaxInt32
}

// Supersedes reports whether this marker shadows the other.
func (dt DeletionTime) Supersedes(other DeletionTime) bool {
	return dt.MarkedForDeleteAt > other.MarkedForDeleteAt
}

// WriteTo serializes the marker: localDeletionTime then markedForDeleteAt.
func (dt DeletionTime) WriteTo(b *pools.BufferBuilder) {
	b.WriteInt32BE(dt.LocalDeletionTime)
	b.WriteInt64BE(dt.MarkedForDeleteAt)
}

// DeletionTimeSize is the serialized size of a DeletionTime.
const DeletionTimeSize = 4 + 8

func (dt DeletionTime) digest(h hash.Hash) {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(dt.MarkedForDeleteAt))
	binary.BigEndian.PutUint32(buf[8:], uint32(dt.LocalDeletionTime))
	h.Write(buf[:])
}

// RangeTombstone deletes every cell whose name falls in [Start, End] with a
// timestamp at or below MarkedForDeleteAt.
type RangeTombstone struct {
	Start []byte
	End   []byte
	DeletionTime
}

func (rt RangeTombstone) Name() []byte        { return rt.Start }
func (rt RangeTombstone) MaxTimestamp() int64 { return rt.MarkedForDeleteAt }

func (rt RangeTombstone) SerializedSize() int64 {
	return int64(2+len(rt.Start)) + 1 + int64(2+len(rt.End)) + DeletionTimeSize
}

func (rt RangeTombstone) WriteTo(b *pools.BufferBuilder) {
	b.WriteShortBytes(rt.Start)
	b.WriteByte(RangeTombstoneMask)
	b.WriteShortBytes(rt.End)
	b.WriteInt32BE(rt.LocalDeletionTime)
	b.WriteInt64BE(rt.MarkedForDeleteAt)
}

// Covers reports whether the tombstone's range contains the name.
func (rt RangeTombstone) Covers(cmp Comparator, name []byte) bool {
	return cmp.Compare(rt.Start, name) <= 0 && cmp.Compare(name, rt.End) <= 0
}

// DeletionInfo is a row's deletion state: the row-level tombstone plus any
// range tombstones, kept ordered by start bound.
type DeletionInfo struct {
	top    DeletionTime
	ranges []RangeTombstone
}

// LiveDeletionInfo returns deletion state that deletes nothing.
func LiveDeletionInfo() DeletionInfo {
	return DeletionInfo{top: LiveDeletion}
}

// NewDeletionInfo builds row-level deletion state.
func NewDeletionInfo(markedForDeleteAt int64, localDeletionTime int32) DeletionInfo {
	return DeletionInfo{top: DeletionTime{MarkedForDeleteAt: markedForDeleteAt, LocalDeletionTime: localDeletionTime}}
}

// Top returns the row-level tombstone.
func (d DeletionInfo) Top() DeletionTime { return d.top }

// Ranges returns the range tombstones in start order.
func (d DeletionInfo) Ranges() []RangeTombstone { return d.ranges }

// RangeCount returns the number of range tombstones.
func (d DeletionInfo) RangeCount() int { return len(d.ranges) }

// IsLive reports whether nothing is deleted.
func (d DeletionInfo) IsLive() bool {
	return d.top.IsLive() && len(d.ranges) == 0
}

// WithTop returns a copy whose row-level tombstone is the superseding one.
func (d DeletionInfo) WithTop(dt DeletionTime) DeletionInfo {
	if dt.Supersedes(d.top) {
		d.top = dt
	}
	return d
}

// AddRange inserts a range tombstone preserving start order.
func (d DeletionInfo) AddRange(cmp Comparator, rt RangeTombstone) DeletionInfo {
	i := sort.Search(len(d.ranges), func(i int) bool {
		return cmp.Compare(d.ranges[i].Start, rt.Start) > 0
	})
	out := make([]RangeTombstone, 0, len(d.ranges)+1)
	out = append(out, d.ranges[:i]...)
	out = append(out, rt)
	out = append(out, d.ranges[i:]...)
	d.ranges = out
	return d
}

// Merge folds another row's deletion state into this one.
func (d DeletionInfo) Merge(cmp Comparator, other DeletionInfo) DeletionInfo {
	out := d.WithTop(other.top)
	for _, rt := range other.ranges {
		out = out.AddRange(cmp, rt)
	}
	return out
}

// IsDeleted reports whether the cell is shadowed by the row tombstone or by
// a covering range tombstone.
func (d DeletionInfo) IsDeleted(cmp Comparator, c Cell) bool {
	if c.Timestamp() <= d.top.MarkedForDeleteAt {
		return true
	}
	for _, rt := range d.ranges {
		if cmp.Compare(rt.Start, c.Name()) > 0 {
			break
		}
		if rt.Covers(cmp, c.Name()) && c.Timestamp() <= rt.MarkedForDeleteAt {
			return true
		}
	}
	return false
}

// MaxTimestamp is the newest deletion timestamp carried by this state.
func (d DeletionInfo) MaxTimestamp() int64 {
	max := d.top.MarkedForDeleteAt
	for _, rt := range d.ranges {
		if rt.MarkedForDeleteAt > max {
			max = rt.MarkedForDeleteAt
		}
	}
	return max
}

// MinLocalDeletionTime is the oldest local deletion second, or NoDeletionTime
// when nothing is deleted. Used for tombstone-age statistics.
func (d DeletionInfo) MinLocalDeletionTime() int32 {
	min := int32(NoDeletionTime)
	if !d.top.IsLive() && d.top.LocalDeletionTime < min {
		min = d.top.LocalDeletionTime
	}
	for _, rt := range d.ranges {
		if rt.LocalDeletionTime < min {
			min = rt.LocalDeletionTime
		}
	}
	return min
}

// HasIrrelevantData reports whether purging at gcBefore could drop any part
// of this deletion state.
func (d DeletionInfo) HasIrrelevantData(gcBefore int32) bool {
	if !d.top.IsLive() && d.top.LocalDeletionTime < gcBefore {
		return true
	}
	for _, rt := range d.ranges {
		if rt.LocalDeletionTime < gcBefore {
			return true
		}
	}
	return false
}

// PurgeTombstones drops deletion markers older than gcBefore.
func (d DeletionInfo) PurgeTombstones(gcBefore int32) DeletionInfo {
	out := d
	if !out.top.IsLive() && out.top.LocalDeletionTime < gcBefore {
		out.top = LiveDeletion
	}
	keep := out.ranges[:0:0]
	for _, rt := range out.ranges {
		if rt.LocalDeletionTime < gcBefore {
			continue
		}
		keep = append(keep, rt)
	}
	out.ranges = keep
	return out
}

// DataSize is the in-memory accounting size. A live state costs nothing.
func (d DeletionInfo) DataSize() int64 {
	var size int64
	if !d.top.IsLive() {
		size = DeletionTimeSize
	}
	for _, rt := range d.ranges {
		size += int64(len(rt.Start)+len(rt.End)) + DeletionTimeSize
	}
	return size
}

// Digest feeds the deletion state into a row digest.
func (d DeletionInfo) Digest(h hash.Hash) {
	d.top.digest(h)
	for _, rt := range d.ranges {
		h.Write(rt.Start)
		h.Write(rt.End)
		rt.DeletionTime.digest(h)
	}
}
