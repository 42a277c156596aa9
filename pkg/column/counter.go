package column

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash"
	"sort"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

const counterShardSize = 16 + 8 + 8

// CounterShard is one replica's contribution to a counter: the shard owner,
// a logical clock, and the accumulated count at that clock.
type CounterShard struct {
	ID    uuid.UUID
	Clock int64
	Count int64
}

// CounterCell is a distributed counter. Shards are kept sorted by owner id;
// the counter's visible value is the sum of the shard counts.
type CounterCell struct {
	name       []byte
	shards     []CounterShard
	ts         int64
	lastDelete int64
}

// NewCounter builds a counter cell from shards. The shard slice is sorted in
// place by owner id.
func NewCounter(name []byte, shards []CounterShard, ts, timestampOfLastDelete int64) *CounterCell {
	sortShards(shards)
	return &CounterCell{name: name, shards: shards, ts: ts, lastDelete: timestampOfLastDelete}
}

func sortShards(shards []CounterShard) {
	sort.Slice(shards, func(i, j int) bool {
		return bytes.Compare(shards[i].ID[:], shards[j].ID[:]) < 0
	})
}

func (c *CounterCell) Name() []byte        { return c.name }
func (c *CounterCell) Timestamp() int64    { return c.ts }
func (c *CounterCell) MaxTimestamp() int64 { return c.ts }
func (c *CounterCell) Kind() Kind          { return KindCounter }

func (c *CounterCell) Shards() []CounterShard { return c.shards }

// TimestampOfLastDelete records the newest tombstone this counter absorbed.
func (c *CounterCell) TimestampOfLastDelete() int64 { return c.lastDelete }

// Total is the counter's visible value.
func (c *CounterCell) Total() int64 {
	var sum int64
	for _, s := range c.shards {
		sum += s.Count
	}
	return sum
}

// Value is the serialized shard context.
func (c *CounterCell) Value() []byte {
	out := make([]byte, 0, len(c.shards)*counterShardSize)
	for _, s := range c.shards {
		out = append(out, s.ID[:]...)
		var buf [16]byte
		binary.BigEndian.PutUint64(buf[:8], uint64(s.Clock))
		binary.BigEndian.PutUint64(buf[8:], uint64(s.Count))
		out = append(out, buf[:]...)
	}
	return out
}

// counterShardsFromContext parses a serialized shard context.
func counterShardsFromContext(value []byte) ([]CounterShard, error) {
	if len(value)%counterShardSize != 0 {
		return nil, fmt.Errorf("counter context has %d bytes, not a multiple of %d", len(value), counterShardSize)
	}
	n := len(value) / counterShardSize
	shards := make([]CounterShard, 0, n)
	for i := 0; i < n; i++ {
		off := i * counterShardSize
		var s CounterShard
		copy(s.ID[:], value[off:off+16])
		s.Clock = int64(binary.BigEndian.Uint64(value[off+16 : off+24]))
		s.Count = int64(binary.BigEndian.Uint64(value[off+24 : off+32]))
		shards = append(shards, s)
	}
	return shards, nil
}

func (c *CounterCell) LocalDeletionTime() int32 { return NoDeletionTime }

func (c *CounterCell) IsMarkedForDelete(now int32) bool { return false }

func (c *CounterCell) HasIrrelevantData(gcBefore int32) bool { return false }

func (c *CounterCell) DataSize() int64 {
	return int64(len(c.name)) + int64(len(c.shards)*counterShardSize) + 16
}

func (c *CounterCell) SerializedSize() int64 {
	// short name + flags + lastDelete + timestamp + value
	return int64(2+len(c.name)) + 1 + 8 + 8 + int64(4+len(c.shards)*counterShardSize)
}

func (c *CounterCell) WriteTo(b *pools.BufferBuilder) {
	value := c.Value()
	b.WriteShortBytes(c.name)
	b.WriteByte(CounterMask)
	b.WriteInt64BE(c.lastDelete)
	b.WriteInt64BE(c.ts)
	b.WriteInt32BE(int32(len(value)))
	b.Write(value)
}

func (c *CounterCell) Clone(alloc ByteAllocator) Cell {
	shards := make([]CounterShard, len(c.shards))
	copy(shards, c.shards)
	return &CounterCell{name: alloc.Copy(c.name), shards: shards, ts: c.ts, lastDelete: c.lastDelete}
}

func (c *CounterCell) Digest(h hash.Hash) {
	digestCell(h, c.name, c.Value(), c.ts, CounterMask)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(c.lastDelete))
	h.Write(buf[:])
}

// Reconcile merges counter state. Against another counter the shard sets are
// unioned, keeping the higher clock per shard owner. Against a tombstone the
// newer timestamp wins; a surviving counter remembers the delete so stale
// shards can be clamped later.
func (c *CounterCell) Reconcile(other Cell) Cell {
	switch o := other.(type) {
	case *DeletedCell:
		if o.Timestamp() > c.ts {
			return o
		}
		if o.Timestamp() > c.lastDelete {
			return &CounterCell{name: c.name, shards: c.shards, ts: c.ts, lastDelete: o.Timestamp()}
		}
		return c
	case *CounterCell:
		merged := MergeShards(c.shards, o.shards)
		ts := c.ts
		if o.ts > ts {
			ts = o.ts
		}
		lastDelete := c.lastDelete
		if o.lastDelete > lastDelete {
			lastDelete = o.lastDelete
		}
		return &CounterCell{name: c.name, shards: merged, ts: ts, lastDelete: lastDelete}
	default:
		// A live write to a counter name is undefined; newest timestamp wins.
		if other.Timestamp() > c.ts {
			return other
		}
		return c
	}
}

// MergeShards unions two sorted shard lists, keeping the entry with the
// higher clock (then higher count) per shard owner.
func MergeShards(a, b []CounterShard) []CounterShard {
	out := make([]CounterShard, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		cmp := bytes.Compare(a[i].ID[:], b[j].ID[:])
		switch {
		case cmp < 0:
			out = append(out, a[i])
			i++
		case cmp > 0:
			out = append(out, b[j])
			j++
		default:
			win := a[i]
			if b[j].Clock > win.Clock || (b[j].Clock == win.Clock && b[j].Count > win.Count) {
				win = b[j]
			}
			out = append(out, win)
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// RemoveOldShards drops shards whose clock is older than the given bound,
// returning the receiver when nothing changes.
func (c *CounterCell) RemoveOldShards(before int64) *CounterCell {
	keep := c.shards[:0:0]
	changed := false
	for _, s := range c.shards {
		if s.Clock < before {
			changed = true
			continue
		}
		keep = append(keep, s)
	}
	if !changed {
		return c
	}
	return &CounterCell{name: c.name, shards: keep, ts: c.ts, lastDelete: c.lastDelete}
}
