// Package commitlog defines the replay-position contract between the
// storage engine and whatever write-ahead log feeds it. The engine does not
// own log durability; it only records positions in SSTable stats and
// reports flush completion in position order so the log can discard
// segments.
package commitlog

import (
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

// ReplayPosition is a monotone (segment, offset) pair identifying a point
// in the commit log. Tables flushed from a memtable carry the position the
// memtable was current through; replay after a crash starts past the
// highest position found across live tables.
type ReplayPosition struct {
	Segment int64
	Offset  int32
}

// None marks tables with no replay obligation, such as compaction outputs
// rebuilt from other tables.
var None = ReplayPosition{Segment: -1, Offset: 0}

// IsNone reports whether the position carries no replay obligation.
func (rp ReplayPosition) IsNone() bool { return rp == None }

// Compare orders positions by segment, then offset.
func (rp ReplayPosition) Compare(other ReplayPosition) int {
	switch {
	case rp.Segment != other.Segment:
		if rp.Segment < other.Segment {
			return -1
		}
		return 1
	case rp.Offset != other.Offset:
		if rp.Offset < other.Offset {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (rp ReplayPosition) String() string {
	if rp.IsNone() {
		return "ReplayPosition(none)"
	}
	return fmt.Sprintf("ReplayPosition(%d, %d)", rp.Segment, rp.Offset)
}

// Max returns the later of two positions.
func Max(a, b ReplayPosition) ReplayPosition {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

// WriteTo serializes the position for the stats sidecar.
func (rp ReplayPosition) WriteTo(b *pools.BufferBuilder) {
	b.WriteInt64BE(rp.Segment)
	b.WriteInt32BE(rp.Offset)
}

// ReadReplayPosition deserializes a position written by WriteTo.
func ReadReplayPosition(r *pools.ByteReader) (ReplayPosition, error) {
	seg, err := r.Int64()
	if err != nil {
		return ReplayPosition{}, err
	}
	off, err := r.Int32()
	if err != nil {
		return ReplayPosition{}, err
	}
	return ReplayPosition{Segment: seg, Offset: off}, nil
}

// Log is the engine's view of the commit log. Context is sampled when a
// memtable is switched out; OnFlush is invoked once per flushed memtable,
// in position order, so the log can discard segments at or before the
// position.
type Log interface {
	Context() ReplayPosition
	OnFlush(pos ReplayPosition)
}

// NopLog is a Log for stores running without a commit log. Context always
// returns None and flush notifications are dropped.
type NopLog struct{}

func (NopLog) Context() ReplayPosition { return None }
func (NopLog) OnFlush(ReplayPosition)  {}

// CountingLog hands out increasing positions and records flush
// notifications in arrival order. It stands in for a real log in tests and
// benchmarks.
type CountingLog struct {
	Segment int64

	mu      sync.Mutex
	next    int32
	flushed []ReplayPosition
}

// Context returns the current position and advances the offset.
func (l *CountingLog) Context() ReplayPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	return ReplayPosition{Segment: l.Segment, Offset: l.next}
}

// OnFlush records the notification.
func (l *CountingLog) OnFlush(pos ReplayPosition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushed = append(l.flushed, pos)
}

// Flushed returns every notified position in arrival order.
func (l *CountingLog) Flushed() []ReplayPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ReplayPosition, len(l.flushed))
	copy(out, l.flushed)
	return out
}
