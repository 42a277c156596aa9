package compaction

import (
	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

// counterShardGraceSeconds pads the oldest unflushed memtable time before
// counter shards may be merged away, covering clock skew between replicas.
const counterShardGraceSeconds = 5 * 3600

// RowInvalidator drops a cached merged row. The row cache implements it;
// compaction invalidates whenever it materializes a row so a stale merge
// never outlives its inputs.
type RowInvalidator interface {
	Invalidate(dk partition.DecoratedKey)
}

// ControllerOptions configures one compaction's purge decisions.
type ControllerOptions struct {
	Comparator column.Comparator

	// Overlapping holds every live table outside the compaction set whose
	// token range intersects the set. The controller takes its own references
	// and releases them on Close.
	Overlapping []*sstable.Reader

	// GCBefore is the local-deletion-time threshold below which tombstones
	// are eligible for purge.
	GCBefore int32

	// OldestUnflushedSeconds is the creation time, in unix seconds, of the
	// oldest memtable not yet flushed. Counter shards newer than this plus
	// the grace window must survive the merge.
	OldestUnflushedSeconds int64

	// InMemoryLimit bounds the summed input size a row may have and still be
	// merged fully in memory.
	InMemoryLimit int64

	RowCache RowInvalidator
	Indexer  column.Indexer
	Logger   logging.Logger
}

// Controller carries the per-compaction context: which tables outside the
// set could still shadow a key, and therefore whether tombstones may be
// dropped.
type Controller struct {
	cmp              column.Comparator
	overlapping      []*sstable.Reader
	tree             *IntervalTree
	gcBefore         int32
	mergeShardBefore int64
	inMemoryLimit    int64
	rowCache         RowInvalidator
	indexer          column.Indexer
	logger           logging.Logger
}

// NewController builds the context for one compaction set. Overlapping
// tables that cannot be referenced anymore (already fully released) are
// skipped; their data is gone, so they cannot require tombstone
// preservation either.
func NewController(opts ControllerOptions) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	indexer := opts.Indexer
	if indexer == nil {
		indexer = column.NopIndexer{}
	}

	held := make([]*sstable.Reader, 0, len(opts.Overlapping))
	intervals := make([]Interval, 0, len(opts.Overlapping))
	for _, t := range opts.Overlapping {
		if !t.Ref() {
			continue
		}
		held = append(held, t)
		intervals = append(intervals, Interval{
			Min:   t.First().Token,
			Max:   t.Last().Token,
			Table: t,
		})
	}

	return &Controller{
		cmp:              opts.Comparator,
		overlapping:      held,
		tree:             NewIntervalTree(intervals),
		gcBefore:         opts.GCBefore,
		mergeShardBefore: opts.OldestUnflushedSeconds + counterShardGraceSeconds,
		inMemoryLimit:    opts.InMemoryLimit,
		rowCache:         opts.RowCache,
		indexer:          indexer,
		logger:           logger,
	}
}

// GCBefore returns the tombstone purge threshold for this compaction.
func (c *Controller) GCBefore() int32 { return c.gcBefore }

// MergeShardBefore returns the clock bound below which counter shards may be
// dropped during a purging merge.
func (c *Controller) MergeShardBefore() int64 { return c.mergeShardBefore }

// ShouldPurge reports whether tombstones for the key may be dropped: only
// when no table outside the compaction set could hold data old enough for
// the tombstones to still matter. A bloom false positive keeps tombstones
// alive, never the reverse.
func (c *Controller) ShouldPurge(dk partition.DecoratedKey, maxDeletionTimestamp int64) bool {
	for _, t := range c.tree.Stab(dk.Token) {
		if t.Stats().MinTimestamp > maxDeletionTimestamp {
			continue
		}
		if t.MayContainKey(dk.Key) {
			return false
		}
	}
	return true
}

// CompactedRow picks the materialization for one key's worth of input rows:
// fully in memory under the limit, streamed in two passes above it.
func (c *Controller) CompactedRow(dk partition.DecoratedKey, inputs []*column.Row) CompactedRow {
	c.InvalidateCachedRow(dk)

	var size int64
	for _, in := range inputs {
		size += in.SerializedSize()
	}
	if size <= c.inMemoryLimit {
		return newPrecompactedRow(dk, inputs, c)
	}
	c.logger.Debug("row over in-memory compaction limit, streaming",
		logging.Int64("size", size),
		logging.Int64("limit", c.inMemoryLimit))
	return newLazilyCompactedRow(dk, inputs, c)
}

// InvalidateCachedRow drops any cached merge of the key.
func (c *Controller) InvalidateCachedRow(dk partition.DecoratedKey) {
	if c.rowCache != nil {
		c.rowCache.Invalidate(dk)
	}
}

// Close releases the references on the overlapping tables. Idempotent.
func (c *Controller) Close() {
	for _, t := range c.overlapping {
		t.Unref()
	}
	c.overlapping = nil
}
