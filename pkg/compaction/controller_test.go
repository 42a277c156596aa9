package compaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

func TestController_ShouldPurgeWithNoOverlap(t *testing.T) {
	ctl := testController(t, nil, 200)

	assert.True(t, ctl.ShouldPurge(testKey("k"), 100))
}

func TestController_ShouldPurgeDeniedByOlderOverlap(t *testing.T) {
	dir := t.TempDir()
	older := writeTable(t, dir, 1, map[string]*column.Row{
		"k": rowWithCells(column.NewLive([]byte("c"), []byte("v"), 5)),
	})
	ctl := testController(t, []*sstable.Reader{older}, 200)

	// The overlapping table holds data at timestamp 5, which a tombstone
	// stamped 10 still needs to shadow.
	assert.False(t, ctl.ShouldPurge(testKey("k"), 10))
}

func TestController_ShouldPurgeAllowedByNewerOverlap(t *testing.T) {
	dir := t.TempDir()
	newer := writeTable(t, dir, 1, map[string]*column.Row{
		"k": rowWithCells(column.NewLive([]byte("c"), []byte("v"), 50)),
	})
	ctl := testController(t, []*sstable.Reader{newer}, 200)

	// Everything in the overlapping table postdates the tombstone.
	assert.True(t, ctl.ShouldPurge(testKey("k"), 10))
}

func TestController_ShouldPurgeAllowedOutsideTokenRange(t *testing.T) {
	dir := t.TempDir()
	tbl := writeTable(t, dir, 1, map[string]*column.Row{
		"a": rowWithCells(column.NewLive([]byte("c"), []byte("v"), 5)),
		"f": rowWithCells(column.NewLive([]byte("c"), []byte("v"), 5)),
	})
	ctl := testController(t, []*sstable.Reader{tbl}, 200)

	assert.True(t, ctl.ShouldPurge(testKey("zzz"), 100))
}

func TestController_CompactedRowPicksMaterialization(t *testing.T) {
	small := NewController(ControllerOptions{
		Comparator:    testCmp,
		GCBefore:      0,
		InMemoryLimit: 1 << 20,
		Logger:        logging.NewNopLogger(),
	})
	defer small.Close()
	large := NewController(ControllerOptions{
		Comparator:    testCmp,
		GCBefore:      0,
		InMemoryLimit: 0,
		Logger:        logging.NewNopLogger(),
	})
	defer large.Close()

	inputs := []*column.Row{rowWithCells(column.NewLive([]byte("c"), []byte("v"), 1))}

	_, ok := small.CompactedRow(testKey("k"), inputs).(*PrecompactedRow)
	assert.True(t, ok, "row under the limit should merge in memory")
	_, ok = large.CompactedRow(testKey("k"), inputs).(*LazilyCompactedRow)
	assert.True(t, ok, "row over the limit should stream")
}

type recordingInvalidator struct {
	keys []partition.DecoratedKey
}

func (r *recordingInvalidator) Invalidate(dk partition.DecoratedKey) {
	r.keys = append(r.keys, dk)
}

func TestController_CompactedRowInvalidatesRowCache(t *testing.T) {
	inv := &recordingInvalidator{}
	ctl := NewController(ControllerOptions{
		Comparator:    testCmp,
		InMemoryLimit: 1 << 20,
		RowCache:      inv,
		Logger:        logging.NewNopLogger(),
	})
	defer ctl.Close()

	ctl.CompactedRow(testKey("k"), []*column.Row{rowWithCells(column.NewLive([]byte("c"), []byte("v"), 1))})

	require.Len(t, inv.keys, 1)
	assert.Equal(t, []byte("k"), inv.keys[0].Key)
}
