package compaction

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

func TestPrecompactedRow_PurgeDropsExpiredTombstone(t *testing.T) {
	ctl := testController(t, nil, 200)
	inputs := []*column.Row{rowWithCells(column.NewDeleted([]byte("c"), 100, 10))}

	out := ctl.CompactedRow(testKey("k"), inputs)

	assert.True(t, out.IsEmpty(), "expired tombstone with no shadowed data should purge away")
}

func TestPrecompactedRow_PurgeDeniedKeepsTombstone(t *testing.T) {
	dir := t.TempDir()
	older := writeTable(t, dir, 1, map[string]*column.Row{
		"k": rowWithCells(column.NewLive([]byte("c"), []byte("v"), 5)),
	})
	ctl := testController(t, []*sstable.Reader{older}, 200)
	inputs := []*column.Row{rowWithCells(column.NewDeleted([]byte("c"), 100, 10))}

	out := ctl.CompactedRow(testKey("k"), inputs).(*PrecompactedRow)

	require.False(t, out.IsEmpty())
	got := out.Row().GetCell([]byte("c"))
	require.NotNil(t, got)
	assert.Equal(t, column.KindDeleted, got.Kind(), "tombstone must survive while older data exists outside the set")
}

func TestPrecompactedRow_RowTombstoneShadowsCells(t *testing.T) {
	ctl := testController(t, nil, 0)
	row := rowWithCells(column.NewLive([]byte("c"), []byte("v"), 50))
	row.Delete(column.DeletionTime{MarkedForDeleteAt: 100, LocalDeletionTime: 2_000_000_000})

	out := ctl.CompactedRow(testKey("k"), []*column.Row{row}).(*PrecompactedRow)

	assert.Equal(t, 0, out.Row().CellCount(), "shadowed cells drop even without purging")
	assert.False(t, out.IsEmpty(), "the row tombstone itself must survive")
	assert.Equal(t, int64(100), out.Row().Deletion().Top().MarkedForDeleteAt)
}

func TestPrecompactedRow_ClampsCounterShardsOnPurge(t *testing.T) {
	ctl := NewController(ControllerOptions{
		Comparator:             testCmp,
		GCBefore:               200,
		OldestUnflushedSeconds: 0,
		InMemoryLimit:          64 << 20,
		Logger:                 logging.NewNopLogger(),
	})
	t.Cleanup(ctl.Close)

	inputs := []*column.Row{rowWithCells(
		column.NewCounter([]byte("hits"), []column.CounterShard{
			{ID: [16]byte{1}, Clock: 5, Count: 3},
			{ID: [16]byte{2}, Clock: 1 << 40, Count: 7},
		}, 10, 0),
		column.NewDeleted([]byte("z"), 100, 1),
	)}

	out := ctl.CompactedRow(testKey("k"), inputs).(*PrecompactedRow)

	assert.Nil(t, out.Row().GetCell([]byte("z")), "expired tombstone should purge")
	counter := out.Row().GetCell([]byte("hits")).(*column.CounterCell)
	require.Len(t, counter.Shards(), 1, "shards older than the merge bound drop during a purging merge")
	assert.Equal(t, int64(7), counter.Total())
}

func TestPrecompactedRow_KeepsShardsWhenPurgeDenied(t *testing.T) {
	dir := t.TempDir()
	older := writeTable(t, dir, 1, map[string]*column.Row{
		"k": rowWithCells(column.NewLive([]byte("c"), []byte("v"), 0)),
	})
	ctl := NewController(ControllerOptions{
		Comparator:             testCmp,
		Overlapping:            []*sstable.Reader{older},
		GCBefore:               200,
		OldestUnflushedSeconds: 0,
		InMemoryLimit:          64 << 20,
		Logger:                 logging.NewNopLogger(),
	})
	t.Cleanup(ctl.Close)

	inputs := []*column.Row{rowWithCells(
		column.NewCounter([]byte("hits"), []column.CounterShard{
			{ID: [16]byte{1}, Clock: 5, Count: 3},
			{ID: [16]byte{2}, Clock: 1 << 40, Count: 7},
		}, 10, 0),
		column.NewDeleted([]byte("z"), 100, 1),
	)}

	out := ctl.CompactedRow(testKey("k"), inputs).(*PrecompactedRow)

	counter := out.Row().GetCell([]byte("hits")).(*column.CounterCell)
	assert.Len(t, counter.Shards(), 2, "shard clamping only happens on purging merges")
	assert.NotNil(t, out.Row().GetCell([]byte("z")))
}

func mergeInputs() []*column.Row {
	a := rowWithCells(
		column.NewLive([]byte("a"), []byte("1"), 10),
		column.NewLive([]byte("c"), []byte("stale"), 10),
	)
	a.DeleteRange(column.RangeTombstone{
		Start:        []byte("m"),
		End:          []byte("p"),
		DeletionTime: column.DeletionTime{MarkedForDeleteAt: 5, LocalDeletionTime: 2_000_000_000},
	})
	b := rowWithCells(
		column.NewLive([]byte("c"), []byte("fresh"), 20),
		column.NewLive([]byte("x"), []byte("2"), 10),
	)
	return []*column.Row{a, b}
}

func TestLazilyCompactedRow_DigestMatchesPrecompacted(t *testing.T) {
	pre := testController(t, nil, 0)
	lazy := NewController(ControllerOptions{
		Comparator:             testCmp,
		GCBefore:               0,
		OldestUnflushedSeconds: 1 << 30,
		InMemoryLimit:          0,
		Logger:                 logging.NewNopLogger(),
	})
	t.Cleanup(lazy.Close)

	rowPre := pre.CompactedRow(testKey("k"), mergeInputs())
	rowLazy := lazy.CompactedRow(testKey("k"), mergeInputs())
	require.IsType(t, &PrecompactedRow{}, rowPre)
	require.IsType(t, &LazilyCompactedRow{}, rowLazy)

	h1, h2 := sha256.New(), sha256.New()
	rowPre.Digest(h1)
	rowLazy.Digest(h2)
	assert.Equal(t, h1.Sum(nil), h2.Sum(nil))
}

func TestLazilyCompactedRow_WriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	lazy := NewController(ControllerOptions{
		Comparator:             testCmp,
		GCBefore:               0,
		OldestUnflushedSeconds: 1 << 30,
		InMemoryLimit:          0,
		Logger:                 logging.NewNopLogger(),
	})
	t.Cleanup(lazy.Close)

	out := lazy.CompactedRow(testKey("k"), mergeInputs())

	w, err := sstable.NewWriter(sstable.Descriptor{
		Dir:        dir,
		Keyspace:   "ks",
		Table:      "events",
		Version:    sstable.CurrentVersion,
		Generation: 1,
	}, sstable.WriterOptions{Partitioner: testPartitioner, Comparator: testCmp})
	require.NoError(t, err)
	require.NoError(t, out.WriteTo(w))
	r, err := w.Close()
	require.NoError(t, err)
	t.Cleanup(r.Unref)

	got, err := r.GetRow(testKey("k"))
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, 3, got.CellCount())
	assert.Equal(t, []byte("fresh"), got.GetCell([]byte("c")).Value())
	assert.Equal(t, 1, got.Deletion().RangeCount())
}

func TestCompaction_SingleTableIdempotent(t *testing.T) {
	dir := t.TempDir()
	rows := map[string]*column.Row{
		"a": rowWithCells(column.NewLive([]byte("c1"), []byte("v1"), 10)),
		"b": rowWithCells(
			column.NewLive([]byte("c1"), []byte("v2"), 20),
			column.NewLive([]byte("c2"), []byte("v3"), 20),
		),
	}
	in := writeTable(t, dir, 1, rows)
	ctl := testController(t, nil, 0)

	w, err := sstable.NewWriter(sstable.Descriptor{
		Dir:        dir,
		Keyspace:   "ks",
		Table:      "events",
		Version:    sstable.CurrentVersion,
		Generation: 2,
	}, sstable.WriterOptions{Partitioner: testPartitioner, Comparator: testCmp})
	require.NoError(t, err)

	scan := in.Scan()
	for scan.Next() {
		out := ctl.CompactedRow(scan.Key(), []*column.Row{scan.Row()})
		require.False(t, out.IsEmpty())
		require.NoError(t, out.WriteTo(w))
	}
	require.NoError(t, scan.Err())

	r, err := w.Close()
	require.NoError(t, err)
	t.Cleanup(r.Unref)

	require.Equal(t, in.KeyCount(), r.KeyCount())
	for key, want := range rows {
		got, err := r.GetRow(testKey(key))
		require.NoError(t, err)
		require.NotNil(t, got)
		h1, h2 := sha256.New(), sha256.New()
		want.Digest(h1)
		got.Digest(h2)
		assert.Equal(t, h1.Sum(nil), h2.Sum(nil), "row %q must survive compaction unchanged", key)
	}
}
