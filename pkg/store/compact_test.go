package store

import (
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/compaction"
	"github.com/dd0wney/cluso-tablestore/pkg/config"
	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

// randomRow builds a row of cols incompressible cells of valueSize bytes so
// the data files really occupy their nominal size.
func randomRow(cmp column.Comparator, rng *rand.Rand, ts int64, cols, valueSize int) *column.Row {
	row := column.NewRow(cmp)
	for c := 0; c < cols; c++ {
		val := make([]byte, valueSize)
		rng.Read(val)
		row.AddCell(column.NewLive([]byte{byte('a' + c)}, val, ts))
	}
	return row
}

func TestStore_LeveledGrowthAndValidation(t *testing.T) {
	if testing.Short() {
		t.Skip("writes tens of megabytes")
	}
	st := newTestStore(t)
	rng := rand.New(rand.NewSource(1))

	// Enough flushed data to overfill L1's five-table target.
	for i := 0; i < 20; i++ {
		key := st.key(string([]byte{'k', byte('a' + i)}))
		require.NoError(t, st.Apply(key, randomRow(st.cmp, rng, int64(i+1), 10, 64<<10)))
		require.NoError(t, st.Flush())
	}
	require.NoError(t, st.ForceMajorCompaction())

	m := st.Manifest()
	assert.Positive(t, m.LevelBytes(1), "L1 must hold data after major compaction")
	assert.Positive(t, m.LevelBytes(2), "L1 overflow must spill into L2")
	assert.Zero(t, m.LevelCount(0))

	root, err := st.SubmitValidation(compaction.FullRange())
	require.NoError(t, err)
	assert.NotEmpty(t, root)

	// Every key stays readable through the new layout.
	for i := 0; i < 20; i++ {
		row, err := st.GetRow(st.key(string([]byte{'k', byte('a' + i)})))
		require.NoError(t, err)
		require.NotNil(t, row, "key %d lost in compaction", i)
		assert.Equal(t, 10, row.CellCount())
	}
}

func TestStore_L1ScannerPositionCoversData(t *testing.T) {
	st := newTestStore(t)
	rng := rand.New(rand.NewSource(2))

	for i := 0; i < 2; i++ {
		key := st.key(string([]byte{'r', byte('1' + i)}))
		require.NoError(t, st.Apply(key, randomRow(st.cmp, rng, int64(i+1), 10, 100<<10)))
		require.NoError(t, st.Flush())
	}
	require.NoError(t, st.ForceMajorCompaction())

	level1 := st.Manifest().Level(1)
	require.NotEmpty(t, level1)

	var total int64
	for _, r := range level1 {
		total += r.DataSize()
	}
	scan := compaction.NewScanner(level1)
	rows := 0
	for scan.Next() {
		rows++
	}
	require.NoError(t, scan.Err())
	assert.Equal(t, 2, rows)
	assert.Equal(t, total, scan.CurrentPosition(),
		"an exhausted scan must land exactly at the summed data size")
}

func TestStore_KeyCacheSurvivesCompaction(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Apply(st.key("k1"), liveRow(st.cmp, 1, "c", "v1")))
	require.NoError(t, st.Apply(st.key("k2"), liveRow(st.cmp, 1, "c", "v2")))
	require.NoError(t, st.Flush())

	_, err := st.GetRow(st.key("k1"))
	require.NoError(t, err)
	_, err = st.GetRow(st.key("k2"))
	require.NoError(t, err)
	require.Equal(t, 2, st.KeyCache().Size())

	// Compaction preheats the new generation with the keys cached on its
	// inputs, and the old entries ride out until the LRU evicts them.
	require.NoError(t, st.ForceMajorCompaction())
	assert.Equal(t, 4, st.KeyCache().Size())

	// Rereads hit the preheated entries instead of repopulating.
	_, err = st.GetRow(st.key("k1"))
	require.NoError(t, err)
	_, err = st.GetRow(st.key("k2"))
	require.NoError(t, err)
	assert.Equal(t, 4, st.KeyCache().Size())
}

func TestStore_CompactionPurgesExpiredTombstone(t *testing.T) {
	st := newTestStore(t)
	k := st.key("k")

	require.NoError(t, st.Apply(k, liveRow(st.cmp, 1, "c", "v")))
	require.NoError(t, st.Flush())
	// Tombstone old enough that gcBefore has long passed it.
	require.NoError(t, st.Apply(k, deletedRow(st.cmp, 2, 100)))
	require.NoError(t, st.Flush())
	require.Len(t, st.view.Load().SSTables(), 2)

	require.NoError(t, st.ForceMajorCompaction())

	assert.Empty(t, st.view.Load().SSTables(),
		"value and tombstone annihilate with no overlap outside the set")
	row, err := st.GetRow(k)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestStore_CompactionPreservesTombstoneWithOutsideOverlap(t *testing.T) {
	st := newTestStore(t)
	k := st.key("k")

	// Older value in a table that stays outside the compaction set.
	require.NoError(t, st.Apply(k, liveRow(st.cmp, 1, "c", "stale")))
	require.NoError(t, st.Flush())
	outside := st.view.Load().SSTables()[0]

	require.NoError(t, st.Apply(k, liveRow(st.cmp, 2, "c", "fresh")))
	require.NoError(t, st.Flush())
	require.NoError(t, st.Apply(k, deletedRow(st.cmp, 3, 100)))
	require.NoError(t, st.Flush())

	var set []*sstable.Reader
	for _, r := range st.view.Load().SSTables() {
		if r != outside {
			set = append(set, r)
		}
	}
	require.Len(t, set, 2)

	st.compactMu.Lock()
	cand := st.claimSet(&compaction.Candidate{Level: 0, TargetLevel: 1, Tables: set})
	st.compactMu.Unlock()
	require.NotNil(t, cand)
	st.compact(cand)

	var output *sstable.Reader
	for _, r := range st.view.Load().SSTables() {
		if r != outside {
			output = r
		}
	}
	require.NotNil(t, output, "the tombstone must still occupy a table")
	row, err := output.GetRow(k)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.IsMarkedForDelete(),
		"tombstone survives while an older value exists outside the set")
}

func TestStore_L0BacklogCompactsToL1(t *testing.T) {
	// Byte-ordered keys make every flushed table span [a…, z…], so the L0
	// candidate gathers the whole backlog.
	cfg := testConfig(t)
	st, err := Open(Env{
		Config:      cfg,
		Partitioner: partition.ByteOrderedPartitioner{},
		Logger:      logging.NewNopLogger(),
	})
	require.NoError(t, err)
	defer st.Close()

	for i := 0; i < 4; i++ {
		ts := int64(i + 1)
		require.NoError(t, st.Apply(st.key("a-low"), liveRow(st.cmp, ts, "c", "v")))
		require.NoError(t, st.Apply(st.key("z-high"), liveRow(st.cmp, ts, "c", "v")))
		require.NoError(t, st.Flush())
	}

	// The fourth flush tips the L0 score to 1.0; either the post-flush drain
	// or this explicit run clears the backlog.
	st.runNextCompaction()
	require.Eventually(t, func() bool {
		return st.Manifest().LevelCount(0) == 0 && st.Manifest().LevelCount(1) > 0
	}, 2*time.Second, 10*time.Millisecond)
	row, err := st.GetRow(st.key("a-low"))
	require.NoError(t, err)
	assert.NotNil(t, row)
}

func TestStore_CompactionDeletesReplacedFiles(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Apply(st.key("k1"), liveRow(st.cmp, 1, "c", "v")))
	require.NoError(t, st.Flush())
	require.NoError(t, st.Apply(st.key("k2"), liveRow(st.cmp, 2, "c", "v")))
	require.NoError(t, st.Flush())

	var oldData []string
	for _, r := range st.view.Load().SSTables() {
		oldData = append(oldData, r.Descriptor().Filename(sstable.ComponentData))
	}

	require.NoError(t, st.ForceMajorCompaction())

	for _, path := range oldData {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "replaced generation %s must be deleted", path)
	}
	require.NotEmpty(t, st.view.Load().SSTables())
}

func TestStore_ValidationRootStableAcrossCompaction(t *testing.T) {
	st := newTestStore(t, func(c *config.Config) { c.GCGraceSeconds = 1 << 30 })

	for i := 0; i < 4; i++ {
		key := st.key(string([]byte{'k', byte('a' + i)}))
		require.NoError(t, st.Apply(key, liveRow(st.cmp, int64(i+1), "c", "v")))
		require.NoError(t, st.Flush())
	}

	before, err := st.SubmitValidation(compaction.FullRange())
	require.NoError(t, err)
	require.NoError(t, st.ForceMajorCompaction())
	after, err := st.SubmitValidation(compaction.FullRange())
	require.NoError(t, err)

	assert.Equal(t, before, after,
		"compaction rearranges tables but must not change the logical data")
}
