package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/commitlog"
	"github.com/dd0wney/cluso-tablestore/pkg/config"
	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Keyspace = "ks"
	cfg.Table = "events"
	cfg.DataDir = t.TempDir()
	cfg.MaxSSTableSizeBytes = 1 << 20
	cfg.InMemoryCompactionLimitBytes = 1 << 20
	return cfg
}

func newTestStore(t *testing.T, mutate ...func(*config.Config)) *Store {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(&cfg)
	}
	st, err := Open(Env{
		Config:    cfg,
		CommitLog: &commitlog.CountingLog{},
		Logger:    logging.NewNopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func (s *Store) key(k string) partition.DecoratedKey {
	return partition.Decorate(s.env.Partitioner, []byte(k))
}

func liveRow(cmp column.Comparator, ts int64, pairs ...string) *column.Row {
	row := column.NewRow(cmp)
	for i := 0; i+1 < len(pairs); i += 2 {
		row.AddCell(column.NewLive([]byte(pairs[i]), []byte(pairs[i+1]), ts))
	}
	return row
}

func deletedRow(cmp column.Comparator, ts int64, localDeletion int32) *column.Row {
	row := column.NewRow(cmp)
	row.Delete(column.DeletionTime{MarkedForDeleteAt: ts, LocalDeletionTime: localDeletion})
	return row
}

func TestStore_WriteReadRoundTrip(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Apply(st.key("user1"), liveRow(st.cmp, 1, "name", "ada", "city", "london")))

	row, err := st.GetRow(st.key("user1"))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, []byte("ada"), row.GetCell([]byte("name")).Value())
	assert.Equal(t, 2, row.CellCount())
}

func TestStore_ReadMissingKey(t *testing.T) {
	st := newTestStore(t)

	row, err := st.GetRow(st.key("absent"))
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestStore_ReadAfterFlush(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Apply(st.key("k"), liveRow(st.cmp, 1, "c", "v")))
	require.NoError(t, st.Flush())

	assert.Equal(t, 1, len(st.view.Load().SSTables()))
	row, err := st.GetRow(st.key("k"))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, []byte("v"), row.GetCell([]byte("c")).Value())
}

func TestStore_MergesMemtableOverSSTable(t *testing.T) {
	st := newTestStore(t)
	k := st.key("k")

	require.NoError(t, st.Apply(k, liveRow(st.cmp, 1, "c1", "old", "c2", "keep")))
	require.NoError(t, st.Flush())
	require.NoError(t, st.Apply(k, liveRow(st.cmp, 2, "c1", "new")))

	row, err := st.GetRow(k)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, []byte("new"), row.GetCell([]byte("c1")).Value())
	assert.Equal(t, []byte("keep"), row.GetCell([]byte("c2")).Value())
}

func TestStore_RowDeleteHidesOlderCells(t *testing.T) {
	st := newTestStore(t)
	k := st.key("k")

	require.NoError(t, st.Apply(k, liveRow(st.cmp, 1, "c", "v")))
	require.NoError(t, st.Flush())
	require.NoError(t, st.Apply(k, deletedRow(st.cmp, 2, 2_000_000_000)))

	row, err := st.GetRow(k)
	require.NoError(t, err)
	assert.Nil(t, row, "deleted row must read as absent")
}

func TestStore_WriteAfterDeleteWins(t *testing.T) {
	st := newTestStore(t)
	k := st.key("k")

	require.NoError(t, st.Apply(k, liveRow(st.cmp, 1, "c", "old")))
	require.NoError(t, st.Apply(k, deletedRow(st.cmp, 2, 2_000_000_000)))
	require.NoError(t, st.Apply(k, liveRow(st.cmp, 3, "c", "resurrected")))

	row, err := st.GetRow(k)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, []byte("resurrected"), row.GetCell([]byte("c")).Value())
}

func TestStore_GetNamed(t *testing.T) {
	st := newTestStore(t)
	k := st.key("k")

	require.NoError(t, st.Apply(k, liveRow(st.cmp, 1, "a", "1", "b", "2", "c", "3")))
	require.NoError(t, st.Flush())

	row, err := st.GetNamed(k, [][]byte{[]byte("a"), []byte("c")})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 2, row.CellCount())
	assert.Nil(t, row.GetCell([]byte("b")))
	assert.Equal(t, []byte("3"), row.GetCell([]byte("c")).Value())
}

func TestStore_RowCacheServesRepeatReads(t *testing.T) {
	st := newTestStore(t, func(c *config.Config) { c.RowCacheCapacity = 16 })
	k := st.key("k")

	require.NoError(t, st.Apply(k, liveRow(st.cmp, 1, "c", "v")))
	require.NoError(t, st.Flush())

	_, err := st.GetRow(k)
	require.NoError(t, err)
	_, err = st.GetRow(k)
	require.NoError(t, err)

	hits, _, _ := st.rowCache.Stats()
	assert.Equal(t, int64(1), hits)
}

func TestStore_RowCacheInvalidatedByWrite(t *testing.T) {
	st := newTestStore(t, func(c *config.Config) { c.RowCacheCapacity = 16 })
	k := st.key("k")

	require.NoError(t, st.Apply(k, liveRow(st.cmp, 1, "c", "old")))
	_, err := st.GetRow(k)
	require.NoError(t, err)
	require.NoError(t, st.Apply(k, liveRow(st.cmp, 2, "c", "new")))

	row, err := st.GetRow(k)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), row.GetCell([]byte("c")).Value())
}

func TestStore_RecoveryReopensTables(t *testing.T) {
	cfg := testConfig(t)
	log := &commitlog.CountingLog{}

	st, err := Open(Env{Config: cfg, CommitLog: log, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	require.NoError(t, st.Apply(st.key("k"), liveRow(st.cmp, 1, "c", "v")))
	require.NoError(t, st.Close())

	st2, err := Open(Env{Config: cfg, CommitLog: log, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer st2.Close()

	row, err := st2.GetRow(st2.key("k"))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, []byte("v"), row.GetCell([]byte("c")).Value())
}

func TestStore_RecoveryResumesGenerations(t *testing.T) {
	cfg := testConfig(t)

	st, err := Open(Env{Config: cfg, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	require.NoError(t, st.Apply(st.key("k"), liveRow(st.cmp, 1, "c", "v")))
	require.NoError(t, st.Close())

	st2, err := Open(Env{Config: cfg, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer st2.Close()
	require.NoError(t, st2.Apply(st2.key("k2"), liveRow(st2.cmp, 2, "c", "v")))
	require.NoError(t, st2.Flush())

	gens := map[int]bool{}
	for _, r := range st2.view.Load().SSTables() {
		gen := r.Descriptor().Generation
		assert.False(t, gens[gen], "generation %d reused across restart", gen)
		gens[gen] = true
	}
}

func TestStore_RecoveryRemovesTemporaryFiles(t *testing.T) {
	cfg := testConfig(t)
	tmp := sstable.Descriptor{
		Dir:        cfg.DataDir,
		Keyspace:   cfg.Keyspace,
		Table:      cfg.Table,
		Version:    sstable.CurrentVersion,
		Generation: 7,
		Temporary:  true,
	}
	path := tmp.Filename(sstable.ComponentData)
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0644))

	st, err := Open(Env{Config: cfg, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer st.Close()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "interrupted write must be removed on startup")
}

func TestStore_RecoverySkipsIncompleteTable(t *testing.T) {
	cfg := testConfig(t)
	// A lone data file without its TOC is an incomplete table set.
	orphan := sstable.Descriptor{
		Dir:        cfg.DataDir,
		Keyspace:   cfg.Keyspace,
		Table:      cfg.Table,
		Version:    sstable.CurrentVersion,
		Generation: 3,
	}
	require.NoError(t, os.WriteFile(orphan.Filename(sstable.ComponentData), []byte("x"), 0644))

	st, err := Open(Env{Config: cfg, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer st.Close()

	assert.Empty(t, st.view.Load().SSTables())
	// The orphan generation still advances the counter so it is never reused.
	assert.GreaterOrEqual(t, st.nextGeneration(), 4)
}

func TestStore_RecoveryIgnoresForeignFiles(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "notes.txt"), []byte("x"), 0644))

	st, err := Open(Env{Config: cfg, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer st.Close()

	assert.Empty(t, st.view.Load().SSTables())
}

func TestStore_EmptyBatchlogFlushProducesNoTable(t *testing.T) {
	st := newTestStore(t, func(c *config.Config) { c.Batchlog = true })
	k := st.key("batch")

	require.NoError(t, st.Apply(k, liveRow(st.cmp, 1, "c", "v")))
	require.NoError(t, st.Apply(k, deletedRow(st.cmp, 2, 2_000_000_000)))
	require.NoError(t, st.Flush())

	assert.Empty(t, st.view.Load().SSTables(), "a fully tombstoned batchlog memtable flushes to nothing")
}

func TestStore_NonBatchlogFlushKeepsTombstone(t *testing.T) {
	st := newTestStore(t)
	k := st.key("k")

	require.NoError(t, st.Apply(k, liveRow(st.cmp, 1, "c", "v")))
	require.NoError(t, st.Apply(k, deletedRow(st.cmp, 2, 2_000_000_000)))
	require.NoError(t, st.Flush())

	tables := st.view.Load().SSTables()
	require.Len(t, tables, 1)
	row, err := tables[0].GetRow(k)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.IsMarkedForDelete())
	assert.Equal(t, 0, row.CellCount(), "cells shadowed by the row tombstone are dropped at flush")
}

// corruptDataFile flips one byte in the middle of the table's data file so
// the next chunk read fails its checksum.
func corruptDataFile(t *testing.T, r *sstable.Reader) {
	t.Helper()
	f, err := os.OpenFile(r.Descriptor().Filename(sstable.ComponentData), os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)
	var b [1]byte
	mid := info.Size() / 2
	_, err = f.ReadAt(b[:], mid)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b[:], mid)
	require.NoError(t, err)
}

func TestStore_SuspectRemovalReleasesOnce(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Apply(st.key("k"), liveRow(st.cmp, 1, "c", "v")))
	require.NoError(t, st.Flush())
	r := st.view.Load().SSTables()[0]

	// Stand in for a reader still working against an older view.
	require.True(t, r.Ref())

	r.MarkSuspect()
	assert.True(t, st.removeSuspect(r))
	assert.False(t, st.removeSuspect(r), "second removal must not release again")
	assert.Empty(t, st.view.Load().SSTables())

	// The view's reference went exactly once, so the held one is still
	// live and the reader can still be shared.
	require.True(t, r.Ref())
	r.Unref()
	r.Unref()
}

func TestStore_ConcurrentReadsDropCorruptTableOnce(t *testing.T) {
	st := newTestStore(t)
	k := st.key("k")
	require.NoError(t, st.Apply(k, liveRow(st.cmp, 1, "c", "v")))
	require.NoError(t, st.Flush())

	tables := st.view.Load().SSTables()
	require.Len(t, tables, 1)
	r := tables[0]
	corruptDataFile(t, r)
	require.True(t, r.Ref())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = st.GetRow(k)
		}()
	}
	wg.Wait()

	assert.Empty(t, st.view.Load().SSTables())
	assert.True(t, r.IsSuspect())
	require.True(t, r.Ref(), "held reference must survive concurrent removals")
	r.Unref()
	r.Unref()
}

func TestStore_CloseDuringWritesDoesNotPanic(t *testing.T) {
	st := newTestStore(t, func(c *config.Config) { c.MemtableThresholdBytes = 1048576 })
	val := strings.Repeat("v", 65536)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; ; i++ {
				k := st.key(fmt.Sprintf("w%d-%d", g, i))
				if err := st.Apply(k, liveRow(st.cmp, int64(i+1), "c", val)); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
			}
		}(g)
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, st.Close())
	wg.Wait()
}

func TestStore_ClosedRefusesOperations(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Close())

	assert.ErrorIs(t, st.Apply(st.key("k"), liveRow(st.cmp, 1, "c", "v")), ErrClosed)
	_, err := st.GetRow(st.key("k"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, st.Flush(), ErrClosed)
	assert.ErrorIs(t, st.ForceMajorCompaction(), ErrClosed)
}

type failingDisk struct{}

func (failingDisk) WriteableLocation(int64) (string, error) {
	return "", errors.New("disk full")
}

func TestStore_HaltsWritesWhenDiskFails(t *testing.T) {
	cfg := testConfig(t)
	st, err := Open(Env{Config: cfg, Disk: failingDisk{}, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Apply(st.key("k"), liveRow(st.cmp, 1, "c", "v")))
	assert.ErrorIs(t, st.Flush(), ErrStoreWriteHalted)
	assert.ErrorIs(t, st.Apply(st.key("k2"), liveRow(st.cmp, 2, "c", "v")), ErrStoreWriteHalted)
}
