package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dd0wney/cluso-tablestore/pkg/cache"
	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/compaction"
	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/memtable"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

// Store is one column family: an active memtable, the flushed table set and
// the executors moving data between them. All public methods are safe for
// concurrent use.
type Store struct {
	env        Env
	cmp        column.Comparator
	hasIndexes bool

	keyCache *cache.KeyCache
	rowCache *cache.RowCache
	ratio    *memtable.LiveRatio
	manifest *compaction.Manifest

	view     atomic.Pointer[View]
	switchMu sync.RWMutex
	flushSeq int64

	generation atomic.Int64

	flushQueue  chan *flushTask
	queueClosed bool // guarded by switchMu
	enqueueWG   sync.WaitGroup
	flushWG     sync.WaitGroup
	signaller   *flushSignaller

	compactSem       *semaphore.Weighted
	compactWG        sync.WaitGroup
	compactMu        sync.Mutex
	compactScheduled atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	halted atomic.Bool
	closed atomic.Bool
}

// Open builds a store from its environment and recovers the data directory:
// temporary leftovers are deleted, complete table sets are opened and placed
// at their persisted levels, and the generation counter resumes past the
// highest generation found.
func Open(env Env) (*Store, error) {
	env, err := env.withDefaults()
	if err != nil {
		return nil, err
	}
	cfg := env.Config
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	_, nop := env.Indexer.(column.NopIndexer)
	s := &Store{
		env:        env,
		cmp:        env.Comparator,
		hasIndexes: !nop,
		keyCache:   cache.NewKeyCache(cfg.KeyCacheCapacity),
		rowCache:   cache.NewRowCache(cfg.RowCacheCapacity),
		ratio:      memtable.NewLiveRatio(cfg.InitialLiveRatio),
		manifest:   compaction.NewManifest(cfg.MaxSSTableSizeBytes, env.Logger),
		flushQueue: make(chan *flushTask, cfg.MemtableFlushQueueSize),
		compactSem: semaphore.NewWeighted(int64(cfg.ConcurrentCompactors)),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	tables, maxGen, err := s.recoverTables()
	if err != nil {
		return nil, err
	}
	s.generation.Store(int64(maxGen))
	s.view.Store(newView(memtable.NewMemtable(s.cmp, s.ratio), tables))
	s.updateLevelGauges()

	s.signaller = newFlushSignaller(env.CommitLog, env.Metrics)
	go s.signaller.run()
	for i := 0; i < cfg.MemtableFlushWriters; i++ {
		s.flushWG.Add(1)
		go s.flushWorker()
	}

	s.env.Logger.Info("store opened",
		logging.Count(len(tables)),
		logging.Generation(maxGen),
		logging.Path(cfg.DataDir))
	return s, nil
}

// recoverTables scans the data directory: tmp-marked files are removed,
// component groups without a TOC are skipped as incomplete, and everything
// else is opened and registered at its persisted level.
func (s *Store) recoverTables() ([]*sstable.Reader, int, error) {
	cfg := s.env.Config
	entries, err := os.ReadDir(cfg.DataDir)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan data directory: %w", err)
	}

	type group struct {
		desc  sstable.Descriptor
		comps map[sstable.Component]struct{}
	}
	groups := map[string]*group{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := cfg.DataDir + string(os.PathSeparator) + entry.Name()
		desc, comp, err := sstable.ParseFilename(path)
		if err != nil {
			continue
		}
		if desc.Temporary {
			s.env.Logger.Info("removing interrupted write", logging.Path(path))
			_ = os.Remove(path)
			continue
		}
		key := desc.String()
		g, ok := groups[key]
		if !ok {
			g = &group{desc: desc, comps: map[sstable.Component]struct{}{}}
			groups[key] = g
		}
		g.comps[comp] = struct{}{}
	}

	assignments, err := compaction.LoadAssignments(cfg.DataDir)
	if err != nil {
		return nil, 0, err
	}

	var tables []*sstable.Reader
	maxGen := 0
	for _, g := range groups {
		if g.desc.Generation > maxGen {
			maxGen = g.desc.Generation
		}
		if _, ok := g.comps[sstable.ComponentTOC]; !ok {
			s.env.Logger.Warn("skipping incomplete sstable",
				logging.Generation(g.desc.Generation))
			continue
		}
		r, err := sstable.Open(g.desc, sstable.OpenOptions{
			Partitioner: s.env.Partitioner,
			Comparator:  s.cmp,
			KeyCache:    s.keyCache,
		})
		if err != nil {
			if errors.Is(err, sstable.ErrPartitionerMismatch) {
				s.env.Logger.Error("refusing sstable written by a different partitioner",
					logging.Generation(g.desc.Generation), logging.Error(err))
			} else {
				s.env.Logger.Warn("skipping unreadable sstable",
					logging.Generation(g.desc.Generation), logging.Error(err))
			}
			continue
		}
		tables = append(tables, r)
		s.manifest.Add(r, assignments[g.desc.Generation])
	}
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].Descriptor().Generation < tables[j].Descriptor().Generation
	})
	return tables, maxGen, nil
}

func (s *Store) nextGeneration() int {
	return int(s.generation.Add(1))
}

// Apply merges one mutation into the active memtable and switches it out
// when the live-size threshold trips.
func (s *Store) Apply(dk partition.DecoratedKey, row *column.Row) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.halted.Load() {
		return ErrStoreWriteHalted
	}
	start := time.Now()

	s.switchMu.RLock()
	v := s.view.Load()
	mt := v.memtable
	delta := mt.Put(dk, row, s.env.Indexer)
	s.switchMu.RUnlock()

	s.rowCache.Invalidate(dk)

	m := s.env.Metrics
	m.RecordWrite(delta, time.Since(start))
	m.MemtableLiveBytes.Set(float64(mt.LiveSize()))
	m.MemtableOperations.Set(float64(mt.Operations()))

	if mt.LiveSize() >= s.env.Config.MemtableThresholdBytes {
		s.switchMemtable(mt)
	}
	return nil
}

// switchMemtable retires the given memtable if it is still active and
// queues it for flushing. Queue admission blocks here, never in Apply's
// fast path.
func (s *Store) switchMemtable(old *memtable.Memtable) *flushTask {
	s.switchMu.Lock()
	cur := s.view.Load()
	if s.queueClosed || cur.memtable != old || !old.MarkFlushing() {
		s.switchMu.Unlock()
		return nil
	}
	pos := s.env.CommitLog.Context()
	seq := s.flushSeq
	s.flushSeq++
	s.switchedView(old, memtable.NewMemtable(s.cmp, s.ratio))
	// Registered under the lock so Close can wait for every in-flight
	// enqueue before closing the queue.
	s.enqueueWG.Add(1)
	s.switchMu.Unlock()
	defer s.enqueueWG.Done()

	s.ratio.MeterAsync(old)
	s.env.Metrics.MemtableSwitches.Inc()
	s.env.Logger.Info("memtable switched",
		logging.Bytes(old.SerializedSize()),
		logging.Rows(int64(old.RowCount())),
		logging.String("replay_position", pos.String()))

	task := &flushTask{mt: old, pos: pos, seq: seq, done: make(chan struct{})}
	s.flushQueue <- task
	s.env.Metrics.FlushQueueDepth.Set(float64(len(s.flushQueue)))
	return task
}

// Flush forces the active memtable out and waits for its flush to finish.
// An empty memtable flushes to nothing but still waits for earlier queued
// flushes, so Flush doubles as a write barrier.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	v := s.view.Load()
	task := s.switchMemtable(v.memtable)
	if task == nil {
		return nil
	}
	<-task.done
	if s.halted.Load() {
		return ErrStoreWriteHalted
	}
	return nil
}

// GetRow returns the reconciled row stored under dk, or nil when no live
// cell survives the merge.
func (s *Store) GetRow(dk partition.DecoratedKey) (*column.Row, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	m := s.env.Metrics

	if row, ok := s.rowCache.Get(dk); ok {
		m.RecordCacheRequest("row", "hit")
		m.RecordRead("hit", time.Since(start))
		return row, nil
	}
	m.RecordCacheRequest("row", "miss")

	inputs, err := s.collectRow(dk, nil)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		m.RecordRead("miss", time.Since(start))
		return nil, nil
	}

	merged := compaction.MergeRows(s.cmp, inputs, nil).RemoveDeleted(math.MinInt32)
	if merged.CellCount() == 0 {
		m.RecordRead("miss", time.Since(start))
		return nil, nil
	}
	s.rowCache.Put(dk, merged)
	m.RecordRead("hit", time.Since(start))
	return merged, nil
}

// GetNamed returns the reconciled cells with the given names, or nil when
// none survive.
func (s *Store) GetNamed(dk partition.DecoratedKey, names [][]byte) (*column.Row, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	m := s.env.Metrics

	inputs, err := s.collectRow(dk, names)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		m.RecordRead("miss", time.Since(start))
		return nil, nil
	}

	merged := compaction.MergeRows(s.cmp, inputs, nil).RemoveDeleted(math.MinInt32)
	out := column.NewRow(s.cmp)
	out.ApplyDeletion(merged.Deletion())
	for _, name := range names {
		if c := merged.GetCell(name); c != nil {
			out.AddCell(c)
		}
	}
	if out.CellCount() == 0 {
		m.RecordRead("miss", time.Since(start))
		return nil, nil
	}
	m.RecordRead("hit", time.Since(start))
	return out, nil
}

// collectRow gathers dk's row from every source in one view snapshot. A
// non-nil names slice restricts table reads to the promoted-index path.
// Tables that fail are marked suspect and dropped from the view.
func (s *Store) collectRow(dk partition.DecoratedKey, names [][]byte) ([]*column.Row, error) {
	v, refs := s.acquire()
	defer release(refs)

	var inputs []*column.Row
	if row, ok := v.memtable.Get(dk); ok {
		inputs = append(inputs, row)
	}
	for _, mt := range v.flushing {
		if row, ok := mt.Get(dk); ok {
			inputs = append(inputs, row)
		}
	}

	m := s.env.Metrics
	for _, r := range refs {
		if !r.MayContainKey(dk.Key) {
			m.BloomChecksTotal.WithLabelValues("negative").Inc()
			continue
		}
		m.BloomChecksTotal.WithLabelValues("positive").Inc()

		var row *column.Row
		var err error
		if names != nil {
			row, err = r.NamedColumns(dk, names)
		} else {
			row, err = r.GetRow(dk)
		}
		if err != nil {
			r.MarkSuspect()
			if s.removeSuspect(r) {
				s.env.Logger.Warn("dropping suspect sstable after read error",
					logging.Generation(r.Descriptor().Generation),
					logging.Error(err))
			}
			continue
		}
		if row != nil {
			inputs = append(inputs, row)
		}
	}
	return inputs, nil
}

// removeSuspect takes a suspect table out of the view and the manifest,
// reporting whether this call did the removal. Only the caller that won the
// view swap drops the view's reference. The files stay on disk for offline
// inspection.
func (s *Store) removeSuspect(r *sstable.Reader) bool {
	if !s.dropTable(r) {
		return false
	}
	s.manifest.Remove(r)
	r.Unref()
	s.updateLevelGauges()
	return true
}

// oldestUnflushedSeconds returns the creation time of the oldest memtable
// still holding data, bounding counter shard merges.
func (s *Store) oldestUnflushedSeconds() int64 {
	v := s.view.Load()
	oldest := v.memtable.CreatedAt()
	for _, mt := range v.flushing {
		if c := mt.CreatedAt(); c.Before(oldest) {
			oldest = c
		}
	}
	return oldest.Unix()
}

func (s *Store) gcBefore() int32 {
	return int32(s.env.Clock().Unix()) - s.env.Config.GCGraceSeconds
}

func (s *Store) updateLevelGauges() {
	v := s.view.Load()
	var total int64
	for _, r := range v.sstables {
		total += r.DataSize()
	}
	s.env.Metrics.UpdateLevels(s.manifest.PerLevelCounts(), len(v.sstables), total)
}

// KeyCache exposes the shared key cache, for inspection.
func (s *Store) KeyCache() *cache.KeyCache { return s.keyCache }

// Manifest exposes the leveled layout, for inspection.
func (s *Store) Manifest() *compaction.Manifest { return s.manifest }

// Close flushes the active memtable, drains the executors, persists the
// manifest and releases every table reference.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if !s.halted.Load() {
		v := s.view.Load()
		if task := s.switchMemtable(v.memtable); task != nil {
			<-task.done
		}
	}
	// Stop admissions, let parked enqueues drain into the still-running
	// workers, then close the queue. A send on a closed channel panics,
	// so no sender may be in flight past this point.
	s.switchMu.Lock()
	s.queueClosed = true
	s.switchMu.Unlock()
	s.enqueueWG.Wait()
	close(s.flushQueue)
	s.flushWG.Wait()

	s.cancel()
	s.compactWG.Wait()
	s.signaller.stop()

	if err := s.manifest.Save(s.env.Config.DataDir); err != nil {
		s.env.Logger.Warn("failed to persist level manifest", logging.Error(err))
	}

	final := s.view.Load()
	for _, r := range final.sstables {
		r.Unref()
	}
	s.env.Logger.Info("store closed")
	return nil
}
