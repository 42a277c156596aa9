package store

import (
	"container/heap"
	"math"
	"time"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/commitlog"
	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/memtable"
	"github.com/dd0wney/cluso-tablestore/pkg/metrics"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

const (
	flushAttempts = 3
	flushBackoff  = 100 * time.Millisecond
)

// flushTask carries one retired memtable to the flush pool. seq orders the
// commit log notification; done closes once the memtable has either been
// replaced by its table or the store has halted.
type flushTask struct {
	mt   *memtable.Memtable
	pos  commitlog.ReplayPosition
	seq  int64
	done chan struct{}
}

func (s *Store) flushWorker() {
	defer s.flushWG.Done()
	for task := range s.flushQueue {
		s.flushOne(task)
		s.env.Metrics.FlushQueueDepth.Set(float64(len(s.flushQueue)))
	}
}

// flushOne writes the memtable, retrying transient disk errors on the next
// writeable location. Exhausting every attempt halts writes; the memtable
// stays in the flushing list and the commit log is never told the position
// is durable.
func (s *Store) flushOne(task *flushTask) {
	start := time.Now()

	var (
		reader *sstable.Reader
		err    error
	)
	for attempt := 1; attempt <= flushAttempts; attempt++ {
		reader, err = s.writeMemtable(task.mt, task.pos)
		if err == nil {
			break
		}
		s.env.Logger.Warn("flush attempt failed",
			logging.Int("attempt", attempt),
			logging.Error(err))
		time.Sleep(flushBackoff * time.Duration(attempt))
	}
	if err != nil {
		s.halted.Store(true)
		s.env.Metrics.RecordFlush("error", 0, time.Since(start))
		s.env.Logger.Error("flush failed on every writeable location, halting writes",
			logging.Error(err))
		close(task.done)
		return
	}

	s.replaceFlushed(task.mt, reader)
	task.mt.MarkDone()

	var bytes int64
	if reader != nil {
		bytes = reader.DataSize()
		s.manifest.Add(reader, 0)
		if err := s.manifest.Save(s.env.Config.DataDir); err != nil {
			s.env.Logger.Warn("failed to persist level manifest", logging.Error(err))
		}
	}
	s.updateLevelGauges()
	s.env.Metrics.RecordFlush("success", bytes, time.Since(start))
	s.env.Logger.Info("flush complete",
		logging.Bytes(bytes),
		logging.Duration("elapsed", time.Since(start)),
		logging.String("replay_position", task.pos.String()))

	s.signaller.submit(task.seq, task.pos)
	close(task.done)
	s.scheduleCompaction()
}

// writeMemtable serializes one memtable into a new table generation. A
// memtable with nothing left after the skip rules produces no table and a
// nil reader.
func (s *Store) writeMemtable(mt *memtable.Memtable, pos commitlog.ReplayPosition) (*sstable.Reader, error) {
	cfg := s.env.Config

	type flushRow struct {
		key partition.DecoratedKey
		row *column.Row
	}
	entries := mt.Range(nil, nil)
	prepared := make([]flushRow, 0, len(entries))
	for _, e := range entries {
		row := e.Row
		if row.IsMarkedForDelete() && !s.hasIndexes {
			// No index to unwind, so cells the row tombstone shadows need
			// not reach disk. Tombstones themselves always survive a flush.
			row = row.RemoveDeleted(math.MinInt32)
		}
		if cfg.Batchlog && row.IsMarkedForDelete() && row.CellCount() == 0 {
			continue
		}
		prepared = append(prepared, flushRow{key: e.Key, row: row})
	}
	if len(prepared) == 0 {
		return nil, nil
	}

	dir, err := s.env.Disk.WriteableLocation(mt.FlushEstimate())
	if err != nil {
		return nil, err
	}
	desc := sstable.Descriptor{
		Dir:        dir,
		Keyspace:   cfg.Keyspace,
		Table:      cfg.Table,
		Version:    sstable.CurrentVersion,
		Generation: s.nextGeneration(),
	}
	chunk := 0
	if cfg.Compress {
		chunk = cfg.CompressChunkBytes
	}
	w, err := sstable.NewWriter(desc, sstable.WriterOptions{
		Partitioner:     s.env.Partitioner,
		Comparator:      s.cmp,
		KeyCount:        int64(len(prepared)),
		BloomFPChance:   cfg.BloomFilterFPChance,
		IndexInterval:   cfg.IndexIntervalKeys,
		ColumnIndexSize: cfg.ColumnIndexSizeBytes,
		ChunkSize:       chunk,
		ReplayPosition:  pos,
		KeyCache:        s.keyCache,
	})
	if err != nil {
		return nil, err
	}
	for _, fr := range prepared {
		if err := w.Append(fr.key, fr.row); err != nil {
			_ = w.Abort()
			return nil, err
		}
	}
	return w.Close()
}

// flushSignal is one completed flush awaiting its turn to notify the log.
type flushSignal struct {
	seq int64
	pos commitlog.ReplayPosition
}

type signalHeap []flushSignal

func (h signalHeap) Len() int            { return len(h) }
func (h signalHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h signalHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *signalHeap) Push(x any)         { *h = append(*h, x.(flushSignal)) }
func (h *signalHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// flushSignaller delivers commit log flush notifications in memtable switch
// order, whatever order the flush pool finishes in. A flush that never
// completes blocks every later notification, which is exactly the contract:
// the log may only discard through positions made fully durable.
type flushSignaller struct {
	log     commitlog.Log
	metrics *metrics.Registry
	ch      chan flushSignal
	done    chan struct{}
}

func newFlushSignaller(log commitlog.Log, m *metrics.Registry) *flushSignaller {
	return &flushSignaller{
		log:     log,
		metrics: m,
		ch:      make(chan flushSignal, 64),
		done:    make(chan struct{}),
	}
}

func (f *flushSignaller) submit(seq int64, pos commitlog.ReplayPosition) {
	f.ch <- flushSignal{seq: seq, pos: pos}
}

func (f *flushSignaller) run() {
	defer close(f.done)
	var pending signalHeap
	next := int64(0)
	for sig := range f.ch {
		heap.Push(&pending, sig)
		for pending.Len() > 0 && pending[0].seq == next {
			s := heap.Pop(&pending).(flushSignal)
			if !s.pos.IsNone() {
				f.log.OnFlush(s.pos)
			}
			next++
		}
		f.metrics.PendingFlushSignals.Set(float64(pending.Len()))
	}
}

func (f *flushSignaller) stop() {
	close(f.ch)
	<-f.done
}
