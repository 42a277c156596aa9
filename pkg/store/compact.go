package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/commitlog"
	"github.com/dd0wney/cluso-tablestore/pkg/compaction"
	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

// scheduleCompaction kicks the background drain if one is not already
// running. Called after every flush and after every finished compaction.
func (s *Store) scheduleCompaction() {
	if s.closed.Load() {
		return
	}
	if !s.compactScheduled.CompareAndSwap(false, true) {
		return
	}
	s.compactWG.Add(1)
	go func() {
		defer s.compactWG.Done()
		defer s.compactScheduled.Store(false)
		for s.runNextCompaction() {
		}
	}()
}

// runNextCompaction claims and runs the manifest's current candidate,
// reporting whether it ran anything.
func (s *Store) runNextCompaction() bool {
	if s.ctx.Err() != nil {
		return false
	}
	cand := s.claimCandidate()
	if cand == nil {
		return false
	}
	s.compact(cand)
	return true
}

// claimCandidate picks the manifest's candidate and claims its tables,
// taking one reference per input. Selection and claiming are serialized so
// two drains never fight over the same pick.
func (s *Store) claimCandidate() *compaction.Candidate {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	cand := s.manifest.Candidates()
	if cand == nil {
		return nil
	}
	return s.claimSet(cand)
}

// claimSet filters out suspect tables, references the rest and marks them
// compacting. Any conflict abandons the claim.
func (s *Store) claimSet(cand *compaction.Candidate) *compaction.Candidate {
	tables := make([]*sstable.Reader, 0, len(cand.Tables))
	for _, r := range cand.Tables {
		if r.IsSuspect() {
			continue
		}
		tables = append(tables, r)
	}
	if len(tables) == 0 {
		return nil
	}

	held := make([]*sstable.Reader, 0, len(tables))
	for _, r := range tables {
		if !r.Ref() {
			release(held)
			return nil
		}
		held = append(held, r)
	}
	if !s.markCompacting(held) {
		release(held)
		return nil
	}
	cand.Tables = held
	return cand
}

// compact merges one claimed candidate into new tables at the target level.
func (s *Store) compact(cand *compaction.Candidate) {
	m := s.env.Metrics
	m.CompactionsPending.Inc()
	defer m.CompactionsPending.Dec()

	if err := s.compactSem.Acquire(s.ctx, 1); err != nil {
		s.unmarkCompacting(cand.Tables)
		release(cand.Tables)
		return
	}
	defer s.compactSem.Release(1)

	task := uuid.New().String()
	start := time.Now()
	var read int64
	for _, r := range cand.Tables {
		read += r.DataSize()
	}
	s.env.Logger.Info("compaction started",
		logging.TaskID(task),
		logging.TableLevel(cand.Level),
		logging.Int("target_level", cand.TargetLevel),
		logging.Count(len(cand.Tables)),
		logging.Bytes(read))

	ctl := s.newController(cand.Tables)
	defer ctl.Close()

	outputs, rows, written, err := s.mergeTables(cand, ctl)
	if err != nil {
		for _, r := range outputs {
			r.MarkObsolete()
			r.Unref()
		}
		s.unmarkCompacting(cand.Tables)
		release(cand.Tables)
		m.RecordCompaction("error", read, 0, time.Since(start))
		s.env.Logger.Error("compaction aborted",
			logging.TaskID(task), logging.Error(err))
		return
	}

	s.manifest.Promote(cand.Tables, outputs, cand.TargetLevel, cand.Level)
	s.replaceCompacted(cand.Tables, outputs)
	for _, r := range cand.Tables {
		r.MarkObsolete()
		r.Unref() // view reference
		r.Unref() // task reference
	}
	if err := s.manifest.Save(s.env.Config.DataDir); err != nil {
		s.env.Logger.Warn("failed to persist level manifest", logging.Error(err))
	}
	s.updateLevelGauges()

	m.RecordCompaction("success", read, written, time.Since(start))
	s.env.Logger.Info("compaction complete",
		logging.TaskID(task),
		logging.Rows(rows),
		logging.Bytes(written),
		logging.Count(len(outputs)),
		logging.Duration("elapsed", time.Since(start)))
}

// newController builds the purge context for a compaction over the given
// input set: every live table outside the set whose key range intersects it
// can still shadow a key.
func (s *Store) newController(set []*sstable.Reader) *compaction.Controller {
	inSet := make(map[*sstable.Reader]struct{}, len(set))
	for _, r := range set {
		inSet[r] = struct{}{}
	}
	first, last := set[0].First(), set[0].Last()
	for _, r := range set[1:] {
		if r.First().Compare(first) < 0 {
			first = r.First()
		}
		if r.Last().Compare(last) > 0 {
			last = r.Last()
		}
	}

	v := s.view.Load()
	var overlapping []*sstable.Reader
	for _, r := range v.sstables {
		if _, ok := inSet[r]; ok {
			continue
		}
		if r.First().Compare(last) <= 0 && first.Compare(r.Last()) <= 0 {
			overlapping = append(overlapping, r)
		}
	}

	return compaction.NewController(compaction.ControllerOptions{
		Comparator:             s.cmp,
		Overlapping:            overlapping,
		GCBefore:               s.gcBefore(),
		OldestUnflushedSeconds: s.oldestUnflushedSeconds(),
		InMemoryLimit:          s.env.Config.InMemoryCompactionLimitBytes,
		RowCache:               s.rowCache,
		Indexer:                s.env.Indexer,
		Logger:                 s.env.Logger,
	})
}

// mergeTables streams the k-way merge of the candidate set into size-capped
// output tables. Cancellation is polled between rows.
func (s *Store) mergeTables(cand *compaction.Candidate, ctl *compaction.Controller) (outputs []*sstable.Reader, rows, written int64, err error) {
	cfg := s.env.Config

	type cursor struct {
		scan *sstable.Scanner
		done bool
	}
	cursors := make([]*cursor, 0, len(cand.Tables))
	ancestors := make([]uint32, 0, len(cand.Tables))
	inputDescs := make([]string, 0, len(cand.Tables))
	var keyEstimate int64
	for _, r := range cand.Tables {
		c := &cursor{scan: r.Scan()}
		c.done = !c.scan.Next()
		if err := c.scan.Err(); err != nil {
			return outputs, rows, written, err
		}
		cursors = append(cursors, c)
		ancestors = append(ancestors, uint32(r.Descriptor().Generation))
		inputDescs = append(inputDescs, r.Descriptor().String())
		keyEstimate += r.KeyCount()
	}

	// Keys cached on any input stay cached on the rewrite.
	preheat := func(key []byte) bool {
		for _, d := range inputDescs {
			if _, ok := s.keyCache.Get(d, key); ok {
				return true
			}
		}
		return false
	}

	var w *sstable.Writer
	closeCurrent := func() error {
		r, err := w.Close()
		w = nil
		if err != nil {
			return err
		}
		written += r.DataSize()
		outputs = append(outputs, r)
		return nil
	}
	abort := func(cause error) ([]*sstable.Reader, int64, int64, error) {
		if w != nil {
			_ = w.Abort()
		}
		return outputs, rows, written, cause
	}

	for {
		if err := s.ctx.Err(); err != nil {
			return abort(err)
		}

		var min *partition.DecoratedKey
		for _, c := range cursors {
			if c.done {
				continue
			}
			k := c.scan.Key()
			if min == nil || k.Compare(*min) < 0 {
				min = &k
			}
		}
		if min == nil {
			break
		}

		var aligned []*cursor
		var inputs []*column.Row
		for _, c := range cursors {
			if c.done || c.scan.Key().Compare(*min) != 0 {
				continue
			}
			aligned = append(aligned, c)
			inputs = append(inputs, c.scan.Row())
		}

		out := ctl.CompactedRow(*min, inputs)
		rows++
		if !out.IsEmpty() {
			if w == nil {
				w, err = s.newCompactionWriter(keyEstimate, ancestors, preheat)
				if err != nil {
					return abort(err)
				}
			}
			if err := out.WriteTo(w); err != nil {
				return abort(err)
			}
			if w.DataSize() >= cfg.MaxSSTableSizeBytes {
				if err := closeCurrent(); err != nil {
					return abort(err)
				}
			}
		}

		for _, c := range aligned {
			c.done = !c.scan.Next()
			if err := c.scan.Err(); err != nil {
				return abort(err)
			}
		}
	}

	if w != nil {
		if err := closeCurrent(); err != nil {
			return abort(err)
		}
	}
	return outputs, rows, written, nil
}

func (s *Store) newCompactionWriter(keyEstimate int64, ancestors []uint32, preheat func(key []byte) bool) (*sstable.Writer, error) {
	cfg := s.env.Config
	dir, err := s.env.Disk.WriteableLocation(cfg.MaxSSTableSizeBytes)
	if err != nil {
		return nil, err
	}
	chunk := 0
	if cfg.Compress {
		chunk = cfg.CompressChunkBytes
	}
	return sstable.NewWriter(sstable.Descriptor{
		Dir:        dir,
		Keyspace:   cfg.Keyspace,
		Table:      cfg.Table,
		Version:    sstable.CurrentVersion,
		Generation: s.nextGeneration(),
	}, sstable.WriterOptions{
		Partitioner:     s.env.Partitioner,
		Comparator:      s.cmp,
		KeyCount:        keyEstimate,
		BloomFPChance:   cfg.BloomFilterFPChance,
		IndexInterval:   cfg.IndexIntervalKeys,
		ColumnIndexSize: cfg.ColumnIndexSizeBytes,
		ChunkSize:       chunk,
		ReplayPosition:  commitlog.None,
		Ancestors:       ancestors,
		KeyCache:        s.keyCache,
		Preheat:         preheat,
	})
}

// ForceMajorCompaction merges every live table into one sorted run at L1,
// then drains leveled candidates until every level is under its target. It
// waits for running compactions first so its outputs cannot collide with
// theirs.
func (s *Store) ForceMajorCompaction() error {
	if s.closed.Load() {
		return ErrClosed
	}

	var cand *compaction.Candidate
	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		s.compactMu.Lock()
		v := s.view.Load()
		if len(v.compacting) > 0 {
			s.compactMu.Unlock()
			time.Sleep(10 * time.Millisecond)
			continue
		}
		set := append([]*sstable.Reader(nil), v.sstables...)
		highest := 1
		for _, r := range set {
			if l := s.manifest.LevelOf(r); l > highest {
				highest = l
			}
		}
		if len(set) > 0 {
			cand = s.claimSet(&compaction.Candidate{
				Level:       highest,
				TargetLevel: 1,
				Tables:      set,
			})
		}
		s.compactMu.Unlock()
		break
	}

	if cand != nil {
		s.compact(cand)
	}
	for s.runNextCompaction() {
	}
	return nil
}

// SubmitValidation merges every live table over the token range and folds
// the result into a single root hash, for replica comparison.
func (s *Store) SubmitValidation(vr compaction.ValidationRange) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	task := uuid.New().String()
	start := time.Now()

	_, refs := s.acquire()
	defer release(refs)

	ctl := compaction.NewController(compaction.ControllerOptions{
		Comparator:             s.cmp,
		GCBefore:               s.gcBefore(),
		OldestUnflushedSeconds: s.oldestUnflushedSeconds(),
		InMemoryLimit:          s.env.Config.InMemoryCompactionLimitBytes,
		Logger:                 s.env.Logger,
	})
	defer ctl.Close()

	ordered := append([]*sstable.Reader(nil), refs...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Descriptor().Generation < ordered[j].Descriptor().Generation
	})
	root, err := compaction.Validate(ctl, ordered, vr)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	s.env.Logger.Info("validation complete",
		logging.TaskID(task),
		logging.Count(len(ordered)),
		logging.Duration("elapsed", time.Since(start)))
	return root, nil
}
