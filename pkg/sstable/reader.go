package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/exp/mmap"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

// rowBodyMinSize is the deletion header plus the atom count.
const rowBodyMinSize = 12 + 4

// KeyCache caches index entries across reads. Entries are keyed by table
// descriptor so a cache can serve many generations at once and survive
// individual tables being compacted away.
type KeyCache interface {
	Get(table string, key []byte) (IndexEntry, bool)
	Put(table string, key []byte, entry IndexEntry)
}

// OpenOptions configures Open. Partitioner and Comparator are required and
// must match what the table was written with.
type OpenOptions struct {
	Partitioner partition.Partitioner
	Comparator  column.Comparator
	KeyCache    KeyCache
}

type summaryIndex struct {
	key         partition.DecoratedKey
	indexOffset int64
}

// allComponents is every component a generation can own, for cleanup.
var allComponents = []Component{
	ComponentData, ComponentIndex, ComponentSummary, ComponentFilter,
	ComponentStats, ComponentDigest, ComponentCompressionInfo, ComponentTOC,
}

// Reader serves point and sequential reads from one immutable table
// generation. Readers are reference counted: Open returns one reference
// owned by the caller, every additional user takes its own with Ref, and
// the mapping closes when the count reaches zero. Obsolete tables delete
// their files on the final release.
type Reader struct {
	desc        Descriptor
	partitioner partition.Partitioner
	cmp         column.Comparator
	keyCache    KeyCache

	stats    Stats
	filter   *Filter
	summary  []summaryIndex
	interval int
	index    []byte
	data     dataFile

	first partition.DecoratedKey
	last  partition.DecoratedKey
	keys  int64

	refs     atomic.Int32
	obsolete atomic.Bool
	suspect  atomic.Bool
}

// Open loads a table generation: statistics, bloom filter, summary and the
// full index in memory, with the data file memory mapped. Versions that
// predate promoted indexes are rejected; their statistics remain readable
// through ReadTableStats.
func Open(desc Descriptor, opts OpenOptions) (*Reader, error) {
	if opts.Partitioner == nil {
		return nil, fmt.Errorf("open requires a partitioner")
	}
	if opts.Comparator == nil {
		return nil, fmt.Errorf("open requires a comparator")
	}
	if !desc.Version.Valid() || !desc.Version.HasPromotedIndexes() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, desc.Version)
	}

	comps, err := readTOC(desc)
	if err != nil {
		return nil, err
	}
	for _, c := range comps {
		if _, err := os.Stat(desc.Filename(c)); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingComponent, c)
		}
	}

	stats, err := ReadTableStats(desc)
	if err != nil {
		return nil, err
	}
	if stats.Partitioner != "" && stats.Partitioner != opts.Partitioner.Name() {
		return nil, fmt.Errorf("%w: table written with %s, opened with %s",
			ErrPartitionerMismatch, stats.Partitioner, opts.Partitioner.Name())
	}

	filterBuf, err := readComponent(desc.Filename(ComponentFilter))
	if err != nil {
		return nil, err
	}
	filter, err := ReadFilter(pools.NewByteReader(filterBuf))
	if err != nil {
		return nil, fmt.Errorf("failed to read bloom filter: %w", err)
	}

	summaryBuf, err := readComponent(desc.Filename(ComponentSummary))
	if err != nil {
		return nil, err
	}
	interval, entries, err := readSummary(pools.NewByteReader(summaryBuf))
	if err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}

	indexBuf, err := readComponent(desc.Filename(ComponentIndex))
	if err != nil {
		return nil, err
	}

	src, err := mmap.Open(desc.Filename(ComponentData))
	if err != nil {
		return nil, fmt.Errorf("failed to map data file: %w", err)
	}
	var data dataFile
	if hasComponent(comps, ComponentCompressionInfo) {
		ciBuf, err := readComponent(desc.Filename(ComponentCompressionInfo))
		if err != nil {
			_ = src.Close()
			return nil, err
		}
		info, err := readCompressionInfo(pools.NewByteReader(ciBuf))
		if err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("failed to read compression info: %w", err)
		}
		data = newCompressedData(src, info)
	} else {
		data = &rawData{src: src}
	}

	r := &Reader{
		desc:        desc,
		partitioner: opts.Partitioner,
		cmp:         opts.Comparator,
		keyCache:    opts.KeyCache,
		stats:       stats,
		filter:      filter,
		interval:    interval,
		index:       indexBuf,
		data:        data,
	}
	r.refs.Store(1)
	r.summary = make([]summaryIndex, len(entries))
	for i, e := range entries {
		r.summary[i] = summaryIndex{
			key:         partition.Decorate(opts.Partitioner, e.key),
			indexOffset: e.indexOffset,
		}
	}
	if err := r.loadBounds(); err != nil {
		_ = data.Close()
		return nil, err
	}
	return r, nil
}

// ReadTableStats loads only the statistics sidecar. It works for any
// version whose stats are still readable, including data versions Open
// refuses.
func ReadTableStats(desc Descriptor) (Stats, error) {
	buf, err := readComponent(desc.Filename(ComponentStats))
	if err != nil {
		return Stats{}, err
	}
	stats, err := ReadStats(pools.NewByteReader(buf), desc.Version)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read statistics: %w", err)
	}
	return stats, nil
}

func readTOC(desc Descriptor) ([]Component, error) {
	buf, err := os.ReadFile(desc.Filename(ComponentTOC))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissingComponent, ComponentTOC)
		}
		return nil, fmt.Errorf("failed to read TOC: %w", err)
	}
	var comps []Component
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			comps = append(comps, Component(line))
		}
	}
	required := []Component{
		ComponentData, ComponentIndex, ComponentSummary,
		ComponentFilter, ComponentStats,
	}
	for _, c := range required {
		if !hasComponent(comps, c) {
			return nil, fmt.Errorf("%w: %s not listed in TOC", ErrMissingComponent, c)
		}
	}
	return comps, nil
}

func hasComponent(comps []Component, want Component) bool {
	for _, c := range comps {
		if c == want {
			return true
		}
	}
	return false
}

// loadBounds scans the index once to learn the first and last keys and the
// exact row count.
func (r *Reader) loadBounds() error {
	br := pools.NewByteReader(r.index)
	var firstKey, lastKey []byte
	for br.Remaining() > 0 {
		key, _, err := readIndexEntry(br)
		if err != nil {
			return fmt.Errorf("failed to scan index: %w", err)
		}
		if r.keys == 0 {
			firstKey = key
		}
		lastKey = key
		r.keys++
	}
	if r.keys == 0 {
		return fmt.Errorf("index holds no entries")
	}
	r.first = partition.Decorate(r.partitioner, firstKey)
	r.last = partition.Decorate(r.partitioner, lastKey)
	return nil
}

// rename repoints the reader at a descriptor whose components were moved.
// The open mapping is unaffected.
func (r *Reader) rename(desc Descriptor) { r.desc = desc }

// Descriptor identifies the generation this reader serves.
func (r *Reader) Descriptor() Descriptor { return r.desc }

// Stats returns the table's statistics sidecar.
func (r *Reader) Stats() Stats { return r.stats }

// First returns the smallest decorated key in the table.
func (r *Reader) First() partition.DecoratedKey { return r.first }

// Last returns the largest decorated key in the table.
func (r *Reader) Last() partition.DecoratedKey { return r.last }

// KeyCount returns the exact number of rows.
func (r *Reader) KeyCount() int64 { return r.keys }

// DataSize returns the uncompressed size of the data file.
func (r *Reader) DataSize() int64 { return r.data.Size() }

// DroppableTombstoneRatio estimates how much of the table is tombstones
// already expired at gcBefore.
func (r *Reader) DroppableTombstoneRatio(gcBefore int32) float64 {
	return r.stats.DroppableTombstoneRatio(gcBefore)
}

// Ref takes a reference, failing if the reader is already fully released.
func (r *Reader) Ref() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Unref drops one reference. The final release closes the data mapping
// and removes every component file when the table was marked obsolete.
func (r *Reader) Unref() {
	if r.refs.Add(-1) != 0 {
		return
	}
	_ = r.data.Close()
	if r.obsolete.Load() {
		for _, c := range allComponents {
			_ = os.Remove(r.desc.Filename(c))
		}
	}
}

// MarkObsolete schedules the table's files for deletion once the last
// reference is released. Compaction calls this on replaced generations.
func (r *Reader) MarkObsolete() { r.obsolete.Store(true) }

// MarkSuspect flags the table after a read error so compaction avoids it.
func (r *Reader) MarkSuspect() { r.suspect.Store(true) }

// IsSuspect reports whether a read error was seen on this table.
func (r *Reader) IsSuspect() bool { return r.suspect.Load() }

// MayContainKey probes the bloom filter only. False positives are possible,
// false negatives are not. Purge-safety checks use this to decide whether a
// table outside a compaction set could still hold data for a key.
func (r *Reader) MayContainKey(key []byte) bool {
	return r.filter.MayContain(key)
}

// GetPosition locates a key's row in the data file. The miss path costs a
// bloom filter probe; hits consult the key cache before binary searching
// the summary and scanning at most one index interval.
func (r *Reader) GetPosition(dk partition.DecoratedKey) (IndexEntry, bool, error) {
	if !r.filter.MayContain(dk.Key) {
		return IndexEntry{}, false, nil
	}
	if r.keyCache != nil {
		if e, ok := r.keyCache.Get(r.desc.String(), dk.Key); ok {
			return e, true, nil
		}
	}
	i := sort.Search(len(r.summary), func(i int) bool {
		return r.summary[i].key.Compare(dk) > 0
	}) - 1
	if i < 0 {
		return IndexEntry{}, false, nil
	}
	br := pools.NewByteReader(r.index[r.summary[i].indexOffset:])
	for br.Remaining() > 0 {
		key, entry, err := readIndexEntry(br)
		if err != nil {
			r.MarkSuspect()
			return IndexEntry{}, false, fmt.Errorf("failed to scan index near %v: %w", dk, err)
		}
		cmp := partition.Decorate(r.partitioner, key).Compare(dk)
		if cmp == 0 {
			if r.keyCache != nil {
				r.keyCache.Put(r.desc.String(), dk.Key, entry)
			}
			return entry, true, nil
		}
		if cmp > 0 {
			break
		}
	}
	return IndexEntry{}, false, nil
}

// GetRow materializes the whole row stored under the key, or nil when the
// table holds no row for it.
func (r *Reader) GetRow(dk partition.DecoratedKey) (*column.Row, error) {
	e, ok, err := r.GetPosition(dk)
	if err != nil || !ok {
		return nil, err
	}
	_, body, err := r.rowAt(e.Position, dk.Key)
	if err != nil {
		return nil, err
	}
	row, err := column.ReadRowBody(pools.NewByteReader(body), r.cmp)
	if err != nil {
		r.MarkSuspect()
		return nil, fmt.Errorf("failed to read row at %d: %w", e.Position, err)
	}
	return row, nil
}

// rowAt reads the row header at pos and returns the stored key and the
// rowLen bytes that follow, which include any promoted index blocks.
// A non-nil wantKey is checked against the stored key.
func (r *Reader) rowAt(pos int64, wantKey []byte) ([]byte, []byte, error) {
	var hdr [2]byte
	if _, err := r.data.ReadAt(hdr[:], pos); err != nil {
		r.MarkSuspect()
		return nil, nil, fmt.Errorf("failed to read row header at %d: %w", pos, err)
	}
	keyLen := int64(binary.BigEndian.Uint16(hdr[:]))
	head := make([]byte, keyLen+8)
	if _, err := r.data.ReadAt(head, pos+2); err != nil {
		r.MarkSuspect()
		return nil, nil, fmt.Errorf("failed to read row header at %d: %w", pos, err)
	}
	key := head[:keyLen]
	rowLen := int64(binary.BigEndian.Uint64(head[keyLen:]))
	if wantKey != nil && !bytes.Equal(key, wantKey) {
		r.MarkSuspect()
		return nil, nil, fmt.Errorf("%w: found %q at %d", ErrKeyMismatch, key, pos)
	}
	if rowLen < rowBodyMinSize || pos+2+keyLen+8+rowLen > r.data.Size() {
		r.MarkSuspect()
		return nil, nil, fmt.Errorf("corrupt row length %d at %d", rowLen, pos)
	}
	body := make([]byte, rowLen)
	if _, err := r.data.ReadAt(body, pos+2+keyLen+8); err != nil {
		r.MarkSuspect()
		return nil, nil, fmt.Errorf("failed to read row at %d: %w", pos, err)
	}
	return key, body, nil
}

// NamedColumns reads only the requested cells. Rows with a promoted index
// touch just the blocks that can hold a requested name; the row's own
// deletion header and the range tombstones in touched blocks come along.
// Rows without one are parsed whole and filtered. A nil row means the
// table holds nothing for the key.
func (r *Reader) NamedColumns(dk partition.DecoratedKey, names [][]byte) (*column.Row, error) {
	e, ok, err := r.GetPosition(dk)
	if err != nil || !ok {
		return nil, err
	}

	sorted := make([][]byte, len(names))
	copy(sorted, names)
	sort.Slice(sorted, func(i, j int) bool { return r.cmp.Compare(sorted[i], sorted[j]) < 0 })

	if !e.Promoted() {
		_, body, err := r.rowAt(e.Position, dk.Key)
		if err != nil {
			return nil, err
		}
		full, err := column.ReadRowBody(pools.NewByteReader(body), r.cmp)
		if err != nil {
			r.MarkSuspect()
			return nil, fmt.Errorf("failed to read row at %d: %w", e.Position, err)
		}
		result := column.NewRow(r.cmp)
		result.ApplyDeletion(full.Deletion())
		for _, name := range sorted {
			if c := full.GetCell(name); c != nil {
				result.AddCell(c)
			}
		}
		return result, nil
	}
	return r.namedFromBlocks(dk, e, sorted)
}

func (r *Reader) namedFromBlocks(dk partition.DecoratedKey, e IndexEntry, sorted [][]byte) (*column.Row, error) {
	var hdr [2]byte
	if _, err := r.data.ReadAt(hdr[:], e.Position); err != nil {
		r.MarkSuspect()
		return nil, fmt.Errorf("failed to read row header at %d: %w", e.Position, err)
	}
	keyLen := int64(binary.BigEndian.Uint16(hdr[:]))
	head := make([]byte, keyLen+8)
	if _, err := r.data.ReadAt(head, e.Position+2); err != nil {
		r.MarkSuspect()
		return nil, fmt.Errorf("failed to read row header at %d: %w", e.Position, err)
	}
	if !bytes.Equal(head[:keyLen], dk.Key) {
		r.MarkSuspect()
		return nil, fmt.Errorf("%w: found %q at %d", ErrKeyMismatch, head[:keyLen], e.Position)
	}
	rowLen := int64(binary.BigEndian.Uint64(head[keyLen:]))

	bodyStart := e.Position + 2 + keyLen + 8
	dhdr := make([]byte, rowBodyMinSize)
	if _, err := r.data.ReadAt(dhdr, bodyStart); err != nil {
		r.MarkSuspect()
		return nil, fmt.Errorf("failed to read row deletion at %d: %w", bodyStart, err)
	}
	top, err := column.ReadDeletionTime(pools.NewByteReader(dhdr))
	if err != nil {
		return nil, err
	}

	promotedLen := bodyStart + rowLen - e.PromotedOffset
	if promotedLen <= 0 || e.PromotedOffset < bodyStart {
		r.MarkSuspect()
		return nil, fmt.Errorf("corrupt promoted index offset %d for row at %d", e.PromotedOffset, e.Position)
	}
	pbuf := make([]byte, promotedLen)
	if _, err := r.data.ReadAt(pbuf, e.PromotedOffset); err != nil {
		r.MarkSuspect()
		return nil, fmt.Errorf("failed to read promoted index at %d: %w", e.PromotedOffset, err)
	}
	blocks, err := readPromotedIndex(pools.NewByteReader(pbuf))
	if err != nil {
		r.MarkSuspect()
		return nil, fmt.Errorf("failed to read promoted index at %d: %w", e.PromotedOffset, err)
	}

	result := column.NewRow(r.cmp)
	if !top.IsLive() {
		result.Delete(top)
	}

	atomsStart := bodyStart + rowBodyMinSize
	ni := 0
	for _, b := range blocks {
		for ni < len(sorted) && r.cmp.Compare(sorted[ni], b.FirstName) < 0 {
			ni++
		}
		if ni >= len(sorted) {
			break
		}
		if r.cmp.Compare(sorted[ni], b.LastName) > 0 {
			continue
		}
		blockBuf := make([]byte, b.Width)
		if _, err := r.data.ReadAt(blockBuf, atomsStart+b.Offset); err != nil {
			r.MarkSuspect()
			return nil, fmt.Errorf("failed to read index block at %d: %w", atomsStart+b.Offset, err)
		}
		abr := pools.NewByteReader(blockBuf)
		for abr.Remaining() > 0 {
			atom, err := column.ReadAtom(abr)
			if err != nil {
				r.MarkSuspect()
				return nil, fmt.Errorf("failed to read block atoms at %d: %w", atomsStart+b.Offset, err)
			}
			switch v := atom.(type) {
			case column.RangeTombstone:
				result.DeleteRange(v)
			case column.Cell:
				if nameRequested(r.cmp, sorted, v.Name()) {
					result.AddCell(v)
				}
			}
		}
	}
	return result, nil
}

func nameRequested(cmp column.Comparator, sorted [][]byte, name []byte) bool {
	i := sort.Search(len(sorted), func(i int) bool {
		return cmp.Compare(sorted[i], name) >= 0
	})
	return i < len(sorted) && cmp.Compare(sorted[i], name) == 0
}

// Scanner iterates every row in data file order. It reads the key and the
// parsed row for each position and reports the byte position it has
// consumed up to, which lands exactly on the data size after the last row.
type Scanner struct {
	r   *Reader
	pos int64
	err error
	key partition.DecoratedKey
	row *column.Row
}

// Scan starts a full sequential pass over the table.
func (r *Reader) Scan() *Scanner {
	return &Scanner{r: r}
}

// Next advances to the next row, returning false at the end or on error.
func (s *Scanner) Next() bool {
	if s.err != nil || s.pos >= s.r.data.Size() {
		return false
	}
	key, body, err := s.r.rowAt(s.pos, nil)
	if err != nil {
		s.err = err
		return false
	}
	row, err := column.ReadRowBody(pools.NewByteReader(body), s.r.cmp)
	if err != nil {
		s.r.MarkSuspect()
		s.err = fmt.Errorf("failed to read row at %d: %w", s.pos, err)
		return false
	}
	s.key = partition.Decorate(s.r.partitioner, key)
	s.row = row
	s.pos += 2 + int64(len(key)) + 8 + int64(len(body))
	return true
}

// Key returns the current row's decorated key.
func (s *Scanner) Key() partition.DecoratedKey { return s.key }

// Row returns the current row.
func (s *Scanner) Row() *column.Row { return s.row }

// Err returns the first error the scan hit, if any.
func (s *Scanner) Err() error { return s.err }

// CurrentPosition is the data file offset the scan has consumed up to.
func (s *Scanner) CurrentPosition() int64 { return s.pos }
