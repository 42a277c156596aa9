package sstable

import (
	"fmt"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

// IndexInfo describes one contiguous block of a large row's atom stream.
// Offset is relative to the first atom of the row; Width is the block's
// serialized length.
type IndexInfo struct {
	FirstName []byte
	LastName  []byte
	Offset    int64
	Width     int64
}

func (info IndexInfo) WriteTo(b *pools.BufferBuilder) {
	b.WriteShortBytes(info.FirstName)
	b.WriteShortBytes(info.LastName)
	b.WriteInt64BE(info.Offset)
	b.WriteInt64BE(info.Width)
}

func readIndexInfo(r *pools.ByteReader) (IndexInfo, error) {
	var info IndexInfo
	var err error
	if info.FirstName, err = r.ShortBytes(); err != nil {
		return IndexInfo{}, err
	}
	if info.LastName, err = r.ShortBytes(); err != nil {
		return IndexInfo{}, err
	}
	if info.Offset, err = r.Int64(); err != nil {
		return IndexInfo{}, err
	}
	if info.Width, err = r.Int64(); err != nil {
		return IndexInfo{}, err
	}
	return info, nil
}

// noPromotedIndex marks index entries of rows small enough to scan whole.
const noPromotedIndex = int64(-1)

// IndexEntry is one row's entry in the index component: where the row
// starts in the data file and, for large rows, where its promoted block
// list was appended.
type IndexEntry struct {
	Position       int64
	PromotedOffset int64
}

// Promoted reports whether the row carries a block list.
func (e IndexEntry) Promoted() bool { return e.PromotedOffset != noPromotedIndex }

// writeIndexEntry appends one index record: short-length key, position,
// promoted offset.
func writeIndexEntry(b *pools.BufferBuilder, key []byte, e IndexEntry) {
	b.WriteShortBytes(key)
	b.WriteInt64BE(e.Position)
	b.WriteInt64BE(e.PromotedOffset)
}

// readIndexEntry reads one index record written by writeIndexEntry.
func readIndexEntry(r *pools.ByteReader) ([]byte, IndexEntry, error) {
	key, err := r.ShortBytes()
	if err != nil {
		return nil, IndexEntry{}, err
	}
	var e IndexEntry
	if e.Position, err = r.Int64(); err != nil {
		return nil, IndexEntry{}, err
	}
	if e.PromotedOffset, err = r.Int64(); err != nil {
		return nil, IndexEntry{}, err
	}
	return key, e, nil
}

// PromotedIndexBuilder tiles a row's atom stream into index blocks of at
// least blockSize serialized bytes without holding the atoms themselves.
// Streamed compaction appends feed it one (name, size) pair per atom.
type PromotedIndexBuilder struct {
	blockSize  int64
	blocks     []IndexInfo
	blockStart int64
	offset     int64
	first      []byte
	last       []byte
	inBlock    bool
}

// NewPromotedIndexBuilder starts a tiling at the given block threshold.
func NewPromotedIndexBuilder(blockSize int64) *PromotedIndexBuilder {
	return &PromotedIndexBuilder{blockSize: blockSize}
}

// Add records the next atom in clustering order.
func (p *PromotedIndexBuilder) Add(name []byte, serializedSize int64) {
	if !p.inBlock {
		p.first = name
		p.blockStart = p.offset
		p.inBlock = true
	}
	p.last = name
	p.offset += serializedSize
	if p.offset-p.blockStart >= p.blockSize {
		p.seal()
	}
}

func (p *PromotedIndexBuilder) seal() {
	p.blocks = append(p.blocks, IndexInfo{
		FirstName: p.first,
		LastName:  p.last,
		Offset:    p.blockStart,
		Width:     p.offset - p.blockStart,
	})
	p.inBlock = false
}

// Blocks finishes the tiling. Streams that fit one block are not promoted
// and yield nil.
func (p *PromotedIndexBuilder) Blocks() []IndexInfo {
	if p.inBlock {
		p.seal()
	}
	if len(p.blocks) <= 1 {
		return nil
	}
	return p.blocks
}

// promotedIndex chunks a row's atoms into blocks of at least blockSize
// serialized bytes. Rows that fit one block are not promoted and return a
// nil list.
func promotedIndex(atoms []column.Atom, blockSize int64) []IndexInfo {
	if blockSize <= 0 {
		return nil
	}
	b := NewPromotedIndexBuilder(blockSize)
	for _, a := range atoms {
		b.Add(a.Name(), a.SerializedSize())
	}
	return b.Blocks()
}

// promotedIndexSize is the on-disk size of the block list, zero when the
// row carries none.
func promotedIndexSize(blocks []IndexInfo) int64 {
	if len(blocks) == 0 {
		return 0
	}
	n := int64(4)
	for _, info := range blocks {
		n += 2 + int64(len(info.FirstName)) + 2 + int64(len(info.LastName)) + 16
	}
	return n
}

// writePromotedIndex appends the block list as it appears after a row's
// atoms in the data file.
func writePromotedIndex(b *pools.BufferBuilder, blocks []IndexInfo) {
	b.WriteInt32BE(int32(len(blocks)))
	for _, info := range blocks {
		info.WriteTo(b)
	}
}

// readPromotedIndex reads a block list written by writePromotedIndex.
func readPromotedIndex(r *pools.ByteReader) ([]IndexInfo, error) {
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if count < 0 || count > 1<<24 {
		return nil, fmt.Errorf("implausible promoted index block count %d", count)
	}
	blocks := make([]IndexInfo, 0, count)
	for i := int32(0); i < count; i++ {
		info, err := readIndexInfo(r)
		if err != nil {
			return nil, fmt.Errorf("promoted block %d/%d: %w", i, count, err)
		}
		blocks = append(blocks, info)
	}
	return blocks, nil
}

// summaryEntry is one sampled key in the in-memory index summary, pointing
// at its record's offset within the index component.
type summaryEntry struct {
	key         []byte
	indexOffset int64
}

// writeSummary serializes the sampling interval and the sampled entries.
func writeSummary(b *pools.BufferBuilder, interval int, entries []summaryEntry) {
	b.WriteUint32BE(uint32(interval))
	b.WriteUint32BE(uint32(len(entries)))
	for _, e := range entries {
		b.WriteShortBytes(e.key)
		b.WriteInt64BE(e.indexOffset)
	}
}

// readSummary deserializes a summary component.
func readSummary(r *pools.ByteReader) (int, []summaryEntry, error) {
	interval, err := r.Uint32()
	if err != nil {
		return 0, nil, err
	}
	count, err := r.Uint32()
	if err != nil {
		return 0, nil, err
	}
	if interval == 0 || interval > 1<<20 || count > 1<<28 {
		return 0, nil, fmt.Errorf("implausible summary header interval=%d count=%d", interval, count)
	}
	entries := make([]summaryEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := r.ShortBytes()
		if err != nil {
			return 0, nil, fmt.Errorf("summary entry %d/%d: %w", i, count, err)
		}
		off, err := r.Int64()
		if err != nil {
			return 0, nil, fmt.Errorf("summary entry %d/%d: %w", i, count, err)
		}
		entries = append(entries, summaryEntry{key: key, indexOffset: off})
	}
	return int(interval), entries, nil
}
