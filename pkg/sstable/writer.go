package sstable

import (
	"fmt"
	"io"
	"os"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/commitlog"
	"github.com/dd0wney/cluso-tablestore/pkg/histogram"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

const (
	defaultKeyCount        = 1 << 10
	defaultBloomFPChance   = 0.01
	defaultIndexInterval   = 128
	defaultColumnIndexSize = 64 << 10
)

// WriterOptions configures a single table write. Zero values fall back to
// engine defaults; ChunkSize zero writes the data file uncompressed.
type WriterOptions struct {
	Partitioner partition.Partitioner
	Comparator  column.Comparator

	// KeyCount is the expected number of rows, used to size the bloom filter.
	KeyCount      int64
	BloomFPChance float64

	// IndexInterval is the row sampling rate for the in-memory summary.
	IndexInterval int

	// ColumnIndexSize is the threshold above which a row's atoms are split
	// into promoted index blocks.
	ColumnIndexSize int

	// ChunkSize enables snappy compression of the data file when positive.
	ChunkSize int

	// ReplayPosition marks the commit log point this table makes durable.
	ReplayPosition commitlog.ReplayPosition

	// Ancestors are the generations compacted into this table, if any.
	Ancestors []uint32

	// KeyCache, when set, is handed to the reader produced by Close.
	KeyCache KeyCache

	// Preheat reports keys whose index entries should be written into
	// KeyCache as rows append, so keys hot on the ancestor tables stay hot
	// on the rewrite. Ignored when KeyCache is nil.
	Preheat func(key []byte) bool
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.KeyCount <= 0 {
		o.KeyCount = defaultKeyCount
	}
	if o.BloomFPChance <= 0 {
		o.BloomFPChance = defaultBloomFPChance
	}
	if o.IndexInterval <= 0 {
		o.IndexInterval = defaultIndexInterval
	}
	if o.ColumnIndexSize <= 0 {
		o.ColumnIndexSize = defaultColumnIndexSize
	}
	return o
}

// RowStats carries the measurements a streamed append cannot take itself
// because the row body arrives pre-serialized.
type RowStats struct {
	CellCount    int64
	MinTimestamp int64
	MaxTimestamp int64
	Tombstones   *histogram.StreamingHistogram
}

// Writer builds one table generation under temporary filenames and promotes
// every component to its final name on Close. Keys must arrive in decorated
// order. A Writer is not safe for concurrent use.
type Writer struct {
	desc Descriptor
	opts WriterOptions

	data  dataSink
	index *sequentialWriter

	filter  *Filter
	stats   *StatsCollector
	summary []summaryEntry

	rowBuf *pools.BufferBuilder
	idxBuf *pools.BufferBuilder

	rowsWritten int64
	firstKey    partition.DecoratedKey
	lastKey     partition.DecoratedKey

	closed  bool
	aborted bool
}

// NewWriter opens the data and index files for a new generation. The
// descriptor is forced temporary; Close renames everything into place.
func NewWriter(desc Descriptor, opts WriterOptions) (*Writer, error) {
	if opts.Partitioner == nil {
		return nil, fmt.Errorf("writer requires a partitioner")
	}
	if opts.Comparator == nil {
		return nil, fmt.Errorf("writer requires a comparator")
	}
	opts = opts.withDefaults()
	desc = desc.AsTemporary()

	if err := os.MkdirAll(desc.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create table directory: %w", err)
	}

	var data dataSink
	var err error
	if opts.ChunkSize > 0 {
		data, err = newCompressedSink(desc.Filename(ComponentData), opts.ChunkSize)
	} else {
		data, err = newRawSink(desc.Filename(ComponentData))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create data file: %w", err)
	}

	index, err := newSequentialWriter(desc.Filename(ComponentIndex))
	if err != nil {
		_ = data.Discard()
		_ = os.Remove(desc.Filename(ComponentData))
		return nil, fmt.Errorf("failed to create index file: %w", err)
	}

	w := &Writer{
		desc:   desc,
		opts:   opts,
		data:   data,
		index:  index,
		filter: NewFilter(opts.KeyCount, opts.BloomFPChance),
		stats:  NewStatsCollector(),
		rowBuf: pools.NewBufferBuilder(64 << 10),
		idxBuf: pools.NewBufferBuilder(256),
	}
	w.stats.SetReplayPosition(opts.ReplayPosition)
	for _, gen := range opts.Ancestors {
		w.stats.AddAncestor(gen)
	}
	return w, nil
}

// Descriptor returns the temporary descriptor the writer is building under.
func (w *Writer) Descriptor() Descriptor { return w.desc }

// Append serializes one row under the given key. Keys must be strictly
// increasing in decorated order or ErrOutOfOrderKey is returned.
func (w *Writer) Append(dk partition.DecoratedKey, row *column.Row) error {
	if w.closed || w.aborted {
		return ErrWriterClosed
	}
	if err := w.checkOrder(dk); err != nil {
		return err
	}

	blocks := promotedIndex(row.Atoms(), int64(w.opts.ColumnIndexSize))
	bodySize := row.SerializedSize()
	rowLen := bodySize + promotedIndexSize(blocks)
	dataOffset := w.data.Offset()

	w.rowBuf.Reset()
	w.rowBuf.WriteShortBytes(dk.Key)
	w.rowBuf.WriteInt64BE(rowLen)
	row.WriteTo(w.rowBuf)
	if blocks != nil {
		writePromotedIndex(w.rowBuf, blocks)
	}
	if _, err := w.data.Write(w.rowBuf.Bytes()); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}

	w.afterRow(dk, dataOffset, bodySize, rowLen, blocks)
	w.stats.AddColumnCount(int64(row.CellCount()))
	w.stats.UpdateTimestamps(row.MinTimestamp(), row.MaxTimestamp())
	w.recordTombstones(row)
	return nil
}

// AppendStreamed writes a row whose body is produced by the caller, without
// materializing it in memory. The callback must write exactly bodySize bytes;
// blocks and rs describe the body the same way Append would have measured it.
func (w *Writer) AppendStreamed(dk partition.DecoratedKey, bodySize int64, blocks []IndexInfo, write func(io.Writer) error, rs RowStats) error {
	if w.closed || w.aborted {
		return ErrWriterClosed
	}
	if err := w.checkOrder(dk); err != nil {
		return err
	}

	rowLen := bodySize + promotedIndexSize(blocks)
	dataOffset := w.data.Offset()

	w.rowBuf.Reset()
	w.rowBuf.WriteShortBytes(dk.Key)
	w.rowBuf.WriteInt64BE(rowLen)
	if _, err := w.data.Write(w.rowBuf.Bytes()); err != nil {
		return fmt.Errorf("failed to write row header: %w", err)
	}

	cw := &countingWriter{w: w.data}
	if err := write(cw); err != nil {
		return fmt.Errorf("failed to stream row body: %w", err)
	}
	if cw.n != bodySize {
		return fmt.Errorf("streamed row body wrote %d bytes, want %d", cw.n, bodySize)
	}
	if blocks != nil {
		w.rowBuf.Reset()
		writePromotedIndex(w.rowBuf, blocks)
		if _, err := w.data.Write(w.rowBuf.Bytes()); err != nil {
			return fmt.Errorf("failed to write promoted index: %w", err)
		}
	}

	w.afterRow(dk, dataOffset, bodySize, rowLen, blocks)
	w.stats.AddColumnCount(rs.CellCount)
	w.stats.UpdateTimestamps(rs.MinTimestamp, rs.MaxTimestamp)
	w.stats.MergeTombstones(rs.Tombstones)
	return nil
}

func (w *Writer) checkOrder(dk partition.DecoratedKey) error {
	if w.rowsWritten > 0 && dk.Compare(w.lastKey) <= 0 {
		return fmt.Errorf("%w: %v after %v", ErrOutOfOrderKey, dk, w.lastKey)
	}
	return nil
}

// afterRow records the index entry, summary sample, bloom bit and shared
// stats once the row bytes are on disk.
func (w *Writer) afterRow(dk partition.DecoratedKey, dataOffset, bodySize, rowLen int64, blocks []IndexInfo) {
	promotedOffset := noPromotedIndex
	if blocks != nil {
		promotedOffset = dataOffset + 2 + int64(len(dk.Key)) + 8 + bodySize
	}

	entry := IndexEntry{Position: dataOffset, PromotedOffset: promotedOffset}
	indexOffset := w.index.Offset()
	w.idxBuf.Reset()
	writeIndexEntry(w.idxBuf, dk.Key, entry)
	// Index write failures surface on Close when the file is synced.
	_, _ = w.index.Write(w.idxBuf.Bytes())

	if w.opts.KeyCache != nil && w.opts.Preheat != nil && w.opts.Preheat(dk.Key) {
		w.opts.KeyCache.Put(w.desc.AsFinal().String(), dk.Key, entry)
	}

	if w.rowsWritten%int64(w.opts.IndexInterval) == 0 {
		w.summary = append(w.summary, summaryEntry{
			key:         append([]byte(nil), dk.Key...),
			indexOffset: indexOffset,
		})
	}

	w.filter.Add(dk.Key)
	w.stats.AddRowSize(2 + int64(len(dk.Key)) + 8 + rowLen)

	key := partition.DecoratedKey{Token: dk.Token, Key: append([]byte(nil), dk.Key...)}
	if w.rowsWritten == 0 {
		w.firstKey = key
	}
	w.lastKey = key
	w.rowsWritten++
}

func (w *Writer) recordTombstones(row *column.Row) {
	del := row.Deletion()
	if top := del.Top(); !top.IsLive() {
		w.stats.AddTombstone(top.LocalDeletionTime)
	}
	for _, rt := range del.Ranges() {
		w.stats.AddTombstone(rt.LocalDeletionTime)
	}
	for _, c := range row.Cells() {
		if ldt := c.LocalDeletionTime(); ldt != column.NoDeletionTime {
			w.stats.AddTombstone(ldt)
		}
	}
}

// ColumnIndexSize returns the block threshold rows are promoted at.
// Streamed appends tile their blocks against this value.
func (w *Writer) ColumnIndexSize() int64 { return int64(w.opts.ColumnIndexSize) }

// RowCount returns the number of rows appended so far.
func (w *Writer) RowCount() int64 { return w.rowsWritten }

// DataSize returns the uncompressed bytes written to the data file so far.
func (w *Writer) DataSize() int64 { return w.data.Offset() }

// Close seals every component, opens the finished table, and renames it from
// temporary to final. The returned reader holds one reference the caller
// owns. Closing a writer with no rows aborts and returns ErrNoRows.
func (w *Writer) Close() (*Reader, error) {
	if w.closed || w.aborted {
		return nil, ErrWriterClosed
	}
	if w.rowsWritten == 0 {
		_ = w.Abort()
		return nil, ErrNoRows
	}
	reader, err := w.seal()
	if err != nil {
		_ = w.Abort()
		return nil, err
	}
	w.closed = true
	return reader, nil
}

func (w *Writer) seal() (*Reader, error) {
	logical := w.data.Offset()
	physical, err := w.data.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish data file: %w", err)
	}
	if cs, ok := w.data.(*compressedSink); ok {
		buf := pools.NewBufferBuilder(4 << 10)
		cs.info().WriteTo(buf)
		if err := writeComponent(w.desc.Filename(ComponentCompressionInfo), buf); err != nil {
			return nil, err
		}
		w.stats.SetCompressionRatio(float64(physical) / float64(logical))
	}
	if err := w.index.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish index file: %w", err)
	}

	buf := pools.NewBufferBuilder(8 << 10)
	w.stats.Finalize(w.opts.Partitioner.Name()).WriteTo(buf, w.desc.Version)
	if err := writeComponent(w.desc.Filename(ComponentStats), buf); err != nil {
		return nil, err
	}

	buf.Reset()
	writeSummary(buf, w.opts.IndexInterval, w.summary)
	if err := writeComponent(w.desc.Filename(ComponentSummary), buf); err != nil {
		return nil, err
	}

	buf.Reset()
	w.filter.WriteTo(buf)
	if err := writeComponent(w.desc.Filename(ComponentFilter), buf); err != nil {
		return nil, err
	}

	buf.Reset()
	buf.WriteString(w.data.DigestHex())
	buf.WriteString("\n")
	if err := writeComponent(w.desc.Filename(ComponentDigest), buf); err != nil {
		return nil, err
	}

	buf.Reset()
	for _, c := range w.components() {
		buf.WriteString(string(c))
		buf.WriteString("\n")
	}
	if err := writeComponent(w.desc.Filename(ComponentTOC), buf); err != nil {
		return nil, err
	}

	reader, err := Open(w.desc, OpenOptions{
		Partitioner: w.opts.Partitioner,
		Comparator:  w.opts.Comparator,
		KeyCache:    w.opts.KeyCache,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open written table: %w", err)
	}

	final := w.desc.AsFinal()
	renamed := make([]Component, 0, len(w.components()))
	for _, c := range w.components() {
		if err := os.Rename(w.desc.Filename(c), final.Filename(c)); err != nil {
			for _, rc := range renamed {
				_ = os.Rename(final.Filename(rc), w.desc.Filename(rc))
			}
			reader.Unref()
			return nil, fmt.Errorf("failed to finalize %s: %w", c, err)
		}
		renamed = append(renamed, c)
	}
	reader.rename(final)
	return reader, nil
}

// Abort discards the write and removes every temporary component. It is
// idempotent and a no-op after a successful Close.
func (w *Writer) Abort() error {
	if w.closed || w.aborted {
		return nil
	}
	w.aborted = true
	if w.data != nil {
		_ = w.data.Discard()
	}
	if w.index != nil {
		_ = w.index.Discard()
	}
	var firstErr error
	for _, c := range w.components() {
		if err := os.Remove(w.desc.Filename(c)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (w *Writer) components() []Component {
	comps := []Component{
		ComponentData, ComponentIndex, ComponentSummary, ComponentFilter,
		ComponentStats, ComponentDigest, ComponentTOC,
	}
	if w.opts.ChunkSize > 0 {
		comps = append(comps, ComponentCompressionInfo)
	}
	return comps
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
