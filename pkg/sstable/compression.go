package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"
	"golang.org/x/exp/mmap"
	blake3 "lukechampine.com/blake3"

	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

// compressionInfo is the chunk-offset sidecar for a compressed data
// component: logical bytes are cut into chunkSize units, each landing as
// (snappy block, crc32) at the recorded physical offset.
type compressionInfo struct {
	chunkSize    int
	uncompressed int64
	offsets      []int64
}

func (ci compressionInfo) WriteTo(b *pools.BufferBuilder) {
	b.WriteUint32BE(uint32(ci.chunkSize))
	b.WriteInt64BE(ci.uncompressed)
	b.WriteUint32BE(uint32(len(ci.offsets)))
	for _, off := range ci.offsets {
		b.WriteInt64BE(off)
	}
}

func readCompressionInfo(r *pools.ByteReader) (compressionInfo, error) {
	var ci compressionInfo
	chunkSize, err := r.Uint32()
	if err != nil {
		return ci, err
	}
	if chunkSize == 0 || chunkSize > 1<<26 {
		return ci, fmt.Errorf("implausible compression chunk size %d", chunkSize)
	}
	ci.chunkSize = int(chunkSize)
	if ci.uncompressed, err = r.Int64(); err != nil {
		return ci, err
	}
	count, err := r.Uint32()
	if err != nil {
		return ci, err
	}
	want := (ci.uncompressed + int64(ci.chunkSize) - 1) / int64(ci.chunkSize)
	if int64(count) != want {
		return ci, fmt.Errorf("chunk count %d does not cover %d bytes at chunk size %d", count, ci.uncompressed, ci.chunkSize)
	}
	ci.offsets = make([]int64, count)
	for i := range ci.offsets {
		if ci.offsets[i], err = r.Int64(); err != nil {
			return ci, err
		}
	}
	return ci, nil
}

// compressedSink lands logical bytes as snappy chunks with trailing CRCs.
// The digest covers the physical bytes, matching what a later reader can
// recompute from the file alone.
type compressedSink struct {
	w         *sequentialWriter
	h         *blake3.Hasher
	chunkSize int
	pending   []byte
	scratch   []byte
	offsets   []int64
	logical   int64
}

func newCompressedSink(path string, chunkSize int) (*compressedSink, error) {
	w, err := newSequentialWriter(path)
	if err != nil {
		return nil, err
	}
	return &compressedSink{
		w:         w,
		h:         blake3.New(32, nil),
		chunkSize: chunkSize,
		pending:   make([]byte, 0, chunkSize),
	}, nil
}

func (s *compressedSink) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		n := min(s.chunkSize-len(s.pending), len(p))
		s.pending = append(s.pending, p[:n]...)
		p = p[n:]
		if len(s.pending) == s.chunkSize {
			if err := s.flushChunk(); err != nil {
				return total - len(p), err
			}
		}
	}
	s.logical += int64(total)
	return total, nil
}

func (s *compressedSink) flushChunk() error {
	s.offsets = append(s.offsets, s.w.Offset())
	s.scratch = snappy.Encode(s.scratch[:cap(s.scratch)], s.pending)
	if err := s.writePhysical(s.scratch); err != nil {
		return err
	}
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(s.scratch))
	if err := s.writePhysical(crc[:]); err != nil {
		return err
	}
	s.pending = s.pending[:0]
	return nil
}

func (s *compressedSink) writePhysical(p []byte) error {
	s.h.Write(p)
	_, err := s.w.Write(p)
	return err
}

func (s *compressedSink) Offset() int64 { return s.logical }

func (s *compressedSink) Finish() (int64, error) {
	if len(s.pending) > 0 {
		if err := s.flushChunk(); err != nil {
			return 0, err
		}
	}
	if err := s.w.Close(); err != nil {
		return 0, err
	}
	return s.w.Offset(), nil
}

func (s *compressedSink) Discard() error { return s.w.Discard() }

func (s *compressedSink) DigestHex() string {
	return fmt.Sprintf("%x", s.h.Sum(nil))
}

// info returns the sidecar describing what Finish landed.
func (s *compressedSink) info() compressionInfo {
	return compressionInfo{chunkSize: s.chunkSize, uncompressed: s.logical, offsets: s.offsets}
}

// compressedData serves logical reads by decompressing the covering
// chunks, verifying each chunk's CRC on the way.
type compressedData struct {
	src      *mmap.ReaderAt
	info     compressionInfo
	physical int64
}

func newCompressedData(src *mmap.ReaderAt, info compressionInfo) *compressedData {
	return &compressedData{src: src, info: info, physical: int64(src.Len())}
}

func (d *compressedData) Size() int64 { return d.info.uncompressed }

func (d *compressedData) Close() error { return d.src.Close() }

func (d *compressedData) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	read := 0
	for read < len(p) && off < d.info.uncompressed {
		chunk, err := d.chunk(int(off / int64(d.info.chunkSize)))
		if err != nil {
			return read, err
		}
		within := int(off % int64(d.info.chunkSize))
		if within >= len(chunk) {
			break
		}
		n := copy(p[read:], chunk[within:])
		read += n
		off += int64(n)
	}
	if read < len(p) {
		return read, fmt.Errorf("read past end of data at offset %d", off)
	}
	return read, nil
}

// chunk decompresses chunk i. Chunks are small and reads are bounded, so
// no cache is kept; the mapping itself serves repeated physical reads.
func (d *compressedData) chunk(i int) ([]byte, error) {
	if i < 0 || i >= len(d.info.offsets) {
		return nil, fmt.Errorf("chunk %d out of range", i)
	}
	start := d.info.offsets[i]
	end := d.physical
	if i+1 < len(d.info.offsets) {
		end = d.info.offsets[i+1]
	}
	if end-start < 4 {
		return nil, fmt.Errorf("%w: chunk %d truncated", ErrChunkChecksum, i)
	}
	raw := make([]byte, end-start)
	if _, err := d.src.ReadAt(raw, start); err != nil {
		return nil, err
	}
	payload, crc := raw[:len(raw)-4], raw[len(raw)-4:]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(crc) {
		return nil, fmt.Errorf("%w: chunk %d", ErrChunkChecksum, i)
	}
	out, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress chunk %d: %w", i, err)
	}
	return out, nil
}
