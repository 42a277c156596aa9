package sstable

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/exp/mmap"
	blake3 "lukechampine.com/blake3"

	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

// sequentialWriter is a buffered append-only file writer tracking its
// logical offset.
type sequentialWriter struct {
	file *os.File
	buf  *bufio.Writer
	off  int64
}

func newSequentialWriter(path string) (*sequentialWriter, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return &sequentialWriter{file: file, buf: bufio.NewWriterSize(file, 64<<10)}, nil
}

func (w *sequentialWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	w.off += int64(n)
	return n, err
}

func (w *sequentialWriter) Offset() int64 { return w.off }

// Close flushes, syncs and closes the file.
func (w *sequentialWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// Discard closes without flushing buffered bytes. Abort paths remove the
// file afterwards.
func (w *sequentialWriter) Discard() error {
	return w.file.Close()
}

// dataSink accepts a table's logical data bytes and lands them on disk,
// hashing the physical bytes as they go.
type dataSink interface {
	io.Writer
	// Offset returns the count of logical bytes accepted so far. Index
	// entries and scanner positions are expressed in these coordinates.
	Offset() int64
	// Finish flushes and closes the file, returning its physical length.
	Finish() (int64, error)
	Discard() error
	DigestHex() string
}

// rawSink writes uncompressed data; logical and physical bytes coincide.
type rawSink struct {
	w *sequentialWriter
	h *blake3.Hasher
}

func newRawSink(path string) (*rawSink, error) {
	w, err := newSequentialWriter(path)
	if err != nil {
		return nil, err
	}
	return &rawSink{w: w, h: blake3.New(32, nil)}, nil
}

func (s *rawSink) Write(p []byte) (int, error) {
	s.h.Write(p)
	return s.w.Write(p)
}

func (s *rawSink) Offset() int64 { return s.w.Offset() }

func (s *rawSink) Finish() (int64, error) {
	if err := s.w.Close(); err != nil {
		return 0, err
	}
	return s.w.Offset(), nil
}

func (s *rawSink) Discard() error { return s.w.Discard() }

func (s *rawSink) DigestHex() string {
	return fmt.Sprintf("%x", s.h.Sum(nil))
}

// dataFile is the read-side counterpart: random access in logical
// coordinates over a possibly compressed data component.
type dataFile interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// rawData serves an uncompressed data component straight from the mapping.
type rawData struct {
	src *mmap.ReaderAt
}

func (d *rawData) ReadAt(p []byte, off int64) (int, error) { return d.src.ReadAt(p, off) }
func (d *rawData) Size() int64                             { return int64(d.src.Len()) }
func (d *rawData) Close() error                            { return d.src.Close() }

// writeComponent lands a fully built component: write, sync, close.
func writeComponent(path string, b *pools.BufferBuilder) error {
	w, err := newSequentialWriter(path)
	if err != nil {
		return err
	}
	if _, err := w.Write(b.Bytes()); err != nil {
		_ = w.Discard()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return w.Close()
}

// readComponent loads a whole component into memory.
func readComponent(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// VerifyDigest recomputes the data file digest over its stored bytes and
// compares it with the Digest component. Compressed tables hash the
// compressed bytes, so no decompression happens here.
func VerifyDigest(desc Descriptor) error {
	want, err := readComponent(desc.Filename(ComponentDigest))
	if err != nil {
		return err
	}
	f, err := os.Open(desc.Filename(ComponentData))
	if err != nil {
		return fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash data file: %w", err)
	}
	got := fmt.Sprintf("%x", h.Sum(nil))
	if got != strings.TrimSpace(string(want)) {
		return fmt.Errorf("%w: computed %s, stored %s", ErrDigestMismatch, got, strings.TrimSpace(string(want)))
	}
	return nil
}
