package pools

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncated reports a buffer that ended inside a value.
var ErrTruncated = errors.New("truncated data")

// ByteReader is a cursor over a serialized buffer, the read-side counterpart
// of BufferBuilder. Slice-returning methods alias the underlying buffer
// rather than copying, so callers that retain results past the buffer's
// lifetime must copy.
type ByteReader struct {
	buf []byte
	off int
}

// NewByteReader wraps buf starting at offset 0.
func NewByteReader(buf []byte) *ByteReader {
	return &ByteReader{buf: buf}
}

// Offset returns the cursor position.
func (r *ByteReader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *ByteReader) Remaining() int { return len(r.buf) - r.off }

func (r *ByteReader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, r.Remaining())
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

// Skip advances the cursor by n bytes.
func (r *ByteReader) Skip(n int) error {
	_, err := r.take(n)
	return err
}

func (r *ByteReader) Uint8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *ByteReader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *ByteReader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *ByteReader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

func (r *ByteReader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *ByteReader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

func (r *ByteReader) Float64() (float64, error) {
	v, err := r.Uint64()
	return math.Float64frombits(v), err
}

// ShortBytes reads a 16-bit length-prefixed byte string.
func (r *ByteReader) ShortBytes() ([]byte, error) {
	n, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

// ValueBytes reads a 32-bit length-prefixed byte string.
func (r *ByteReader) ValueBytes() ([]byte, error) {
	n, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative value length %d at offset %d", ErrTruncated, n, r.off)
	}
	return r.take(int(n))
}

// UTF reads a 16-bit length-prefixed UTF-8 string.
func (r *ByteReader) UTF() (string, error) {
	b, err := r.ShortBytes()
	return string(b), err
}
