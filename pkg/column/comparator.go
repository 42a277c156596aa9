package column

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// End-of-component markers for composite names. A bound built with EOCBefore
// sorts ahead of every name sharing its prefix; EOCAfter sorts behind.
const (
	EOCBefore int8 = -1
	EOCEquals int8 = 0
	EOCAfter  int8 = 1
)

// Comparator orders cell names within a row.
type Comparator interface {
	Compare(a, b []byte) int
}

// BytesComparator orders names lexicographically.
type BytesComparator struct{}

func (BytesComparator) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// CompositeComparator orders names encoded as a sequence of length-prefixed
// components, each followed by an end-of-component byte. Prefix equality is
// broken by the markers, letting callers build exclusive slice bounds.
type CompositeComparator struct{}

func (CompositeComparator) Compare(a, b []byte) int {
	ia, ib := 0, 0
	for ia < len(a) && ib < len(b) {
		ca, ea, na, okA := compositeComponent(a, ia)
		cb, eb, nb, okB := compositeComponent(b, ib)
		if !okA || !okB {
			// Malformed names fall back to raw ordering so the comparator
			// still defines a total order.
			return bytes.Compare(a[ia:], b[ib:])
		}
		if cmp := bytes.Compare(ca, cb); cmp != 0 {
			return cmp
		}
		if ea != eb {
			if ea < eb {
				return -1
			}
			return 1
		}
		ia, ib = na, nb
	}
	switch {
	case ia < len(a):
		return 1
	case ib < len(b):
		return -1
	default:
		return 0
	}
}

func compositeComponent(b []byte, off int) (component []byte, eoc int8, next int, ok bool) {
	if off+2 > len(b) {
		return nil, 0, 0, false
	}
	l := int(binary.BigEndian.Uint16(b[off:]))
	end := off + 2 + l
	if end+1 > len(b) {
		return nil, 0, 0, false
	}
	return b[off+2 : end], int8(b[end]), end + 1, true
}

// BuildComposite encodes components into a composite name. The end-of-
// component marker applies to the final component; all earlier components
// get EOCEquals.
func BuildComposite(components [][]byte, eoc int8) []byte {
	size := 0
	for _, c := range components {
		size += 2 + len(c) + 1
	}
	out := make([]byte, 0, size)
	for i, c := range components {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(c)))
		out = append(out, lenBuf[:]...)
		out = append(out, c...)
		if i == len(components)-1 {
			out = append(out, byte(eoc))
		} else {
			out = append(out, byte(EOCEquals))
		}
	}
	return out
}

// SplitComposite decodes a composite name into its components.
func SplitComposite(name []byte) ([][]byte, error) {
	var out [][]byte
	off := 0
	for off < len(name) {
		c, _, next, ok := compositeComponent(name, off)
		if !ok {
			return nil, fmt.Errorf("malformed composite name at offset %d", off)
		}
		out = append(out, c)
		off = next
	}
	return out, nil
}
