package sstable

import (
	"errors"
	"math"

	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

var ErrIncompatibleFilters = errors.New("incompatible bloom filters")

// Filter is a bloom filter over partition key bytes.
// - False positives possible (may say a key exists when it doesn't)
// - False negatives impossible (an absent answer is definite)
type Filter struct {
	bits      []uint64
	bitCount  uint64
	hashCount int
}

// NewFilter sizes a filter for the expected key count and false-positive
// target using m = -(n ln p) / (ln 2)^2 and k = (m/n) ln 2.
func NewFilter(expectedKeys int64, falsePositiveRate float64) *Filter {
	if expectedKeys <= 0 {
		expectedKeys = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	size := int64(math.Ceil(-float64(expectedKeys) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	hashCount := int(math.Ceil((float64(size) / float64(expectedKeys)) * math.Ln2))

	// Cap at ~128 MiB of bits so a bad row estimate cannot exhaust memory.
	const maxSize = 1 << 30
	if size > maxSize {
		size = maxSize
	}
	if size < 64 {
		size = 64
	}
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 20 {
		hashCount = 20
	}

	return &Filter{
		bits:      make([]uint64, (size+63)/64),
		bitCount:  uint64(size),
		hashCount: hashCount,
	}
}

// Add records a key.
func (f *Filter) Add(key []byte) {
	h1, h2 := partition.Hash128(key, 0)
	for i := 0; i < f.hashCount; i++ {
		idx := (h1 + uint64(i)*h2) % f.bitCount
		f.bits[idx/64] |= 1 << (idx % 64)
	}
}

// MayContain reports whether key might have been added.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := partition.Hash128(key, 0)
	for i := 0; i < f.hashCount; i++ {
		idx := (h1 + uint64(i)*h2) % f.bitCount
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// Merge ORs another filter into this one. Both must share size and hash
// count.
func (f *Filter) Merge(other *Filter) error {
	if f.bitCount != other.bitCount || f.hashCount != other.hashCount {
		return ErrIncompatibleFilters
	}
	for i := range f.bits {
		f.bits[i] |= other.bits[i]
	}
	return nil
}

// BitSize returns the filter size in bits.
func (f *Filter) BitSize() int64 { return int64(f.bitCount) }

// HashCount returns the number of hash probes per key.
func (f *Filter) HashCount() int { return f.hashCount }

// EstimateFalsePositiveRate computes p = (1 - e^(-kn/m))^k for a given
// number of added keys.
func (f *Filter) EstimateFalsePositiveRate(keyCount int64) float64 {
	k := float64(f.hashCount)
	n := float64(keyCount)
	m := float64(f.bitCount)
	return math.Pow(1.0-math.Exp(-k*n/m), k)
}

// WriteTo serializes the filter: hash count, bit count, then the words.
func (f *Filter) WriteTo(b *pools.BufferBuilder) {
	b.WriteUint32BE(uint32(f.hashCount))
	b.WriteUint64BE(f.bitCount)
	for _, w := range f.bits {
		b.WriteUint64BE(w)
	}
}

// SerializedSize returns the byte length WriteTo produces.
func (f *Filter) SerializedSize() int64 {
	return 4 + 8 + int64(len(f.bits))*8
}

// ReadFilter deserializes a filter written by WriteTo.
func ReadFilter(r *pools.ByteReader) (*Filter, error) {
	hashCount, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	bitCount, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	if hashCount == 0 || hashCount > 64 || bitCount == 0 || bitCount > 1<<33 {
		return nil, errors.New("implausible bloom filter header")
	}
	words := make([]uint64, (bitCount+63)/64)
	for i := range words {
		if words[i], err = r.Uint64(); err != nil {
			return nil, err
		}
	}
	return &Filter{bits: words, bitCount: bitCount, hashCount: int(hashCount)}, nil
}
