package partition

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"testing"
)

// --- Murmur3Partitioner Tests ---

func TestMurmur3Deterministic(t *testing.T) {
	p := Murmur3Partitioner{}
	key := []byte("partition-key-001")

	if p.Token(key) != p.Token(key) {
		t.Error("Token must be deterministic")
	}
	if p.Token([]byte("a")) == p.Token([]byte("b")) {
		t.Error("Distinct keys should land on distinct tokens")
	}
}

func TestMurmur3AllLengths(t *testing.T) {
	// The block/tail split changes at every length mod 16; make sure each
	// path produces stable, distinct tokens.
	p := Murmur3Partitioner{}
	seen := make(map[int64][]byte)
	for n := 0; n <= 33; n++ {
		key := bytes.Repeat([]byte{0xA7}, n)
		tok := p.Token(key)
		if prev, ok := seen[tok]; ok {
			t.Errorf("Length %d collides with key %x", n, prev)
		}
		seen[tok] = key
		if tok == math.MinInt64 {
			t.Errorf("Length %d: MinInt64 token must be normalized away", n)
		}
	}
}

func TestDecoratedKeyOrder(t *testing.T) {
	a := DecoratedKey{Token: 1, Key: []byte("zzz")}
	b := DecoratedKey{Token: 2, Key: []byte("aaa")}

	if a.Compare(b) >= 0 {
		t.Error("Lower token must order first regardless of key bytes")
	}

	// Token ties fall back to raw key bytes
	c := DecoratedKey{Token: 5, Key: []byte("aa")}
	d := DecoratedKey{Token: 5, Key: []byte("ab")}
	if c.Compare(d) >= 0 || d.Compare(c) <= 0 {
		t.Error("Token ties must resolve by key bytes")
	}
	if c.Compare(c) != 0 {
		t.Error("A key must compare equal to itself")
	}
}

// --- ByteOrderedPartitioner Tests ---

func TestByteOrderedPreservesKeyOrder(t *testing.T) {
	p := ByteOrderedPartitioner{}

	keys := [][]byte{
		{},
		{0x00},
		{0x00, 0x01},
		{0x01},
		{0x01, 0x00, 0xFF},
		{0x7F},
		{0x80},
		{0xFF},
		{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00},
		{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01},
	}

	decorated := make([]DecoratedKey, len(keys))
	for i, k := range keys {
		decorated[i] = Decorate(p, k)
	}
	sort.Slice(decorated, func(i, j int) bool { return decorated[i].Compare(decorated[j]) < 0 })

	for i := range decorated {
		if !bytes.Equal(decorated[i].Key, keys[i]) {
			t.Fatalf("Position %d: expected key %x, got %x", i, keys[i], decorated[i].Key)
		}
	}
}

// --- Registry Tests ---

func TestByName(t *testing.T) {
	for _, p := range []Partitioner{Murmur3Partitioner{}, ByteOrderedPartitioner{}} {
		got, err := ByName(p.Name())
		if err != nil {
			t.Fatalf("ByName(%q) failed: %v", p.Name(), err)
		}
		if got.Name() != p.Name() {
			t.Errorf("ByName(%q) returned %q", p.Name(), got.Name())
		}
	}

	if _, err := ByName("tablestore.NoSuchPartitioner"); err == nil {
		t.Error("Expected an error for an unknown partitioner name")
	}
}

func TestTokenDistribution(t *testing.T) {
	// Sequential keys should not cluster: split the ring in half and expect
	// a roughly even spread.
	p := Murmur3Partitioner{}
	var negative int
	const n = 2000
	for i := 0; i < n; i++ {
		if p.Token([]byte(fmt.Sprintf("user-%06d", i))) < 0 {
			negative++
		}
	}
	if negative < n/3 || negative > 2*n/3 {
		t.Errorf("Expected a balanced split, got %d/%d negative tokens", negative, n)
	}
}
