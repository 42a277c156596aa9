// Package partition maps partition keys onto the token ring that fixes their
// on-disk order. Every key is decorated with its token once at the write or
// read boundary; all interior code compares decorated keys only.
package partition

import (
	"bytes"
	"fmt"
)

// Partitioner turns a raw partition key into a token. Name identifies the
// implementation in SSTable stats; a table written under one partitioner
// refuses to load under another.
type Partitioner interface {
	Name() string
	Token(key []byte) int64
}

// DecoratedKey is a partition key plus its token. Disk order is by token,
// then by raw key bytes.
type DecoratedKey struct {
	Token int64
	Key   []byte
}

// Decorate computes the key's position under the partitioner.
func Decorate(p Partitioner, key []byte) DecoratedKey {
	return DecoratedKey{Token: p.Token(key), Key: key}
}

// Compare orders decorated keys by token, breaking ties on raw key bytes.
func (dk DecoratedKey) Compare(other DecoratedKey) int {
	switch {
	case dk.Token < other.Token:
		return -1
	case dk.Token > other.Token:
		return 1
	default:
		return bytes.Compare(dk.Key, other.Key)
	}
}

func (dk DecoratedKey) String() string {
	return fmt.Sprintf("DecoratedKey(%d, %x)", dk.Token, dk.Key)
}

// ByName returns the partitioner registered under the given stats name.
func ByName(name string) (Partitioner, error) {
	switch name {
	case Murmur3Partitioner{}.Name():
		return Murmur3Partitioner{}, nil
	case ByteOrderedPartitioner{}.Name():
		return ByteOrderedPartitioner{}, nil
	default:
		return nil, fmt.Errorf("unknown partitioner %q", name)
	}
}

// ByteOrderedPartitioner preserves raw key order: the token is the first
// eight key bytes, so token-then-key comparison equals plain byte
// comparison. Useful when scans must follow key order directly.
type ByteOrderedPartitioner struct{}

func (ByteOrderedPartitioner) Name() string { return "tablestore.ByteOrderedPartitioner" }

func (ByteOrderedPartitioner) Token(key []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u <<= 8
		if i < len(key) {
			u |= uint64(key[i])
		}
	}
	// Flip the sign bit so signed token order matches unsigned byte order.
	return int64(u ^ 0x8000000000000000)
}
