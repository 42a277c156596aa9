package sstable

import "errors"

// Common sentinel errors
var (
	ErrOutOfOrderKey       = errors.New("key appended out of order")
	ErrWriterClosed        = errors.New("writer already closed")
	ErrNoRows              = errors.New("no rows appended")
	ErrMissingComponent    = errors.New("missing sstable component")
	ErrPartitionerMismatch = errors.New("partitioner mismatch")
	ErrUnsupportedVersion  = errors.New("unsupported sstable data version")
	ErrChunkChecksum       = errors.New("compressed chunk checksum mismatch")
	ErrKeyMismatch         = errors.New("row key does not match index")
	ErrDigestMismatch      = errors.New("data digest mismatch")
)
