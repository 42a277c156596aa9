// Package pools provides object pooling for reducing GC pressure.
//
// This package contains pool implementations for the allocation-heavy
// paths of the storage engine:
//
//   - BytePool: Size-class based byte slice pooling (cell and row codecs)
//   - BufferBuilder: Big-endian buffer construction with pooling
package pools
