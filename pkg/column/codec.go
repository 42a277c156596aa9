package column

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-tablestore/pkg/pools"
)

// ErrCorruptAtom reports an atom whose flags or payload are malformed.
// Truncation surfaces as pools.ErrTruncated.
var ErrCorruptAtom = errors.New("corrupt atom")

// ReadDeletionTime reads a 12-byte deletion header.
func ReadDeletionTime(r *pools.ByteReader) (DeletionTime, error) {
	local, err := r.Int32()
	if err != nil {
		return DeletionTime{}, err
	}
	marked, err := r.Int64()
	if err != nil {
		return DeletionTime{}, err
	}
	return DeletionTime{MarkedForDeleteAt: marked, LocalDeletionTime: local}, nil
}

// ReadAtom reads one atom: a name, a flags byte, and a flag-dependent
// payload. Returned atoms alias the reader's buffer.
func ReadAtom(r *pools.ByteReader) (Atom, error) {
	name, err := r.ShortBytes()
	if err != nil {
		return nil, err
	}
	flags, err := r.Uint8()
	if err != nil {
		return nil, err
	}

	if flags&RangeTombstoneMask != 0 {
		end, err := r.ShortBytes()
		if err != nil {
			return nil, err
		}
		local, err := r.Int32()
		if err != nil {
			return nil, err
		}
		marked, err := r.Int64()
		if err != nil {
			return nil, err
		}
		return RangeTombstone{
			Start:        name,
			End:          end,
			DeletionTime: DeletionTime{MarkedForDeleteAt: marked, LocalDeletionTime: local},
		}, nil
	}

	if flags&CounterMask != 0 {
		lastDelete, err := r.Int64()
		if err != nil {
			return nil, err
		}
		ts, err := r.Int64()
		if err != nil {
			return nil, err
		}
		value, err := r.ValueBytes()
		if err != nil {
			return nil, err
		}
		shards, err := counterShardsFromContext(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptAtom, err)
		}
		return NewCounter(name, shards, ts, lastDelete), nil
	}

	if flags&ExpirationMask != 0 {
		ttl, err := r.Int32()
		if err != nil {
			return nil, err
		}
		expiration, err := r.Int32()
		if err != nil {
			return nil, err
		}
		ts, err := r.Int64()
		if err != nil {
			return nil, err
		}
		value, err := r.ValueBytes()
		if err != nil {
			return nil, err
		}
		return NewExpiring(name, value, ts, ttl, expiration), nil
	}

	ts, err := r.Int64()
	if err != nil {
		return nil, err
	}
	value, err := r.ValueBytes()
	if err != nil {
		return nil, err
	}
	switch {
	case flags&CounterUpdateMask != 0:
		// Raw counter updates are contextualised before they reach disk.
		return nil, fmt.Errorf("%w: counter update flag 0x%02x in serialized stream", ErrCorruptAtom, flags)
	case flags&DeletionMask != 0:
		if len(value) != 4 {
			return nil, fmt.Errorf("%w: deleted cell value has %d bytes, want 4", ErrCorruptAtom, len(value))
		}
		return NewDeleted(name, int32(binary.BigEndian.Uint32(value)), ts), nil
	default:
		return NewLive(name, value, ts), nil
	}
}

// ReadCell reads one atom and requires it to be a cell.
func ReadCell(r *pools.ByteReader) (Cell, error) {
	a, err := ReadAtom(r)
	if err != nil {
		return nil, err
	}
	c, ok := a.(Cell)
	if !ok {
		return nil, fmt.Errorf("%w: expected cell, found range tombstone", ErrCorruptAtom)
	}
	return c, nil
}

// ReadRowBody reads a serialized row body (deletion header, atom count,
// atoms) as written by Row.WriteTo. Range tombstones in the stream are
// folded into the row's deletion info.
func ReadRowBody(r *pools.ByteReader, cmp Comparator) (*Row, error) {
	top, err := ReadDeletionTime(r)
	if err != nil {
		return nil, err
	}
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: negative atom count %d", ErrCorruptAtom, count)
	}

	row := NewRow(cmp)
	row.deletion = row.deletion.WithTop(top)
	for i := int32(0); i < count; i++ {
		a, err := ReadAtom(r)
		if err != nil {
			return nil, fmt.Errorf("atom %d/%d: %w", i+1, count, err)
		}
		switch v := a.(type) {
		case RangeTombstone:
			row.deletion = row.deletion.AddRange(cmp, v)
		case Cell:
			row.cells = append(row.cells, v)
		}
	}
	return row, nil
}
