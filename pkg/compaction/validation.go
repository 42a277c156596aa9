package compaction

import (
	"crypto/sha256"
	"sort"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

// Scanner walks a set of tables sequentially, table by table in first-key
// order, reporting the data bytes consumed so far. Exhausting the scan
// leaves the position exactly at the summed data size of the set, which
// repair uses to drive progress estimates.
type Scanner struct {
	readers []*sstable.Reader
	idx     int
	cur     *sstable.Scanner
	base    int64
	err     error
}

// NewScanner starts a positional scan over the given tables.
func NewScanner(readers []*sstable.Reader) *Scanner {
	ordered := append([]*sstable.Reader(nil), readers...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].First().Compare(ordered[j].First()) < 0
	})
	return &Scanner{readers: ordered}
}

// Next advances to the next row across the table set.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	for {
		if s.cur == nil {
			if s.idx >= len(s.readers) {
				return false
			}
			s.cur = s.readers[s.idx].Scan()
		}
		if s.cur.Next() {
			return true
		}
		if err := s.cur.Err(); err != nil {
			s.err = err
			return false
		}
		s.base += s.readers[s.idx].DataSize()
		s.cur = nil
		s.idx++
	}
}

// Key returns the current row's decorated key.
func (s *Scanner) Key() partition.DecoratedKey { return s.cur.Key() }

// Row returns the current row.
func (s *Scanner) Row() *column.Row { return s.cur.Row() }

// CurrentPosition is the total data bytes consumed across the set.
func (s *Scanner) CurrentPosition() int64 {
	if s.cur != nil {
		return s.base + s.cur.CurrentPosition()
	}
	return s.base
}

// Err returns the first error the scan hit, if any.
func (s *Scanner) Err() error { return s.err }

// ValidationRange bounds a validation scan by token, both ends inclusive.
type ValidationRange struct {
	MinToken int64
	MaxToken int64
}

// FullRange covers every token.
func FullRange() ValidationRange {
	return ValidationRange{MinToken: -1 << 63, MaxToken: 1<<63 - 1}
}

// Contains reports whether a token falls in the range.
func (vr ValidationRange) Contains(token int64) bool {
	return token >= vr.MinToken && token <= vr.MaxToken
}

// Validate merges every row in the token range across the given tables and
// folds the merged rows, in key order, into a single root hash. Two
// replicas holding the same logical data produce the same root regardless
// of how their tables are laid out.
func Validate(ctl *Controller, readers []*sstable.Reader, vr ValidationRange) ([]byte, error) {
	type cursor struct {
		scan *sstable.Scanner
		done bool
	}
	cursors := make([]*cursor, 0, len(readers))
	for _, r := range readers {
		c := &cursor{scan: r.Scan()}
		c.done = !c.scan.Next()
		if err := c.scan.Err(); err != nil {
			return nil, err
		}
		cursors = append(cursors, c)
	}

	root := sha256.New()
	for {
		// Smallest key across the remaining cursors.
		var min *partition.DecoratedKey
		for _, c := range cursors {
			if c.done {
				continue
			}
			k := c.scan.Key()
			if min == nil || k.Compare(*min) < 0 {
				min = &k
			}
		}
		if min == nil {
			break
		}

		var aligned []*cursor
		var rows []*column.Row
		for _, c := range cursors {
			if c.done || c.scan.Key().Compare(*min) != 0 {
				continue
			}
			aligned = append(aligned, c)
			rows = append(rows, c.scan.Row())
		}

		if vr.Contains(min.Token) {
			merged := ctl.CompactedRow(*min, rows)
			if !merged.IsEmpty() {
				merged.Digest(root)
			}
		}

		for _, c := range aligned {
			c.done = !c.scan.Next()
			if err := c.scan.Err(); err != nil {
				return nil, err
			}
		}
	}
	return root.Sum(nil), nil
}
