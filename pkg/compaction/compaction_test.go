package compaction

import (
	"sort"
	"testing"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

// Tests use the byte-ordered partitioner so key ranges on disk follow the
// literal key strings, making level layouts easy to construct.
var (
	testPartitioner = partition.ByteOrderedPartitioner{}
	testCmp         = column.BytesComparator{}
)

func testKey(s string) partition.DecoratedKey {
	return partition.Decorate(testPartitioner, []byte(s))
}

func rowWithCells(cells ...column.Cell) *column.Row {
	row := column.NewRow(testCmp)
	for _, c := range cells {
		row.AddCell(c)
	}
	return row
}

// writeTable builds one table generation in dir from key-ordered rows.
func writeTable(t *testing.T, dir string, gen int, rows map[string]*column.Row) *sstable.Reader {
	t.Helper()
	desc := sstable.Descriptor{
		Dir:        dir,
		Keyspace:   "ks",
		Table:      "events",
		Version:    sstable.CurrentVersion,
		Generation: gen,
	}
	w, err := sstable.NewWriter(desc, sstable.WriterOptions{
		Partitioner: testPartitioner,
		Comparator:  testCmp,
	})
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.Append(testKey(k), rows[k]); err != nil {
			t.Fatalf("Failed to append %q: %v", k, err)
		}
	}
	r, err := w.Close()
	if err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
	t.Cleanup(r.Unref)
	return r
}

func testController(t *testing.T, overlapping []*sstable.Reader, gcBefore int32) *Controller {
	t.Helper()
	ctl := NewController(ControllerOptions{
		Comparator:             testCmp,
		Overlapping:            overlapping,
		GCBefore:               gcBefore,
		OldestUnflushedSeconds: 1 << 30,
		InMemoryLimit:          64 << 20,
		Logger:                 logging.NewNopLogger(),
	})
	t.Cleanup(ctl.Close)
	return ctl
}

// recordingIndexer captures removal notifications from the merge reducer.
type recordingIndexer struct {
	column.NopIndexer
	removed [][]byte
}

func (r *recordingIndexer) Remove(c column.Cell) {
	r.removed = append(r.removed, c.Name())
}
