package compaction

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

// rangeTable writes a table whose rows span [first, last] alphabetically.
func rangeTable(t *testing.T, dir string, gen int, first, last string) *sstable.Reader {
	t.Helper()
	rows := map[string]*column.Row{
		first: rowWithCells(column.NewLive([]byte("c"), []byte("v"), 1)),
		last:  rowWithCells(column.NewLive([]byte("c"), []byte("v"), 1)),
	}
	return writeTable(t, dir, gen, rows)
}

func newTestManifest() *Manifest {
	return NewManifest(1<<20, logging.NewNopLogger())
}

func TestManifest_AddKeepsFirstKeyOrder(t *testing.T) {
	dir := t.TempDir()
	m := newTestManifest()

	tableC := rangeTable(t, dir, 1, "c1", "c9")
	tableA := rangeTable(t, dir, 2, "a1", "a9")
	tableB := rangeTable(t, dir, 3, "b1", "b9")
	m.Add(tableC, 1)
	m.Add(tableA, 1)
	m.Add(tableB, 1)

	level := m.Level(1)
	require.Len(t, level, 3)
	assert.Equal(t, tableA, level[0])
	assert.Equal(t, tableB, level[1])
	assert.Equal(t, tableC, level[2])
}

func TestManifest_OverlappingAddDemotesToL0(t *testing.T) {
	dir := t.TempDir()
	m := newTestManifest()

	m.Add(rangeTable(t, dir, 1, "a", "m"), 1)
	overlapping := rangeTable(t, dir, 2, "g", "z")
	m.Add(overlapping, 1)

	assert.Equal(t, 1, m.LevelCount(1))
	assert.Equal(t, 0, m.LevelOf(overlapping))
}

func TestManifest_ScoreByCountAtL0(t *testing.T) {
	dir := t.TempDir()
	m := newTestManifest()

	for gen := 1; gen <= 4; gen++ {
		m.Add(rangeTable(t, dir, gen, "a", "z"), 0)
	}

	assert.InDelta(t, 1.0, m.Score(0), 1e-9)
}

func TestManifest_L0CandidateTakesOverlappingL1(t *testing.T) {
	dir := t.TempDir()
	m := newTestManifest()

	var l0 []*sstable.Reader
	for gen := 1; gen <= 4; gen++ {
		r := rangeTable(t, dir, gen, "a", "m")
		l0 = append(l0, r)
		m.Add(r, 0)
	}
	inRange := rangeTable(t, dir, 10, "b", "c")
	outOfRange := rangeTable(t, dir, 11, "x", "z")
	m.Add(inRange, 1)
	m.Add(outOfRange, 1)

	cand := m.Candidates()
	require.NotNil(t, cand)
	assert.Equal(t, 0, cand.Level)
	assert.Equal(t, 1, cand.TargetLevel)
	assert.Contains(t, cand.Tables, inRange)
	assert.NotContains(t, cand.Tables, outOfRange)
	for _, r := range l0 {
		assert.Contains(t, cand.Tables, r)
	}
}

func TestManifest_NoCandidateWhenUnderfull(t *testing.T) {
	dir := t.TempDir()
	m := newTestManifest()
	m.Add(rangeTable(t, dir, 1, "a", "z"), 0)

	assert.Nil(t, m.Candidates())
}

func TestManifest_LeveledCandidateRoundRobin(t *testing.T) {
	dir := t.TempDir()
	// Tiny max table size so one table overfills L1.
	m := NewManifest(16, logging.NewNopLogger())

	first := rangeTable(t, dir, 1, "a1", "a9")
	second := rangeTable(t, dir, 2, "b1", "b9")
	m.Add(first, 1)
	m.Add(second, 1)

	cand := m.Candidates()
	require.NotNil(t, cand)
	require.Equal(t, 1, cand.Level)
	assert.Equal(t, first, cand.Tables[0])

	// Record the first pick as compacted; the next pick moves on.
	m.Promote([]*sstable.Reader{first}, []*sstable.Reader{first}, 1, 1)

	cand = m.Candidates()
	require.NotNil(t, cand)
	assert.Equal(t, second, cand.Tables[0])
}

func TestManifest_PromoteMovesTables(t *testing.T) {
	dir := t.TempDir()
	m := newTestManifest()

	in1 := rangeTable(t, dir, 1, "a", "h")
	in2 := rangeTable(t, dir, 2, "i", "p")
	out := rangeTable(t, dir, 3, "a", "p")
	m.Add(in1, 0)
	m.Add(in2, 0)

	m.Promote([]*sstable.Reader{in1, in2}, []*sstable.Reader{out}, 1, 0)

	assert.Equal(t, 0, m.LevelCount(0))
	assert.Equal(t, []*sstable.Reader{out}, m.Level(1))
}

func TestManifest_PromotePanicsOnOverlap(t *testing.T) {
	dir := t.TempDir()
	m := newTestManifest()

	m.Add(rangeTable(t, dir, 1, "a", "m"), 1)
	bad := rangeTable(t, dir, 2, "g", "z")

	assert.Panics(t, func() {
		m.Promote(nil, []*sstable.Reader{bad}, 1, 1)
	})
}

func TestManifest_TargetBytesFanout(t *testing.T) {
	m := NewManifest(1<<20, logging.NewNopLogger())

	assert.Equal(t, int64(5<<20), m.TargetBytes(1))
	assert.Equal(t, int64(50<<20), m.TargetBytes(2))
	assert.Equal(t, int64(500<<20), m.TargetBytes(3))
}

func TestManifest_SaveLoadAssignments(t *testing.T) {
	dir := t.TempDir()
	m := newTestManifest()

	m.Add(rangeTable(t, dir, 1, "a", "f"), 1)
	m.Add(rangeTable(t, dir, 2, "g", "m"), 1)
	m.Add(rangeTable(t, dir, 3, "a", "z"), 0)

	require.NoError(t, m.Save(dir))

	got, err := LoadAssignments(dir)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 0}, got)
}

func TestLoadAssignments_MissingFile(t *testing.T) {
	got, err := LoadAssignments(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIntervalTree_Stab(t *testing.T) {
	dir := t.TempDir()
	var intervals []Interval
	tables := make(map[string]*sstable.Reader)
	for i, span := range []struct{ first, last string }{
		{"a", "f"}, {"d", "k"}, {"p", "t"},
	} {
		r := rangeTable(t, dir, i+1, span.first, span.last)
		tables[fmt.Sprintf("%s-%s", span.first, span.last)] = r
		intervals = append(intervals, Interval{Min: r.First().Token, Max: r.Last().Token, Table: r})
	}
	tree := NewIntervalTree(intervals)

	require.Equal(t, 3, tree.Len())
	assert.Len(t, tree.Stab(testKey("e").Token), 2)
	assert.Len(t, tree.Stab(testKey("q").Token), 1)
	assert.Empty(t, tree.Stab(testKey("m").Token))
}
