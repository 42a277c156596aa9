package compaction

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

const (
	// MaxLevels bounds the manifest depth. With a 10x fanout nine levels
	// cover any realistic table size.
	MaxLevels = 9

	// levelFanout multiplies the size target between adjacent levels.
	levelFanout = 10

	// l0CompactionThreshold is the L0 table count at which L0 scores 1.0.
	l0CompactionThreshold = 4

	// maxCompactingL0 caps how many L0 tables one compaction may take.
	maxCompactingL0 = 32
)

// ManifestFilename is the level-assignment snapshot kept next to the data
// files. Restart restores levels from it; tables it does not mention land
// in L0.
const ManifestFilename = "manifest.json"

// Manifest is the invariant-bearing layout of live tables across levels.
// L0 may overlap; every higher level is a pairwise-disjoint run ordered by
// first key. All methods are safe for concurrent use.
type Manifest struct {
	mu                sync.Mutex
	maxSSTableSize    int64
	levels            [MaxLevels][]*sstable.Reader
	lastCompactedKeys [MaxLevels]partition.DecoratedKey
	logger            logging.Logger
}

// NewManifest builds an empty manifest. maxSSTableSize bounds compaction
// output files and fixes the L1 target at five times itself.
func NewManifest(maxSSTableSize int64, logger logging.Logger) *Manifest {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Manifest{maxSSTableSize: maxSSTableSize, logger: logger}
}

// MaxSSTableSize returns the per-output-file size bound.
func (m *Manifest) MaxSSTableSize() int64 { return m.maxSSTableSize }

// Add places a table in a level. Levels above zero keep first-key order;
// a table that would overlap its new neighbours is demoted to L0 instead,
// which is always legal, and the demotion is logged.
func (m *Manifest) Add(r *sstable.Reader, level int) {
	if level < 0 || level >= MaxLevels {
		level = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if level > 0 && len(m.overlappingLocked(level, r.First(), r.Last())) > 0 {
		m.logger.Warn("table overlaps its assigned level, demoting to L0",
			logging.Generation(r.Descriptor().Generation),
			logging.TableLevel(level))
		level = 0
	}
	m.insertLocked(r, level)
}

func (m *Manifest) insertLocked(r *sstable.Reader, level int) {
	tables := m.levels[level]
	i := sort.Search(len(tables), func(i int) bool {
		return tables[i].First().Compare(r.First()) > 0
	})
	tables = append(tables, nil)
	copy(tables[i+1:], tables[i:])
	tables[i] = r
	m.levels[level] = tables
}

// Remove drops a table from whatever level holds it.
func (m *Manifest) Remove(r *sstable.Reader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(r)
}

func (m *Manifest) removeLocked(r *sstable.Reader) {
	for level := range m.levels {
		for i, t := range m.levels[level] {
			if t == r {
				m.levels[level] = append(m.levels[level][:i:i], m.levels[level][i+1:]...)
				return
			}
		}
	}
}

// LevelOf returns the level holding the table, or -1.
func (m *Manifest) LevelOf(r *sstable.Reader) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for level := range m.levels {
		for _, t := range m.levels[level] {
			if t == r {
				return level
			}
		}
	}
	return -1
}

// Level returns a copy of the tables in one level.
func (m *Manifest) Level(level int) []*sstable.Reader {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level < 0 || level >= MaxLevels {
		return nil
	}
	return append([]*sstable.Reader(nil), m.levels[level]...)
}

// LevelCount returns the number of tables in one level.
func (m *Manifest) LevelCount(level int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level < 0 || level >= MaxLevels {
		return 0
	}
	return len(m.levels[level])
}

// LevelBytes returns the summed uncompressed data bytes of one level.
func (m *Manifest) LevelBytes(level int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levelBytesLocked(level)
}

func (m *Manifest) levelBytesLocked(level int) int64 {
	var n int64
	for _, t := range m.levels[level] {
		n += t.DataSize()
	}
	return n
}

// TargetBytes is the size a level aims for: 5x the max table size at L1,
// ten times more per further level. L0 has no byte target.
func (m *Manifest) TargetBytes(level int) int64 {
	if level < 1 {
		return 0
	}
	target := 5 * m.maxSSTableSize
	for i := 1; i < level; i++ {
		target *= levelFanout
	}
	return target
}

// Score reports how overfull a level is; a score at or above 1 makes the
// level a compaction candidate. L0 scores by table count, the rest by
// bytes against their target.
func (m *Manifest) Score(level int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scoreLocked(level)
}

func (m *Manifest) scoreLocked(level int) float64 {
	if level == 0 {
		return float64(len(m.levels[0])) / float64(l0CompactionThreshold)
	}
	return float64(m.levelBytesLocked(level)) / float64(m.TargetBytes(level))
}

// Candidate is one selected compaction: the input tables and the level
// their outputs belong to.
type Candidate struct {
	Level       int
	TargetLevel int
	Tables      []*sstable.Reader
}

// Candidates picks the most overfull level and selects its compaction set,
// or returns nil when every level scores under 1. Ties go to the lowest
// level so L0 backlog never starves.
func (m *Manifest) Candidates() *Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	best, bestScore := -1, 1.0
	for level := 0; level < MaxLevels; level++ {
		if len(m.levels[level]) == 0 {
			continue
		}
		if score := m.scoreLocked(level); score >= bestScore {
			if best == -1 || score > bestScore {
				best, bestScore = level, score
			}
		}
	}
	if best == -1 {
		return nil
	}
	if best == 0 {
		return m.l0CandidateLocked()
	}
	return m.leveledCandidateLocked(best)
}

// l0CandidateLocked takes up to maxCompactingL0 mutually overlapping L0
// tables plus every L1 table overlapping their union.
func (m *Manifest) l0CandidateLocked() *Candidate {
	l0 := m.levels[0]
	oldest := l0[0]
	for _, t := range l0[1:] {
		if t.Descriptor().Generation < oldest.Descriptor().Generation {
			oldest = t
		}
	}

	set := []*sstable.Reader{oldest}
	first, last := oldest.First(), oldest.Last()
	for _, t := range l0 {
		if t == oldest || len(set) >= maxCompactingL0 {
			continue
		}
		if t.First().Compare(last) <= 0 && first.Compare(t.Last()) <= 0 {
			set = append(set, t)
			if t.First().Compare(first) < 0 {
				first = t.First()
			}
			if t.Last().Compare(last) > 0 {
				last = t.Last()
			}
		}
	}
	set = append(set, m.overlappingLocked(1, first, last)...)
	return &Candidate{Level: 0, TargetLevel: 1, Tables: set}
}

// leveledCandidateLocked picks the next table after the last compacted key
// in round-robin order, plus every next-level table it overlaps.
func (m *Manifest) leveledCandidateLocked(level int) *Candidate {
	tables := m.levels[level]
	pick := tables[0]
	last := m.lastCompactedKeys[level]
	for _, t := range tables {
		if t.First().Compare(last) > 0 {
			pick = t
			break
		}
	}

	set := []*sstable.Reader{pick}
	target := level + 1
	if target >= MaxLevels {
		target = MaxLevels - 1
	}
	if target != level {
		set = append(set, m.overlappingLocked(target, pick.First(), pick.Last())...)
	}
	return &Candidate{Level: level, TargetLevel: target, Tables: set}
}

// overlappingLocked returns the tables in a level intersecting [first, last].
func (m *Manifest) overlappingLocked(level int, first, last partition.DecoratedKey) []*sstable.Reader {
	var out []*sstable.Reader
	for _, t := range m.levels[level] {
		if t.First().Compare(last) <= 0 && first.Compare(t.Last()) <= 0 {
			out = append(out, t)
		}
	}
	return out
}

// Overlapping returns the live manifest tables intersecting a key range,
// across all levels.
func (m *Manifest) Overlapping(first, last partition.DecoratedKey) []*sstable.Reader {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*sstable.Reader
	for level := range m.levels {
		out = append(out, m.overlappingLocked(level, first, last)...)
	}
	return out
}

// Promote applies one finished compaction: inputs leave their levels,
// outputs enter the target level, and the disjointness invariant is
// re-verified. A violation is a bug, not a recoverable state, and panics.
func (m *Manifest) Promote(removed, added []*sstable.Reader, targetLevel int, highestInputLevel int) {
	if targetLevel < 0 || targetLevel >= MaxLevels {
		panic(fmt.Sprintf("compaction promoted to impossible level %d", targetLevel))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range removed {
		m.removeLocked(r)
	}
	for _, r := range added {
		m.insertLocked(r, targetLevel)
	}
	if targetLevel > 0 {
		m.checkDisjointLocked(targetLevel)
	}
	if len(added) > 0 {
		m.lastCompactedKeys[highestInputLevel] = added[len(added)-1].Last()
	}
}

// checkDisjointLocked asserts the level invariant: tables in L>=1 are
// ordered by first key and pairwise disjoint.
func (m *Manifest) checkDisjointLocked(level int) {
	tables := m.levels[level]
	for i := 1; i < len(tables); i++ {
		if tables[i-1].Last().Compare(tables[i].First()) >= 0 {
			panic(fmt.Sprintf(
				"level %d invariant violated: generation %d [%v..%v] overlaps generation %d [%v..%v]",
				level,
				tables[i-1].Descriptor().Generation, tables[i-1].First(), tables[i-1].Last(),
				tables[i].Descriptor().Generation, tables[i].First(), tables[i].Last()))
		}
	}
}

// PerLevelCounts returns the table count of every level, for metrics.
func (m *Manifest) PerLevelCounts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, MaxLevels)
	for level := range m.levels {
		out[level] = len(m.levels[level])
	}
	return out
}

// manifestSnapshot is the serialized form of the level assignments.
type manifestSnapshot struct {
	Levels map[string]int `json:"levels"`
}

// Save writes the level assignments atomically next to the data files.
func (m *Manifest) Save(dir string) error {
	m.mu.Lock()
	snap := manifestSnapshot{Levels: make(map[string]int)}
	for level := range m.levels {
		for _, t := range m.levels[level] {
			snap.Levels[strconv.Itoa(t.Descriptor().Generation)] = level
		}
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	tmp := filepath.Join(dir, ManifestFilename+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ManifestFilename)); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}
	return nil
}

// LoadAssignments reads the level snapshot, mapping generation to level.
// A missing file is an empty assignment, not an error.
func LoadAssignments(dir string) (map[int]int, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return map[int]int{}, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var snap manifestSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	out := make(map[int]int, len(snap.Levels))
	for gen, level := range snap.Levels {
		g, err := strconv.Atoi(gen)
		if err != nil || level < 0 || level >= MaxLevels {
			return nil, fmt.Errorf("malformed manifest entry %q: %d", gen, level)
		}
		out[g] = level
	}
	return out, nil
}
