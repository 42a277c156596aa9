package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

var testPartitioner = partition.Murmur3Partitioner{}

func testKey(s string) partition.DecoratedKey {
	return partition.Decorate(testPartitioner, []byte(s))
}

// TestKeyCache_PutGet tests basic put/get operations
func TestKeyCache_PutGet(t *testing.T) {
	kc := NewKeyCache(3)

	kc.Put("gen1", []byte("key1"), sstable.IndexEntry{Position: 100})
	entry, ok := kc.Get("gen1", []byte("key1"))
	if !ok {
		t.Fatal("Expected key1 to be in cache")
	}
	if entry.Position != 100 {
		t.Errorf("Expected position 100, got %d", entry.Position)
	}

	// Same key under another generation is a distinct entry
	_, ok = kc.Get("gen2", []byte("key1"))
	if ok {
		t.Error("Expected key1 under gen2 to miss")
	}
}

// TestKeyCache_Eviction tests LRU eviction when capacity is exceeded
func TestKeyCache_Eviction(t *testing.T) {
	kc := NewKeyCache(3)

	kc.Put("gen1", []byte("key1"), sstable.IndexEntry{Position: 1})
	kc.Put("gen1", []byte("key2"), sstable.IndexEntry{Position: 2})
	kc.Put("gen1", []byte("key3"), sstable.IndexEntry{Position: 3})

	// Access key1 (makes it most recently used)
	kc.Get("gen1", []byte("key1"))

	// Add key4 - should evict key2 (now least recently used)
	kc.Put("gen1", []byte("key4"), sstable.IndexEntry{Position: 4})

	if kc.Size() != 3 {
		t.Errorf("Expected size 3 after eviction, got %d", kc.Size())
	}
	if _, ok := kc.Get("gen1", []byte("key2")); ok {
		t.Error("Expected key2 to be evicted")
	}
	if _, ok := kc.Get("gen1", []byte("key1")); !ok {
		t.Error("Expected key1 to be in cache")
	}
	if _, ok := kc.Get("gen1", []byte("key4")); !ok {
		t.Error("Expected key4 to be in cache")
	}
}

// TestKeyCache_Update tests updating an existing entry
func TestKeyCache_Update(t *testing.T) {
	kc := NewKeyCache(3)

	kc.Put("gen1", []byte("key1"), sstable.IndexEntry{Position: 1})
	kc.Put("gen1", []byte("key1"), sstable.IndexEntry{Position: 2, PromotedOffset: 50})

	if kc.Size() != 1 {
		t.Errorf("Expected size 1 after update, got %d", kc.Size())
	}
	entry, ok := kc.Get("gen1", []byte("key1"))
	if !ok {
		t.Fatal("Expected key1 to be in cache")
	}
	if entry.Position != 2 || entry.PromotedOffset != 50 {
		t.Errorf("Expected updated entry, got %+v", entry)
	}
}

// TestKeyCache_InvalidateTable tests dropping one generation's entries
func TestKeyCache_InvalidateTable(t *testing.T) {
	kc := NewKeyCache(10)

	for i := 0; i < 3; i++ {
		kc.Put("gen1", []byte(fmt.Sprintf("key%d", i)), sstable.IndexEntry{Position: int64(i)})
		kc.Put("gen2", []byte(fmt.Sprintf("key%d", i)), sstable.IndexEntry{Position: int64(i)})
	}
	if kc.Size() != 6 {
		t.Fatalf("Expected 6 entries, got %d", kc.Size())
	}

	kc.InvalidateTable("gen1")

	if kc.Size() != 3 {
		t.Errorf("Expected 3 entries after invalidation, got %d", kc.Size())
	}
	if _, ok := kc.Get("gen1", []byte("key0")); ok {
		t.Error("Expected gen1 entries to be gone")
	}
	if _, ok := kc.Get("gen2", []byte("key0")); !ok {
		t.Error("Expected gen2 entries to survive")
	}
}

// TestKeyCache_Stats tests hit/miss accounting
func TestKeyCache_Stats(t *testing.T) {
	kc := NewKeyCache(3)

	kc.Put("gen1", []byte("key1"), sstable.IndexEntry{})
	kc.Get("gen1", []byte("key1"))
	kc.Get("gen1", []byte("key1"))
	kc.Get("gen1", []byte("missing"))

	hits, misses, hitRate := kc.Stats()
	if hits != 2 {
		t.Errorf("Expected 2 hits, got %d", hits)
	}
	if misses != 1 {
		t.Errorf("Expected 1 miss, got %d", misses)
	}
	if hitRate < 0.66 || hitRate > 0.67 {
		t.Errorf("Expected hit rate near 2/3, got %f", hitRate)
	}

	kc.Clear()
	if kc.Size() != 0 {
		t.Errorf("Expected size 0 after clear, got %d", kc.Size())
	}
	hits, misses, _ = kc.Stats()
	if hits != 0 || misses != 0 {
		t.Errorf("Expected stats reset, got %d hits %d misses", hits, misses)
	}
}

// TestKeyCache_Disabled tests that zero capacity disables caching
func TestKeyCache_Disabled(t *testing.T) {
	kc := NewKeyCache(0)

	kc.Put("gen1", []byte("key1"), sstable.IndexEntry{Position: 1})
	if kc.Size() != 0 {
		t.Errorf("Expected disabled cache to stay empty, got %d entries", kc.Size())
	}
	if _, ok := kc.Get("gen1", []byte("key1")); ok {
		t.Error("Expected disabled cache to always miss")
	}
}

// TestKeyCache_Concurrent tests concurrent readers and writers
func TestKeyCache_Concurrent(t *testing.T) {
	kc := NewKeyCache(128)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := []byte(fmt.Sprintf("key%d", i%32))
				kc.Put(fmt.Sprintf("gen%d", g%2), key, sstable.IndexEntry{Position: int64(i)})
				kc.Get(fmt.Sprintf("gen%d", g%2), key)
			}
		}(g)
	}
	wg.Wait()

	if kc.Size() > 128 {
		t.Errorf("Expected size within capacity, got %d", kc.Size())
	}
}

// TestRowCache_PutGet tests basic row caching
func TestRowCache_PutGet(t *testing.T) {
	rc := NewRowCache(3)

	row := column.NewRow(column.BytesComparator{})
	row.AddCell(column.NewLive([]byte("name"), []byte("alice"), 10))
	rc.Put(testKey("user:1"), row)

	got, ok := rc.Get(testKey("user:1"))
	if !ok {
		t.Fatal("Expected cached row")
	}
	if c := got.GetCell([]byte("name")); c == nil || string(c.Value()) != "alice" {
		t.Errorf("Expected cached cell name=alice, got %v", c)
	}

	if _, ok := rc.Get(testKey("user:2")); ok {
		t.Error("Expected miss for uncached key")
	}
}

// TestRowCache_CloneIsolation tests that callers cannot mutate the cached row
func TestRowCache_CloneIsolation(t *testing.T) {
	rc := NewRowCache(3)

	row := column.NewRow(column.BytesComparator{})
	row.AddCell(column.NewLive([]byte("a"), []byte("1"), 10))
	rc.Put(testKey("user:1"), row)

	// Mutating the original after Put must not change the cached copy.
	row.AddCell(column.NewLive([]byte("b"), []byte("2"), 20))

	got, _ := rc.Get(testKey("user:1"))
	if got.CellCount() != 1 {
		t.Errorf("Expected cached row to keep 1 cell, got %d", got.CellCount())
	}

	// Mutating the returned clone must not change the cached copy either.
	got.AddCell(column.NewLive([]byte("c"), []byte("3"), 30))
	again, _ := rc.Get(testKey("user:1"))
	if again.CellCount() != 1 {
		t.Errorf("Expected cached row unchanged by reader, got %d cells", again.CellCount())
	}
}

// TestRowCache_Invalidate tests write-path invalidation
func TestRowCache_Invalidate(t *testing.T) {
	rc := NewRowCache(3)

	row := column.NewRow(column.BytesComparator{})
	row.AddCell(column.NewLive([]byte("a"), []byte("1"), 10))
	rc.Put(testKey("user:1"), row)

	rc.Invalidate(testKey("user:1"))
	if _, ok := rc.Get(testKey("user:1")); ok {
		t.Error("Expected invalidated row to miss")
	}
	if rc.Size() != 0 {
		t.Errorf("Expected size 0 after invalidation, got %d", rc.Size())
	}
}

// TestRowCache_Eviction tests LRU eviction
func TestRowCache_Eviction(t *testing.T) {
	rc := NewRowCache(2)

	row := column.NewRow(column.BytesComparator{})
	rc.Put(testKey("k1"), row)
	rc.Put(testKey("k2"), row)
	rc.Get(testKey("k1"))
	rc.Put(testKey("k3"), row)

	if _, ok := rc.Get(testKey("k2")); ok {
		t.Error("Expected k2 to be evicted")
	}
	if _, ok := rc.Get(testKey("k1")); !ok {
		t.Error("Expected k1 to be in cache")
	}
	if rc.Size() != 2 {
		t.Errorf("Expected size 2, got %d", rc.Size())
	}
}

// TestRowCache_Disabled tests that zero capacity disables caching
func TestRowCache_Disabled(t *testing.T) {
	rc := NewRowCache(0)

	row := column.NewRow(column.BytesComparator{})
	rc.Put(testKey("k1"), row)
	if rc.Size() != 0 {
		t.Errorf("Expected disabled cache to stay empty, got %d", rc.Size())
	}
	if _, ok := rc.Get(testKey("k1")); ok {
		t.Error("Expected disabled cache to always miss")
	}
}
