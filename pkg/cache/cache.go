// Package cache holds the engine's LRU caches: the key cache mapping a
// table generation and row key to an index entry, and the optional row
// cache holding fully merged rows.
package cache

import (
	"container/list"
	"sync"

	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

// KeyCache is an LRU cache of index entries, keyed by table descriptor and
// row key so one cache serves every generation at once. It satisfies
// sstable.KeyCache. Entries for compacted-away tables stop being queried
// and age out, or go at once through InvalidateTable.
type KeyCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lru      *list.List

	// Statistics
	hits   int64
	misses int64
}

type keyCacheEntry struct {
	key   string
	table string
	entry sstable.IndexEntry
}

// NewKeyCache creates a key cache holding at most capacity entries.
// A capacity of zero or less disables caching entirely.
func NewKeyCache(capacity int) *KeyCache {
	return &KeyCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

func keyCacheKey(table string, key []byte) string {
	return table + "\x00" + string(key)
}

// Get retrieves the cached index entry for a key in one table generation.
func (kc *KeyCache) Get(table string, key []byte) (sstable.IndexEntry, bool) {
	if kc.capacity <= 0 {
		return sstable.IndexEntry{}, false
	}
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if elem, ok := kc.cache[keyCacheKey(table, key)]; ok {
		kc.lru.MoveToFront(elem)
		kc.hits++
		return elem.Value.(*keyCacheEntry).entry, true
	}

	kc.misses++
	return sstable.IndexEntry{}, false
}

// Put adds an index entry to the cache.
func (kc *KeyCache) Put(table string, key []byte, entry sstable.IndexEntry) {
	if kc.capacity <= 0 {
		return
	}
	kc.mu.Lock()
	defer kc.mu.Unlock()

	ck := keyCacheKey(table, key)
	if elem, ok := kc.cache[ck]; ok {
		kc.lru.MoveToFront(elem)
		elem.Value.(*keyCacheEntry).entry = entry
		return
	}

	elem := kc.lru.PushFront(&keyCacheEntry{key: ck, table: table, entry: entry})
	kc.cache[ck] = elem

	if kc.lru.Len() > kc.capacity {
		kc.evict()
	}
}

// evict removes the least recently used entry.
func (kc *KeyCache) evict() {
	elem := kc.lru.Back()
	if elem != nil {
		kc.lru.Remove(elem)
		delete(kc.cache, elem.Value.(*keyCacheEntry).key)
	}
}

// InvalidateTable drops every entry belonging to one table generation.
// Compaction calls this when a generation is marked obsolete.
func (kc *KeyCache) InvalidateTable(table string) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	for elem := kc.lru.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*keyCacheEntry)
		if e.table == table {
			kc.lru.Remove(elem)
			delete(kc.cache, e.key)
		}
		elem = next
	}
}

// Clear removes all entries and resets the statistics.
func (kc *KeyCache) Clear() {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	kc.cache = make(map[string]*list.Element)
	kc.lru = list.New()
	kc.hits = 0
	kc.misses = 0
}

// Stats returns cache statistics.
func (kc *KeyCache) Stats() (hits, misses int64, hitRate float64) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	hits = kc.hits
	misses = kc.misses
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return
}

// Size returns the current number of entries.
func (kc *KeyCache) Size() int {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	return kc.lru.Len()
}
