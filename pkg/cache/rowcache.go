package cache

import (
	"container/list"
	"sync"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
)

// RowCache is an LRU cache of fully merged rows by row key. Rows can be
// large, so it is off by default and sized in entries, not bytes. Both
// directions hand out shallow clones: the cache never shares a mutable
// row with its callers.
type RowCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lru      *list.List

	// Statistics
	hits   int64
	misses int64
}

type rowCacheEntry struct {
	key string
	row *column.Row
}

// NewRowCache creates a row cache holding at most capacity rows.
// A capacity of zero or less disables caching entirely.
func NewRowCache(capacity int) *RowCache {
	return &RowCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get retrieves the merged row for a key.
func (rc *RowCache) Get(dk partition.DecoratedKey) (*column.Row, bool) {
	if rc.capacity <= 0 {
		return nil, false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if elem, ok := rc.cache[string(dk.Key)]; ok {
		rc.lru.MoveToFront(elem)
		rc.hits++
		return elem.Value.(*rowCacheEntry).row.ShallowClone(), true
	}

	rc.misses++
	return nil, false
}

// Put caches the merged row for a key.
func (rc *RowCache) Put(dk partition.DecoratedKey, row *column.Row) {
	if rc.capacity <= 0 || row == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()

	key := string(dk.Key)
	if elem, ok := rc.cache[key]; ok {
		rc.lru.MoveToFront(elem)
		elem.Value.(*rowCacheEntry).row = row.ShallowClone()
		return
	}

	elem := rc.lru.PushFront(&rowCacheEntry{key: key, row: row.ShallowClone()})
	rc.cache[key] = elem

	if rc.lru.Len() > rc.capacity {
		rc.evict()
	}
}

// evict removes the least recently used entry.
func (rc *RowCache) evict() {
	elem := rc.lru.Back()
	if elem != nil {
		rc.lru.Remove(elem)
		delete(rc.cache, elem.Value.(*rowCacheEntry).key)
	}
}

// Invalidate drops the cached row for a key. The write path calls this so
// a stale merge never outlives a newer mutation.
func (rc *RowCache) Invalidate(dk partition.DecoratedKey) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if elem, ok := rc.cache[string(dk.Key)]; ok {
		rc.lru.Remove(elem)
		delete(rc.cache, string(dk.Key))
	}
}

// Clear removes all entries and resets the statistics.
func (rc *RowCache) Clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.cache = make(map[string]*list.Element)
	rc.lru = list.New()
	rc.hits = 0
	rc.misses = 0
}

// Stats returns cache statistics.
func (rc *RowCache) Stats() (hits, misses int64, hitRate float64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	hits = rc.hits
	misses = rc.misses
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return
}

// Size returns the current number of entries.
func (rc *RowCache) Size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lru.Len()
}
