package build

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/assetpipe/internal/graph"
	"github.com/conneroisu/assetpipe/internal/rules"
)

// TransformCache caches transformed units with LRU eviction and TTL. Keys
// are content hashes computed by the graph walker.
type TransformCache struct {
	entries     map[string]*cacheEntry
	mutex       sync.Mutex
	maxSize     int64
	currentSize int64
	ttl         time.Duration
	// LRU list with sentinel head and tail
	head *cacheEntry
	tail *cacheEntry

	hits      int64
	misses    int64
	evictions int64
}

var _ graph.Cache = (*TransformCache)(nil)

type cacheEntry struct {
	key       string
	unit      rules.Unit
	createdAt time.Time
	size      int64
	prev      *cacheEntry
	next      *cacheEntry
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Entries   int
	Size      int64
	MaxSize   int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns hits over lookups, zero without lookups.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}

	return float64(s.Hits) / float64(total)
}

// NewTransformCache creates a cache bounded to maxSize bytes of content. A
// zero ttl keeps entries until evicted.
func NewTransformCache(maxSize int64, ttl time.Duration) *TransformCache {
	c := &TransformCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		head:    &cacheEntry{},
		tail:    &cacheEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

// Get returns the unit stored under key.
func (c *TransformCache) Get(key string) (rules.Unit, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return rules.Unit{}, false
	}
	if c.ttl > 0 && time.Since(entry.createdAt) > c.ttl {
		c.remove(entry)
		atomic.AddInt64(&c.misses, 1)
		return rules.Unit{}, false
	}

	c.moveToFront(entry)
	atomic.AddInt64(&c.hits, 1)

	return copyUnit(entry.unit), true
}

// Put stores unit under key, evicting least recently used entries to stay
// within the size bound. Units larger than the bound are not stored.
func (c *TransformCache) Put(key string, unit rules.Unit) {
	size := unitSize(unit)
	if size > c.maxSize {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.remove(existing)
	}
	c.evictIfNeeded(size)

	entry := &cacheEntry{key: key, unit: copyUnit(unit), createdAt: time.Now(), size: size}
	c.entries[key] = entry
	c.currentSize += size
	c.addToFront(entry)
}

// Clear drops all entries and resets counters.
func (c *TransformCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.currentSize = 0
	c.head.next = c.tail
	c.tail.prev = c.head
	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
	atomic.StoreInt64(&c.evictions, 0)
}

// Stats returns the current counters.
func (c *TransformCache) Stats() CacheStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return CacheStats{
		Entries:   len(c.entries),
		Size:      c.currentSize,
		MaxSize:   c.maxSize,
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Evictions: atomic.LoadInt64(&c.evictions),
	}
}

func (c *TransformCache) evictIfNeeded(newSize int64) {
	for c.currentSize+newSize > c.maxSize && c.tail.prev != c.head {
		c.remove(c.tail.prev)
		atomic.AddInt64(&c.evictions, 1)
	}
}

func (c *TransformCache) remove(entry *cacheEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.entries, entry.key)
	c.currentSize -= entry.size
}

func (c *TransformCache) addToFront(entry *cacheEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *TransformCache) moveToFront(entry *cacheEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.addToFront(entry)
}

func unitSize(u rules.Unit) int64 {
	return int64(len(u.Content) + len(u.DataURI) + len(u.Path))
}

// copyUnit detaches the content so callers cannot modify cached bytes.
func copyUnit(u rules.Unit) rules.Unit {
	u.Content = append([]byte(nil), u.Content...)
	if u.Emit != nil {
		e := *u.Emit
		u.Emit = &e
	}

	return u
}
