package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// CachedSlice is a decoded, normalized slice ready to copy into a batch.
type CachedSlice struct {
	Data []float32
	Rows int
	Cols int
}

// CacheManager is an LRU cache of decoded slices. It is safe for concurrent
// use and may be shared between loaders.
type CacheManager struct {
	cache   *lru.Cache
	maxSize int

	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize slices.
func NewCacheManager(maxSize int) (*CacheManager, error) {
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create slice cache: %w", err)
	}
	return &CacheManager{cache: cache, maxSize: maxSize}, nil
}

// Get retrieves an item from the cache.
func (cm *CacheManager) Get(key string) (*CachedSlice, bool) {
	v, ok := cm.cache.Get(key)
	if !ok {
		atomic.AddInt64(&cm.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&cm.hits, 1)
	return v.(*CachedSlice), true
}

// Put adds an item, evicting the least recently used one when full.
func (cm *CacheManager) Put(key string, item *CachedSlice) {
	cm.cache.Add(key, item)
}

// Clear empties the cache. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.cache.Purge()
}

// ResetStats zeroes the hit and miss counters.
func (cm *CacheManager) ResetStats() {
	atomic.StoreInt64(&cm.hits, 0)
	atomic.StoreInt64(&cm.misses, 0)
}

// Stats returns cache statistics.
func (cm *CacheManager) Stats() CacheStats {
	hits := atomic.LoadInt64(&cm.hits)
	misses := atomic.LoadInt64(&cm.misses)
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses) * 100
	}
	return CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
