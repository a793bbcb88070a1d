// Package cache keeps loaded index searchers in memory, keyed by segment ID.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arkilian/vectordb/internal/index"
	"github.com/arkilian/vectordb/internal/logging"
)

// Metrics holds cache statistics for observability.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Loads     atomic.Int64
	Evictions atomic.Int64
	Entries   atomic.Int64
	SizeBytes atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Loads     int64 `json:"loads"`
	Evictions int64 `json:"evictions"`
	Entries   int64 `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

// Loader produces the searcher for a segment on a cache miss.
type Loader func(ctx context.Context) (index.Searcher, error)

// IndexCache bounds loaded searchers by total memory and entry count.
// Eviction drops the least frequently used entry first, then the least
// recently used.
type IndexCache struct {
	maxBytes   int64
	maxEntries int

	mu      sync.Mutex
	entries map[int64]*CacheEntry
	gen     uint64

	group   singleflight.Group
	metrics Metrics
	logger  *logging.Logger
}

// CacheEntry is one cached searcher.
type CacheEntry struct {
	Searcher    index.Searcher
	SizeBytes   int64
	LastAccess  atomic.Int64 // Unix nanos
	AccessCount atomic.Int64
}

// NewIndexCache creates a cache. maxEntries <= 0 means unbounded by count.
func NewIndexCache(maxBytes int64, maxEntries int, logger *logging.Logger) (*IndexCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("maxBytes must be positive, got %d", maxBytes)
	}
	return &IndexCache{
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		entries:    make(map[int64]*CacheEntry),
		logger:     logging.OrNoop(logger),
	}, nil
}

// Get returns the cached searcher for a segment.
func (c *IndexCache) Get(segmentID int64) (index.Searcher, bool) {
	c.mu.Lock()
	entry, ok := c.entries[segmentID]
	c.mu.Unlock()
	if !ok {
		c.metrics.Misses.Add(1)
		return nil, false
	}

	c.metrics.Hits.Add(1)
	entry.LastAccess.Store(time.Now().UnixNano())
	entry.AccessCount.Add(1)
	return entry.Searcher, true
}

// GetOrLoad returns the cached searcher or runs load once for all
// concurrent callers and caches the result.
func (c *IndexCache) GetOrLoad(ctx context.Context, segmentID int64, load Loader) (index.Searcher, error) {
	if s, ok := c.Get(segmentID); ok {
		return s, nil
	}

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do(strconv.FormatInt(segmentID, 10), func() (interface{}, error) {
		if s, ok := c.peek(segmentID); ok {
			return s, nil
		}
		s, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.metrics.Loads.Add(1)
		c.put(segmentID, s, gen)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(index.Searcher), nil
}

// Put adds a searcher to the cache, evicting others if over budget.
func (c *IndexCache) Put(segmentID int64, s index.Searcher) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.put(segmentID, s, gen)
}

func (c *IndexCache) peek(segmentID int64) (index.Searcher, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[segmentID]; ok {
		return entry.Searcher, true
	}
	return nil, false
}

func (c *IndexCache) put(segmentID int64, s index.Searcher, gen uint64) {
	size := s.MemoryBytes()
	if size > c.maxBytes {
		// Larger than the whole budget: serve it uncached
		return
	}

	entry := &CacheEntry{Searcher: s, SizeBytes: size}
	entry.LastAccess.Store(time.Now().UnixNano())
	entry.AccessCount.Store(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		// Invalidated while loading
		return
	}
	if old, ok := c.entries[segmentID]; ok {
		c.metrics.SizeBytes.Add(-old.SizeBytes)
		c.metrics.Entries.Add(-1)
	}
	c.entries[segmentID] = entry
	c.metrics.SizeBytes.Add(size)
	c.metrics.Entries.Add(1)
	c.evictLocked(segmentID)
}

// evictLocked removes entries until the cache fits its budget. keep is
// never evicted.
func (c *IndexCache) evictLocked(keep int64) {
	over := func() bool {
		return c.metrics.SizeBytes.Load() > c.maxBytes ||
			(c.maxEntries > 0 && len(c.entries) > c.maxEntries)
	}
	if !over() {
		return
	}

	type evictCandidate struct {
		id         int64
		entry      *CacheEntry
		accessTime int64
		count      int64
	}
	candidates := make([]evictCandidate, 0, len(c.entries))
	for id, entry := range c.entries {
		if id == keep {
			continue
		}
		candidates = append(candidates, evictCandidate{
			id:         id,
			entry:      entry,
			accessTime: entry.LastAccess.Load(),
			count:      entry.AccessCount.Load(),
		})
	}

	// Sort by access count, then by last access (LRU)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].accessTime < candidates[j].accessTime
	})

	for _, cand := range candidates {
		if !over() {
			break
		}
		delete(c.entries, cand.id)
		c.metrics.SizeBytes.Add(-cand.entry.SizeBytes)
		c.metrics.Entries.Add(-1)
		c.metrics.Evictions.Add(1)
		c.logger.Debug("cache: evicted index", "segment", cand.id, "freed_bytes", cand.entry.SizeBytes)
	}
}

// Remove drops a segment's searcher. Reports whether it was cached.
func (c *IndexCache) Remove(segmentID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	entry, ok := c.entries[segmentID]
	if !ok {
		return false
	}
	delete(c.entries, segmentID)
	c.metrics.SizeBytes.Add(-entry.SizeBytes)
	c.metrics.Entries.Add(-1)
	return true
}

// Clear removes all entries.
func (c *IndexCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for id, entry := range c.entries {
		delete(c.entries, id)
		c.metrics.SizeBytes.Add(-entry.SizeBytes)
		c.metrics.Entries.Add(-1)
	}
}

// Contains reports whether a segment is cached without touching metrics.
func (c *IndexCache) Contains(segmentID int64) bool {
	_, ok := c.peek(segmentID)
	return ok
}

// Metrics returns current cache metrics.
func (c *IndexCache) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Hits:      c.metrics.Hits.Load(),
		Misses:    c.metrics.Misses.Load(),
		Loads:     c.metrics.Loads.Load(),
		Evictions: c.metrics.Evictions.Load(),
		Entries:   c.metrics.Entries.Load(),
		SizeBytes: c.metrics.SizeBytes.Load(),
	}
}

// HitRate returns the cache hit rate as a percentage.
func (c *IndexCache) HitRate() float64 {
	hits := c.metrics.Hits.Load()
	misses := c.metrics.Misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// Size returns the current cache size in bytes.
func (c *IndexCache) Size() int64 {
	return c.metrics.SizeBytes.Load()
}

// Count returns the number of entries in the cache.
func (c *IndexCache) Count() int64 {
	return c.metrics.Entries.Load()
}

// Capacity returns the maximum cache size in bytes.
func (c *IndexCache) Capacity() int64 {
	return c.maxBytes
}

// Usage returns the cache usage as a percentage.
func (c *IndexCache) Usage() float64 {
	return float64(c.metrics.SizeBytes.Load()) / float64(c.maxBytes) * 100
}
