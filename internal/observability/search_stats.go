// Package observability tracks per-table search statistics for the admin
// surface and status reports.
package observability

import (
	"sort"
	"sync"
	"time"
)

// SearchStats tracks search frequency and latency per table.
type SearchStats struct {
	mu     sync.RWMutex
	tables map[string]*TableStats
	window time.Duration
}

// TableStats holds statistics for one table.
type TableStats struct {
	Table         string           `json:"table"`
	Searches      int64            `json:"searches"`
	Failures      int64            `json:"failures"`
	Queries       int64            `json:"queries"`
	SegmentsRead  int64            `json:"segments_read"`
	TotalLatency  time.Duration    `json:"total_latency"`
	MaxLatency    time.Duration    `json:"max_latency"`
	LastSeen      time.Time        `json:"last_seen"`
	TopKHistogram map[int]int64    `json:"topk_histogram"` // k → count
	Paths         map[string]int64 `json:"paths"`          // "raw" / "indexed" → segments
}

// MeanLatency returns the average search latency.
func (s TableStats) MeanLatency() time.Duration {
	if s.Searches == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Searches)
}

// SearchRecord describes one finished search.
type SearchRecord struct {
	Table           string
	Queries         int
	K               int
	RawSegments     int
	IndexedSegments int
	Latency         time.Duration
	Err             error
}

// NewSearchStats creates a tracker. window is the idle time after which a
// table's entry is pruned.
func NewSearchStats(window time.Duration) *SearchStats {
	return &SearchStats{
		tables: make(map[string]*TableStats),
		window: window,
	}
}

// Record adds one search. O(1) and thread-safe.
func (q *SearchStats) Record(r SearchRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats, exists := q.tables[r.Table]
	if !exists {
		stats = &TableStats{
			Table:         r.Table,
			TopKHistogram: make(map[int]int64),
			Paths:         make(map[string]int64),
		}
		q.tables[r.Table] = stats
	}

	stats.Searches++
	if r.Err != nil {
		stats.Failures++
	}
	stats.Queries += int64(r.Queries)
	stats.SegmentsRead += int64(r.RawSegments + r.IndexedSegments)
	stats.TotalLatency += r.Latency
	if r.Latency > stats.MaxLatency {
		stats.MaxLatency = r.Latency
	}
	stats.LastSeen = time.Now()
	stats.TopKHistogram[r.K]++
	stats.Paths["raw"] += int64(r.RawSegments)
	stats.Paths["indexed"] += int64(r.IndexedSegments)
}

// Get returns a copy of one table's stats.
func (q *SearchStats) Get(table string) (TableStats, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	s, ok := q.tables[table]
	if !ok {
		return TableStats{}, false
	}
	return s.clone(), true
}

// GetTopTables returns the n most searched tables, most searched first.
func (q *SearchStats) GetTopTables(n int) []TableStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if n <= 0 || len(q.tables) == 0 {
		return []TableStats{}
	}

	stats := make([]TableStats, 0, len(q.tables))
	for _, s := range q.tables {
		stats = append(stats, s.clone())
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Searches != stats[j].Searches {
			return stats[i].Searches > stats[j].Searches
		}
		return stats[i].Table < stats[j].Table
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Forget drops a table's entry, used when the table is dropped.
func (q *SearchStats) Forget(table string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tables, table)
}

// Prune removes entries where time.Since(LastSeen) > window.
func (q *SearchStats) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := time.Now().Add(-q.window)
	for table, stats := range q.tables {
		if stats.LastSeen.Before(threshold) {
			delete(q.tables, table)
		}
	}
}

// clone deep-copies the stats so callers cannot mutate tracker state.
func (s *TableStats) clone() TableStats {
	cp := *s
	cp.TopKHistogram = make(map[int]int64, len(s.TopKHistogram))
	for k, v := range s.TopKHistogram {
		cp.TopKHistogram[k] = v
	}
	cp.Paths = make(map[string]int64, len(s.Paths))
	for k, v := range s.Paths {
		cp.Paths[k] = v
	}
	return cp
}
