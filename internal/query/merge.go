package query

import (
	"container/heap"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/arkilian/vectordb/pkg/types"
)

// cursor walks one segment's ranked hit list.
type cursor struct {
	hits []types.Hit
	pos  int
}

// cursorHeap keeps the cursor with the best current hit at the root.
type cursorHeap struct {
	metric  types.MetricType
	cursors []*cursor
}

func (h *cursorHeap) Len() int { return len(h.cursors) }
func (h *cursorHeap) Less(i, j int) bool {
	return h.metric.Ranks(h.cursors[i].hits[h.cursors[i].pos], h.cursors[j].hits[h.cursors[j].pos])
}
func (h *cursorHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }
func (h *cursorHeap) Push(x any)    { h.cursors = append(h.cursors, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := h.cursors
	n := len(old)
	c := old[n-1]
	h.cursors = old[:n-1]
	return c
}

// mergeRanked merges per-segment hit lists, each already ordered best
// first, into at most k hits. An ID seen twice keeps only its best hit.
func mergeRanked(lists [][]types.Hit, k int, metric types.MetricType) []types.Hit {
	h := &cursorHeap{metric: metric}
	for _, l := range lists {
		if len(l) > 0 {
			h.cursors = append(h.cursors, &cursor{hits: l})
		}
	}
	heap.Init(h)

	out := make([]types.Hit, 0, k)
	seen := roaring64.NewBitmap()
	for h.Len() > 0 && len(out) < k {
		c := h.cursors[0]
		hit := c.hits[c.pos]
		if id := uint64(hit.ID); !seen.Contains(id) {
			seen.Add(id)
			out = append(out, hit)
		}
		c.pos++
		if c.pos == len(c.hits) {
			heap.Pop(h)
		} else {
			heap.Fix(h, 0)
		}
	}
	return out
}

// Merge combines per-segment results into one result per query. parts[s][q]
// holds segment s's hits for query q.
func Merge(parts [][][]types.Hit, queries, k int, metric types.MetricType) types.QueryResult {
	result := make(types.QueryResult, queries)
	lists := make([][]types.Hit, 0, len(parts))
	for q := 0; q < queries; q++ {
		lists = lists[:0]
		for _, p := range parts {
			if q < len(p) {
				lists = append(lists, p[q])
			}
		}
		result[q] = mergeRanked(lists, k, metric)
	}
	return result
}
