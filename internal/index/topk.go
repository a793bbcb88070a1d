package index

import (
	"container/heap"
	"sort"

	"github.com/arkilian/vectordb/pkg/types"
)

// hitHeap keeps the worst retained hit at the root.
type hitHeap struct {
	metric types.MetricType
	hits   []types.Hit
}

func (h *hitHeap) Len() int           { return len(h.hits) }
func (h *hitHeap) Less(i, j int) bool { return h.metric.Ranks(h.hits[j], h.hits[i]) }
func (h *hitHeap) Swap(i, j int)      { h.hits[i], h.hits[j] = h.hits[j], h.hits[i] }
func (h *hitHeap) Push(x any)         { h.hits = append(h.hits, x.(types.Hit)) }
func (h *hitHeap) Pop() any {
	n := len(h.hits)
	last := h.hits[n-1]
	h.hits = h.hits[:n-1]
	return last
}

// TopK collects the best k hits under a metric.
type TopK struct {
	k    int
	heap hitHeap
}

// NewTopK creates a collector for k hits.
func NewTopK(k int, metric types.MetricType) *TopK {
	return &TopK{k: k, heap: hitHeap{metric: metric, hits: make([]types.Hit, 0, min(max(k, 0), 1024))}}
}

// Offer adds a hit if it ranks among the best k seen so far.
func (t *TopK) Offer(h types.Hit) {
	if t.k <= 0 {
		return
	}
	if t.heap.Len() < t.k {
		heap.Push(&t.heap, h)
		return
	}
	if t.heap.metric.Ranks(h, t.heap.hits[0]) {
		t.heap.hits[0] = h
		heap.Fix(&t.heap, 0)
	}
}

// Len returns the number of retained hits.
func (t *TopK) Len() int {
	return t.heap.Len()
}

// Sorted returns the retained hits, best first, and resets the collector.
func (t *TopK) Sorted() []types.Hit {
	out := t.heap.hits
	metric := t.heap.metric
	sort.Slice(out, func(i, j int) bool { return metric.Ranks(out[i], out[j]) })
	t.heap.hits = nil
	return out
}

// BruteForce ranks every row against each query exactly. It serves raw
// segments that have no index yet.
func BruteForce(rows []types.Row, queries [][]float32, k int, metric types.MetricType) [][]types.Hit {
	out := make([][]types.Hit, len(queries))
	for qi, q := range queries {
		top := NewTopK(k, metric)
		for _, r := range rows {
			top.Offer(types.Hit{ID: r.ID, Distance: Score(metric, q, r.Vector)})
		}
		out[qi] = top.Sorted()
	}
	return out
}
