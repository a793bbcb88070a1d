package query

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arkilian/vectordb/pkg/types"
)

// randomParts builds per-segment ranked lists with overlapping IDs and
// frequent distance ties.
func randomParts(seed int64, segments int, metric types.MetricType) [][]types.Hit {
	rng := rand.New(rand.NewSource(seed))
	parts := make([][]types.Hit, segments)
	for s := range parts {
		n := rng.Intn(12)
		hits := make([]types.Hit, n)
		for i := range hits {
			hits[i] = types.Hit{ID: int64(rng.Intn(30)), Distance: float32(rng.Intn(8))}
		}
		sort.Slice(hits, func(i, j int) bool { return metric.Ranks(hits[i], hits[j]) })
		parts[s] = hits
	}
	return parts
}

// reference ranks all hits at once, keeping the best hit per ID.
func reference(parts [][]types.Hit, k int, metric types.MetricType) []types.Hit {
	var all []types.Hit
	for _, p := range parts {
		all = append(all, p...)
	}
	sort.Slice(all, func(i, j int) bool { return metric.Ranks(all[i], all[j]) })
	out := make([]types.Hit, 0, k)
	seen := make(map[int64]bool)
	for _, h := range all {
		if len(out) == k {
			break
		}
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		out = append(out, h)
	}
	return out
}

// TestProperty_MergeOrdering checks that merged results are ranked, unique,
// bounded by k and equal to ranking everything at once.
func TestProperty_MergeOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	for _, metric := range []types.MetricType{types.MetricL2, types.MetricIP} {
		metric := metric

		properties.Property(metric.String()+": merge is ranked and bounded", prop.ForAll(
			func(seed int64, segments, k int) bool {
				got := mergeRanked(randomParts(seed, segments, metric), k, metric)
				if len(got) > k {
					return false
				}
				seen := make(map[int64]bool)
				for i, h := range got {
					if seen[h.ID] {
						return false
					}
					seen[h.ID] = true
					if i > 0 && !metric.Ranks(got[i-1], h) {
						return false
					}
				}
				return true
			},
			gen.Int64(),
			gen.IntRange(0, 6),
			gen.IntRange(1, 20),
		))

		properties.Property(metric.String()+": merge equals global ranking", prop.ForAll(
			func(seed int64, segments, k int) bool {
				parts := randomParts(seed, segments, metric)
				got := mergeRanked(parts, k, metric)
				want := reference(parts, k, metric)
				if len(got) != len(want) {
					return false
				}
				for i := range got {
					if got[i] != want[i] {
						return false
					}
				}
				return true
			},
			gen.Int64(),
			gen.IntRange(0, 6),
			gen.IntRange(1, 20),
		))
	}

	properties.TestingRun(t)
}

func TestMerge_PerQuery(t *testing.T) {
	parts := [][][]types.Hit{
		{
			{{ID: 1, Distance: 0.5}, {ID: 2, Distance: 2}},
			{{ID: 5, Distance: 1}},
		},
		nil, // vanished segment
		{
			{{ID: 3, Distance: 0.5}, {ID: 1, Distance: 3}},
			{},
		},
	}

	got := Merge(parts, 2, 2, types.MetricL2)
	if len(got) != 2 {
		t.Fatalf("expected 2 result lists, got %d", len(got))
	}
	want0 := []types.Hit{{ID: 1, Distance: 0.5}, {ID: 3, Distance: 0.5}}
	if len(got[0]) != 2 || got[0][0] != want0[0] || got[0][1] != want0[1] {
		t.Fatalf("query 0: expected %v, got %v", want0, got[0])
	}
	if len(got[1]) != 1 || got[1][0].ID != 5 {
		t.Fatalf("query 1: expected only id 5, got %v", got[1])
	}
}
