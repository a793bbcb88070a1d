package index

import (
	"context"
	"math"
	"math/rand"
	"sort"
)

const (
	kmeansMaxIter = 16

	// kmeansTrainPerList caps the training sample at this many points per
	// centroid.
	kmeansTrainPerList = 64
)

// trainKMeans learns k centroids from flattened vectors with Lloyd's
// algorithm. The seed is fixed so identical input yields identical
// artifacts. Returns k*dim floats.
func trainKMeans(ctx context.Context, vectors []float32, dim, k int) ([]float32, error) {
	n := len(vectors) / dim
	if k <= 0 || n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	rng := rand.New(rand.NewSource(1))

	train := vectors
	if limit := k * kmeansTrainPerList; n > limit {
		train = make([]float32, 0, limit*dim)
		for _, i := range rng.Perm(n)[:limit] {
			train = append(train, vectors[i*dim:(i+1)*dim]...)
		}
		n = limit
	}

	centroids := make([]float32, k*dim)
	perm := rng.Perm(n)
	for c := 0; c < k; c++ {
		copy(centroids[c*dim:(c+1)*dim], train[perm[c]*dim:(perm[c]+1)*dim])
	}

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < kmeansMaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		changed := false
		for i := 0; i < n; i++ {
			c := nearestCentroid(train[i*dim:(i+1)*dim], centroids, dim)
			if assignments[i] != c {
				assignments[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		clear(sums)
		clear(counts)
		for i := 0; i < n; i++ {
			c := assignments[i]
			vec := train[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += vec[d]
			}
			counts[c]++
		}
		for c := 0; c < k; c++ {
			if counts[c] > 0 {
				scale := 1 / float32(counts[c])
				for d := 0; d < dim; d++ {
					centroids[c*dim+d] = sums[c*dim+d] * scale
				}
			} else {
				// Reseed empty clusters from a random point
				idx := rng.Intn(n)
				copy(centroids[c*dim:(c+1)*dim], train[idx*dim:(idx+1)*dim])
			}
		}
	}

	return centroids, nil
}

// nearestCentroid returns the index of the centroid closest to vec in L2.
func nearestCentroid(vec, centroids []float32, dim int) int {
	best := 0
	bestDist := float32(math.MaxFloat32)
	for c := 0; c < len(centroids)/dim; c++ {
		if d := SquaredL2(vec, centroids[c*dim:(c+1)*dim]); d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best
}

// closestCentroids returns the n centroid indexes closest to query in L2.
func closestCentroids(query, centroids []float32, dim, n int) []int {
	k := len(centroids) / dim
	if n > k {
		n = k
	}
	type centroidDist struct {
		id   int
		dist float32
	}
	dists := make([]centroidDist, k)
	for c := 0; c < k; c++ {
		dists[c] = centroidDist{id: c, dist: SquaredL2(query, centroids[c*dim:(c+1)*dim])}
	}
	sort.Slice(dists, func(i, j int) bool {
		if dists[i].dist != dists[j].dist {
			return dists[i].dist < dists[j].dist
		}
		return dists[i].id < dists[j].id
	})
	out := make([]int, n)
	for i := range out {
		out[i] = dists[i].id
	}
	return out
}
