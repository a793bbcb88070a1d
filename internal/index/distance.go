package index

import "github.com/arkilian/vectordb/pkg/types"

// SquaredL2 returns the squared Euclidean distance between a and b.
// Assumes equal lengths.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Dot returns the inner product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Score returns the value a hit is ranked by: squared distance for L2,
// inner product for IP.
func Score(metric types.MetricType, a, b []float32) float32 {
	if metric == types.MetricIP {
		return Dot(a, b)
	}
	return SquaredL2(a, b)
}
