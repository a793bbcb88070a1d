package types

import "math"

// Row is a single stored vector with its ID.
type Row struct {
	ID     int64     `json:"id"`
	Vector []float32 `json:"vector"`
}

// Hit is one search result: a vector ID and its distance (L2) or score (IP).
type Hit struct {
	ID       int64   `json:"id"`
	Distance float32 `json:"distance"`
}

// QueryResult holds one ranked hit list per query vector.
type QueryResult [][]Hit

// RowBytes is the stored size of one row of the given dimension.
func RowBytes(dim int) int64 {
	return 8 + 4*int64(dim)
}

// IsFinite reports whether every component of v is neither NaN nor infinite.
func IsFinite(v []float32) bool {
	for _, x := range v {
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
