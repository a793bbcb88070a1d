package index

import (
	"context"

	"github.com/arkilian/vectordb/pkg/types"
)

// Flat is the exact backend: the artifact stores every vector and searches
// scan all of them.
type Flat struct{}

// NewFlat creates the FLAT backend.
func NewFlat() *Flat {
	return &Flat{}
}

// Type returns types.IndexFlat.
func (f *Flat) Type() types.IndexType {
	return types.IndexFlat
}

// Build encodes rows as [dim:4][n:4][ids][vectors].
func (f *Flat) Build(ctx context.Context, rows []types.Row, dim int, param types.IndexParam, metric types.MetricType) ([]byte, error) {
	if err := checkRows(rows, dim); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w := payloadWriter{buf: make([]byte, 0, 8+len(rows)*int(types.RowBytes(dim)))}
	w.u32(uint32(dim))
	w.u32(uint32(len(rows)))
	for _, r := range rows {
		w.i64(r.ID)
	}
	for _, r := range rows {
		w.f32s(r.Vector)
	}
	return encodeArtifact(types.IndexFlat, metric, w.buf), nil
}

// Load decodes a FLAT artifact.
func (f *Flat) Load(data []byte) (Searcher, error) {
	h, payload, err := decodeArtifact(data, types.IndexFlat)
	if err != nil {
		return nil, err
	}
	r := payloadReader{buf: payload}
	dim := int(r.u32())
	n := int(r.u32())
	ids := r.i64s(n)
	vectors := r.f32s(n * dim)
	if r.err != nil {
		return nil, r.err
	}
	return &flatSearcher{metric: h.Metric, dim: dim, ids: ids, vectors: vectors}, nil
}

type flatSearcher struct {
	metric  types.MetricType
	dim     int
	ids     []int64
	vectors []float32
}

func (s *flatSearcher) Type() types.IndexType    { return types.IndexFlat }
func (s *flatSearcher) Metric() types.MetricType { return s.metric }
func (s *flatSearcher) Dim() int                 { return s.dim }
func (s *flatSearcher) Len() int                 { return len(s.ids) }

func (s *flatSearcher) MemoryBytes() int64 {
	return int64(len(s.ids))*8 + int64(len(s.vectors))*4
}

func (s *flatSearcher) Search(queries [][]float32, k int, _ types.SearchParam) ([][]types.Hit, error) {
	if err := checkQueries(queries, s.dim); err != nil {
		return nil, err
	}
	out := make([][]types.Hit, len(queries))
	for qi, q := range queries {
		top := NewTopK(k, s.metric)
		for i, id := range s.ids {
			v := s.vectors[i*s.dim : (i+1)*s.dim]
			top.Offer(types.Hit{ID: id, Distance: Score(s.metric, q, v)})
		}
		out[qi] = top.Sorted()
	}
	return out, nil
}
