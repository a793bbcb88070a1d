package index

import (
	"context"
	"math"

	"github.com/arkilian/vectordb/pkg/types"
)

// minPointsPerList bounds nlist from above so lists are not degenerate on
// small segments.
const minPointsPerList = 4

// IVF is the inverted-file backend. Vectors are clustered with k-means and
// stored in the list of their nearest centroid; searches scan the nprobe
// lists closest to the query. With quantize set, vectors are stored as
// 8-bit codes (IVF_SQ8) instead of float32 (IVF_FLAT).
type IVF struct {
	quantize bool
}

// NewIVF creates the IVF_FLAT backend, or IVF_SQ8 when quantize is true.
func NewIVF(quantize bool) *IVF {
	return &IVF{quantize: quantize}
}

// Type returns IVF_FLAT or IVF_SQ8.
func (b *IVF) Type() types.IndexType {
	if b.quantize {
		return types.IndexIVFSQ8
	}
	return types.IndexIVFFlat
}

// Build clusters rows and encodes the artifact payload:
//
//	[dim:4][nlist:4][sq8:4][centroids]
//	(sq8) [mins][scales]
//	per list: [count:4][ids][vectors or codes]
func (b *IVF) Build(ctx context.Context, rows []types.Row, dim int, param types.IndexParam, metric types.MetricType) ([]byte, error) {
	if err := checkRows(rows, dim); err != nil {
		return nil, err
	}
	param = param.Normalize()

	n := len(rows)
	nlist := min(param.NList, max(1, n/minPointsPerList))
	if n == 0 {
		nlist = 0
	}

	flat := make([]float32, 0, n*dim)
	for _, r := range rows {
		flat = append(flat, r.Vector...)
	}
	centroids, err := trainKMeans(ctx, flat, dim, nlist)
	if err != nil {
		return nil, err
	}
	nlist = len(centroids) / dim

	lists := make([][]int, nlist)
	for i := 0; i < n; i++ {
		c := nearestCentroid(flat[i*dim:(i+1)*dim], centroids, dim)
		lists[c] = append(lists[c], i)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var q *sq8
	if b.quantize {
		q = trainSQ8(flat, dim)
	}

	w := payloadWriter{buf: make([]byte, 0, 12+len(centroids)*4+n*int(types.RowBytes(dim)))}
	w.u32(uint32(dim))
	w.u32(uint32(nlist))
	if q != nil {
		w.u32(1)
	} else {
		w.u32(0)
	}
	w.f32s(centroids)
	if q != nil {
		w.f32s(q.mins)
		w.f32s(q.scales)
	}
	for _, members := range lists {
		w.u32(uint32(len(members)))
		for _, i := range members {
			w.i64(rows[i].ID)
		}
		for _, i := range members {
			if q != nil {
				w.bytes(q.encode(rows[i].Vector))
			} else {
				w.f32s(rows[i].Vector)
			}
		}
	}
	return encodeArtifact(b.Type(), metric, w.buf), nil
}

// Load decodes an IVF artifact of this backend's type.
func (b *IVF) Load(data []byte) (Searcher, error) {
	h, payload, err := decodeArtifact(data, b.Type())
	if err != nil {
		return nil, err
	}
	r := payloadReader{buf: payload}
	s := &ivfSearcher{indexType: h.Type, metric: h.Metric}
	s.dim = int(r.u32())
	nlist := int(r.u32())
	quantized := r.u32() == 1
	s.centroids = r.f32s(nlist * s.dim)
	if quantized {
		s.sq = &sq8{mins: r.f32s(s.dim), scales: r.f32s(s.dim)}
	}
	s.lists = make([]ivfList, nlist)
	for c := range s.lists {
		count := int(r.u32())
		s.lists[c].ids = r.i64s(count)
		if quantized {
			s.lists[c].codes = r.bytes(count * s.dim)
		} else {
			s.lists[c].vectors = r.f32s(count * s.dim)
		}
		s.size += count
	}
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

type ivfList struct {
	ids     []int64
	vectors []float32
	codes   []byte
}

type ivfSearcher struct {
	indexType types.IndexType
	metric    types.MetricType
	dim       int
	size      int
	centroids []float32
	lists     []ivfList
	sq        *sq8
}

func (s *ivfSearcher) Type() types.IndexType    { return s.indexType }
func (s *ivfSearcher) Metric() types.MetricType { return s.metric }
func (s *ivfSearcher) Dim() int                 { return s.dim }
func (s *ivfSearcher) Len() int                 { return s.size }

func (s *ivfSearcher) MemoryBytes() int64 {
	total := int64(len(s.centroids)) * 4
	for _, l := range s.lists {
		total += int64(len(l.ids))*8 + int64(len(l.vectors))*4 + int64(len(l.codes))
	}
	if s.sq != nil {
		total += int64(s.dim) * 8
	}
	return total
}

func (s *ivfSearcher) Search(queries [][]float32, k int, param types.SearchParam) ([][]types.Hit, error) {
	if err := checkQueries(queries, s.dim); err != nil {
		return nil, err
	}
	nprobe := param.NProbe
	if nprobe <= 0 {
		nprobe = DefaultNProbe
	}

	out := make([][]types.Hit, len(queries))
	scratch := make([]float32, s.dim)
	for qi, q := range queries {
		top := NewTopK(k, s.metric)
		for _, c := range closestCentroids(q, s.centroids, s.dim, nprobe) {
			l := &s.lists[c]
			for i, id := range l.ids {
				var v []float32
				if s.sq != nil {
					s.sq.decode(l.codes[i*s.dim:(i+1)*s.dim], scratch)
					v = scratch
				} else {
					v = l.vectors[i*s.dim : (i+1)*s.dim]
				}
				top.Offer(types.Hit{ID: id, Distance: Score(s.metric, q, v)})
			}
		}
		out[qi] = top.Sorted()
	}
	return out, nil
}

// sq8 is a per-dimension 8-bit scalar quantizer.
type sq8 struct {
	mins   []float32
	scales []float32
}

func trainSQ8(flat []float32, dim int) *sq8 {
	q := &sq8{mins: make([]float32, dim), scales: make([]float32, dim)}
	if len(flat) == 0 {
		return q
	}
	maxs := make([]float32, dim)
	copy(q.mins, flat[:dim])
	copy(maxs, flat[:dim])
	for i := dim; i < len(flat); i++ {
		d := i % dim
		q.mins[d] = min(q.mins[d], flat[i])
		maxs[d] = max(maxs[d], flat[i])
	}
	for d := range q.scales {
		q.scales[d] = (maxs[d] - q.mins[d]) / 255
	}
	return q
}

func (q *sq8) encode(v []float32) []byte {
	codes := make([]byte, len(v))
	for d, f := range v {
		if q.scales[d] == 0 {
			continue
		}
		c := math.Round(float64((f - q.mins[d]) / q.scales[d]))
		codes[d] = byte(min(max(c, 0), 255))
	}
	return codes
}

func (q *sq8) decode(codes []byte, dst []float32) {
	for d, c := range codes {
		dst[d] = q.mins[d] + float32(c)*q.scales[d]
	}
}
