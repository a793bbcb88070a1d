package index

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/arkilian/vectordb/internal/errors"
	"github.com/arkilian/vectordb/pkg/types"
)

func randomRows(n, dim int, seed int64) []types.Row {
	rng := rand.New(rand.NewSource(seed))
	rows := make([]types.Row, n)
	for i := range rows {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		rows[i] = types.Row{ID: int64(i + 1), Vector: v}
	}
	return rows
}

func queriesOf(rows []types.Row, idx ...int) [][]float32 {
	out := make([][]float32, len(idx))
	for i, j := range idx {
		out[i] = rows[j].Vector
	}
	return out
}

func TestTopK_OrderAndTies(t *testing.T) {
	top := NewTopK(3, types.MetricL2)
	for _, h := range []types.Hit{{ID: 5, Distance: 2}, {ID: 1, Distance: 3}, {ID: 9, Distance: 1}, {ID: 2, Distance: 1}, {ID: 7, Distance: 4}} {
		top.Offer(h)
	}
	assert.Equal(t, []types.Hit{{ID: 2, Distance: 1}, {ID: 9, Distance: 1}, {ID: 5, Distance: 2}}, top.Sorted())

	ip := NewTopK(2, types.MetricIP)
	for _, h := range []types.Hit{{ID: 1, Distance: 0.5}, {ID: 2, Distance: 0.9}, {ID: 3, Distance: 0.9}} {
		ip.Offer(h)
	}
	assert.Equal(t, []types.Hit{{ID: 2, Distance: 0.9}, {ID: 3, Distance: 0.9}}, ip.Sorted())

	none := NewTopK(0, types.MetricL2)
	none.Offer(types.Hit{ID: 1})
	assert.Empty(t, none.Sorted())
}

func TestBruteForce(t *testing.T) {
	rows := []types.Row{
		{ID: 1, Vector: []float32{0, 0}},
		{ID: 2, Vector: []float32{1, 0}},
		{ID: 3, Vector: []float32{0, 2}},
	}
	res := BruteForce(rows, [][]float32{{0, 0}}, 2, types.MetricL2)
	require.Len(t, res, 1)
	assert.Equal(t, []types.Hit{{ID: 1, Distance: 0}, {ID: 2, Distance: 1}}, res[0])

	res = BruteForce(rows, [][]float32{{0, 1}}, 5, types.MetricIP)
	assert.Equal(t, []types.Hit{{ID: 3, Distance: 2}, {ID: 1, Distance: 0}, {ID: 2, Distance: 0}}, res[0])
}

func TestFlat_MatchesBruteForce(t *testing.T) {
	ctx := context.Background()
	rows := randomRows(300, 8, 1)
	reg := DefaultRegistry()

	for _, metric := range []types.MetricType{types.MetricL2, types.MetricIP} {
		data, err := reg.Build(ctx, rows, 8, types.IndexParam{Type: types.IndexFlat}, metric)
		require.NoError(t, err)

		s, err := reg.Load(data)
		require.NoError(t, err)
		assert.Equal(t, types.IndexFlat, s.Type())
		assert.Equal(t, metric, s.Metric())
		assert.Equal(t, 300, s.Len())
		assert.Positive(t, s.MemoryBytes())

		queries := queriesOf(rows, 0, 17, 299)
		got, err := s.Search(queries, 10, types.SearchParam{})
		require.NoError(t, err)
		assert.Equal(t, BruteForce(rows, queries, 10, metric), got)
	}
}

func TestIVF_SelfQuery(t *testing.T) {
	ctx := context.Background()
	rows := randomRows(400, 8, 2)

	for _, quantize := range []bool{false, true} {
		b := NewIVF(quantize)
		data, err := b.Build(ctx, rows, 8, types.IndexParam{Type: b.Type(), NList: 16}, types.MetricL2)
		require.NoError(t, err)

		s, err := b.Load(data)
		require.NoError(t, err)
		assert.Equal(t, b.Type(), s.Type())
		assert.Equal(t, 400, s.Len())

		queries := queriesOf(rows, 3, 42, 399)
		got, err := s.Search(queries, 5, types.SearchParam{NProbe: 4})
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, idx := range []int{3, 42, 399} {
			require.NotEmpty(t, got[i])
			assert.Equal(t, rows[idx].ID, got[i][0].ID, "quantize=%v query %d", quantize, i)
			assert.LessOrEqual(t, len(got[i]), 5)
		}
	}
}

func TestIVFFlat_FullProbeIsExact(t *testing.T) {
	ctx := context.Background()
	rows := randomRows(200, 4, 3)
	b := NewIVF(false)

	data, err := b.Build(ctx, rows, 4, types.IndexParam{Type: types.IndexIVFFlat, NList: 8}, types.MetricL2)
	require.NoError(t, err)
	s, err := b.Load(data)
	require.NoError(t, err)

	queries := queriesOf(rows, 0, 100)
	got, err := s.Search(queries, 20, types.SearchParam{NProbe: 1000})
	require.NoError(t, err)
	assert.Equal(t, BruteForce(rows, queries, 20, types.MetricL2), got)
}

func TestBuild_Deterministic(t *testing.T) {
	ctx := context.Background()
	rows := randomRows(100, 4, 4)
	b := NewIVF(true)

	a1, err := b.Build(ctx, rows, 4, types.IndexParam{Type: types.IndexIVFSQ8, NList: 8}, types.MetricL2)
	require.NoError(t, err)
	a2, err := b.Build(ctx, rows, 4, types.IndexParam{Type: types.IndexIVFSQ8, NList: 8}, types.MetricL2)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestBuild_Empty(t *testing.T) {
	ctx := context.Background()
	reg := DefaultRegistry()

	for _, typ := range []types.IndexType{types.IndexFlat, types.IndexIVFFlat, types.IndexIVFSQ8} {
		data, err := reg.Build(ctx, nil, 4, types.IndexParam{Type: typ}, types.MetricL2)
		require.NoError(t, err)
		s, err := reg.Load(data)
		require.NoError(t, err)
		assert.Equal(t, 0, s.Len())

		got, err := s.Search([][]float32{{1, 2, 3, 4}}, 3, types.SearchParam{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Empty(t, got[0])
	}
}

func TestBuild_Errors(t *testing.T) {
	ctx := context.Background()
	reg := DefaultRegistry()

	_, err := reg.Build(ctx, randomRows(2, 4, 5), 4, types.IndexParam{Type: "HNSW"}, types.MetricL2)
	assert.ErrorIs(t, err, engerrors.ErrInvalidArgument)

	_, err = reg.Build(ctx, randomRows(2, 4, 5), 3, types.IndexParam{Type: types.IndexFlat}, types.MetricL2)
	assert.ErrorIs(t, err, engerrors.ErrBuildFailed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = reg.Build(cancelled, randomRows(50, 4, 5), 4, types.IndexParam{Type: types.IndexIVFFlat, NList: 4}, types.MetricL2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoad_Corrupted(t *testing.T) {
	ctx := context.Background()
	reg := DefaultRegistry()
	data, err := reg.Build(ctx, randomRows(20, 4, 6), 4, types.IndexParam{Type: types.IndexFlat}, types.MetricL2)
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xff
	_, err = reg.Load(flipped)
	assert.ErrorIs(t, err, engerrors.ErrCorrupted)

	_, err = reg.Load([]byte("nope"))
	assert.ErrorIs(t, err, engerrors.ErrCorrupted)

	_, err = NewIVF(false).Load(data)
	assert.ErrorIs(t, err, engerrors.ErrCorrupted)
}

func TestSearch_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	reg := DefaultRegistry()
	data, err := reg.Build(ctx, randomRows(10, 4, 7), 4, types.IndexParam{Type: types.IndexFlat}, types.MetricL2)
	require.NoError(t, err)
	s, err := reg.Load(data)
	require.NoError(t, err)

	_, err = s.Search([][]float32{{1, 2}}, 1, types.SearchParam{})
	assert.ErrorIs(t, err, engerrors.ErrDimensionMismatch)
}
