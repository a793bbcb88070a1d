package query

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/arkilian/vectordb/internal/cache"
	engerrors "github.com/arkilian/vectordb/internal/errors"
	"github.com/arkilian/vectordb/internal/index"
	"github.com/arkilian/vectordb/internal/manifest"
	"github.com/arkilian/vectordb/internal/observability"
	"github.com/arkilian/vectordb/internal/segment"
	"github.com/arkilian/vectordb/pkg/types"
)

type testEnv struct {
	catalog  *manifest.CachedCatalog
	store    *segment.Store
	cache    *cache.IndexCache
	stats    *observability.SearchStats
	executor *Executor
	schema   *types.TableSchema
	rows     []types.Row
}

func newTestEnv(t *testing.T, metric types.MetricType) *testEnv {
	t.Helper()
	dir := t.TempDir()
	inner, err := manifest.NewCatalog(filepath.Join(dir, "manifest.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	catalog := manifest.NewCachedCatalog(inner)
	t.Cleanup(func() { catalog.Close() })

	store, err := segment.NewStore(filepath.Join(dir, "data"), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	indexCache, err := cache.NewIndexCache(1<<30, 100, nil)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	schema := &types.TableSchema{Name: "vectors", Dimension: 3, Metric: metric}
	schema.Normalize()
	if err := catalog.CreateTable(context.Background(), schema); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	stats := observability.NewSearchStats(0)
	return &testEnv{
		catalog:  catalog,
		store:    store,
		cache:    indexCache,
		stats:    stats,
		executor: NewExecutor(ExecutorConfig{Concurrency: 2}, catalog, store, nil, indexCache, stats, nil),
		schema:   schema,
	}
}

// addSegment writes n rows starting at id base into partition and returns
// the raw segment.
func (e *testEnv) addSegment(t *testing.T, partition string, base, n int) *types.SegmentRecord {
	t.Helper()
	ctx := context.Background()
	rec := &types.SegmentRecord{TableID: e.schema.ID, TableName: e.schema.Name, Partition: partition}
	if _, err := e.catalog.CreateSegment(ctx, rec); err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}
	vectors := make([][]float32, n)
	ids := make([]int64, n)
	for i := range vectors {
		id := base + i
		vectors[i] = []float32{float32(id), float32(id%5) - 2, float32(id%3) + 0.5}
		ids[i] = int64(id)
		e.rows = append(e.rows, types.Row{ID: int64(id), Vector: vectors[i]})
	}
	size, err := e.store.AppendRaw(ctx, segment.RefOf(rec), vectors, ids)
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	rec.RowCount = int64(n)
	rec.SizeBytes = size
	rec.RawPath = segment.RefOf(rec).RawPath()
	if err := e.catalog.UpsertSegment(ctx, rec); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	return rec
}

// indexSegment builds a FLAT artifact for a raw segment and marks it Indexed.
func (e *testEnv) indexSegment(t *testing.T, rec *types.SegmentRecord) {
	t.Helper()
	ctx := context.Background()
	for _, step := range [][2]types.SegmentState{
		{types.StateRaw, types.StateToIndex},
		{types.StateToIndex, types.StateBuilding},
	} {
		if err := e.catalog.TransitionSegmentState(ctx, rec.ID, step[0], step[1]); err != nil {
			t.Fatalf("transition %s -> %s: %v", step[0], step[1], err)
		}
	}
	rows, err := e.store.ReadRaw(ctx, segment.RefOf(rec))
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	data, err := index.DefaultRegistry().Build(ctx, rows, e.schema.Dimension, types.IndexParam{Type: types.IndexFlat}, e.schema.Metric)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p, err := e.store.WriteIndexArtifact(ctx, segment.RefOf(rec), data)
	if err != nil {
		t.Fatalf("WriteIndexArtifact: %v", err)
	}
	if err := e.catalog.MarkIndexed(ctx, rec.ID, p, types.IndexFlat, int64(len(data))); err != nil {
		t.Fatalf("MarkIndexed: %v", err)
	}
}

func sameHits(a, b []types.Hit) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExecutor_MatchesBruteForce(t *testing.T) {
	for _, metric := range []types.MetricType{types.MetricL2, types.MetricIP} {
		t.Run(metric.String(), func(t *testing.T) {
			env := newTestEnv(t, metric)
			ctx := context.Background()

			indexed := env.addSegment(t, "20261016", 0, 40)
			env.indexSegment(t, indexed)
			env.addSegment(t, "20261017", 40, 25)
			env.addSegment(t, "20261018", 65, 10)

			queries := [][]float32{{3, 0, 1}, {50, -1, 2}, {70, 2, 0.5}}
			res, err := env.executor.Execute(ctx, "vectors", queries, nil, 7, types.SearchParam{})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Stats.IndexedSegments != 1 || res.Stats.RawSegments != 2 || res.Stats.RowsScanned != 75 {
				t.Fatalf("unexpected stats %+v", res.Stats)
			}

			want := index.BruteForce(env.rows, queries, 7, metric)
			for q := range queries {
				if !sameHits(res.Hits[q], want[q]) {
					t.Fatalf("query %d: expected %v, got %v", q, want[q], res.Hits[q])
				}
			}
			if !env.cache.Contains(indexed.ID) {
				t.Fatal("expected the indexed segment to be cached")
			}
		})
	}
}

func TestExecutor_SelfQuery(t *testing.T) {
	env := newTestEnv(t, types.MetricL2)
	ctx := context.Background()
	env.addSegment(t, "20261018", 0, 30)

	queries := make([][]float32, 0, 5)
	for _, r := range env.rows[:5] {
		queries = append(queries, r.Vector)
	}
	res, err := env.executor.Search(ctx, "vectors", queries, nil, 1, types.SearchParam{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for i, hits := range res {
		if len(hits) != 1 || hits[0].ID != env.rows[i].ID || hits[0].Distance != 0 {
			t.Fatalf("query %d: expected itself, got %v", i, hits)
		}
	}
}

func TestExecutor_FewerRowsThanK(t *testing.T) {
	env := newTestEnv(t, types.MetricL2)
	env.addSegment(t, "20261018", 0, 3)

	res, err := env.executor.Search(context.Background(), "vectors", [][]float32{{0, 0, 0}}, nil, 10, types.SearchParam{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res[0]) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(res[0]))
	}
}

func TestExecutor_Ranges(t *testing.T) {
	env := newTestEnv(t, types.MetricL2)
	env.addSegment(t, "20261016", 0, 5)
	env.addSegment(t, "20261018", 100, 5)

	r, err := types.ParseRange("2026-10-18", "2026-10-19")
	if err != nil {
		t.Fatalf("ParseRange: %v", err)
	}
	res, err := env.executor.Search(context.Background(), "vectors", [][]float32{{0, 0, 0}}, []types.TimeRange{r}, 10, types.SearchParam{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res[0]) != 5 {
		t.Fatalf("expected 5 hits from the selected day, got %d", len(res[0]))
	}
	for _, h := range res[0] {
		if h.ID < 100 {
			t.Fatalf("hit %d outside the selected range", h.ID)
		}
	}
}

func TestExecutor_Validation(t *testing.T) {
	env := newTestEnv(t, types.MetricL2)
	ctx := context.Background()
	q := [][]float32{{1, 2, 3}}

	if _, err := env.executor.Search(ctx, "missing", q, nil, 1, types.SearchParam{}); !errors.Is(err, engerrors.ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
	if _, err := env.executor.Search(ctx, "vectors", [][]float32{{1, 2}}, nil, 1, types.SearchParam{}); !errors.Is(err, engerrors.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	for _, k := range []int{0, -1, MaxTopK + 1} {
		if _, err := env.executor.Search(ctx, "vectors", q, nil, k, types.SearchParam{}); !errors.Is(err, engerrors.ErrInvalidArgument) {
			t.Fatalf("k=%d: expected ErrInvalidArgument, got %v", k, err)
		}
	}
	if _, err := env.executor.Search(ctx, "vectors", nil, nil, 1, types.SearchParam{}); !errors.Is(err, engerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for no queries, got %v", err)
	}
	nan := [][]float32{{1, float32(math.NaN()), 3}}
	if _, err := env.executor.Search(ctx, "vectors", nan, nil, 1, types.SearchParam{}); !errors.Is(err, engerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for NaN query, got %v", err)
	}

	// Empty table searches fine
	res, err := env.executor.Search(ctx, "vectors", q, nil, 5, types.SearchParam{})
	if err != nil || len(res) != 1 || len(res[0]) != 0 {
		t.Fatalf("expected one empty result, got %v, %v", res, err)
	}

	st, ok := env.stats.Get("vectors")
	if !ok || st.Failures == 0 {
		t.Fatalf("expected failed searches to be recorded, got %+v", st)
	}
}

func TestExecutor_VanishedSegment(t *testing.T) {
	env := newTestEnv(t, types.MetricL2)
	gone := env.addSegment(t, "20261017", 0, 5)
	env.addSegment(t, "20261018", 100, 5)

	if err := os.Remove(filepath.Join(env.store.Root(), segment.RefOf(gone).RawPath())); err != nil {
		t.Fatalf("remove: %v", err)
	}

	res, err := env.executor.Execute(context.Background(), "vectors", [][]float32{{0, 0, 0}}, nil, 10, types.SearchParam{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Hits[0]) != 5 || res.Stats.VanishedSegments != 1 {
		t.Fatalf("expected 5 hits and 1 vanished segment, got %d, %+v", len(res.Hits[0]), res.Stats)
	}
}

func TestExecutor_CorruptedIndexFallsBackToRaw(t *testing.T) {
	env := newTestEnv(t, types.MetricL2)
	ctx := context.Background()
	rec := env.addSegment(t, "20261018", 0, 12)
	env.indexSegment(t, rec)

	p := filepath.Join(env.store.Root(), segment.RefOf(rec).IndexPath())
	if err := os.WriteFile(p, []byte("VIDX garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	q := [][]float32{{4, 1, 1.5}}
	res, err := env.executor.Search(ctx, "vectors", q, nil, 4, types.SearchParam{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := index.BruteForce(env.rows, q, 4, types.MetricL2)
	if !sameHits(res[0], want[0]) {
		t.Fatalf("expected raw scan results %v, got %v", want[0], res[0])
	}
}

func TestExecutor_WrongDimensionRowsFailTheSearch(t *testing.T) {
	env := newTestEnv(t, types.MetricL2)
	ctx := context.Background()
	rec := &types.SegmentRecord{TableID: env.schema.ID, TableName: env.schema.Name, Partition: "20261018"}
	if _, err := env.catalog.CreateSegment(ctx, rec); err != nil {
		t.Fatalf("CreateSegment: %v", err)
	}
	size, err := env.store.AppendRaw(ctx, segment.RefOf(rec), [][]float32{{1, 2}}, []int64{1})
	if err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	rec.RowCount, rec.SizeBytes = 1, size
	rec.RawPath = segment.RefOf(rec).RawPath()
	if err := env.catalog.UpsertSegment(ctx, rec); err != nil {
		t.Fatalf("UpsertSegment: %v", err)
	}

	_, err = env.executor.Search(ctx, "vectors", [][]float32{{1, 2, 3}}, nil, 1, types.SearchParam{})
	if !errors.Is(err, engerrors.ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func TestExecutor_PreloadAndForget(t *testing.T) {
	env := newTestEnv(t, types.MetricL2)
	ctx := context.Background()
	a := env.addSegment(t, "20261017", 0, 10)
	b := env.addSegment(t, "20261018", 10, 10)
	env.indexSegment(t, a)
	env.indexSegment(t, b)
	env.addSegment(t, "20261018", 20, 10)

	n, err := env.executor.Preload(ctx, "vectors")
	if err != nil || n != 2 {
		t.Fatalf("Preload = %d, %v", n, err)
	}
	if !env.cache.Contains(a.ID) || !env.cache.Contains(b.ID) {
		t.Fatal("expected both indexed segments cached")
	}

	env.executor.Forget(a.ID)
	if env.cache.Contains(a.ID) {
		t.Fatal("expected segment evicted")
	}

	if _, err := env.executor.Preload(ctx, "missing"); !errors.Is(err, engerrors.ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
}
