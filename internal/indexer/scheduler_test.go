package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkilian/vectordb/internal/index"
	"github.com/arkilian/vectordb/internal/manifest"
	"github.com/arkilian/vectordb/internal/router"
	"github.com/arkilian/vectordb/internal/segment"
	"github.com/arkilian/vectordb/pkg/types"
)

type testEnv struct {
	catalog  *manifest.SQLiteCatalog
	store    *segment.Store
	notifier *router.Notifier
	schema   *types.TableSchema
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	catalog, err := manifest.NewCatalog(filepath.Join(dir, "manifest.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	store, err := segment.NewStore(filepath.Join(dir, "data"), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	schema := &types.TableSchema{Name: "vectors", Dimension: 4, Metric: types.MetricL2}
	schema.Normalize()
	if err := catalog.CreateTable(context.Background(), schema); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	return &testEnv{catalog: catalog, store: store, notifier: router.NewNotifier(64), schema: schema}
}

// sealedSegment writes rows into a new segment and moves it to ToIndex.
func (e *testEnv) sealedSegment(t *testing.T, rows int) *types.SegmentRecord {
	t.Helper()
	ctx := context.Background()
	rec := &types.SegmentRecord{TableID: e.schema.ID, TableName: e.schema.Name, Partition: "20261018"}
	if _, err := e.catalog.CreateSegment(ctx, rec); err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}
	vectors := make([][]float32, rows)
	ids := make([]int64, rows)
	for i := range vectors {
		vectors[i] = []float32{float32(i), float32(i % 7), float32(i % 3), 1}
		ids[i] = rec.ID*1000 + int64(i)
	}
	n, err := e.store.AppendRaw(ctx, segment.RefOf(rec), vectors, ids)
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	rec.RowCount = int64(rows)
	rec.SizeBytes = n
	rec.RawPath = segment.RefOf(rec).RawPath()
	if err := e.catalog.UpsertSegment(ctx, rec); err != nil {
		t.Fatalf("failed to upsert segment: %v", err)
	}
	if err := e.catalog.TransitionSegmentState(ctx, rec.ID, types.StateRaw, types.StateToIndex); err != nil {
		t.Fatalf("failed to seal segment: %v", err)
	}
	rec.State = types.StateToIndex
	return rec
}

func (e *testEnv) get(t *testing.T, id int64) *types.SegmentRecord {
	t.Helper()
	rec, err := e.catalog.GetSegment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSegment(%d): %v", id, err)
	}
	return rec
}

// failingBackend replaces FLAT and refuses to build.
type failingBackend struct{ index.Backend }

func (failingBackend) Build(context.Context, []types.Row, int, types.IndexParam, types.MetricType) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func TestScheduler_BuildsSealedSegments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.notifier.Subscribe("test", nil, router.SegmentIndexed)

	a := env.sealedSegment(t, 50)
	b := env.sealedSegment(t, 20)

	s := NewScheduler(DefaultConfig(), env.catalog, env.store, nil, env.notifier, nil)
	built, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if built != 2 {
		t.Fatalf("expected 2 builds, got %d", built)
	}

	registry := index.DefaultRegistry()
	for _, rec := range []*types.SegmentRecord{a, b} {
		got := env.get(t, rec.ID)
		if got.State != types.StateIndexed || got.IndexType != types.IndexFlat || got.IndexSize == 0 {
			t.Fatalf("segment %d not indexed: %+v", rec.ID, got)
		}
		data, err := env.store.ReadIndexArtifact(ctx, segment.RefOf(got))
		if err != nil {
			t.Fatalf("ReadIndexArtifact: %v", err)
		}
		searcher, err := registry.Load(data)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if searcher.Len() != int(rec.RowCount) {
			t.Fatalf("expected %d vectors, got %d", rec.RowCount, searcher.Len())
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case n := <-sub.Ch:
			if n.Type != router.SegmentIndexed {
				t.Fatalf("unexpected notification %+v", n)
			}
		case <-time.After(time.Second):
			t.Fatal("expected indexed notifications")
		}
	}

	again, err := s.RunOnce(ctx)
	if err != nil || again != 0 {
		t.Fatalf("second RunOnce = %d, %v", again, err)
	}
}

func TestScheduler_UsesTableIndexParam(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.catalog.UpdateTableIndex(ctx, "vectors", types.IndexParam{Type: types.IndexIVFSQ8, NList: 4}); err != nil {
		t.Fatalf("UpdateTableIndex: %v", err)
	}
	rec := env.sealedSegment(t, 64)

	s := NewScheduler(DefaultConfig(), env.catalog, env.store, nil, nil, nil)
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := env.get(t, rec.ID)
	if got.State != types.StateIndexed || got.IndexType != types.IndexIVFSQ8 {
		t.Fatalf("expected IVF_SQ8 index, got %+v", got)
	}
}

func TestScheduler_FailedBuildsAreFlagged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.sealedSegment(t, 10)

	registry := index.DefaultRegistry()
	flat, _ := registry.Get(types.IndexFlat)
	registry.Register(failingBackend{flat})

	s := NewScheduler(DefaultConfig(), env.catalog, env.store, registry, nil, nil)
	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		built, err := s.RunOnce(ctx)
		if err != nil || built != 0 {
			t.Fatalf("attempt %d: RunOnce = %d, %v", attempt, built, err)
		}
		got := env.get(t, rec.ID)
		if got.State != types.StateToIndex || got.BuildAttempts != attempt {
			t.Fatalf("attempt %d: unexpected segment %+v", attempt, got)
		}
		if got.Failed != (attempt == DefaultMaxAttempts) {
			t.Fatalf("attempt %d: failed flag %v", attempt, got.Failed)
		}
	}

	// Flagged segments leave the queue
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := env.get(t, rec.ID); got.BuildAttempts != DefaultMaxAttempts {
		t.Fatalf("flagged segment was retried: %+v", got)
	}

	failed, err := s.Failed(ctx)
	if err != nil {
		t.Fatalf("Failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != rec.ID {
		t.Fatalf("expected flagged segment %d, got %v", rec.ID, failed)
	}

	st, err := s.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Flagged != 1 || st.Queued != 0 || st.Failures != DefaultMaxAttempts {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestScheduler_RecoverStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.sealedSegment(t, 5)
	if err := env.catalog.TransitionSegmentState(ctx, rec.ID, types.StateToIndex, types.StateBuilding); err != nil {
		t.Fatalf("transition: %v", err)
	}

	s := NewScheduler(DefaultConfig(), env.catalog, env.store, nil, nil, nil)
	n, err := s.RecoverStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverStale = %d, %v", n, err)
	}
	if got := env.get(t, rec.ID); got.State != types.StateToIndex || got.BuildAttempts != 0 {
		t.Fatalf("expected requeued segment without a counted attempt, got %+v", got)
	}
}

func TestScheduler_ReplacesLeftoverArtifact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.sealedSegment(t, 8)

	// Leftover from a build that crashed before committing
	if _, err := env.store.WriteIndexArtifact(ctx, segment.RefOf(rec), []byte("partial")); err != nil {
		t.Fatalf("WriteIndexArtifact: %v", err)
	}

	s := NewScheduler(DefaultConfig(), env.catalog, env.store, nil, nil, nil)
	built, err := s.RunOnce(ctx)
	if err != nil || built != 1 {
		t.Fatalf("RunOnce = %d, %v", built, err)
	}
	data, err := env.store.ReadIndexArtifact(ctx, segment.RefOf(rec))
	if err != nil {
		t.Fatalf("ReadIndexArtifact: %v", err)
	}
	if _, err := index.ReadHeader(data); err != nil {
		t.Fatalf("expected a fresh artifact, got %v", err)
	}
}

func TestScheduler_DeletedSegmentIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.sealedSegment(t, 8)

	if err := env.catalog.TransitionSegmentState(ctx, rec.ID, types.StateToIndex, types.StateToDelete); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := os.RemoveAll(filepath.Join(env.store.Root(), filepath.Dir(segment.RefOf(rec).RawPath()))); err != nil {
		t.Fatalf("remove: %v", err)
	}

	s := NewScheduler(DefaultConfig(), env.catalog, env.store, nil, nil, nil)
	built, err := s.RunOnce(ctx)
	if err != nil || built != 0 {
		t.Fatalf("RunOnce = %d, %v", built, err)
	}
	if got := env.get(t, rec.ID); got.State != types.StateToDelete || got.BuildAttempts != 0 {
		t.Fatalf("deleted segment must not be touched, got %+v", got)
	}
}

func TestScheduler_StartWakesOnSeal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	s := NewScheduler(cfg, env.catalog, env.store, nil, env.notifier, nil)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatal("expected error on double start")
	}

	rec := env.sealedSegment(t, 16)
	env.notifier.Publish(router.Notification{Type: router.SegmentSealed, Table: "vectors", SegmentID: rec.ID})

	deadline := time.Now().Add(5 * time.Second)
	for env.get(t, rec.ID).State != types.StateIndexed {
		if time.Now().After(deadline) {
			t.Fatal("segment was not indexed after the seal event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
