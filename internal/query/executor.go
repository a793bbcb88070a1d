// Package query executes top-k vector searches across a table's segments.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arkilian/vectordb/internal/cache"
	engerrors "github.com/arkilian/vectordb/internal/errors"
	"github.com/arkilian/vectordb/internal/index"
	"github.com/arkilian/vectordb/internal/logging"
	"github.com/arkilian/vectordb/internal/manifest"
	"github.com/arkilian/vectordb/internal/observability"
	"github.com/arkilian/vectordb/internal/segment"
	"github.com/arkilian/vectordb/pkg/types"
)

// MaxTopK is the largest k a search may ask for.
const MaxTopK = 16384

// Catalog is the part of the metadata catalog searches read.
type Catalog interface {
	DescribeTable(ctx context.Context, name string) (*types.TableSchema, error)
	ListSegments(ctx context.Context, table string, filter manifest.SegmentFilter) ([]*types.SegmentRecord, error)
}

// refresher is implemented by catalogs that cache listings.
type refresher interface {
	Refresh(ctx context.Context, table string) error
}

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	// Concurrency is the number of segments searched in parallel (default: 8).
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// ExecutionStats describes one search.
type ExecutionStats struct {
	SegmentsScanned  int
	RawSegments      int
	IndexedSegments  int
	VanishedSegments int
	RowsScanned      int64
	ExecutionTime    time.Duration
}

// Result holds the ranked hits of a search and how they were produced.
type Result struct {
	Hits  types.QueryResult
	Stats ExecutionStats
}

// Executor fans a search out over segments and merges the results.
type Executor struct {
	catalog  Catalog
	store    *segment.Store
	registry *index.Registry
	cache    *cache.IndexCache
	stats    *observability.SearchStats
	logger   *logging.Logger

	concurrency int
}

// NewExecutor creates an executor. stats and logger may be nil.
func NewExecutor(config ExecutorConfig, catalog Catalog, store *segment.Store, registry *index.Registry, indexCache *cache.IndexCache, stats *observability.SearchStats, logger *logging.Logger) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	if registry == nil {
		registry = index.DefaultRegistry()
	}
	return &Executor{
		catalog:     catalog,
		store:       store,
		registry:    registry,
		cache:       indexCache,
		stats:       stats,
		logger:      logging.OrNoop(logger),
		concurrency: config.Concurrency,
	}
}

// Search returns up to k hits per query over the table's flushed rows in
// ranges (nil means all partitions).
func (e *Executor) Search(ctx context.Context, table string, queries [][]float32, ranges []types.TimeRange, k int, param types.SearchParam) (types.QueryResult, error) {
	res, err := e.Execute(ctx, table, queries, ranges, k, param)
	if err != nil {
		return nil, err
	}
	return res.Hits, nil
}

// Execute is Search with execution statistics.
func (e *Executor) Execute(ctx context.Context, table string, queries [][]float32, ranges []types.TimeRange, k int, param types.SearchParam) (*Result, error) {
	start := time.Now()
	res, err := e.execute(ctx, table, queries, ranges, k, param)

	segments := 0
	rec := observability.SearchRecord{Table: table, Queries: len(queries), K: k, Latency: time.Since(start), Err: err}
	if res != nil {
		res.Stats.ExecutionTime = rec.Latency
		rec.RawSegments = res.Stats.RawSegments
		rec.IndexedSegments = res.Stats.IndexedSegments
		segments = res.Stats.SegmentsScanned
	}
	if e.stats != nil && !errors.Is(err, engerrors.ErrTableNotFound) {
		e.stats.Record(rec)
	}
	e.logger.LogSearch(ctx, table, len(queries), k, segments, err)
	return res, err
}

func (e *Executor) execute(ctx context.Context, table string, queries [][]float32, ranges []types.TimeRange, k int, param types.SearchParam) (*Result, error) {
	if k <= 0 || k > MaxTopK {
		return nil, engerrors.InvalidArgument("top-k must be between 1 and %d, got %d", MaxTopK, k)
	}
	if len(queries) == 0 {
		return nil, engerrors.InvalidArgument("no query vectors")
	}
	if param.NProbe < 0 {
		return nil, engerrors.InvalidArgument("nprobe must not be negative, got %d", param.NProbe)
	}

	if r, ok := e.catalog.(refresher); ok {
		if err := r.Refresh(ctx, table); err != nil {
			return nil, err
		}
	}
	schema, err := e.catalog.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	for i, q := range queries {
		if len(q) != schema.Dimension {
			return nil, engerrors.DimensionMismatch(schema.Dimension, len(q)).
				WithDetails(map[string]interface{}{"expected": schema.Dimension, "actual": len(q), "query": i})
		}
		if !types.IsFinite(q) {
			return nil, engerrors.InvalidArgument("query %d has NaN or infinite components", i)
		}
	}

	// Snapshot: rows flushed after this listing are not visible to this search
	segs, err := e.catalog.ListSegments(ctx, table, manifest.SegmentFilter{
		Ranges: ranges,
		States: types.SearchableStates(),
	})
	if err != nil {
		return nil, err
	}

	res := &Result{}
	parts := make([][][]types.Hit, len(segs))
	var rows atomic.Int64
	var raw, indexed, vanished atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, rec := range segs {
		if rec.RowCount == 0 {
			continue
		}
		i, rec := i, rec
		g.Go(func() error {
			var hits [][]types.Hit
			var err error
			if rec.State.HasIndex() {
				indexed.Add(1)
				hits, err = e.searchIndexed(gctx, rec, queries, k, param)
				if err != nil && !isVanished(err) {
					// Raw rows stay on disk after indexing
					e.logger.WarnContext(gctx, "query: index unusable, scanning raw rows", "segment", rec.ID, "error", err)
					hits, err = e.searchRaw(gctx, rec, queries, k, schema.Metric)
				}
			} else {
				raw.Add(1)
				hits, err = e.searchRaw(gctx, rec, queries, k, schema.Metric)
			}
			if isVanished(err) {
				// Deleted while the search ran
				vanished.Add(1)
				return nil
			}
			if err != nil {
				return fmt.Errorf("query: segment %d: %w", rec.ID, err)
			}
			rows.Add(rec.RowCount)
			parts[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Hits = Merge(parts, len(queries), k, schema.Metric)
	res.Stats = ExecutionStats{
		SegmentsScanned:  int(raw.Load() + indexed.Load()),
		RawSegments:      int(raw.Load()),
		IndexedSegments:  int(indexed.Load()),
		VanishedSegments: int(vanished.Load()),
		RowsScanned:      rows.Load(),
	}
	return res, nil
}

func isVanished(err error) bool {
	return errors.Is(err, engerrors.ErrSegmentVanished)
}

// searchRaw scans a segment's committed rows exactly.
func (e *Executor) searchRaw(ctx context.Context, rec *types.SegmentRecord, queries [][]float32, k int, metric types.MetricType) ([][]types.Hit, error) {
	rows, err := e.store.ReadRaw(ctx, segment.RefOf(rec))
	if err != nil {
		return nil, err
	}
	dim := len(queries[0])
	for _, r := range rows {
		if len(r.Vector) != dim {
			return nil, engerrors.NewStorageError(engerrors.CodeCorrupted,
				fmt.Sprintf("segment %d holds a %d-dim row in a %d-dim table", rec.ID, len(r.Vector), dim), nil)
		}
	}
	return index.BruteForce(rows, queries, k, metric), nil
}

// searchIndexed searches a segment through its cached index.
func (e *Executor) searchIndexed(ctx context.Context, rec *types.SegmentRecord, queries [][]float32, k int, param types.SearchParam) ([][]types.Hit, error) {
	s, err := e.load(ctx, rec)
	if err != nil {
		return nil, err
	}
	return s.Search(queries, k, param)
}

// load returns the segment's searcher, reading the artifact on a cache miss.
func (e *Executor) load(ctx context.Context, rec *types.SegmentRecord) (index.Searcher, error) {
	loader := func(ctx context.Context) (index.Searcher, error) {
		data, err := e.store.ReadIndexArtifact(ctx, segment.RefOf(rec))
		if err != nil {
			return nil, err
		}
		return e.registry.Load(data)
	}
	if e.cache == nil {
		return loader(ctx)
	}
	return e.cache.GetOrLoad(ctx, rec.ID, loader)
}

// Preload loads the indexes of a table's indexed segments into the cache.
// Returns the number of segments loaded.
func (e *Executor) Preload(ctx context.Context, table string) (int, error) {
	if e.cache == nil {
		return 0, nil
	}
	if r, ok := e.catalog.(refresher); ok {
		if err := r.Refresh(ctx, table); err != nil {
			return 0, err
		}
	}
	segs, err := e.catalog.ListSegments(ctx, table, manifest.SegmentFilter{
		States: []types.SegmentState{types.StateIndexed, types.StateBackup},
	})
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, rec := range segs {
		if _, err := e.load(ctx, rec); err != nil {
			if isVanished(err) {
				continue
			}
			return loaded, fmt.Errorf("query: failed to preload segment %d: %w", rec.ID, err)
		}
		loaded++
	}
	return loaded, nil
}

// Forget evicts a segment's index from the cache.
func (e *Executor) Forget(segmentID int64) {
	if e.cache != nil {
		e.cache.Remove(segmentID)
	}
}
