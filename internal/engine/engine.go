// Package engine wires the catalog, segment store, insert buffer, lifecycle
// manager, index scheduler and query executor into the table engine that
// clients talk to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arkilian/vectordb/internal/cache"
	engerrors "github.com/arkilian/vectordb/internal/errors"
	"github.com/arkilian/vectordb/internal/index"
	"github.com/arkilian/vectordb/internal/indexer"
	"github.com/arkilian/vectordb/internal/ingest"
	"github.com/arkilian/vectordb/internal/lifecycle"
	"github.com/arkilian/vectordb/internal/logging"
	"github.com/arkilian/vectordb/internal/manifest"
	"github.com/arkilian/vectordb/internal/observability"
	"github.com/arkilian/vectordb/internal/query"
	"github.com/arkilian/vectordb/internal/router"
	"github.com/arkilian/vectordb/internal/segment"
	"github.com/arkilian/vectordb/pkg/types"
)

// Config holds configuration for the table engine.
type Config struct {
	// DataDir holds manifest.db and the segments directory
	DataDir string

	Ingest    ingest.Config
	Indexer   indexer.Config
	Lifecycle lifecycle.Config
	Query     query.ExecutorConfig

	// CacheBytes bounds the memory of loaded indexes (default: 1GB)
	CacheBytes int64

	// CacheEntries bounds the number of loaded indexes. 0 means unbounded
	CacheEntries int

	// StatsWindow is how long an idle table's search stats are kept (default: 24h)
	StatsWindow time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:     dataDir,
		Ingest:      ingest.DefaultConfig(),
		Indexer:     indexer.DefaultConfig(),
		Lifecycle:   lifecycle.DefaultConfig(),
		Query:       query.ExecutorConfig{Concurrency: 8},
		CacheBytes:  1 << 30,
		StatsWindow: 24 * time.Hour,
	}
}

// Engine is the table engine.
type Engine struct {
	config   Config
	sqlite   *manifest.SQLiteCatalog
	catalog  *manifest.CachedCatalog
	store    *segment.Store
	notifier *router.Notifier
	logger   *logging.Logger

	buffer    *ingest.Buffer
	lifecycle *lifecycle.Manager
	scheduler *indexer.Scheduler
	executor  *query.Executor
	cache     *cache.IndexCache
	stats     *observability.SearchStats

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Open creates an engine over config.DataDir. Background work starts with
// Start.
func Open(config Config, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := logging.OrNoop(o.logger)

	if config.DataDir == "" {
		return nil, engerrors.InvalidArgument("engine: data directory is required")
	}
	if config.CacheBytes <= 0 {
		config.CacheBytes = 1 << 30
	}
	if config.StatsWindow <= 0 {
		config.StatsWindow = 24 * time.Hour
	}
	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("engine: failed to create data dir: %w", err)
	}

	sqlite, err := manifest.NewCatalog(filepath.Join(config.DataDir, "manifest.db"))
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open catalog: %w", err)
	}
	catalog := manifest.NewCachedCatalog(sqlite)

	store, err := segment.NewStore(filepath.Join(config.DataDir, "segments"), o.archive)
	if err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("engine: failed to open segment store: %w", err)
	}

	indexCache, err := cache.NewIndexCache(config.CacheBytes, config.CacheEntries, logger)
	if err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("engine: failed to create index cache: %w", err)
	}

	registry := o.registry
	if registry == nil {
		registry = index.DefaultRegistry()
	}

	notifier := router.NewNotifier(256)
	stats := observability.NewSearchStats(config.StatsWindow)
	lm := lifecycle.NewManager(config.Lifecycle, catalog, store, notifier, logger)

	return &Engine{
		config:    config,
		sqlite:    sqlite,
		catalog:   catalog,
		store:     store,
		notifier:  notifier,
		logger:    logger,
		buffer:    ingest.NewBuffer(config.Ingest, catalog, store, lm, notifier, logger),
		lifecycle: lm,
		scheduler: indexer.NewScheduler(config.Indexer, catalog, store, registry, notifier, logger),
		executor:  query.NewExecutor(config.Query, catalog, store, registry, indexCache, stats, logger),
		cache:     indexCache,
		stats:     stats,
	}, nil
}

// Start launches the flush ticker, the index scheduler, the lifecycle
// sweep and cache eviction on segment deletion.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine: closed")
	}
	if e.running {
		return fmt.Errorf("engine: already running")
	}

	if err := e.sqlite.RunAnalyze(ctx); err != nil {
		e.logger.Warn("engine: catalog analyze failed", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := e.scheduler.Start(ctx); err != nil {
		cancel()
		return err
	}
	if err := e.lifecycle.Start(ctx); err != nil {
		e.scheduler.Stop()
		cancel()
		return err
	}

	sub := e.notifier.SubscribeAutoID(router.SegmentDeleted)
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.buffer.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.evictDeleted(ctx, sub)
	}()

	e.cancel = cancel
	e.running = true
	e.logger.Info("engine: started", "data_dir", e.config.DataDir)
	return nil
}

// evictDeleted drops cached indexes of reclaimed segments.
func (e *Engine) evictDeleted(ctx context.Context, sub *router.Subscriber) {
	defer e.notifier.Unsubscribe(sub.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.Ch:
			if !ok {
				return
			}
			e.executor.Forget(n.SegmentID)
		}
	}
}

// Close stops background work, flushes buffered rows and closes the
// catalog. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if e.running {
		e.cancel()
		// Run flushes buffered rows before returning
		e.wg.Wait()
		if err := e.scheduler.Stop(); err != nil {
			errs = append(errs, err)
		}
		e.lifecycle.Stop()
		e.running = false
	} else if err := e.buffer.FlushAll(context.Background()); err != nil {
		errs = append(errs, err)
	}

	e.cache.Clear()
	if err := e.catalog.Close(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("engine: closed")
	return errors.Join(errs...)
}

// CreateTable registers a new table. Unset optional fields get defaults.
func (e *Engine) CreateTable(ctx context.Context, schema types.TableSchema) error {
	schema.Normalize()
	if err := schema.Validate(); err != nil {
		return engerrors.InvalidArgument("%v", err)
	}
	if err := e.catalog.CreateTable(ctx, &schema); err != nil {
		return err
	}
	e.logger.Info("engine: table created", "table", schema.Name, "dimension", schema.Dimension, "metric", schema.Metric.String())
	return nil
}

// HasTable reports whether a table exists.
func (e *Engine) HasTable(ctx context.Context, name string) (bool, error) {
	_, err := e.catalog.DescribeTable(ctx, name)
	if errors.Is(err, engerrors.ErrTableNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DescribeTable returns a table's schema.
func (e *Engine) DescribeTable(ctx context.Context, name string) (*types.TableSchema, error) {
	return e.catalog.DescribeTable(ctx, name)
}

// ListTables returns every table, ordered by name.
func (e *Engine) ListTables(ctx context.Context) ([]*types.TableSchema, error) {
	tables, err := e.catalog.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables, nil
}

// DropTable removes a table with all its segments and buffered rows.
func (e *Engine) DropTable(ctx context.Context, name string) error {
	schema, err := e.catalog.DescribeTable(ctx, name)
	if err != nil {
		return err
	}
	segs, err := e.catalog.ListSegments(ctx, name, manifest.SegmentFilter{})
	if err != nil {
		return err
	}

	e.buffer.Discard(name)
	if err := e.lifecycle.DropTable(ctx, schema); err != nil {
		return err
	}
	for _, rec := range segs {
		e.executor.Forget(rec.ID)
	}
	e.stats.Forget(name)
	e.logger.Info("engine: table dropped", "table", name, "segments", len(segs))
	return nil
}

// CreateIndex sets the index used by future builds and seals the table's
// raw segments so every flushed row gets indexed. Calling it again with the
// same parameters is harmless.
func (e *Engine) CreateIndex(ctx context.Context, name string, param types.IndexParam) error {
	if param.NList < 0 {
		return engerrors.InvalidArgument("nlist must not be negative, got %d", param.NList)
	}
	param = param.Normalize()
	it, err := types.ParseIndexType(string(param.Type))
	if err != nil {
		return engerrors.InvalidArgument("%v", err)
	}
	param.Type = it

	if _, err := e.buffer.Flush(ctx, name); err != nil {
		return err
	}
	if err := e.catalog.UpdateTableIndex(ctx, name, param); err != nil {
		return err
	}
	schema, err := e.catalog.DescribeTable(ctx, name)
	if err != nil {
		return err
	}
	sealed, err := e.lifecycle.SealAll(ctx, schema)
	if err != nil {
		return err
	}
	e.scheduler.Wake()
	e.logger.Info("engine: index configured", "table", name, "index_type", string(param.Type), "nlist", param.NList, "sealed", sealed)
	return nil
}

// DescribeIndex returns the index parameters of a table.
func (e *Engine) DescribeIndex(ctx context.Context, name string) (types.IndexParam, error) {
	schema, err := e.catalog.DescribeTable(ctx, name)
	if err != nil {
		return types.IndexParam{}, err
	}
	return schema.Index, nil
}

// DropIndex resets a table to the default FLAT index for future builds.
// Existing artifacts keep serving searches.
func (e *Engine) DropIndex(ctx context.Context, name string) error {
	return e.catalog.UpdateTableIndex(ctx, name, types.DefaultIndexParam())
}

// Insert buffers vectors and returns their IDs. Rows become searchable
// after the next flush.
func (e *Engine) Insert(ctx context.Context, table string, vectors [][]float32, ids []int64) ([]int64, error) {
	return e.buffer.Insert(ctx, table, vectors, ids)
}

// Flush persists buffered rows of the named tables, or of every table when
// none are named.
func (e *Engine) Flush(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return e.buffer.FlushAll(ctx)
	}
	for _, t := range tables {
		if _, err := e.catalog.DescribeTable(ctx, t); err != nil {
			return err
		}
		if _, err := e.buffer.Flush(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Search returns up to k hits per query over the table's flushed rows.
// ranges restricts the partitions searched; nil searches all of them.
func (e *Engine) Search(ctx context.Context, table string, queries [][]float32, ranges []types.TimeRange, k int, param types.SearchParam) (types.QueryResult, error) {
	return e.executor.Search(ctx, table, queries, ranges, k, param)
}

// Size returns the number of flushed rows of a table. Buffered rows are
// not counted.
func (e *Engine) Size(ctx context.Context, table string) (int64, error) {
	if _, err := e.catalog.DescribeTable(ctx, table); err != nil {
		return 0, err
	}
	segs, err := e.catalog.ListSegments(ctx, table, manifest.SegmentFilter{States: types.SearchableStates()})
	if err != nil {
		return 0, err
	}
	var rows int64
	for _, rec := range segs {
		rows += rec.RowCount
	}
	return rows, nil
}

// CountTable is Size.
func (e *Engine) CountTable(ctx context.Context, table string) (int64, error) {
	return e.Size(ctx, table)
}

// DeleteByRange removes every row of a table whose partition day falls in
// ranges. Buffered rows are flushed first so they are deleted too. Returns
// the number of segments removed.
func (e *Engine) DeleteByRange(ctx context.Context, table string, ranges []types.TimeRange) (int, error) {
	if len(ranges) == 0 {
		return 0, engerrors.InvalidArgument("at least one range is required")
	}
	schema, err := e.catalog.DescribeTable(ctx, table)
	if err != nil {
		return 0, err
	}
	if _, err := e.buffer.Flush(ctx, table); err != nil {
		return 0, err
	}

	segs, err := e.catalog.ListSegments(ctx, table, manifest.SegmentFilter{Ranges: ranges})
	if err != nil {
		return 0, err
	}
	n, err := e.lifecycle.DeleteRange(ctx, schema, ranges)
	for _, rec := range segs {
		e.executor.Forget(rec.ID)
	}
	if err != nil {
		return n, err
	}
	e.logger.Info("engine: range deleted", "table", table, "segments", n)
	return n, nil
}

// DeleteByDates is DeleteByRange for one "YYYY-MM-DD" day range, end exclusive.
func (e *Engine) DeleteByDates(ctx context.Context, table, start, end string) (int, error) {
	r, err := types.ParseRange(start, end)
	if err != nil {
		return 0, engerrors.InvalidArgument("%v", err)
	}
	return e.DeleteByRange(ctx, table, []types.TimeRange{r})
}

// PreloadTable loads every index of a table into the cache.
func (e *Engine) PreloadTable(ctx context.Context, table string) (int, error) {
	return e.executor.Preload(ctx, table)
}

// Segments lists a table's segments.
func (e *Engine) Segments(ctx context.Context, table string) ([]*types.SegmentRecord, error) {
	if _, err := e.catalog.DescribeTable(ctx, table); err != nil {
		return nil, err
	}
	return e.catalog.ListSegments(ctx, table, manifest.SegmentFilter{})
}

// BuildIndexes runs one scheduling cycle synchronously and returns the
// number of segments indexed.
func (e *Engine) BuildIndexes(ctx context.Context) (int, error) {
	return e.scheduler.RunOnce(ctx)
}

// Sweep runs one lifecycle sweep synchronously.
func (e *Engine) Sweep(ctx context.Context) (*lifecycle.SweepResult, error) {
	return e.lifecycle.Sweep(ctx)
}

// FailedBuilds lists segments whose builds were given up.
func (e *Engine) FailedBuilds(ctx context.Context) ([]*types.SegmentRecord, error) {
	return e.scheduler.Failed(ctx)
}

// SearchStats returns the most searched tables.
func (e *Engine) SearchStats(n int) []observability.TableStats {
	return e.stats.GetTopTables(n)
}

// Status describes the engine for operators.
type Status struct {
	Running      bool                       `json:"running"`
	Tables       int                        `json:"tables"`
	Segments     map[string]int64           `json:"segments"`
	FailedBuilds []int64                    `json:"failed_builds"`
	Builds       indexer.Stats              `json:"builds"`
	Cache        cache.MetricsSnapshot      `json:"cache"`
	TopTables    []observability.TableStats `json:"top_tables"`
}

// String renders the status on one line.
func (s *Status) String() string {
	states := make([]string, 0, len(s.Segments))
	for state, n := range s.Segments {
		states = append(states, fmt.Sprintf("%s=%d", state, n))
	}
	sort.Strings(states)
	run := "stopped"
	if s.Running {
		run = "running"
	}
	return fmt.Sprintf("%s tables=%d segments[%s] building=%d queued=%d failed=%d cached=%d",
		run, s.Tables, strings.Join(states, " "), s.Builds.Building, s.Builds.Queued, len(s.FailedBuilds), s.Cache.Entries)
}

// Status reports tables, segments per state and index build health.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	tables, err := e.catalog.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := e.sqlite.GetSegmentCount(ctx)
	if err != nil {
		return nil, err
	}
	builds, err := e.scheduler.Status(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := e.scheduler.Failed(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	st := &Status{
		Running:      running,
		Tables:       len(tables),
		Segments:     make(map[string]int64, len(counts)),
		FailedBuilds: make([]int64, 0, len(failed)),
		Builds:       builds,
		Cache:        e.cache.Metrics(),
		TopTables:    e.stats.GetTopTables(5),
	}
	for state, n := range counts {
		st.Segments[state.String()] = n
	}
	for _, rec := range failed {
		st.FailedBuilds = append(st.FailedBuilds, rec.ID)
	}
	return st, nil
}
