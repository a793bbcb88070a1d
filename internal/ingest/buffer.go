// Package ingest buffers inserted vectors per table and flushes them into
// raw segments.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"

	engerrors "github.com/arkilian/vectordb/internal/errors"
	"github.com/arkilian/vectordb/internal/lifecycle"
	"github.com/arkilian/vectordb/internal/logging"
	"github.com/arkilian/vectordb/internal/manifest"
	"github.com/arkilian/vectordb/internal/router"
	"github.com/arkilian/vectordb/internal/segment"
	"github.com/arkilian/vectordb/pkg/types"
)

// Config holds configuration for the insert buffer.
type Config struct {
	// FlushBytes flushes a table once its buffered rows reach this size (default: 4MB).
	FlushBytes int64 `json:"flush_bytes" yaml:"flush_bytes"`

	// FlushInterval is how often Run flushes every table (default: 1s).
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// Clock overrides time.Now when assigning partitions.
	Clock func() time.Time `json:"-" yaml:"-"`
}

// DefaultConfig returns the default buffer configuration.
func DefaultConfig() Config {
	return Config{
		FlushBytes:    4 * 1024 * 1024,
		FlushInterval: time.Second,
	}
}

// batchKey identifies buffered rows by the table incarnation they were
// validated against and their partition. A table dropped and recreated
// under the same name gets a new ID, so stale rows never mix with new ones.
type batchKey struct {
	tableID   int64
	partition string
}

// batch holds buffered rows of one partition.
type batch struct {
	dim     int
	vectors [][]float32
	ids     []int64
}

func (bt *batch) bytes() int64 {
	return int64(len(bt.ids)) * types.RowBytes(bt.dim)
}

// tableBuffer is the per-table buffer. mu guards pending; flushMu
// serializes flushes.
type tableBuffer struct {
	ids *types.IDGenerator

	mu      sync.Mutex
	pending map[batchKey]*batch
	rows    int
	bytes   int64

	flushMu sync.Mutex
}

func newTableBuffer() *tableBuffer {
	return &tableBuffer{ids: types.NewIDGenerator(), pending: make(map[batchKey]*batch)}
}

// take removes and returns all pending rows.
func (tb *tableBuffer) take() map[batchKey]*batch {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	out := tb.pending
	tb.pending = make(map[batchKey]*batch)
	tb.rows = 0
	tb.bytes = 0
	return out
}

// requeue puts rows back in front of anything buffered since they were taken.
func (tb *tableBuffer) requeue(key batchKey, b *batch) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if cur, ok := tb.pending[key]; ok {
		b.vectors = append(b.vectors, cur.vectors...)
		b.ids = append(b.ids, cur.ids...)
		tb.rows -= len(cur.ids)
		tb.bytes -= cur.bytes()
	}
	tb.pending[key] = b
	tb.rows += len(b.ids)
	tb.bytes += b.bytes()
}

// checkVectors rejects vectors of the wrong length or with NaN or infinite
// components.
func checkVectors(vectors [][]float32, dim int) error {
	for i, v := range vectors {
		if len(v) != dim {
			return engerrors.DimensionMismatch(dim, len(v)).
				WithDetails(map[string]interface{}{"expected": dim, "actual": len(v), "row": i})
		}
		if !types.IsFinite(v) {
			return engerrors.InvalidArgument("vector %d has NaN or infinite components", i)
		}
	}
	return nil
}

// Buffer accepts inserts and turns them into raw segment appends. Rows are
// visible to searches only after they are flushed.
type Buffer struct {
	config    Config
	catalog   manifest.Catalog
	store     *segment.Store
	lifecycle *lifecycle.Manager
	notifier  *router.Notifier
	logger    *logging.Logger
	now       func() time.Time

	tables *skipmap.FuncMap[string, *tableBuffer]
}

// NewBuffer creates an insert buffer. notifier and logger may be nil.
func NewBuffer(config Config, catalog manifest.Catalog, store *segment.Store, lm *lifecycle.Manager, notifier *router.Notifier, logger *logging.Logger) *Buffer {
	def := DefaultConfig()
	if config.FlushBytes <= 0 {
		config.FlushBytes = def.FlushBytes
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &Buffer{
		config:    config,
		catalog:   catalog,
		store:     store,
		lifecycle: lm,
		notifier:  notifier,
		logger:    logging.OrNoop(logger),
		now:       now,
		tables: skipmap.NewFunc[string, *tableBuffer](func(a, b string) bool {
			return a < b
		}),
	}
}

func (b *Buffer) buffer(table string) *tableBuffer {
	if tb, ok := b.tables.Load(table); ok {
		return tb
	}
	tb, _ := b.tables.LoadOrStore(table, newTableBuffer())
	return tb
}

// Insert validates and buffers vectors. When ids is empty, IDs are
// generated; otherwise len(ids) must equal len(vectors). The whole batch is
// rejected if any vector has the wrong dimension. Returns the row IDs.
func (b *Buffer) Insert(ctx context.Context, table string, vectors [][]float32, ids []int64) ([]int64, error) {
	schema, err := b.catalog.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, engerrors.InvalidArgument("no vectors to insert into %q", table)
	}
	if len(ids) > 0 && len(ids) != len(vectors) {
		return nil, engerrors.InvalidArgument("got %d ids for %d vectors", len(ids), len(vectors))
	}
	if err := checkVectors(vectors, schema.Dimension); err != nil {
		return nil, err
	}
	for i, id := range ids {
		if err := types.ValidateID(id); err != nil {
			return nil, engerrors.InvalidArgument("row %d: %v", i, err)
		}
	}

	tb := b.buffer(table)
	if len(ids) == 0 {
		ids = tb.ids.NextN(len(vectors))
	} else {
		ids = append([]int64(nil), ids...)
		for _, id := range ids {
			// Validated above
			_ = tb.ids.Observe(id)
		}
	}

	copied := make([][]float32, len(vectors))
	for i, v := range vectors {
		copied[i] = append([]float32(nil), v...)
	}

	key := batchKey{tableID: schema.ID, partition: types.PartitionFor(b.now())}
	tb.mu.Lock()
	bt, ok := tb.pending[key]
	if !ok {
		bt = &batch{dim: schema.Dimension}
		tb.pending[key] = bt
	}
	bt.vectors = append(bt.vectors, copied...)
	bt.ids = append(bt.ids, ids...)
	tb.rows += len(ids)
	tb.bytes += int64(len(ids)) * types.RowBytes(schema.Dimension)
	full := tb.bytes >= b.config.FlushBytes
	tb.mu.Unlock()

	if full {
		// Rows stay buffered on failure; the ticker retries
		if _, err := b.Flush(ctx, table); err != nil {
			b.logger.WarnContext(ctx, "ingest: size-triggered flush failed", "table", table, "error", err)
		}
	}
	return ids, nil
}

// Flush writes a table's buffered rows to raw segments. Returns the number
// of rows flushed. On failure, unflushed rows stay buffered.
func (b *Buffer) Flush(ctx context.Context, table string) (int, error) {
	tb, ok := b.tables.Load(table)
	if !ok {
		return 0, nil
	}
	tb.flushMu.Lock()
	defer tb.flushMu.Unlock()

	pending := tb.take()
	if len(pending) == 0 {
		return 0, nil
	}

	schema, err := b.catalog.DescribeTable(ctx, table)
	if err != nil {
		if errors.Is(err, engerrors.ErrTableNotFound) {
			// Dropped while buffered; nothing to write to
			return 0, err
		}
		for key, bt := range pending {
			tb.requeue(key, bt)
		}
		return 0, err
	}

	unlock := b.lifecycle.Guard(schema.ID)
	defer unlock()

	keys := make([]batchKey, 0, len(pending))
	for key, bt := range pending {
		if key.tableID != schema.ID {
			// Validated against a dropped table of the same name
			b.logger.WarnContext(ctx, "ingest: discarding rows of dropped table",
				"table", table, "table_id", key.tableID, "rows", len(bt.ids))
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].partition < keys[j].partition })

	flushed := 0
	var rejected error
	for i, key := range keys {
		bt := pending[key]
		segID, err := b.flushPartition(ctx, schema, key.partition, bt)
		b.logger.LogFlush(ctx, table, segID, len(bt.ids), err)
		if errors.Is(err, engerrors.ErrDimensionMismatch) || errors.Is(err, engerrors.ErrInvalidArgument) {
			// Never written; retrying cannot succeed
			rejected = errors.Join(rejected, err)
			continue
		}
		if err != nil {
			for _, rest := range keys[i:] {
				tb.requeue(rest, pending[rest])
			}
			return flushed, err
		}
		flushed += len(bt.ids)
	}
	return flushed, rejected
}

// flushPartition appends one batch to the partition's current raw segment,
// creating it if needed, and commits the new size to the catalog. The
// caller holds the table guard.
func (b *Buffer) flushPartition(ctx context.Context, schema *types.TableSchema, partition string, bt *batch) (int64, error) {
	if err := checkVectors(bt.vectors, schema.Dimension); err != nil {
		return 0, err
	}
	current, err := b.catalog.ListSegments(ctx, schema.Name, manifest.SegmentFilter{
		Partition: partition,
		States:    []types.SegmentState{types.StateRaw},
	})
	if err != nil {
		return 0, err
	}

	var rec *types.SegmentRecord
	if len(current) > 0 {
		rec = current[0]
	} else {
		rec = &types.SegmentRecord{TableID: schema.ID, TableName: schema.Name, Partition: partition}
		if _, err := b.catalog.CreateSegment(ctx, rec); err != nil {
			return 0, fmt.Errorf("ingest: failed to create segment: %w", err)
		}
	}

	n, err := b.store.AppendRaw(ctx, segment.RefOf(rec), bt.vectors, bt.ids)
	if err != nil {
		return rec.ID, err
	}

	updated := *rec
	updated.RowCount += int64(len(bt.ids))
	updated.SizeBytes += n
	updated.RawPath = segment.RefOf(rec).RawPath()
	if err := b.catalog.UpsertSegment(ctx, &updated); err != nil {
		return rec.ID, err
	}

	if b.notifier != nil {
		b.notifier.Publish(router.Notification{
			Type:      router.SegmentFlushed,
			Table:     schema.Name,
			SegmentID: updated.ID,
			Partition: partition,
		})
	}

	if _, err := b.lifecycle.AfterFlush(ctx, schema, &updated); err != nil {
		// Rows are committed; the sweep seals the segment later
		b.logger.WarnContext(ctx, "ingest: failed to seal full segment", "table", schema.Name, "segment", updated.ID, "error", err)
	}
	return updated.ID, nil
}

// FlushAll flushes every table. Errors of individual tables are joined.
func (b *Buffer) FlushAll(ctx context.Context) error {
	var errs []error
	b.tables.Range(func(table string, _ *tableBuffer) bool {
		if _, err := b.Flush(ctx, table); err != nil && !errors.Is(err, engerrors.ErrTableNotFound) {
			errs = append(errs, fmt.Errorf("flush %s: %w", table, err))
		}
		return true
	})
	return errors.Join(errs...)
}

// Run flushes all tables every FlushInterval until ctx is cancelled, then
// flushes once more.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush all remaining rows
			if err := b.FlushAll(context.WithoutCancel(ctx)); err != nil {
				b.logger.Error("ingest: final flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := b.FlushAll(ctx); err != nil {
				b.logger.Warn("ingest: periodic flush failed", "error", err)
			}
		}
	}
}

// Pending returns the number of buffered, not yet flushed rows of a table.
func (b *Buffer) Pending(table string) int {
	tb, ok := b.tables.Load(table)
	if !ok {
		return 0
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.rows
}

// Discard drops a table's buffer, used when the table is dropped.
func (b *Buffer) Discard(table string) {
	if tb, ok := b.tables.LoadAndDelete(table); ok {
		tb.flushMu.Lock()
		tb.take()
		tb.flushMu.Unlock()
	}
}
