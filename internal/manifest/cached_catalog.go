package manifest

import (
	"context"
	"sync"

	"github.com/arkilian/vectordb/pkg/types"
)

// CachedCatalog wraps a Catalog with a read-through cache of table schemas
// and per-table segment lists. Every successful write through the wrapper
// invalidates the affected entries, and Refresh reloads a table on demand.
type CachedCatalog struct {
	inner Catalog

	mu       sync.RWMutex
	gen      uint64 // bumped on every invalidation; stale loads are not stored
	tables   map[string]*types.TableSchema
	segments map[string][]*types.SegmentRecord
}

// NewCachedCatalog wraps inner.
func NewCachedCatalog(inner Catalog) *CachedCatalog {
	return &CachedCatalog{
		inner:    inner,
		tables:   make(map[string]*types.TableSchema),
		segments: make(map[string][]*types.SegmentRecord),
	}
}

// Inner returns the wrapped catalog.
func (c *CachedCatalog) Inner() Catalog {
	return c.inner
}

// Refresh reloads the schema and segment list of a table from the
// underlying catalog.
func (c *CachedCatalog) Refresh(ctx context.Context, table string) error {
	gen := c.generation()
	schema, err := c.inner.DescribeTable(ctx, table)
	if err != nil {
		c.Invalidate(table)
		return err
	}
	segs, err := c.inner.ListSegments(ctx, table, SegmentFilter{})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.tables[table] = schema
		c.segments[table] = segs
	}
	c.mu.Unlock()
	return nil
}

func (c *CachedCatalog) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Invalidate drops cached entries for a table.
func (c *CachedCatalog) Invalidate(table string) {
	c.mu.Lock()
	c.gen++
	delete(c.tables, table)
	delete(c.segments, table)
	c.mu.Unlock()
}

// InvalidateAll drops every cached entry.
func (c *CachedCatalog) InvalidateAll() {
	c.mu.Lock()
	c.gen++
	c.tables = make(map[string]*types.TableSchema)
	c.segments = make(map[string][]*types.SegmentRecord)
	c.mu.Unlock()
}

func (c *CachedCatalog) invalidateSegments() {
	c.mu.Lock()
	c.gen++
	c.segments = make(map[string][]*types.SegmentRecord)
	c.mu.Unlock()
}

// CreateTable registers a table.
func (c *CachedCatalog) CreateTable(ctx context.Context, schema *types.TableSchema) error {
	if err := c.inner.CreateTable(ctx, schema); err != nil {
		return err
	}
	c.Invalidate(schema.Name)
	return nil
}

// DescribeTable returns the cached schema, loading it on a miss.
func (c *CachedCatalog) DescribeTable(ctx context.Context, name string) (*types.TableSchema, error) {
	c.mu.RLock()
	schema, ok := c.tables[name]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		cp := *schema
		return &cp, nil
	}

	schema, err := c.inner.DescribeTable(ctx, name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.gen == gen {
		c.tables[name] = schema
	}
	c.mu.Unlock()

	cp := *schema
	return &cp, nil
}

// DropTable removes a table.
func (c *CachedCatalog) DropTable(ctx context.Context, name string) error {
	err := c.inner.DropTable(ctx, name)
	c.Invalidate(name)
	return err
}

// ListTables always reads through.
func (c *CachedCatalog) ListTables(ctx context.Context) ([]*types.TableSchema, error) {
	return c.inner.ListTables(ctx)
}

// UpdateTableIndex replaces a table's index parameters.
func (c *CachedCatalog) UpdateTableIndex(ctx context.Context, name string, param types.IndexParam) error {
	err := c.inner.UpdateTableIndex(ctx, name, param)
	c.Invalidate(name)
	return err
}

// ListSegments serves per-table listings from the cache. Listings across
// all tables read through.
func (c *CachedCatalog) ListSegments(ctx context.Context, table string, filter SegmentFilter) ([]*types.SegmentRecord, error) {
	if table == "" {
		return c.inner.ListSegments(ctx, "", filter)
	}

	c.mu.RLock()
	all, ok := c.segments[table]
	gen := c.gen
	c.mu.RUnlock()

	if !ok {
		var err error
		all, err = c.inner.ListSegments(ctx, table, SegmentFilter{})
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.segments[table] = all
		}
		c.mu.Unlock()
	}

	var out []*types.SegmentRecord
	for _, rec := range all {
		if filter.Match(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetSegment always reads through.
func (c *CachedCatalog) GetSegment(ctx context.Context, id int64) (*types.SegmentRecord, error) {
	return c.inner.GetSegment(ctx, id)
}

// CreateSegment inserts a Raw segment.
func (c *CachedCatalog) CreateSegment(ctx context.Context, rec *types.SegmentRecord) (int64, error) {
	id, err := c.inner.CreateSegment(ctx, rec)
	c.invalidateSegments()
	return id, err
}

// UpsertSegment creates or grows a Raw segment.
func (c *CachedCatalog) UpsertSegment(ctx context.Context, rec *types.SegmentRecord) error {
	err := c.inner.UpsertSegment(ctx, rec)
	c.invalidateSegments()
	return err
}

// TransitionSegmentState performs a compare-and-set state change.
func (c *CachedCatalog) TransitionSegmentState(ctx context.Context, id int64, from, to types.SegmentState) error {
	err := c.inner.TransitionSegmentState(ctx, id, from, to)
	c.invalidateSegments()
	return err
}

// MarkIndexed commits a finished build.
func (c *CachedCatalog) MarkIndexed(ctx context.Context, id int64, indexPath string, indexType types.IndexType, indexSize int64) error {
	err := c.inner.MarkIndexed(ctx, id, indexPath, indexType, indexSize)
	c.invalidateSegments()
	return err
}

// MarkBuildFailure records a failed build.
func (c *CachedCatalog) MarkBuildFailure(ctx context.Context, id int64, maxAttempts int) (int, bool, error) {
	attempts, failed, err := c.inner.MarkBuildFailure(ctx, id, maxAttempts)
	c.invalidateSegments()
	return attempts, failed, err
}

// DeleteSegment removes a ToDelete segment row.
func (c *CachedCatalog) DeleteSegment(ctx context.Context, id int64) error {
	err := c.inner.DeleteSegment(ctx, id)
	c.invalidateSegments()
	return err
}

// Close closes the underlying catalog.
func (c *CachedCatalog) Close() error {
	c.InvalidateAll()
	return c.inner.Close()
}
