package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	engerrors "github.com/arkilian/vectordb/internal/errors"
	"github.com/arkilian/vectordb/pkg/types"
)

// Catalog manages table and segment metadata.
type Catalog interface {
	// CreateTable registers a new table and assigns schema.ID.
	CreateTable(ctx context.Context, schema *types.TableSchema) error

	// DescribeTable returns the schema of a table.
	DescribeTable(ctx context.Context, name string) (*types.TableSchema, error)

	// DropTable removes a table and all of its segment rows.
	DropTable(ctx context.Context, name string) error

	// ListTables returns every table ordered by name.
	ListTables(ctx context.Context) ([]*types.TableSchema, error)

	// UpdateTableIndex replaces the index parameters applied to future builds.
	UpdateTableIndex(ctx context.Context, name string, param types.IndexParam) error

	// ListSegments returns segments of a table (all tables when table is
	// empty) matching the filter, ordered by partition then ID.
	ListSegments(ctx context.Context, table string, filter SegmentFilter) ([]*types.SegmentRecord, error)

	// GetSegment retrieves a single segment by ID.
	GetSegment(ctx context.Context, id int64) (*types.SegmentRecord, error)

	// CreateSegment inserts a new Raw segment and returns its ID.
	CreateSegment(ctx context.Context, rec *types.SegmentRecord) (int64, error)

	// UpsertSegment creates rec when rec.ID is zero, otherwise updates the row
	// count, size and raw path of a segment that is still Raw.
	UpsertSegment(ctx context.Context, rec *types.SegmentRecord) error

	// TransitionSegmentState moves a segment from one state to another.
	// Returns a Conflict error when the segment is no longer in from.
	TransitionSegmentState(ctx context.Context, id int64, from, to types.SegmentState) error

	// MarkIndexed moves a Building segment to Indexed and records its artifact.
	MarkIndexed(ctx context.Context, id int64, indexPath string, indexType types.IndexType, indexSize int64) error

	// MarkBuildFailure requeues a Building segment after a failed build and
	// flags it failed once attempts reach maxAttempts.
	MarkBuildFailure(ctx context.Context, id int64, maxAttempts int) (attempts int, failed bool, err error)

	// DeleteSegment removes the row of a ToDelete segment.
	DeleteSegment(ctx context.Context, id int64) error

	// Close closes the catalog database connection.
	Close() error
}

// SegmentFilter narrows ListSegments.
type SegmentFilter struct {
	// Partition restricts to one partition key
	Partition string

	// Ranges restricts to partitions in any of the ranges
	Ranges []types.TimeRange

	// States restricts to the given states
	States []types.SegmentState

	// ExcludeFailed drops segments whose builds exhausted their attempts
	ExcludeFailed bool
}

// Match reports whether rec passes the filter.
func (f SegmentFilter) Match(rec *types.SegmentRecord) bool {
	if f.Partition != "" && rec.Partition != f.Partition {
		return false
	}
	if !types.InRanges(rec.Partition, f.Ranges) {
		return false
	}
	if f.ExcludeFailed && rec.Failed {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if rec.State == s {
			return true
		}
	}
	return false
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
}

// NewCatalog creates a new SQLite-based catalog.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	catalog := &SQLiteCatalog{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
	}

	if err := catalog.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("manifest: failed to initialize schema: %w", err)
	}

	return catalog, nil
}

// initSchema creates all required tables and indexes.
func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// CreateTable registers a new table.
func (c *SQLiteCatalog) CreateTable(ctx context.Context, schema *types.TableSchema) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if schema.CreatedAt.IsZero() {
		schema.CreatedAt = time.Now()
	}

	result, err := c.db.ExecContext(ctx, `
		INSERT INTO tables (name, dimension, index_file_size, metric_type, index_type, nlist, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		schema.Name, schema.Dimension, schema.IndexFileSize, int(schema.Metric),
		string(schema.Index.Type), schema.Index.NList, schema.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engerrors.TableExists(schema.Name)
		}
		return fmt.Errorf("manifest: failed to insert table: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("manifest: failed to read table id: %w", err)
	}
	schema.ID = id
	return nil
}

const selectTableSQL = `
	SELECT id, name, dimension, index_file_size, metric_type, index_type, nlist, created_at
	FROM tables`

// DescribeTable returns the schema of a table.
func (c *SQLiteCatalog) DescribeTable(ctx context.Context, name string) (*types.TableSchema, error) {
	row := c.readDB.QueryRowContext(ctx, selectTableSQL+" WHERE name = ?", name)
	schema, err := scanTable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engerrors.TableNotFound(name)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to scan table: %w", err)
	}
	return schema, nil
}

// ListTables returns every table ordered by name.
func (c *SQLiteCatalog) ListTables(ctx context.Context) ([]*types.TableSchema, error) {
	rows, err := c.readDB.QueryContext(ctx, selectTableSQL+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []*types.TableSchema
	for rows.Next() {
		schema, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to scan table: %w", err)
		}
		tables = append(tables, schema)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: error iterating tables: %w", err)
	}
	return tables, nil
}

// DropTable removes a table and its segment rows in one transaction.
func (c *SQLiteCatalog) DropTable(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM tables WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return engerrors.TableNotFound(name)
	}
	if err != nil {
		return fmt.Errorf("manifest: failed to look up table %s: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM segments WHERE table_id = ?", id); err != nil {
		return fmt.Errorf("manifest: failed to delete segments of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tables WHERE id = ?", id); err != nil {
		return fmt.Errorf("manifest: failed to delete table %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: failed to commit drop: %w", err)
	}
	return nil
}

// UpdateTableIndex replaces the index parameters of a table.
func (c *SQLiteCatalog) UpdateTableIndex(ctx context.Context, name string, param types.IndexParam) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.db.ExecContext(ctx,
		"UPDATE tables SET index_type = ?, nlist = ? WHERE name = ?",
		string(param.Type), param.NList, name,
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to update index of %s: %w", name, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return engerrors.TableNotFound(name)
	}
	return nil
}

const selectSegmentSQL = `
	SELECT s.id, s.table_id, t.name, s.partition_key, s.state, s.row_count, s.size_bytes,
		s.raw_path, s.index_path, s.index_type, s.index_size, s.build_attempts, s.failed,
		s.created_at, s.indexed_at, s.updated_at
	FROM segments s JOIN tables t ON t.id = s.table_id`

// ListSegments returns segments matching the filter.
func (c *SQLiteCatalog) ListSegments(ctx context.Context, table string, filter SegmentFilter) ([]*types.SegmentRecord, error) {
	query, args := buildSegmentQuery(table, filter)

	rows, err := c.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to query segments: %w", err)
	}
	defer rows.Close()

	var records []*types.SegmentRecord
	for rows.Next() {
		rec, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to scan segment: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: error iterating segments: %w", err)
	}
	return records, nil
}

// buildSegmentQuery builds the SQL for a segment listing.
func buildSegmentQuery(table string, filter SegmentFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if table != "" {
		clauses = append(clauses, "t.name = ?")
		args = append(args, table)
	}
	if filter.Partition != "" {
		clauses = append(clauses, "s.partition_key = ?")
		args = append(args, filter.Partition)
	}
	if len(filter.Ranges) > 0 {
		var ranges []string
		for _, r := range filter.Ranges {
			var parts []string
			if r.Start != "" {
				parts = append(parts, "s.partition_key >= ?")
				args = append(args, r.Start)
			}
			if r.End != "" {
				parts = append(parts, "s.partition_key < ?")
				args = append(args, r.End)
			}
			if len(parts) == 0 {
				parts = append(parts, "1 = 1")
			}
			ranges = append(ranges, "("+strings.Join(parts, " AND ")+")")
		}
		clauses = append(clauses, "("+strings.Join(ranges, " OR ")+")")
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, s := range filter.States {
			placeholders[i] = "?"
			args = append(args, int(s))
		}
		clauses = append(clauses, "s.state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ExcludeFailed {
		clauses = append(clauses, "s.failed = 0")
	}

	query := selectSegmentSQL
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY s.partition_key, s.id"
	return query, args
}

// GetSegment retrieves a single segment by ID.
func (c *SQLiteCatalog) GetSegment(ctx context.Context, id int64) (*types.SegmentRecord, error) {
	row := c.readDB.QueryRowContext(ctx, selectSegmentSQL+" WHERE s.id = ?", id)
	rec, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engerrors.SegmentNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to scan segment: %w", err)
	}
	return rec, nil
}

// CreateSegment inserts a new Raw segment.
func (c *SQLiteCatalog) CreateSegment(ctx context.Context, rec *types.SegmentRecord) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertSegment(ctx, rec)
}

// insertSegment inserts a segment record (must be called with lock held).
func (c *SQLiteCatalog) insertSegment(ctx context.Context, rec *types.SegmentRecord) (int64, error) {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.State = types.StateRaw

	result, err := c.db.ExecContext(ctx, `
		INSERT INTO segments (table_id, partition_key, state, row_count, size_bytes, raw_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TableID, rec.Partition, int(types.StateRaw), rec.RowCount, rec.SizeBytes, rec.RawPath,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, engerrors.New(engerrors.ErrCategoryConflict, engerrors.CodeStateConflict,
				fmt.Sprintf("table %d already has a raw segment for partition %s", rec.TableID, rec.Partition))
		}
		if isForeignKeyViolation(err) {
			return 0, engerrors.TableNotFound(rec.TableName)
		}
		return 0, fmt.Errorf("manifest: failed to insert segment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("manifest: failed to read segment id: %w", err)
	}
	rec.ID = id
	return id, nil
}

// UpsertSegment creates or grows a Raw segment. Row count and size never shrink.
func (c *SQLiteCatalog) UpsertSegment(ctx context.Context, rec *types.SegmentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.ID == 0 {
		_, err := c.insertSegment(ctx, rec)
		return err
	}

	now := time.Now()
	result, err := c.db.ExecContext(ctx, `
		UPDATE segments SET row_count = ?, size_bytes = ?, raw_path = ?, updated_at = ?
		WHERE id = ? AND state = ? AND row_count <= ? AND size_bytes <= ?`,
		rec.RowCount, rec.SizeBytes, rec.RawPath, now.UnixNano(),
		rec.ID, int(types.StateRaw), rec.RowCount, rec.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to update segment %d: %w", rec.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return c.explainMiss(ctx, rec.ID, types.StateRaw, types.StateRaw)
	}
	rec.UpdatedAt = now
	return nil
}

// TransitionSegmentState performs a compare-and-set state change.
func (c *SQLiteCatalog) TransitionSegmentState(ctx context.Context, id int64, from, to types.SegmentState) error {
	if !types.CanTransition(from, to) {
		return engerrors.InvalidArgument("illegal segment transition %s -> %s", from, to)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.db.ExecContext(ctx,
		"UPDATE segments SET state = ?, updated_at = ? WHERE id = ? AND state = ?",
		int(to), time.Now().UnixNano(), id, int(from),
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to transition segment %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return c.explainMiss(ctx, id, from, to)
	}
	return nil
}

// MarkIndexed commits a finished build.
func (c *SQLiteCatalog) MarkIndexed(ctx context.Context, id int64, indexPath string, indexType types.IndexType, indexSize int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	result, err := c.db.ExecContext(ctx, `
		UPDATE segments SET state = ?, index_path = ?, index_type = ?, index_size = ?, indexed_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		int(types.StateIndexed), indexPath, string(indexType), indexSize, now, now,
		id, int(types.StateBuilding),
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to mark segment %d indexed: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return c.explainMiss(ctx, id, types.StateBuilding, types.StateIndexed)
	}
	return nil
}

// MarkBuildFailure requeues a Building segment and counts the failed attempt.
func (c *SQLiteCatalog) MarkBuildFailure(ctx context.Context, id int64, maxAttempts int) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE segments SET state = ?, build_attempts = build_attempts + 1,
			failed = CASE WHEN build_attempts + 1 >= ? THEN 1 ELSE 0 END, updated_at = ?
		WHERE id = ? AND state = ?`,
		int(types.StateToIndex), maxAttempts, time.Now().UnixNano(),
		id, int(types.StateBuilding),
	)
	if err != nil {
		return 0, false, fmt.Errorf("manifest: failed to record build failure for %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return 0, false, c.explainMissTx(ctx, tx, id, types.StateBuilding, types.StateToIndex)
	}

	var attempts, failed int
	if err := tx.QueryRowContext(ctx,
		"SELECT build_attempts, failed FROM segments WHERE id = ?", id,
	).Scan(&attempts, &failed); err != nil {
		return 0, false, fmt.Errorf("manifest: failed to read build attempts for %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("manifest: failed to commit build failure: %w", err)
	}
	return attempts, failed != 0, nil
}

// DeleteSegment removes a ToDelete segment row.
func (c *SQLiteCatalog) DeleteSegment(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.db.ExecContext(ctx,
		"DELETE FROM segments WHERE id = ? AND state = ?", id, int(types.StateToDelete))
	if err != nil {
		return fmt.Errorf("manifest: failed to delete segment %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return c.explainMiss(ctx, id, types.StateToDelete, types.StateToDelete)
	}
	return nil
}

// explainMiss turns a zero-row conditional write into NotFound or Conflict
// (must be called with lock held).
func (c *SQLiteCatalog) explainMiss(ctx context.Context, id int64, from, to types.SegmentState) error {
	var state int
	err := c.db.QueryRowContext(ctx, "SELECT state FROM segments WHERE id = ?", id).Scan(&state)
	return missError(err, id, from, to)
}

func (c *SQLiteCatalog) explainMissTx(ctx context.Context, tx *sql.Tx, id int64, from, to types.SegmentState) error {
	var state int
	err := tx.QueryRowContext(ctx, "SELECT state FROM segments WHERE id = ?", id).Scan(&state)
	return missError(err, id, from, to)
}

func missError(err error, id int64, from, to types.SegmentState) error {
	if errors.Is(err, sql.ErrNoRows) {
		return engerrors.SegmentNotFound(id)
	}
	if err != nil {
		return fmt.Errorf("manifest: failed to read segment %d: %w", id, err)
	}
	return engerrors.Conflict(id, from, to)
}

// GetSegmentCount returns the number of segments per state.
func (c *SQLiteCatalog) GetSegmentCount(ctx context.Context) (map[types.SegmentState]int64, error) {
	rows, err := c.readDB.QueryContext(ctx, "SELECT state, COUNT(*) FROM segments GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to count segments: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.SegmentState]int64)
	for rows.Next() {
		var state int
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan segment count: %w", err)
		}
		counts[types.SegmentState(state)] = n
	}
	return counts, rows.Err()
}

// RunAnalyze runs ANALYZE to update SQLite query planner statistics.
func (c *SQLiteCatalog) RunAnalyze(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.ExecContext(ctx, AnalyzeSQL); err != nil {
		return fmt.Errorf("manifest: failed to run ANALYZE: %w", err)
	}
	return nil
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	// Close read connection first, then write connection
	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTable(row scanner) (*types.TableSchema, error) {
	var schema types.TableSchema
	var metric int
	var indexType string
	var createdAt int64

	if err := row.Scan(
		&schema.ID, &schema.Name, &schema.Dimension, &schema.IndexFileSize,
		&metric, &indexType, &schema.Index.NList, &createdAt,
	); err != nil {
		return nil, err
	}
	schema.Metric = types.MetricType(metric)
	schema.Index.Type = types.IndexType(indexType)
	schema.CreatedAt = time.Unix(0, createdAt)
	return &schema, nil
}

func scanSegment(row scanner) (*types.SegmentRecord, error) {
	var rec types.SegmentRecord
	var state, failed int
	var indexType string
	var createdAt, updatedAt int64
	var indexedAt sql.NullInt64

	if err := row.Scan(
		&rec.ID, &rec.TableID, &rec.TableName, &rec.Partition, &state, &rec.RowCount, &rec.SizeBytes,
		&rec.RawPath, &rec.IndexPath, &indexType, &rec.IndexSize, &rec.BuildAttempts, &failed,
		&createdAt, &indexedAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	rec.State = types.SegmentState(state)
	rec.Failed = failed != 0
	rec.IndexType = types.IndexType(indexType)
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	if indexedAt.Valid {
		t := time.Unix(0, indexedAt.Int64)
		rec.IndexedAt = &t
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
