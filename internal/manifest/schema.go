// Package manifest provides the metadata catalog for tables and segments.
package manifest

// Schema contains the SQL schema definitions for the metadata catalog
// (manifest.db). The catalog is the source of truth for table definitions
// and segment lifecycle state; segment bytes live in the segment store.

// CreateTablesTableSQL creates the table definitions table.
// AUTOINCREMENT keeps IDs from being reused after a drop, since file paths
// are keyed by table ID.
const CreateTablesTableSQL = `
CREATE TABLE IF NOT EXISTS tables (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    dimension INTEGER NOT NULL,
    index_file_size INTEGER NOT NULL,
    metric_type INTEGER NOT NULL,
    index_type TEXT NOT NULL,
    nlist INTEGER NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateSegmentsTableSQL creates the segments table.
const CreateSegmentsTableSQL = `
CREATE TABLE IF NOT EXISTS segments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    table_id INTEGER NOT NULL,
    partition_key TEXT NOT NULL,
    state INTEGER NOT NULL,
    row_count INTEGER NOT NULL DEFAULT 0,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    raw_path TEXT NOT NULL,
    index_path TEXT NOT NULL DEFAULT '',
    index_type TEXT NOT NULL DEFAULT '',
    index_size INTEGER NOT NULL DEFAULT 0,
    build_attempts INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    indexed_at INTEGER,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (table_id) REFERENCES tables(id)
)`

// CreateSegmentsIndexesSQL creates the segment indexes.
var CreateSegmentsIndexesSQL = []string{
	// At most one current (raw) segment per table and partition
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_segments_current ON segments(table_id, partition_key)
		WHERE state = 1`,

	// Per-table listing by partition for query snapshots and retention
	`CREATE INDEX IF NOT EXISTS idx_segments_table ON segments(table_id, partition_key, id)`,

	// Scheduler queue scans
	`CREATE INDEX IF NOT EXISTS idx_segments_state ON segments(state, failed)`,
}

// AnalyzeSQL runs ANALYZE to keep the SQLite query planner informed about index statistics.
const AnalyzeSQL = `ANALYZE`

// AllSchemaSQL returns all SQL statements needed to initialize the catalog.
func AllSchemaSQL() []string {
	statements := []string{
		CreateTablesTableSQL,
		CreateSegmentsTableSQL,
	}
	statements = append(statements, CreateSegmentsIndexesSQL...)
	return statements
}
