// Package lifecycle moves segments through their states outside the build
// path: it seals raw segments, retires old data and reclaims deleted
// segments.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	engerrors "github.com/arkilian/vectordb/internal/errors"
	"github.com/arkilian/vectordb/internal/logging"
	"github.com/arkilian/vectordb/internal/manifest"
	"github.com/arkilian/vectordb/internal/router"
	"github.com/arkilian/vectordb/internal/segment"
	"github.com/arkilian/vectordb/pkg/types"
)

// DefaultSchedule runs the sweep once a minute.
const DefaultSchedule = "@every 1m"

// Config holds configuration for the lifecycle manager.
type Config struct {
	// Schedule is the cron spec of the periodic sweep (default: @every 1m).
	Schedule string `json:"schedule" yaml:"schedule"`

	// SealAfter closes non-empty raw segments older than this. Zero disables.
	SealAfter time.Duration `json:"seal_after" yaml:"seal_after"`

	// RetentionDays retires indexed segments whose partition is older than
	// this many days. Zero disables.
	RetentionDays int `json:"retention_days" yaml:"retention_days"`

	// MaxTableBytes retires the oldest indexed segments of a table while its
	// total size exceeds this. Zero disables.
	MaxTableBytes int64 `json:"max_table_bytes" yaml:"max_table_bytes"`

	// Clock overrides time.Now in tests.
	Clock func() time.Time `json:"-" yaml:"-"`
}

// DefaultConfig returns the default lifecycle configuration.
func DefaultConfig() Config {
	return Config{Schedule: DefaultSchedule}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Sealed    int
	Dropped   int
	Archived  int
	Retired   int
	Reclaimed int
	Errors    []string
}

func (r *SweepResult) fail(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Manager seals, retires and reclaims segments. Together with the index
// build scheduler it is the only writer of segment state.
type Manager struct {
	config   Config
	catalog  manifest.Catalog
	store    *segment.Store
	notifier *router.Notifier
	logger   *logging.Logger
	now      func() time.Time

	guards sync.Map // table ID → *sync.Mutex

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewManager creates a lifecycle manager. notifier and logger may be nil.
func NewManager(config Config, catalog manifest.Catalog, store *segment.Store, notifier *router.Notifier, logger *logging.Logger) *Manager {
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		config:   config,
		catalog:  catalog,
		store:    store,
		notifier: notifier,
		logger:   logging.OrNoop(logger),
		now:      now,
	}
}

// Guard serializes raw segment writes of a table: flushes, sealing and
// range deletes. Returns the unlock function.
func (m *Manager) Guard(tableID int64) func() {
	v, _ := m.guards.LoadOrStore(tableID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Start schedules the periodic sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("lifecycle: manager is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(m.config.Schedule, func() {
		result, err := m.Sweep(ctx)
		if err != nil {
			m.logger.Error("lifecycle: sweep failed", "error", err)
			return
		}
		m.logResult(result)
	}); err != nil {
		cancel()
		return fmt.Errorf("lifecycle: invalid schedule %q: %w", m.config.Schedule, err)
	}
	c.Start()

	m.cron = c
	m.cancel = cancel
	m.running = true
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	<-m.cron.Stop().Done()
	m.running = false
}

func (m *Manager) logResult(r *SweepResult) {
	if r.Sealed+r.Dropped+r.Retired+r.Reclaimed > 0 {
		m.logger.Info("lifecycle: sweep completed",
			"sealed", r.Sealed,
			"dropped_empty", r.Dropped,
			"archived", r.Archived,
			"retired", r.Retired,
			"reclaimed", r.Reclaimed,
		)
	}
	if len(r.Errors) > 0 {
		m.logger.Warn("lifecycle: sweep encountered errors", "count", len(r.Errors), "first", r.Errors[0])
	}
}

// AfterFlush seals rec once it reaches the table's index file size. The
// caller holds the table guard.
func (m *Manager) AfterFlush(ctx context.Context, schema *types.TableSchema, rec *types.SegmentRecord) (bool, error) {
	if rec.State != types.StateRaw || rec.SizeBytes < schema.IndexFileSize {
		return false, nil
	}
	if err := m.seal(ctx, schema.Name, rec); err != nil {
		return false, err
	}
	return true, nil
}

// SealAll closes every non-empty raw segment of a table so the index
// scheduler picks them up. Returns the number sealed.
func (m *Manager) SealAll(ctx context.Context, schema *types.TableSchema) (int, error) {
	unlock := m.Guard(schema.ID)
	defer unlock()

	raws, err := m.catalog.ListSegments(ctx, schema.Name, manifest.SegmentFilter{States: []types.SegmentState{types.StateRaw}})
	if err != nil {
		return 0, err
	}
	sealed := 0
	for _, rec := range raws {
		if rec.RowCount == 0 {
			continue
		}
		if err := m.seal(ctx, schema.Name, rec); err != nil {
			if errors.Is(err, engerrors.ErrConflict) {
				continue
			}
			return sealed, err
		}
		sealed++
	}
	return sealed, nil
}

func (m *Manager) seal(ctx context.Context, table string, rec *types.SegmentRecord) error {
	if err := m.catalog.TransitionSegmentState(ctx, rec.ID, types.StateRaw, types.StateToIndex); err != nil {
		return err
	}
	rec.State = types.StateToIndex
	m.publish(router.SegmentSealed, table, rec)
	m.logger.Debug("lifecycle: segment sealed", "table", table, "segment", rec.ID, "rows", rec.RowCount)
	return nil
}

// Sweep runs one pass: seal stale raw segments, retire old data, then
// reclaim every ToDelete segment. Per-segment failures are collected in the
// result and do not stop the pass.
func (m *Manager) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	tables, err := m.catalog.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: failed to list tables: %w", err)
	}

	for _, schema := range tables {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		m.sealStale(ctx, schema, result)
		m.retire(ctx, schema, result)
	}

	m.reclaim(ctx, "", result)
	return result, nil
}

// sealStale seals raw segments of past days and, when configured, raw
// segments older than SealAfter. Empty raw segments of past days are
// dropped.
func (m *Manager) sealStale(ctx context.Context, schema *types.TableSchema, result *SweepResult) {
	unlock := m.Guard(schema.ID)
	defer unlock()

	now := m.now()
	today := types.PartitionFor(now)
	raws, err := m.catalog.ListSegments(ctx, schema.Name, manifest.SegmentFilter{States: []types.SegmentState{types.StateRaw}})
	if err != nil {
		result.fail("list raw segments of %s: %v", schema.Name, err)
		return
	}

	for _, rec := range raws {
		pastDay := rec.Partition < today
		switch {
		case rec.RowCount == 0 && pastDay:
			if err := m.catalog.TransitionSegmentState(ctx, rec.ID, types.StateRaw, types.StateToDelete); err != nil {
				result.fail("drop empty segment %d: %v", rec.ID, err)
				continue
			}
			result.Dropped++
		case rec.RowCount == 0:
		case pastDay, m.config.SealAfter > 0 && now.Sub(rec.CreatedAt) >= m.config.SealAfter:
			if err := m.seal(ctx, schema.Name, rec); err != nil {
				result.fail("seal segment %d: %v", rec.ID, err)
				continue
			}
			result.Sealed++
		}
	}
}

// retire moves indexed segments past retention or over the table size
// budget to ToDelete, archiving them first when an archive is configured.
func (m *Manager) retire(ctx context.Context, schema *types.TableSchema, result *SweepResult) {
	if m.config.RetentionDays <= 0 && m.config.MaxTableBytes <= 0 {
		return
	}

	segs, err := m.catalog.ListSegments(ctx, schema.Name, manifest.SegmentFilter{})
	if err != nil {
		result.fail("list segments of %s: %v", schema.Name, err)
		return
	}

	var total int64
	for _, rec := range segs {
		if rec.State != types.StateToDelete {
			total += rec.SizeBytes + rec.IndexSize
		}
	}

	cutoff := ""
	if m.config.RetentionDays > 0 {
		cutoff = types.PartitionFor(m.now().AddDate(0, 0, -m.config.RetentionDays))
	}

	// Segments are ordered by partition then ID, so this walks oldest first
	for _, rec := range segs {
		if !rec.State.HasIndex() {
			continue
		}
		expired := cutoff != "" && rec.Partition < cutoff
		overBudget := m.config.MaxTableBytes > 0 && total > m.config.MaxTableBytes
		if !expired && !overBudget {
			continue
		}
		archived, err := m.retireSegment(ctx, rec)
		if err != nil {
			result.fail("retire segment %d: %v", rec.ID, err)
			continue
		}
		if archived {
			result.Archived++
		}
		result.Retired++
		total -= rec.SizeBytes + rec.IndexSize
	}
}

func (m *Manager) retireSegment(ctx context.Context, rec *types.SegmentRecord) (bool, error) {
	archived := false
	if rec.State == types.StateIndexed && m.store.HasArchive() {
		if _, err := m.store.Archive(ctx, segment.RefOf(rec)); err != nil {
			return false, err
		}
		if err := m.catalog.TransitionSegmentState(ctx, rec.ID, types.StateIndexed, types.StateBackup); err != nil {
			return false, err
		}
		rec.State = types.StateBackup
		archived = true
	}
	if err := m.catalog.TransitionSegmentState(ctx, rec.ID, rec.State, types.StateToDelete); err != nil {
		return archived, err
	}
	rec.State = types.StateToDelete
	return archived, nil
}

// reclaim deletes the files and catalog rows of ToDelete segments of one
// table, or of all tables when table is empty.
func (m *Manager) reclaim(ctx context.Context, table string, result *SweepResult) {
	doomed, err := m.catalog.ListSegments(ctx, table, manifest.SegmentFilter{States: []types.SegmentState{types.StateToDelete}})
	if err != nil {
		result.fail("list deleted segments: %v", err)
		return
	}
	for _, rec := range doomed {
		if err := m.store.DeleteSegmentFiles(ctx, segment.RefOf(rec)); err != nil {
			result.fail("delete files of segment %d: %v", rec.ID, err)
			continue
		}
		if err := m.catalog.DeleteSegment(ctx, rec.ID); err != nil && !errors.Is(err, engerrors.ErrSegmentNotFound) {
			result.fail("delete segment %d: %v", rec.ID, err)
			continue
		}
		result.Reclaimed++
		m.publish(router.SegmentDeleted, rec.TableName, rec)
	}
}

// DeleteRange removes every segment of a table whose partition falls in
// ranges. The caller flushes buffered rows first. Returns the number of
// segments removed.
func (m *Manager) DeleteRange(ctx context.Context, schema *types.TableSchema, ranges []types.TimeRange) (int, error) {
	unlock := m.Guard(schema.ID)
	defer unlock()

	segs, err := m.catalog.ListSegments(ctx, schema.Name, manifest.SegmentFilter{Ranges: ranges})
	if err != nil {
		return 0, err
	}
	for _, rec := range segs {
		if err := m.markDeleted(ctx, rec); err != nil {
			return 0, err
		}
	}

	result := &SweepResult{}
	m.reclaim(ctx, schema.Name, result)
	if len(result.Errors) > 0 {
		return result.Reclaimed, engerrors.NewStorageError(engerrors.CodeIOFailed,
			fmt.Sprintf("lifecycle: %d segments of %s not reclaimed: %s", len(result.Errors), schema.Name, result.Errors[0]), nil)
	}
	return result.Reclaimed, nil
}

// markDeleted moves a segment to ToDelete from whatever state it is in,
// following concurrent transitions by the index scheduler.
func (m *Manager) markDeleted(ctx context.Context, rec *types.SegmentRecord) error {
	const maxRetries = 5
	state := rec.State
	for i := 0; i < maxRetries; i++ {
		if state == types.StateToDelete {
			return nil
		}
		err := m.catalog.TransitionSegmentState(ctx, rec.ID, state, types.StateToDelete)
		if err == nil {
			return nil
		}
		if errors.Is(err, engerrors.ErrSegmentNotFound) {
			return nil
		}
		if !errors.Is(err, engerrors.ErrConflict) {
			return err
		}
		cur, err := m.catalog.GetSegment(ctx, rec.ID)
		if err != nil {
			if errors.Is(err, engerrors.ErrSegmentNotFound) {
				return nil
			}
			return err
		}
		state = cur.State
	}
	return engerrors.Conflict(rec.ID, state, types.StateToDelete)
}

// DropTable removes a table's metadata and files. In-flight searches either
// finish against their snapshot or fail with TableNotFound.
func (m *Manager) DropTable(ctx context.Context, schema *types.TableSchema) error {
	unlock := m.Guard(schema.ID)
	defer unlock()

	if err := m.catalog.DropTable(ctx, schema.Name); err != nil {
		return err
	}
	if err := m.store.DeleteTableFiles(ctx, schema.ID); err != nil {
		// Metadata is gone; leftover files are unreachable
		m.logger.Warn("lifecycle: failed to delete table files", "table", schema.Name, "error", err)
	}
	m.guards.Delete(schema.ID)
	if m.notifier != nil {
		m.notifier.Publish(router.Notification{Type: router.TableDropped, Table: schema.Name})
	}
	return nil
}

func (m *Manager) publish(t router.NotificationType, table string, rec *types.SegmentRecord) {
	if m.notifier == nil {
		return
	}
	m.notifier.Publish(router.Notification{
		Type:      t,
		Table:     table,
		SegmentID: rec.ID,
		Partition: rec.Partition,
	})
}
