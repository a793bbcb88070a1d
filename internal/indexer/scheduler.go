// Package indexer builds index artifacts for sealed segments in the
// background.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	engerrors "github.com/arkilian/vectordb/internal/errors"
	"github.com/arkilian/vectordb/internal/index"
	"github.com/arkilian/vectordb/internal/logging"
	"github.com/arkilian/vectordb/internal/manifest"
	"github.com/arkilian/vectordb/internal/router"
	"github.com/arkilian/vectordb/internal/segment"
	"github.com/arkilian/vectordb/pkg/types"
)

// DefaultMaxAttempts is the number of failed builds after which a segment
// is flagged and left to brute-force search.
const DefaultMaxAttempts = 3

// Config holds configuration for the build scheduler.
type Config struct {
	// PollInterval is how often the scheduler looks for sealed segments (default: 5s).
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// MaxAttempts is the number of failed builds before a segment is flagged (default: 3).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	Resources    ResourceConfig     `json:"resources" yaml:"resources"`
	Backpressure BackpressureConfig `json:"backpressure" yaml:"backpressure"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		MaxAttempts:  DefaultMaxAttempts,
		Resources:    ResourceConfig{Workers: 2},
		Backpressure: DefaultBackpressureConfig(),
	}
}

// Stats summarizes scheduler activity.
type Stats struct {
	Queued       int               `json:"queued"`
	Building     int               `json:"building"`
	Built        int64             `json:"built"`
	Failures     int64             `json:"failures"`
	Flagged      int               `json:"flagged"`
	MemoryUsage  int64             `json:"memory_usage"`
	Backpressure BackpressureStats `json:"backpressure"`
}

// Scheduler turns ToIndex segments into Indexed ones.
type Scheduler struct {
	config       Config
	catalog      manifest.Catalog
	store        *segment.Store
	registry     *index.Registry
	notifier     *router.Notifier
	logger       *logging.Logger
	resources    *Resources
	backpressure *Backpressure

	inflight sync.Map // segment ID -> struct{}
	building atomic.Int32
	built    atomic.Int64
	failures atomic.Int64

	wake chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a build scheduler. notifier and logger may be nil.
func NewScheduler(config Config, catalog manifest.Catalog, store *segment.Store, registry *index.Registry, notifier *router.Notifier, logger *logging.Logger) *Scheduler {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Resources.Workers <= 0 {
		config.Resources.Workers = def.Resources.Workers
	}
	if config.Backpressure.MaxConcurrency <= 0 || config.Backpressure.MaxConcurrency > int(config.Resources.Workers) {
		config.Backpressure.MaxConcurrency = int(config.Resources.Workers)
	}
	if registry == nil {
		registry = index.DefaultRegistry()
	}
	return &Scheduler{
		config:       config,
		catalog:      catalog,
		store:        store,
		registry:     registry,
		notifier:     notifier,
		logger:       logging.OrNoop(logger).With("component", "indexer"),
		resources:    NewResources(config.Resources),
		backpressure: NewBackpressure(config.Backpressure),
		wake:         make(chan struct{}, 1),
	}
}

// Start requeues builds interrupted by a previous run and begins the
// scheduling loop. It runs until the context is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("indexer: scheduler is already running")
	}

	if _, err := s.RecoverStale(ctx); err != nil {
		s.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	var sub *router.Subscriber
	if s.notifier != nil {
		sub = s.notifier.SubscribeAutoID(router.SegmentSealed)
	}
	go s.run(ctx, sub)
	return nil
}

// Stop cancels running builds and waits for the loop to exit. Cancelled
// builds are requeued.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	<-s.done
	s.running = false
	return nil
}

// Wake asks the loop to schedule immediately.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context, sub *router.Subscriber) {
	defer close(s.done)

	var sealed <-chan router.Notification
	if sub != nil {
		defer s.notifier.Unsubscribe(sub.ID)
		sealed = sub.Ch
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("indexer: scheduling cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		case <-sealed:
		}
	}
}

// RecoverStale requeues Building segments left behind by a crash. Must run
// before any build starts.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	stale, err := s.catalog.ListSegments(ctx, "", manifest.SegmentFilter{
		States: []types.SegmentState{types.StateBuilding},
	})
	if err != nil {
		return 0, fmt.Errorf("indexer: failed to list building segments: %w", err)
	}

	recovered := 0
	for _, rec := range stale {
		if _, busy := s.inflight.Load(rec.ID); busy {
			continue
		}
		err := s.catalog.TransitionSegmentState(ctx, rec.ID, types.StateBuilding, types.StateToIndex)
		if err != nil {
			if errors.Is(err, engerrors.ErrConflict) || errors.Is(err, engerrors.ErrSegmentNotFound) {
				continue
			}
			return recovered, fmt.Errorf("indexer: failed to requeue segment %d: %w", rec.ID, err)
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("indexer: requeued interrupted builds", "segments", recovered)
	}
	return recovered, nil
}

// RunOnce builds every eligible segment once and returns how many were
// indexed. Individual build failures are recorded, not returned.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	queue, err := s.catalog.ListSegments(ctx, "", manifest.SegmentFilter{
		States:        []types.SegmentState{types.StateToIndex},
		ExcludeFailed: true,
	})
	if err != nil {
		return 0, fmt.Errorf("indexer: failed to list sealed segments: %w", err)
	}

	s.backpressure.Adjust()
	if s.backpressure.ShouldPause(len(queue)) {
		s.logger.Warn("indexer: pausing builds", "backlog", len(queue), "failure_rate", s.backpressure.FailureRate())
		return 0, nil
	}

	var built atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.backpressure.Concurrency())
	for _, rec := range queue {
		if _, busy := s.inflight.LoadOrStore(rec.ID, struct{}{}); busy {
			continue
		}
		rec := rec
		g.Go(func() error {
			defer s.inflight.Delete(rec.ID)
			if err := s.resources.AcquireSlot(gctx); err != nil {
				return nil
			}
			defer s.resources.ReleaseSlot()

			if ok := s.buildSegment(gctx, rec); ok {
				built.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(built.Load()), nil
}

// buildSegment runs one build and reports whether the segment was indexed.
func (s *Scheduler) buildSegment(ctx context.Context, rec *types.SegmentRecord) bool {
	err := s.catalog.TransitionSegmentState(ctx, rec.ID, types.StateToIndex, types.StateBuilding)
	if err != nil {
		if !errors.Is(err, engerrors.ErrConflict) && !errors.Is(err, engerrors.ErrSegmentNotFound) {
			s.logger.Warn("indexer: failed to claim segment", "segment", rec.ID, "error", err)
		}
		return false
	}
	s.building.Add(1)
	defer s.building.Add(-1)

	start := time.Now()
	indexType, err := s.build(ctx, rec)
	switch {
	case err == nil:
		s.built.Add(1)
		s.backpressure.Record(true)
		s.logger.LogBuild(ctx, rec.ID, string(indexType), 0, nil)
		s.logger.Debug("indexer: build finished", "segment", rec.ID, "duration", time.Since(start))
		if s.notifier != nil {
			s.notifier.Publish(router.Notification{
				Type:      router.SegmentIndexed,
				Table:     rec.TableName,
				SegmentID: rec.ID,
				Partition: rec.Partition,
			})
		}
		return true

	case errors.Is(err, errAbandoned):
		// Segment or table deleted mid-build; nothing to record
		return false

	case errors.Is(err, errDeferred), ctx.Err() != nil:
		s.requeue(rec.ID)
		return false

	default:
		s.fail(rec, indexType, err)
		return false
	}
}

var (
	// errAbandoned means the segment no longer needs an index.
	errAbandoned = errors.New("indexer: segment abandoned")

	// errDeferred means the build should be retried later without counting a failure.
	errDeferred = errors.New("indexer: build deferred")
)

// build produces and commits the artifact of a Building segment.
func (s *Scheduler) build(ctx context.Context, rec *types.SegmentRecord) (types.IndexType, error) {
	schema, err := s.catalog.DescribeTable(ctx, rec.TableName)
	if err != nil {
		if errors.Is(err, engerrors.ErrTableNotFound) {
			return "", errAbandoned
		}
		return "", err
	}
	param := schema.Index.Normalize()

	need := rec.RowCount * types.RowBytes(schema.Dimension)
	reserved, err := s.resources.AcquireMemory(need)
	if err != nil {
		return param.Type, errDeferred
	}
	defer s.resources.ReleaseMemory(reserved)

	if err := s.resources.AcquireIO(ctx, rec.SizeBytes); err != nil {
		return param.Type, err
	}

	ref := segment.RefOf(rec)
	rows, err := s.store.ReadRaw(ctx, ref)
	if err != nil {
		if errors.Is(err, engerrors.ErrSegmentVanished) && s.gone(ctx, rec) {
			return param.Type, errAbandoned
		}
		return param.Type, err
	}

	if _, err := s.catalog.DescribeTable(ctx, rec.TableName); errors.Is(err, engerrors.ErrTableNotFound) {
		return param.Type, errAbandoned
	}

	artifact, err := s.registry.Build(ctx, rows, schema.Dimension, param, schema.Metric)
	if err != nil {
		return param.Type, err
	}

	if err := s.store.DeleteIndexArtifact(ctx, ref); err != nil {
		return param.Type, err
	}
	path, err := s.store.WriteIndexArtifact(ctx, ref, artifact)
	if err != nil {
		return param.Type, err
	}

	if err := s.catalog.MarkIndexed(ctx, rec.ID, path, param.Type, int64(len(artifact))); err != nil {
		if delErr := s.store.DeleteIndexArtifact(context.WithoutCancel(ctx), ref); delErr != nil {
			s.logger.Warn("indexer: failed to remove orphaned artifact", "segment", rec.ID, "error", delErr)
		}
		if errors.Is(err, engerrors.ErrConflict) || errors.Is(err, engerrors.ErrSegmentNotFound) {
			return param.Type, errAbandoned
		}
		return param.Type, err
	}
	return param.Type, nil
}

// gone reports whether a segment was deleted or marked for deletion.
func (s *Scheduler) gone(ctx context.Context, rec *types.SegmentRecord) bool {
	cur, err := s.catalog.GetSegment(ctx, rec.ID)
	if errors.Is(err, engerrors.ErrSegmentNotFound) {
		return true
	}
	return err == nil && cur.State == types.StateToDelete
}

// requeue returns an interrupted build to ToIndex without counting an attempt.
func (s *Scheduler) requeue(id int64) {
	err := s.catalog.TransitionSegmentState(context.Background(), id, types.StateBuilding, types.StateToIndex)
	if err != nil && !errors.Is(err, engerrors.ErrConflict) && !errors.Is(err, engerrors.ErrSegmentNotFound) {
		s.logger.Warn("indexer: failed to requeue segment", "segment", id, "error", err)
	}
}

// fail records a failed build attempt.
func (s *Scheduler) fail(rec *types.SegmentRecord, indexType types.IndexType, cause error) {
	s.failures.Add(1)
	s.backpressure.Record(false)

	attempts, flagged, err := s.catalog.MarkBuildFailure(context.Background(), rec.ID, s.config.MaxAttempts)
	if err != nil {
		if !errors.Is(err, engerrors.ErrConflict) && !errors.Is(err, engerrors.ErrSegmentNotFound) {
			s.logger.Error("indexer: failed to record build failure", "segment", rec.ID, "error", err)
		}
		return
	}
	s.logger.LogBuild(context.Background(), rec.ID, string(indexType), attempts, cause)
	if flagged {
		s.logger.Error("indexer: giving up on segment, searches fall back to brute force",
			"segment", rec.ID, "table", rec.TableName, "attempts", attempts)
	}
}

// Failed lists segments whose builds were given up.
func (s *Scheduler) Failed(ctx context.Context) ([]*types.SegmentRecord, error) {
	queued, err := s.catalog.ListSegments(ctx, "", manifest.SegmentFilter{
		States: []types.SegmentState{types.StateToIndex},
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: failed to list segments: %w", err)
	}
	failed := make([]*types.SegmentRecord, 0)
	for _, rec := range queued {
		if rec.Failed {
			failed = append(failed, rec)
		}
	}
	return failed, nil
}

// Status returns scheduler statistics.
func (s *Scheduler) Status(ctx context.Context) (Stats, error) {
	queued, err := s.catalog.ListSegments(ctx, "", manifest.SegmentFilter{
		States: []types.SegmentState{types.StateToIndex},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("indexer: failed to list segments: %w", err)
	}
	st := Stats{
		Building:     int(s.building.Load()),
		Built:        s.built.Load(),
		Failures:     s.failures.Load(),
		MemoryUsage:  s.resources.MemoryUsage(),
		Backpressure: s.backpressure.Stats(),
	}
	for _, rec := range queued {
		if rec.Failed {
			st.Flagged++
		} else {
			st.Queued++
		}
	}
	return st, nil
}
