package indexer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Backpressure tracks recent build outcomes and scales build concurrency.
//
// Above the failure threshold concurrency is halved. With no failures it
// doubles back toward the maximum, below half the threshold it grows by
// half, and up to the threshold by one. A large backlog combined with a
// high failure rate pauses scheduling for the cycle.
type Backpressure struct {
	maxConcurrency int32
	minConcurrency int32
	threshold      float64

	current atomic.Int32

	mu       sync.Mutex
	outcomes []buildOutcome
	window   time.Duration
	now      func() time.Time
}

type buildOutcome struct {
	at time.Time
	ok bool
}

// BackpressureConfig holds configuration for build backpressure.
type BackpressureConfig struct {
	// MaxConcurrency is the upper bound for concurrent builds (default: 2).
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`

	// MinConcurrency is the lower bound (default: 1).
	MinConcurrency int `json:"min_concurrency" yaml:"min_concurrency"`

	// FailureThreshold is the failure rate above which builds back off (default: 0.25).
	FailureThreshold float64 `json:"failure_threshold" yaml:"failure_threshold"`

	// Window is the sliding window of tracked outcomes (default: 10m).
	Window time.Duration `json:"window" yaml:"window"`
}

// DefaultBackpressureConfig returns the default backpressure configuration.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		MaxConcurrency:   2,
		MinConcurrency:   1,
		FailureThreshold: 0.25,
		Window:           10 * time.Minute,
	}
}

// NewBackpressure creates a controller starting at full concurrency.
func NewBackpressure(cfg BackpressureConfig) *Backpressure {
	def := DefaultBackpressureConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = def.MinConcurrency
	}
	if cfg.MinConcurrency > cfg.MaxConcurrency {
		cfg.MinConcurrency = cfg.MaxConcurrency
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	bp := &Backpressure{
		maxConcurrency: int32(cfg.MaxConcurrency),
		minConcurrency: int32(cfg.MinConcurrency),
		threshold:      cfg.FailureThreshold,
		window:         cfg.Window,
		now:            time.Now,
	}
	bp.current.Store(int32(cfg.MaxConcurrency))
	return bp
}

// Record adds one build outcome.
func (bp *Backpressure) Record(ok bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.outcomes = append(bp.outcomes, buildOutcome{at: bp.now(), ok: ok})
}

// FailureRate returns the failure rate within the window.
func (bp *Backpressure) FailureRate() float64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	rate, _ := bp.rateLocked()
	return rate
}

// rateLocked prunes the window and returns the failure rate and the number
// of failures. Caller must hold bp.mu.
func (bp *Backpressure) rateLocked() (float64, int) {
	cutoff := bp.now().Add(-bp.window)
	i := 0
	for i < len(bp.outcomes) && bp.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		bp.outcomes = bp.outcomes[i:]
	}
	if len(bp.outcomes) == 0 {
		return 0, 0
	}

	failures := 0
	for _, o := range bp.outcomes {
		if !o.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(bp.outcomes)), failures
}

// Adjust recomputes concurrency from the recent failure rate. Called at
// the start of every scheduling cycle.
func (bp *Backpressure) Adjust() {
	bp.mu.Lock()
	rate, _ := bp.rateLocked()
	seen := len(bp.outcomes)
	bp.mu.Unlock()

	current := bp.current.Load()
	next := current
	switch {
	case rate > bp.threshold:
		next = current / 2
	case rate == 0 && seen > 0:
		next = current * 2
	case rate < bp.threshold/2:
		delta := current / 2
		if delta < 1 {
			delta = 1
		}
		next = current + delta
	case rate < bp.threshold:
		next = current + 1
	}

	if next < bp.minConcurrency {
		next = bp.minConcurrency
	}
	if next > bp.maxConcurrency {
		next = bp.maxConcurrency
	}
	bp.current.Store(next)
}

// ShouldPause reports whether a cycle with the given backlog should be
// skipped. Backlogs that fit in one cycle always run, so the failure rate
// can recover.
func (bp *Backpressure) ShouldPause(backlog int) bool {
	if backlog == 0 || int32(backlog) <= bp.maxConcurrency {
		return false
	}
	return bp.FailureRate() > bp.threshold
}

// Concurrency returns the current number of builds allowed per cycle.
func (bp *Backpressure) Concurrency() int {
	return int(bp.current.Load())
}

// BackpressureStats is a snapshot of the controller.
type BackpressureStats struct {
	Concurrency int     `json:"concurrency"`
	FailureRate float64 `json:"failure_rate"`
	Builds      int     `json:"builds_in_window"`
	Failures    int     `json:"failures_in_window"`
}

// Stats returns current backpressure statistics.
func (bp *Backpressure) Stats() BackpressureStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	rate, failures := bp.rateLocked()
	return BackpressureStats{
		Concurrency: int(bp.current.Load()),
		FailureRate: rate,
		Builds:      len(bp.outcomes),
		Failures:    failures,
	}
}
