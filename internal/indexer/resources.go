package indexer

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryBudget is returned when a build would exceed the memory budget.
var ErrMemoryBudget = errors.New("indexer: build memory budget exceeded")

// ResourceConfig limits what index builds may consume.
type ResourceConfig struct {
	// Workers is the number of builds that may run at once (default: 2).
	Workers int64 `json:"workers" yaml:"workers"`

	// MemoryLimitBytes bounds the decoded rows held by running builds. 0 means unlimited.
	MemoryLimitBytes int64 `json:"memory_limit_bytes" yaml:"memory_limit_bytes"`

	// IOBytesPerSec throttles raw segment reads. 0 means unlimited.
	IOBytesPerSec int64 `json:"io_bytes_per_sec" yaml:"io_bytes_per_sec"`
}

// Resources hands out build slots, memory and read throughput.
type Resources struct {
	cfg ResourceConfig

	slots   *semaphore.Weighted
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64
	io      *rate.Limiter // nil if unlimited
}

// NewResources creates a resource controller.
func NewResources(cfg ResourceConfig) *Resources {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	r := &Resources{
		cfg:   cfg,
		slots: semaphore.NewWeighted(cfg.Workers),
	}
	if cfg.MemoryLimitBytes > 0 {
		r.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}
	if cfg.IOBytesPerSec > 0 {
		r.io = rate.NewLimiter(rate.Limit(cfg.IOBytesPerSec), int(cfg.IOBytesPerSec))
	}
	return r
}

// Workers returns the number of build slots.
func (r *Resources) Workers() int {
	return int(r.cfg.Workers)
}

// AcquireSlot blocks until a build slot is free.
func (r *Resources) AcquireSlot(ctx context.Context) error {
	return r.slots.Acquire(ctx, 1)
}

// ReleaseSlot frees a build slot.
func (r *Resources) ReleaseSlot() {
	r.slots.Release(1)
}

// AcquireMemory reserves bytes without blocking. A reservation larger than
// the whole budget is clamped to it so a big segment can still build alone.
func (r *Resources) AcquireMemory(bytes int64) (int64, error) {
	if bytes <= 0 {
		return 0, nil
	}
	if r.memSem != nil {
		if bytes > r.cfg.MemoryLimitBytes {
			bytes = r.cfg.MemoryLimitBytes
		}
		if !r.memSem.TryAcquire(bytes) {
			return 0, ErrMemoryBudget
		}
	}
	r.memUsed.Add(bytes)
	return bytes, nil
}

// ReleaseMemory returns a reservation made by AcquireMemory.
func (r *Resources) ReleaseMemory(bytes int64) {
	if bytes <= 0 {
		return
	}
	if r.memSem != nil {
		r.memSem.Release(bytes)
	}
	r.memUsed.Add(-bytes)
}

// MemoryUsage returns the bytes currently reserved.
func (r *Resources) MemoryUsage() int64 {
	return r.memUsed.Load()
}

// AcquireIO waits until the throttle allows reading bytes.
func (r *Resources) AcquireIO(ctx context.Context, bytes int64) error {
	if r.io == nil || bytes <= 0 {
		return nil
	}
	// WaitN rejects requests above the burst, so wait in burst-sized steps
	burst := int64(r.io.Burst())
	for bytes > 0 {
		n := bytes
		if n > burst {
			n = burst
		}
		if err := r.io.WaitN(ctx, int(n)); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
