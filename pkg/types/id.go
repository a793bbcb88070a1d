package types

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// idSequenceBits is the number of low bits reserved for the per-microsecond sequence.
const idSequenceBits = 10

// MaxID is the largest caller-supplied ID. IDs above it are reserved so the
// generator can always hand out a larger one.
const MaxID int64 = 1<<62 - 1

// ErrIDOutOfRange is returned for IDs outside [0, MaxID].
var ErrIDOutOfRange = errors.New("id out of range")

// ValidateID reports whether id may be supplied by a caller.
func ValidateID(id int64) error {
	if id < 0 || id > MaxID {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrIDOutOfRange, id, MaxID)
	}
	return nil
}

// IDGenerator generates time-ordered 64-bit vector IDs.
// IDs are the Unix time in microseconds shifted left by idSequenceBits, plus
// a sequence number; IDs are strictly increasing even when the clock stalls
// or moves backwards.
type IDGenerator struct {
	mu   sync.Mutex
	last int64
}

// NewIDGenerator creates a new ID generator.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns a new ID for the current time.
func (g *IDGenerator) Next() int64 {
	return g.NextWithTime(time.Now())
}

// NextWithTime returns a new ID for the given time.
func (g *IDGenerator) NextWithTime(t time.Time) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextLocked(t)
}

// NextN returns n consecutive IDs for the current time.
func (g *IDGenerator) NextN(n int) []int64 {
	ids := make([]int64, n)
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range ids {
		ids[i] = g.nextLocked(now)
	}
	return ids
}

// Observe advances the generator past id, so IDs generated afterwards are
// greater. Used for caller-supplied IDs. IDs outside [0, MaxID] are
// rejected and leave the generator unchanged.
func (g *IDGenerator) Observe(id int64) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if id > g.last {
		g.last = id
	}
	return nil
}

func (g *IDGenerator) nextLocked(t time.Time) int64 {
	id := t.UnixMicro() << idSequenceBits
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}

// IDTime returns the approximate generation time encoded in an engine-generated ID.
func IDTime(id int64) time.Time {
	return time.UnixMicro(id >> idSequenceBits)
}
