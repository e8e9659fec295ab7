package core

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Clock is the shared session time base. The zero point is pinned when the
// clock is created and never moves.
type Clock struct {
	base  clock.PassiveClock
	start time.Time
}

// NewClock pins the zero point at base.Now().
func NewClock(base clock.PassiveClock) *Clock {
	if base == nil {
		base = clock.RealClock{}
	}
	return &Clock{base: base, start: base.Now()}
}

// StartedAt returns the wall time of the zero point.
func (c *Clock) StartedAt() time.Time {
	return c.start
}

// Since returns the presentation time of "now" relative to the zero point.
func (c *Clock) Since() time.Duration {
	return c.base.Since(c.start)
}

// Monotonic clamps timestamps produced by a single source so they never go
// backwards.
type Monotonic struct {
	mu   sync.Mutex
	last time.Duration
	set  bool
}

// Next returns pts, or the previous timestamp if pts is earlier.
func (m *Monotonic) Next(pts time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.set && pts < m.last {
		return m.last
	}
	m.last = pts
	m.set = true
	return pts
}
