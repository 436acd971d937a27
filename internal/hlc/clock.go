package hlc

import (
	"fmt"
	"sync"
	"time"
)

// DriftError reports a remote timestamp whose physical component runs
// ahead of the local wall clock by more than the permitted bound. The
// clock state is left untouched when it is returned.
type DriftError struct {
	Drift    time.Duration
	MaxDrift time.Duration
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("hlc: remote clock drift %s exceeds maximum %s", e.Drift, e.MaxDrift)
}

// Clock is the single point where time enters the replication core. It
// holds the most recent timestamp issued for one node and guarantees
// that every Send is strictly greater than all previously issued
// values, and that after Receive the local state dominates the remote.
type Clock struct {
	mu    sync.Mutex
	wall  func() time.Time
	state Hlc
}

// NewClock seeds a clock for the node at the current wall time. The
// wall function defaults to time.Now.
func NewClock(node string, wall func() time.Time) *Clock {
	if wall == nil {
		wall = time.Now
	}
	return &Clock{
		wall:  wall,
		state: At(wall(), node),
	}
}

// Current returns the most recently issued timestamp without advancing
// the clock.
func (c *Clock) Current() Hlc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send advances the clock for an outgoing local event and returns the
// new timestamp. When the wall clock has moved past the stored physical
// component the logical counter resets; otherwise it increments.
func (c *Clock) Send() Hlc {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := uint64(c.wall().UnixMilli())
	next := Hlc{Node: c.state.Node}
	if now > c.state.Physical {
		next.Physical = now
		next.Logical = 0
	} else {
		next.Physical = c.state.Physical
		next.Logical = c.state.Logical + 1
	}
	c.state = next
	return next
}

// Receive folds a remote timestamp into the clock so that subsequent
// Send calls dominate both the remote value and the prior local state.
// A positive maxDrift bounds how far ahead of the local wall clock the
// remote physical component may run; zero disables the check.
func (c *Clock) Receive(remote Hlc, maxDrift time.Duration) (Hlc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := uint64(c.wall().UnixMilli())
	if maxDrift > 0 && remote.Physical > now {
		drift := time.Duration(remote.Physical-now) * time.Millisecond
		if drift > maxDrift {
			return Hlc{}, &DriftError{Drift: drift, MaxDrift: maxDrift}
		}
	}

	next := Hlc{Node: c.state.Node}
	switch {
	case now > c.state.Physical && now > remote.Physical:
		next.Physical = now
		next.Logical = 0
	case c.state.Physical < remote.Physical:
		next.Physical = remote.Physical
		next.Logical = remote.Logical + 1
	case c.state.Physical > remote.Physical:
		next.Physical = c.state.Physical
		next.Logical = c.state.Logical + 1
	default:
		next.Physical = c.state.Physical
		next.Logical = maxUint32(c.state.Logical, remote.Logical) + 1
	}
	c.state = next
	return next, nil
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
