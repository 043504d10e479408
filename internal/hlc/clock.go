package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Stamp is a hybrid logical timestamp. Physical holds wall-clock milliseconds and Counter breaks ties between events
// that share the same Physical component. Stamps are ordered lexicographically (Physical, then Counter).
type Stamp struct {
	Physical int64
	Counter  int64
}

// Compare returns -1, 0 or +1 depending on whether s is before, equal to, or after other.
func (s Stamp) Compare(other Stamp) int {
	switch {
	case s.Physical < other.Physical:
		return -1
	case s.Physical > other.Physical:
		return 1
	case s.Counter < other.Counter:
		return -1
	case s.Counter > other.Counter:
		return 1
	default:
		return 0
	}
}

// Before reports whether s happened strictly before other.
func (s Stamp) Before(other Stamp) bool {
	return s.Compare(other) < 0
}

// IsZero reports whether s is the zero Stamp, i.e. no clock has produced it.
func (s Stamp) IsZero() bool {
	return s.Physical == 0 && s.Counter == 0
}

func (s Stamp) String() string {
	return fmt.Sprintf("%d.%d", s.Physical, s.Counter)
}

// WallClock returns the current physical time in milliseconds.
type WallClock func() int64

func systemWallClock() int64 {
	return time.Now().UnixMilli()
}

// Clock is a Hybrid Logical Clock. It produces stamps that are strictly increasing on a single node even when the
// wall clock stalls or goes backwards, and it merges stamps received from other nodes so that the merged stamp is
// causally after both. All methods are safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	wall WallClock
	last Stamp
}

// New creates a Clock backed by the system wall clock.
func New() *Clock {
	return NewWithWallClock(systemWallClock)
}

// NewWithWallClock creates a Clock that reads physical time from wall.
func NewWithWallClock(wall WallClock) *Clock {
	return &Clock{wall: wall}
}

// Now returns a stamp for a local event.
func (c *Clock) Now() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.wall()
	if phys > c.last.Physical {
		c.last.Physical = phys
		c.last.Counter = 0
	} else {
		// Wall clock did not advance (sub-millisecond call or backward skew)
		c.last.Counter++
	}
	return c.last
}

// Update merges a stamp received from a remote node and returns the resulting local stamp.
func (c *Clock) Update(remote Stamp) Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.wall()
	maxPhys := max(phys, c.last.Physical, remote.Physical)

	switch {
	case maxPhys == c.last.Physical && maxPhys == remote.Physical:
		c.last.Counter = max(c.last.Counter, remote.Counter) + 1
	case maxPhys == c.last.Physical:
		c.last.Counter++
	case maxPhys == remote.Physical:
		c.last.Counter = remote.Counter + 1
	default:
		c.last.Counter = 0
	}
	c.last.Physical = maxPhys
	return c.last
}

// Last returns the most recent stamp without advancing the clock.
func (c *Clock) Last() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
