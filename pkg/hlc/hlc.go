package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is a hybrid logical clock reading: wall-clock milliseconds plus a
// logical counter that disambiguates events within the same millisecond.
// Timestamps are totally ordered lexicographically on (Physical, Logical).
type Timestamp struct {
	Physical uint64 `json:"physical"`
	Logical  uint32 `json:"logical"`
}

// Compare returns -1, 0, or 1 as t sorts before, equal to, or after other.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Physical != other.Physical {
		if t.Physical < other.Physical {
			return -1
		}
		return 1
	}
	if t.Logical != other.Logical {
		if t.Logical < other.Logical {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether t sorts strictly before other.
func (t Timestamp) Less(other Timestamp) bool {
	return t.Compare(other) < 0
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.Physical == 0 && t.Logical == 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.Physical, t.Logical)
}

// Clock is a node-local hybrid logical clock. Now never emits a value less
// than or equal to a previously emitted one, and Update never moves the clock
// backward. All operations are nonblocking.
type Clock struct {
	nodeID string

	mu       sync.Mutex
	physical uint64
	logical  uint32

	// wallNow is swappable for tests.
	wallNow func() uint64
}

// NewClock creates a clock owned by nodeID.
func NewClock(nodeID string) *Clock {
	return &Clock{
		nodeID:  nodeID,
		wallNow: wallMillis,
	}
}

func wallMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// NodeID returns the owning node id, used for LWW tie-breaking.
func (c *Clock) NodeID() string {
	return c.nodeID
}

// Now returns a timestamp strictly greater than any prior Now or Update
// result from this clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Sample the wall clock once per operation.
	now := c.wallNow()
	if now > c.physical {
		c.physical = now
		c.logical = 0
	} else {
		c.logical++
	}
	return Timestamp{Physical: c.physical, Logical: c.logical}
}

// Update merges a remote timestamp into the clock and returns the new local
// reading. The result is strictly greater than both the previous local value
// and the remote value.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.wallNow()
	maxPhysical := c.physical
	if remote.Physical > maxPhysical {
		maxPhysical = remote.Physical
	}
	if now > maxPhysical {
		maxPhysical = now
	}

	switch {
	case maxPhysical == c.physical && maxPhysical == remote.Physical:
		if remote.Logical > c.logical {
			c.logical = remote.Logical
		}
		c.logical++
	case maxPhysical == c.physical:
		c.logical++
	case maxPhysical == remote.Physical:
		c.physical = maxPhysical
		c.logical = remote.Logical + 1
	default:
		c.physical = maxPhysical
		c.logical = 0
	}

	return Timestamp{Physical: c.physical, Logical: c.logical}
}

// CompareWithNode orders (a, nodeA) against (b, nodeB), breaking timestamp
// ties by node id. Used by LWW resolution where a total order is required.
func CompareWithNode(a Timestamp, nodeA string, b Timestamp, nodeB string) int {
	if cmp := a.Compare(b); cmp != 0 {
		return cmp
	}
	switch {
	case nodeA < nodeB:
		return -1
	case nodeA > nodeB:
		return 1
	default:
		return 0
	}
}
