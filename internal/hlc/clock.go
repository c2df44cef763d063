// Package hlc implements the hybrid logical clock used to order operations
// across nodes without relying on synchronized wall clocks.
package hlc

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Timestamp is the (wall, logical, node) triple that totally orders events
// across the cluster. The zero value represents "no information".
type Timestamp struct {
	Wall    int64  // milliseconds since epoch
	Logical int32  // monotonic tie-breaker
	Node    string // issuing node's stable identifier
}

// IsZero reports whether t is the zero-information timestamp.
func (t Timestamp) IsZero() bool {
	return t.Wall == 0 && t.Logical == 0 && t.Node == ""
}

// Equal reports whether t and other carry an identical triple.
func (t Timestamp) Equal(other Timestamp) bool {
	return t.Wall == other.Wall && t.Logical == other.Logical && t.Node == other.Node
}

// Less reports whether t sorts strictly before other under the total order
// defined in the spec: compare wall, then logical, then node lexically.
func (t Timestamp) Less(other Timestamp) bool {
	if t.Wall != other.Wall {
		return t.Wall < other.Wall
	}
	if t.Logical != other.Logical {
		return t.Logical < other.Logical
	}
	return t.Node < other.Node
}

// After reports whether t sorts strictly after other.
func (t Timestamp) After(other Timestamp) bool {
	return other.Less(t)
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater than other.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Equal(other) {
		return 0
	}
	if t.Less(other) {
		return -1
	}
	return 1
}

// Age returns how long ago t's wall component was observed, relative to
// nowMillis. Future timestamps report zero age.
func (t Timestamp) Age(nowMillis int64) time.Duration {
	if nowMillis <= t.Wall {
		return 0
	}
	return time.Duration(nowMillis-t.Wall) * time.Millisecond
}

func (t Timestamp) String() string {
	wallTime := time.UnixMilli(t.Wall)
	return fmt.Sprintf("HLC{wall=%s, logical=%d, node=%s}", wallTime.Format(time.RFC3339Nano), t.Logical, t.Node)
}

// Max returns whichever of a, b sorts later.
func Max(a, b Timestamp) Timestamp {
	if a.Less(b) {
		return b
	}
	return a
}

// Source is the interface the rest of the engine depends on, so tests can
// inject a deterministic clock instead of the real wall-clock-driven one.
type Source interface {
	Tick() Timestamp
	Observe(remote Timestamp) Timestamp
	Current() Timestamp
}

// Clock is the process-wide hybrid logical clock. Tick and Observe are the
// only mutators and both take the single mutex, so ticks are strictly
// monotonic within one process.
type Clock struct {
	mu     sync.Mutex
	cur    Timestamp
	nodeID string
	logger *zap.Logger
	nowFn  func() int64 // overridable for tests; returns millis since epoch
}

// NewClock creates a clock for nodeID. logger may be nil.
func NewClock(nodeID string, logger *zap.Logger) *Clock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Clock{
		cur:    Timestamp{Node: nodeID},
		nodeID: nodeID,
		logger: logger,
		nowFn:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Tick produces a new strictly-increasing timestamp for a local event.
func (c *Clock) Tick() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.nowFn()
	if phys > c.cur.Wall {
		c.cur = Timestamp{Wall: phys, Logical: 0, Node: c.nodeID}
	} else {
		c.cur = Timestamp{Wall: c.cur.Wall, Logical: c.cur.Logical + 1, Node: c.nodeID}
	}
	return c.cur
}

// Observe folds a remote timestamp into the local clock so that later local
// ticks causally follow it, per the standard HLC update rule.
func (c *Clock) Observe(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.nowFn()
	maxWall := phys
	if c.cur.Wall > maxWall {
		maxWall = c.cur.Wall
	}
	if remote.Wall > maxWall {
		maxWall = remote.Wall
	}

	var logical int32
	switch {
	case maxWall > c.cur.Wall && maxWall > remote.Wall:
		logical = 0
	case maxWall == c.cur.Wall && maxWall == remote.Wall:
		logical = max32(c.cur.Logical, remote.Logical) + 1
	case maxWall == c.cur.Wall:
		logical = c.cur.Logical + 1
	default: // maxWall == remote.Wall
		logical = remote.Logical + 1
	}

	if remote.Wall-phys > int64(24*time.Hour/time.Millisecond) {
		c.logger.Warn("hlc observed timestamp far ahead of local wall clock",
			zap.Int64("remote_wall_ms", remote.Wall),
			zap.Int64("local_wall_ms", phys),
			zap.String("remote_node", remote.Node))
	}

	c.cur = Timestamp{Wall: maxWall, Logical: logical, Node: c.nodeID}
	return c.cur
}

// Current returns the clock's current value without advancing it.
func (c *Clock) Current() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

var _ Source = (*Clock)(nil)
