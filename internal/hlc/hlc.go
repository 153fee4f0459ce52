// Package hlc implements hybrid logical clocks: timestamps that combine
// physical time with a logical counter and a node id, giving every
// replica a totally ordered, causality-respecting stamp without
// coordination.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// HLC is a single hybrid logical clock timestamp.
type HLC struct {
	WallTime int64  `json:"w"`
	Logical  int32  `json:"l"`
	NodeID   string `json:"n"`
}

// IsZero reports whether h is the zero timestamp.
func (h HLC) IsZero() bool {
	return h.WallTime == 0 && h.Logical == 0 && h.NodeID == ""
}

// Compare returns -1 if h < other, 1 if h > other, and 0 if equal.
func (h HLC) Compare(other HLC) int {
	if h.WallTime != other.WallTime {
		if h.WallTime < other.WallTime {
			return -1
		}
		return 1
	}
	if h.Logical != other.Logical {
		if h.Logical < other.Logical {
			return -1
		}
		return 1
	}
	if h.NodeID != other.NodeID {
		if h.NodeID < other.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether h is strictly after other.
func (h HLC) After(other HLC) bool {
	return h.Compare(other) > 0
}

// Add returns the timestamp n logical steps after h, on the same wall
// time and node. Used to address individual characters inside a
// reserved run.
func (h HLC) Add(n int) HLC {
	h.Logical += int32(n)
	return h
}

func (h HLC) String() string {
	return fmt.Sprintf("%d:%d:%s", h.WallTime, h.Logical, h.NodeID)
}

// Clock manages the local HLC state for one node.
type Clock struct {
	mu     sync.Mutex
	latest HLC
	nodeID string
}

// NewClock creates a clock for the given node id.
func NewClock(nodeID string) *Clock {
	return &Clock{
		nodeID: nodeID,
		latest: HLC{NodeID: nodeID},
	}
}

// NodeID returns the clock's node id.
func (c *Clock) NodeID() string {
	return c.nodeID
}

// Now returns the next timestamp, strictly after every timestamp this
// clock has produced or observed.
func (c *Clock) Now() HLC {
	return c.Reserve(1)
}

// Reserve returns a timestamp and advances the clock by n logical
// steps, so the range [ts, ts.Add(n)) is owned by the caller. Used to
// assign one id per character in an inserted run.
func (c *Clock) Reserve(n int) HLC {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	physNow := time.Now().UnixNano()
	if physNow > c.latest.WallTime {
		c.latest.WallTime = physNow
		c.latest.Logical = 0
	} else {
		c.latest.Logical++
	}

	ts := c.latest
	c.latest.Logical += int32(n - 1)
	return ts
}

// Update advances the local clock past a remote timestamp.
func (c *Clock) Update(remote HLC) {
	c.mu.Lock()
	defer c.mu.Unlock()

	physNow := time.Now().UnixNano()

	nextWall := physNow
	if c.latest.WallTime > nextWall {
		nextWall = c.latest.WallTime
	}
	if remote.WallTime > nextWall {
		nextWall = remote.WallTime
	}

	var nextLog int32
	switch {
	case nextWall == c.latest.WallTime && nextWall == remote.WallTime:
		nextLog = c.latest.Logical
		if remote.Logical > nextLog {
			nextLog = remote.Logical
		}
		nextLog++
	case nextWall == c.latest.WallTime:
		nextLog = c.latest.Logical + 1
	case nextWall == remote.WallTime:
		nextLog = remote.Logical + 1
	}

	c.latest.WallTime = nextWall
	c.latest.Logical = nextLog
}
