package engine

import (
	"sync"
	"time"

	"collabcanvas/protocol"
)

// clock is a hybrid logical clock: wall-clock milliseconds plus a logical
// counter that absorbs same-millisecond events and unsynchronized remote
// clocks. Every value it hands out is strictly greater than anything it
// has previously handed out or observed.
type clock struct {
	mu       sync.Mutex
	nodeID   string
	physical int64
	logical  int64
	now      func() int64 // wall clock in unix ms, swappable in tests
}

func newClock(nodeID string) *clock {
	return &clock{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Tick advances the clock for one locally-issued operation.
func (c *clock) Tick() protocol.ClockValue {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now := c.now(); now > c.physical {
		c.physical = now
		c.logical = 0
	} else {
		c.logical++
	}
	return protocol.ClockValue{Physical: c.physical, Logical: c.logical, NodeID: c.nodeID}
}

// Observe merges a remote timestamp so that subsequent ticks causally
// dominate it. The local (physical, logical) pair never decreases.
func (c *clock) Observe(remote protocol.ClockValue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	switch {
	case now > c.physical && now > remote.Physical:
		c.physical = now
		c.logical = 0
	case c.physical == remote.Physical:
		c.logical = max(c.logical, remote.Logical) + 1
	case remote.Physical > c.physical:
		c.physical = remote.Physical
		c.logical = remote.Logical + 1
	default:
		c.logical++
	}
}

// current returns the clock state without advancing it.
func (c *clock) current() protocol.ClockValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.ClockValue{Physical: c.physical, Logical: c.logical, NodeID: c.nodeID}
}
