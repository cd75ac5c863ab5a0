package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"collabcanvas/protocol"
)

func frozenClock(node string, at int64) *clock {
	c := newClock(node)
	c.now = func() int64 { return at }
	return c
}

func TestTickStrictlyIncreases(t *testing.T) {
	c := frozenClock("nodeA", 100)

	prev := c.Tick()
	for i := 0; i < 50; i++ {
		next := c.Tick()
		assert.True(t, next.After(prev), "tick %d did not advance: %+v <= %+v", i, next, prev)
		prev = next
	}
	// Frozen wall clock: only the logical counter moves.
	assert.Equal(t, int64(100), prev.Physical)
	assert.Equal(t, int64(50), prev.Logical)
}

func TestTickFollowsWallClock(t *testing.T) {
	c := frozenClock("nodeA", 100)
	c.Tick()
	c.Tick()

	c.now = func() int64 { return 200 }
	v := c.Tick()
	assert.Equal(t, protocol.ClockValue{Physical: 200, Logical: 0, NodeID: "nodeA"}, v)
}

func TestObserveNeverRegresses(t *testing.T) {
	cases := []struct {
		name   string
		remote protocol.ClockValue
	}{
		{"remote ahead", protocol.ClockValue{Physical: 500, Logical: 3, NodeID: "nodeB"}},
		{"remote equal physical", protocol.ClockValue{Physical: 100, Logical: 9, NodeID: "nodeB"}},
		{"remote behind", protocol.ClockValue{Physical: 50, Logical: 0, NodeID: "nodeB"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := frozenClock("nodeA", 100)
			before := c.Tick()

			c.Observe(tc.remote)
			after := c.current()

			assert.True(t, after.Physical > before.Physical ||
				(after.Physical == before.Physical && after.Logical >= before.Logical),
				"merge regressed local clock: %+v -> %+v", before, after)
			assert.True(t, after.Physical > tc.remote.Physical ||
				(after.Physical == tc.remote.Physical && after.Logical >= tc.remote.Logical),
				"merge below remote: %+v vs %+v", after, tc.remote)

			// The next tick causally dominates everything observed.
			next := c.Tick()
			assert.True(t, next.After(before))
			assert.True(t, next.Compare(tc.remote) > 0 || next.Physical > tc.remote.Physical)
		})
	}
}

func TestObserveAdoptsFreshWallClock(t *testing.T) {
	c := frozenClock("nodeA", 100)
	c.Tick()

	// Wall clock moved past both sides: physical resets the logical part.
	c.now = func() int64 { return 300 }
	c.Observe(protocol.ClockValue{Physical: 200, Logical: 7, NodeID: "nodeB"})
	assert.Equal(t, protocol.ClockValue{Physical: 300, Logical: 0, NodeID: "nodeA"}, c.current())
}

func TestObserveRemoteAheadOfWallClock(t *testing.T) {
	c := frozenClock("nodeA", 100)
	c.Tick()

	// Remote wall clock is skewed ahead; adopt it and stay above it.
	remote := protocol.ClockValue{Physical: 900, Logical: 2, NodeID: "nodeB"}
	c.Observe(remote)
	got := c.current()
	assert.Equal(t, int64(900), got.Physical)
	assert.Equal(t, int64(3), got.Logical)
}
