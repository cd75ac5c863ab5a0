package protocol

// ClockValue is a hybrid logical timestamp: wall-clock milliseconds plus a
// logical counter, tagged with the id of the node that produced it.
type ClockValue struct {
	Physical int64  `json:"physical"`
	Logical  int64  `json:"logical"`
	NodeID   string `json:"node_id"`
}

// Compare orders two clock values under the total order every replica must
// agree on: physical time, then logical counter, then node id. Client and
// server both resolve conflicts through this function; if they ever
// diverged, replicas would too.
func (c ClockValue) Compare(o ClockValue) int {
	if c.Physical != o.Physical {
		if c.Physical < o.Physical {
			return -1
		}
		return 1
	}
	if c.Logical != o.Logical {
		if c.Logical < o.Logical {
			return -1
		}
		return 1
	}
	if c.NodeID != o.NodeID {
		if c.NodeID < o.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether c is strictly greater than o.
func (c ClockValue) After(o ClockValue) bool {
	return c.Compare(o) > 0
}

// IsZero reports whether c is the zero timestamp.
func (c ClockValue) IsZero() bool {
	return c.Physical == 0 && c.Logical == 0 && c.NodeID == ""
}
