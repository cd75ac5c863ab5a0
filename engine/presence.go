package engine

import "sort"

// PresenceStatus is a peer's advertised activity state.
type PresenceStatus string

const (
	StatusIdle    PresenceStatus = "idle"
	StatusEditing PresenceStatus = "editing"
	StatusAway    PresenceStatus = "away"
)

// CursorInfo is a peer's last broadcast cursor position. Ephemeral,
// last-write-wins by arrival, never persisted.
type CursorInfo struct {
	UserID   int64
	Username string
	X, Y     float64
}

// PresenceInfo is a peer's session-scoped presence record.
type PresenceInfo struct {
	UserID   int64
	Username string
	Status   PresenceStatus
	Color    string
}

// palette is the fixed set of colors assigned cyclically to joining peers.
var palette = [...]string{
	"#e6194b", "#3cb44b", "#ffb119", "#4363d8",
	"#f58231", "#911eb4", "#46c5f0", "#f032e6",
}

// presenceTracker owns the cursor and presence maps. It is independent of
// document state and is only mutated by inbound message handling.
type presenceTracker struct {
	nextColor int
	cursors   map[int64]CursorInfo
	peers     map[int64]PresenceInfo
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{
		cursors: make(map[int64]CursorInfo),
		peers:   make(map[int64]PresenceInfo),
	}
}

// join registers a peer with idle status. The server-assigned color wins
// when present, so every replica renders the user the same way; a local
// palette color is assigned otherwise. A rejoin refreshes the record but
// keeps handing out colors in cycle order.
func (p *presenceTracker) join(userID int64, username, color string) PresenceInfo {
	if color == "" {
		color = palette[p.nextColor%len(palette)]
		p.nextColor++
	}
	info := PresenceInfo{
		UserID:   userID,
		Username: username,
		Status:   StatusIdle,
		Color:    color,
	}
	p.peers[userID] = info
	return info
}

// leave removes the peer from both the presence and cursor maps.
func (p *presenceTracker) leave(userID int64) (PresenceInfo, bool) {
	info, ok := p.peers[userID]
	delete(p.peers, userID)
	delete(p.cursors, userID)
	return info, ok
}

// cursor overwrites the stored position for a peer. No ordering guarantee
// is needed; cursor positions are advisory.
func (p *presenceTracker) cursor(info CursorInfo) {
	p.cursors[info.UserID] = info
}

// setStatus mutates only the status of an existing peer. Updates for
// unknown peers are dropped; the peer must have joined first.
func (p *presenceTracker) setStatus(userID int64, status PresenceStatus) (PresenceInfo, bool) {
	info, ok := p.peers[userID]
	if !ok {
		return PresenceInfo{}, false
	}
	info.Status = status
	p.peers[userID] = info
	return info, true
}

func (p *presenceTracker) peerList() []PresenceInfo {
	out := make([]PresenceInfo, 0, len(p.peers))
	for _, info := range p.peers {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (p *presenceTracker) cursorList() []CursorInfo {
	out := make([]CursorInfo, 0, len(p.cursors))
	for _, info := range p.cursors {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
