// Package engine is the client side of the collabcanvas real-time sync
// protocol. It keeps a local replica of one shared document (named
// elements with typed properties) converged with every other participant
// through per-key last-writer-wins registers ordered by a hybrid logical
// clock, and it degrades gracefully when the network goes away: mutations
// are buffered, the connection is retried with capped backoff, and the
// buffer is flushed in order on reconnect.
//
// Consumers mutate through the façade (SetProperty, AddElement,
// RemoveElement), broadcast cursors with MoveCursor, and observe
// everything else through On. They never touch clocks, operations or
// registers directly.
package engine

import (
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabcanvas/crdt"
	"collabcanvas/protocol"
)

// Config configures one engine instance. One engine owns exactly one
// session and one document replica; two tabs on the same document are two
// independent nodes.
type Config struct {
	// URL is the document-scoped websocket endpoint, e.g.
	// wss://host/project/42/crdt/.
	URL string
	// NodeID identifies this replica in clock tie-breaks. Defaults to a
	// fresh uuid.
	NodeID   string
	UserID   int64
	Username string
	// MaxPending bounds the disconnected-op buffer (drop-oldest).
	// Defaults to 4096.
	MaxPending int
	// PingInterval is the keepalive cadence while connected. Defaults to
	// 25s; negative disables.
	PingInterval time.Duration

	// dial overrides the websocket dialer in tests.
	dial dialFunc
}

// Engine is the public façade composing the clock, the document replica,
// the session manager and the presence tracker.
type Engine struct {
	nodeID string

	mu       sync.Mutex
	clock    *clock
	doc      *crdt.Document
	version  int64
	presence *presenceTracker

	session *session
	events  *emitter
}

// New builds an engine. Call Connect to open the session; mutations made
// before that are buffered.
func New(cfg Config) *Engine {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	e := &Engine{
		nodeID:   nodeID,
		clock:    newClock(nodeID),
		doc:      crdt.NewDocument(),
		presence: newPresenceTracker(),
		events:   newEmitter(),
	}
	e.session = newSession(sessionURL(cfg, nodeID), cfg.dial, cfg.MaxPending, cfg.PingInterval)
	e.session.onMessage = e.handleMessage
	e.session.onState = e.handleState
	return e
}

func sessionURL(cfg Config, nodeID string) string {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return cfg.URL
	}
	q := u.Query()
	q.Set("node_id", nodeID)
	if cfg.UserID != 0 {
		q.Set("user_id", strconv.FormatInt(cfg.UserID, 10))
	}
	if cfg.Username != "" {
		q.Set("username", cfg.Username)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// NodeID returns this replica's node id.
func (e *Engine) NodeID() string { return e.nodeID }

// Connect opens the session. Reconnection after failures is automatic.
func (e *Engine) Connect() { e.session.Connect() }

// Disconnect closes the session and cancels any pending reconnect.
// Operations already sent are not recalled; buffered ones stay in memory
// until the engine reconnects or is discarded.
func (e *Engine) Disconnect() { e.session.Disconnect() }

// SetProperty overwrites one property of one element.
func (e *Engine) SetProperty(elementID, prop string, value any) {
	e.localOp(protocol.Operation{
		Type:      protocol.OpSet,
		ElementID: elementID,
		Prop:      prop,
		Value:     value,
	})
}

// DeleteProperty clears one property of one element.
func (e *Engine) DeleteProperty(elementID, prop string) {
	e.localOp(protocol.Operation{
		Type:      protocol.OpDelete,
		ElementID: elementID,
		Prop:      prop,
	})
}

// AddElement creates an element with an initial property map.
func (e *Engine) AddElement(elementID string, initialProps map[string]any) {
	e.localOp(protocol.Operation{
		Type:      protocol.OpAddElement,
		ElementID: elementID,
		Value:     initialProps,
	})
}

// RemoveElement removes an element.
func (e *Engine) RemoveElement(elementID string) {
	e.localOp(protocol.Operation{
		Type:      protocol.OpRemoveElement,
		ElementID: elementID,
	})
}

// localOp ticks the clock, applies the operation optimistically through
// the same conflict rule remote operations use, then hands it to the
// session to send or buffer. Local reads always reflect the node's own
// latest writes; the call never blocks on the network.
func (e *Engine) localOp(op protocol.Operation) {
	e.mu.Lock()
	op.Clock = e.clock.Tick()
	op.Origin = e.nodeID
	e.doc.Apply(op)
	e.mu.Unlock()

	e.session.Send(op)
	e.events.emit(LocalOpEvent{Op: op})
}

// MoveCursor broadcasts the local cursor position. Fire-and-forget: no
// clock, no operation, dropped when disconnected.
func (e *Engine) MoveCursor(x, y float64) {
	e.session.SendMessage(protocol.ClientMessage{Action: protocol.ActionCursor, X: x, Y: y})
}

// RequestSnapshot asks the server for the full current document state.
// Used when joining or after an extended disconnection.
func (e *Engine) RequestSnapshot() {
	e.session.SendMessage(protocol.ClientMessage{Action: protocol.ActionSnapshot})
}

// RequestSync asks for the operations after sinceVersion. Pass a negative
// value to resume from the last server-acknowledged version.
func (e *Engine) RequestSync(sinceVersion int64) {
	if sinceVersion < 0 {
		e.mu.Lock()
		sinceVersion = e.version
		e.mu.Unlock()
	}
	e.session.SendMessage(protocol.ClientMessage{Action: protocol.ActionSync, SinceVersion: sinceVersion})
}

// On subscribes a handler to one event kind and returns its unsubscribe
// function.
func (e *Engine) On(kind EventKind, fn func(Event)) func() {
	return e.events.on(kind, fn)
}

// Element returns the materialized properties of one element, or nil if
// it is absent.
func (e *Engine) Element(elementID string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Elements()[elementID]
}

// Elements returns the materialized document.
func (e *Engine) Elements() map[string]map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Elements()
}

// Version returns the last server-acknowledged point in the global
// operation stream.
func (e *Engine) Version() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Peers returns the known remote participants.
func (e *Engine) Peers() []PresenceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.presence.peerList()
}

// Cursors returns the last known remote cursor positions.
func (e *Engine) Cursors() []CursorInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.presence.cursorList()
}

// Bootstrap primes the replica from a locally cached snapshot before
// connecting, so a restart can resume with RequestSync instead of a full
// snapshot. No events fire.
func (e *Engine) Bootstrap(ops []protocol.Operation, version int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, op := range ops {
		e.clock.Observe(op.Clock)
		e.doc.Apply(op)
	}
	if version > e.version {
		e.version = version
	}
}

// SnapshotOps exports the replica's registers as an operation batch
// suitable for Bootstrap.
func (e *Engine) SnapshotOps() []protocol.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.SnapshotOps()
}

func (e *Engine) handleState(connected bool) {
	if connected {
		e.events.emit(ConnectedEvent{})
	} else {
		e.events.emit(DisconnectedEvent{})
	}
}

// handleMessage is the single inbound dispatch point. Unknown message
// types fall through and are ignored.
func (e *Engine) handleMessage(msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.TypeOps:
		e.integrate(msg.Ops, msg.Version)
		e.events.emit(RemoteOpsEvent{Ops: msg.Ops, Version: msg.Version, Origin: msg.Origin})

	case protocol.TypeSnapshot:
		e.integrate(msg.Ops, msg.Version)
		e.events.emit(SnapshotEvent{Ops: msg.Ops, Version: msg.Version})

	case protocol.TypeStateVector:
		e.mu.Lock()
		if msg.Version > e.version {
			e.version = msg.Version
		}
		e.mu.Unlock()
		e.events.emit(StateVectorEvent{Version: msg.Version})

	case protocol.TypeCursorUpdate:
		info := CursorInfo{UserID: msg.UserID, Username: msg.Username, X: msg.X, Y: msg.Y}
		e.mu.Lock()
		e.presence.cursor(info)
		e.mu.Unlock()
		e.events.emit(CursorEvent{Cursor: info})

	case protocol.TypeUserJoined:
		e.mu.Lock()
		peer := e.presence.join(msg.UserID, msg.Username, msg.Color)
		e.mu.Unlock()
		e.events.emit(PeerJoinedEvent{Peer: peer})

	case protocol.TypeUserLeft:
		e.mu.Lock()
		info, ok := e.presence.leave(msg.UserID)
		e.mu.Unlock()
		if ok {
			e.events.emit(PeerLeftEvent{UserID: info.UserID, Username: info.Username})
		}

	case protocol.TypePresence:
		e.mu.Lock()
		peer, ok := e.presence.setStatus(msg.UserID, PresenceStatus(msg.Status))
		e.mu.Unlock()
		if ok {
			e.events.emit(PresenceEvent{Peer: peer})
		}

	case protocol.TypePong:
		e.events.emit(PongEvent{})
	}
}

// integrate merges an inbound batch: every clock is observed first so
// subsequent local ticks causally dominate everything seen, then each
// operation goes through the register acceptance rule.
func (e *Engine) integrate(ops []protocol.Operation, version int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, op := range ops {
		e.clock.Observe(op.Clock)
		e.doc.Apply(op)
	}
	if version > e.version {
		e.version = version
	}
}
