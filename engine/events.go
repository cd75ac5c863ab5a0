package engine

import (
	"sync"

	"collabcanvas/protocol"
)

// EventKind names one of the engine's event streams.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventLocalOp      EventKind = "local_op"
	EventRemoteOps    EventKind = "remote_ops"
	EventSnapshot     EventKind = "snapshot"
	EventStateVector  EventKind = "state_vector"
	EventCursor       EventKind = "cursor"
	EventPeerJoined   EventKind = "peer_joined"
	EventPeerLeft     EventKind = "peer_left"
	EventPresence     EventKind = "presence"
	EventPong         EventKind = "pong"
)

// Event is the closed set of payloads the engine emits. One concrete type
// exists per event kind, so handlers switch on the type instead of
// decoding an untyped map.
type Event interface {
	Kind() EventKind
}

type ConnectedEvent struct{}

func (ConnectedEvent) Kind() EventKind { return EventConnected }

type DisconnectedEvent struct{}

func (DisconnectedEvent) Kind() EventKind { return EventDisconnected }

// LocalOpEvent fires after a local mutation was applied optimistically and
// handed to the transport.
type LocalOpEvent struct {
	Op protocol.Operation
}

func (LocalOpEvent) Kind() EventKind { return EventLocalOp }

// RemoteOpsEvent fires after an inbound batch was merged.
type RemoteOpsEvent struct {
	Ops     []protocol.Operation
	Version int64
	Origin  string
}

func (RemoteOpsEvent) Kind() EventKind { return EventRemoteOps }

// SnapshotEvent fires after a full-state snapshot was merged.
type SnapshotEvent struct {
	Ops     []protocol.Operation
	Version int64
}

func (SnapshotEvent) Kind() EventKind { return EventSnapshot }

// StateVectorEvent carries the authoritative stream version.
type StateVectorEvent struct {
	Version int64
}

func (StateVectorEvent) Kind() EventKind { return EventStateVector }

type CursorEvent struct {
	Cursor CursorInfo
}

func (CursorEvent) Kind() EventKind { return EventCursor }

type PeerJoinedEvent struct {
	Peer PresenceInfo
}

func (PeerJoinedEvent) Kind() EventKind { return EventPeerJoined }

type PeerLeftEvent struct {
	UserID   int64
	Username string
}

func (PeerLeftEvent) Kind() EventKind { return EventPeerLeft }

type PresenceEvent struct {
	Peer PresenceInfo
}

func (PresenceEvent) Kind() EventKind { return EventPresence }

type PongEvent struct{}

func (PongEvent) Kind() EventKind { return EventPong }

// emitter is a small subscribe/emit fan-out keyed by event kind.
type emitter struct {
	mu   sync.Mutex
	next int
	subs map[EventKind]map[int]func(Event)
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[EventKind]map[int]func(Event))}
}

// on registers a handler and returns its unsubscribe function. The
// returned function is idempotent.
func (e *emitter) on(kind EventKind, fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	handlers, ok := e.subs[kind]
	if !ok {
		handlers = make(map[int]func(Event))
		e.subs[kind] = handlers
	}
	id := e.next
	e.next++
	handlers[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs[kind], id)
	}
}

// emit calls every handler subscribed to the event's kind. Handlers run on
// the emitting goroutine, outside the emitter lock, so they may subscribe
// or unsubscribe freely.
func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	handlers := make([]func(Event), 0, len(e.subs[ev.Kind()]))
	for _, fn := range e.subs[ev.Kind()] {
		handlers = append(handlers, fn)
	}
	e.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
