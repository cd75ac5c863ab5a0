package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"collabcanvas/crdt"
	"collabcanvas/protocol"
)

// client is one connected editor session.
type client struct {
	hub      *hub
	conn     *websocket.Conn
	send     chan []byte
	nodeID   string
	userID   int64
	username string
}

type inbound struct {
	c   *client
	msg protocol.ClientMessage
}

// versionSource allocates monotonically increasing stream versions. n
// versions are claimed at once; the returned value is the last of them.
type versionSource interface {
	next(ctx context.Context, n int64) (int64, error)
}

// redisVersions allocates versions with INCRBY so multiple server
// instances serving the same document never collide.
type redisVersions struct {
	rdb *redis.Client
	key string
}

func (r *redisVersions) next(ctx context.Context, n int64) (int64, error) {
	return r.rdb.IncrBy(ctx, r.key, n).Result()
}

// localVersions is a process-local counter, used in tests and when the
// server runs without redis.
type localVersions struct {
	v int64
}

func (l *localVersions) next(_ context.Context, n int64) (int64, error) {
	l.v += n
	return l.v, nil
}

type versionedOp struct {
	Version int64
	Op      protocol.Operation
}

// fanoutEnvelope wraps a broadcast on the redis channel so an instance can
// skip its own echo.
type fanoutEnvelope struct {
	Instance string                 `json:"instance"`
	Message  protocol.ServerMessage `json:"message"`
}

type peerPresence struct {
	username string
	status   string
	color    string
	lastOp   time.Time
	conns    int
}

// serverPalette mirrors the client palette so hub-assigned colors match
// what peers will render.
var serverPalette = [...]string{
	"#e6194b", "#3cb44b", "#ffb119", "#4363d8",
	"#f58231", "#911eb4", "#46c5f0", "#f032e6",
}

const (
	editingTimeout = 30 * time.Second
	idleSweepEvery = 10 * time.Second
)

// hub owns one document: the authoritative register state, the version
// stream, the connected clients and their presence. All state is owned by
// the run goroutine; everything reaches it through channels.
type hub struct {
	project    string
	instanceID string
	ctx        context.Context

	doc     *crdt.Document
	version int64
	history []versionedOp

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	messages   chan inbound
	peerOps    chan protocol.ServerMessage

	versions versionSource
	store    *opStore      // optional persistence
	rdb      *redis.Client // optional cross-instance fan-out

	nextColor int
	presence  map[int64]*peerPresence
}

func newHub(ctx context.Context, project, instanceID string, versions versionSource, store *opStore, rdb *redis.Client) *hub {
	return &hub{
		project:    project,
		instanceID: instanceID,
		ctx:        ctx,
		doc:        crdt.NewDocument(),
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		messages:   make(chan inbound, 64),
		peerOps:    make(chan protocol.ServerMessage, 16),
		versions:   versions,
		store:      store,
		rdb:        rdb,
		presence:   make(map[int64]*peerPresence),
	}
}

// replay loads the persisted op log into the register state. Called once
// before run starts.
func (h *hub) replay() error {
	if h.store == nil {
		return nil
	}
	log, err := h.store.load(h.ctx, h.project)
	if err != nil {
		return err
	}
	for _, entry := range log {
		h.doc.Apply(entry.Op)
		h.history = append(h.history, entry)
		if entry.Version > h.version {
			h.version = entry.Version
		}
	}
	glog.Infof("hub %s: replayed %d ops, version %d", h.project, len(log), h.version)
	return nil
}

func (h *hub) run() {
	sweep := time.NewTicker(idleSweepEvery)
	defer sweep.Stop()
	for {
		select {
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case in := <-h.messages:
			h.handleMessage(in)
		case msg := <-h.peerOps:
			h.applyPeerBatch(msg)
		case <-sweep.C:
			h.sweepIdle()
		case <-h.ctx.Done():
			return
		}
	}
}

// subscribeFanout relays batches published by other server instances into
// the run loop.
func (h *hub) subscribeFanout() {
	if h.rdb == nil {
		return
	}
	pubsub := h.rdb.Subscribe(h.ctx, "crdt:"+h.project)
	defer pubsub.Close()
	for msg := range pubsub.Channel() {
		var env fanoutEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			glog.Warningf("hub %s: bad fan-out payload: %v", h.project, err)
			continue
		}
		if env.Instance == h.instanceID {
			continue
		}
		select {
		case h.peerOps <- env.Message:
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *hub) addClient(c *client) {
	h.clients[c] = true

	// A joiner first learns where the stream stands, then gets the full
	// state as one big batch through the same path as live traffic.
	h.sendTo(c, protocol.ServerMessage{Type: protocol.TypeStateVector, Version: h.version})
	h.sendTo(c, protocol.ServerMessage{Type: protocol.TypeSnapshot, Ops: h.doc.SnapshotOps(), Version: h.version})

	// Tell the joiner who is already here.
	for userID, p := range h.presence {
		h.sendTo(c, protocol.ServerMessage{
			Type: protocol.TypeUserJoined, UserID: userID,
			Username: p.username, Color: p.color, Status: p.status,
		})
	}

	p, ok := h.presence[c.userID]
	if !ok {
		p = &peerPresence{
			username: c.username,
			status:   "idle",
			color:    serverPalette[h.nextColor%len(serverPalette)],
		}
		h.nextColor++
		h.presence[c.userID] = p
		h.broadcastExcept(c, protocol.ServerMessage{
			Type: protocol.TypeUserJoined, UserID: c.userID,
			Username: c.username, Color: p.color, Status: p.status,
		})
	}
	p.conns++
	glog.Infof("hub %s: %s (user %d) joined, %d clients", h.project, c.nodeID, c.userID, len(h.clients))
}

func (h *hub) removeClient(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	if p, ok := h.presence[c.userID]; ok {
		p.conns--
		if p.conns <= 0 {
			delete(h.presence, c.userID)
			h.broadcast(protocol.ServerMessage{
				Type: protocol.TypeUserLeft, UserID: c.userID, Username: c.username,
			})
		}
	}
	glog.Infof("hub %s: %s (user %d) left, %d clients", h.project, c.nodeID, c.userID, len(h.clients))
}

func (h *hub) handleMessage(in inbound) {
	switch in.msg.Action {
	case protocol.ActionOp:
		if in.msg.Op != nil {
			h.handleOps(in.c, []protocol.Operation{*in.msg.Op})
		}
	case protocol.ActionBatch:
		h.handleOps(in.c, in.msg.Ops)
	case protocol.ActionCursor:
		h.broadcastExcept(in.c, protocol.ServerMessage{
			Type: protocol.TypeCursorUpdate, UserID: in.c.userID,
			Username: in.c.username, X: in.msg.X, Y: in.msg.Y,
		})
	case protocol.ActionSnapshot:
		h.sendTo(in.c, protocol.ServerMessage{
			Type: protocol.TypeSnapshot, Ops: h.doc.SnapshotOps(), Version: h.version,
		})
	case protocol.ActionSync:
		h.sendTo(in.c, protocol.ServerMessage{
			Type: protocol.TypeOps, Ops: h.opsSince(in.msg.SinceVersion), Version: h.version,
		})
	case protocol.ActionPing:
		h.sendTo(in.c, protocol.ServerMessage{Type: protocol.TypePong, Version: h.version})
	default:
		// Unknown actions are ignored, same as unknown inbound types on
		// the client.
	}
}

// handleOps merges a client batch, assigns stream versions to the accepted
// operations, persists and fans them out.
func (h *hub) handleOps(c *client, ops []protocol.Operation) {
	var accepted []protocol.Operation
	for _, op := range ops {
		if h.doc.Apply(op) {
			accepted = append(accepted, op)
		}
	}
	if len(accepted) == 0 {
		return
	}

	end, err := h.versions.next(h.ctx, int64(len(accepted)))
	if err != nil {
		// Degrade to the local counter rather than stall the stream.
		glog.Errorf("hub %s: version allocation failed: %v", h.project, err)
		end = h.version + int64(len(accepted))
	}
	start := end - int64(len(accepted)) + 1
	for i, op := range accepted {
		v := start + int64(i)
		h.history = append(h.history, versionedOp{Version: v, Op: op})
		if h.store != nil {
			if err := h.store.append(h.ctx, h.project, v, op); err != nil {
				glog.Errorf("hub %s: persist op %d: %v", h.project, v, err)
			}
		}
	}
	if end > h.version {
		h.version = end
	}

	msg := protocol.ServerMessage{
		Type: protocol.TypeOps, Ops: accepted, Version: h.version, Origin: c.nodeID,
	}
	h.broadcastExcept(c, msg)
	h.publish(msg)
	h.markEditing(c)
}

// applyPeerBatch merges a batch another server instance already versioned.
func (h *hub) applyPeerBatch(msg protocol.ServerMessage) {
	start := msg.Version - int64(len(msg.Ops)) + 1
	for i, op := range msg.Ops {
		if h.doc.Apply(op) {
			h.history = append(h.history, versionedOp{Version: start + int64(i), Op: op})
		}
	}
	if msg.Version > h.version {
		h.version = msg.Version
	}
	h.broadcast(msg)
}

func (h *hub) opsSince(version int64) []protocol.Operation {
	var out []protocol.Operation
	for _, entry := range h.history {
		if entry.Version > version {
			out = append(out, entry.Op)
		}
	}
	return out
}

// publish fans a broadcast out to the other server instances.
func (h *hub) publish(msg protocol.ServerMessage) {
	if h.rdb == nil {
		return
	}
	payload, err := json.Marshal(fanoutEnvelope{Instance: h.instanceID, Message: msg})
	if err != nil {
		glog.Errorf("hub %s: marshal fan-out: %v", h.project, err)
		return
	}
	if err := h.rdb.Publish(h.ctx, "crdt:"+h.project, payload).Err(); err != nil {
		glog.Errorf("hub %s: publish fan-out: %v", h.project, err)
	}
}

// markEditing flips a user to editing when their ops arrive; sweepIdle
// flips them back after a quiet period. Both broadcast presence_update.
func (h *hub) markEditing(c *client) {
	p, ok := h.presence[c.userID]
	if !ok {
		return
	}
	p.lastOp = time.Now()
	if p.status == "editing" {
		return
	}
	p.status = "editing"
	h.broadcast(protocol.ServerMessage{
		Type: protocol.TypePresence, UserID: c.userID, Username: p.username, Status: p.status,
	})
}

func (h *hub) sweepIdle() {
	now := time.Now()
	for userID, p := range h.presence {
		if p.status == "editing" && now.Sub(p.lastOp) > editingTimeout {
			p.status = "idle"
			h.broadcast(protocol.ServerMessage{
				Type: protocol.TypePresence, UserID: userID, Username: p.username, Status: p.status,
			})
		}
	}
}

func (h *hub) broadcast(msg protocol.ServerMessage) {
	h.broadcastExcept(nil, msg)
}

func (h *hub) broadcastExcept(skip *client, msg protocol.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		glog.Errorf("hub %s: marshal broadcast: %v", h.project, err)
		return
	}
	for c := range h.clients {
		if c == skip {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow consumer; drop it like the upstream hub does.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *hub) sendTo(c *client, msg protocol.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		glog.Errorf("hub %s: marshal message: %v", h.project, err)
		return
	}
	select {
	case c.send <- data:
	default:
		close(c.send)
		delete(h.clients, c)
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			glog.V(2).Infof("hub %s: dropping unparseable frame from %s: %v", c.hub.project, c.nodeID, err)
			continue
		}
		c.hub.messages <- inbound{c: c, msg: msg}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
