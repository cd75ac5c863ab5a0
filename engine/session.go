package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabcanvas/protocol"
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// wireConn is the slice of *websocket.Conn the session needs. Tests swap
// it for a scripted connection through the dial hook.
type wireConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type dialFunc func(url string) (wireConn, error)

func wsDial(url string) (wireConn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

const (
	defaultMaxPending   = 4096
	defaultPingInterval = 25 * time.Second
)

// session owns one network session: the Disconnected → Connecting →
// Connected state machine, the outbound buffer of not-yet-sent operations,
// and the single reconnect timer. Reconnection is retried forever with
// capped exponential backoff; there is no terminal failure state.
type session struct {
	url  string
	dial dialFunc

	onMessage func(protocol.ServerMessage)
	onState   func(connected bool)

	pingEvery time.Duration
	afterFunc func(time.Duration, func()) *time.Timer

	mu         sync.Mutex
	state      connState
	conn       wireConn
	gen        int // connection generation, invalidates stale pumps
	pending    []protocol.Operation
	maxPending int
	dropped    int
	retry      *backoff.ExponentialBackOff
	timer      *time.Timer
	closed     bool
}

func newSession(url string, dial dialFunc, maxPending int, pingEvery time.Duration) *session {
	if dial == nil {
		dial = wsDial
	}
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	if pingEvery == 0 {
		pingEvery = defaultPingInterval
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.RandomizationFactor = 0
	retry.Multiplier = 2
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0 // retry indefinitely
	retry.Reset()

	return &session{
		url:        url,
		dial:       dial,
		pingEvery:  pingEvery,
		afterFunc:  time.AfterFunc,
		maxPending: maxPending,
		retry:      retry,
	}
}

// Connect opens the session. A no-op unless currently disconnected.
func (s *session) Connect() {
	s.mu.Lock()
	if s.state != stateDisconnected {
		s.mu.Unlock()
		return
	}
	s.closed = false
	s.stopTimerLocked()
	s.state = stateConnecting
	s.mu.Unlock()

	s.attempt()
}

// Disconnect closes the active connection and cancels any scheduled
// reconnect. Buffered operations stay in memory for a later Connect.
func (s *session) Disconnect() {
	s.mu.Lock()
	s.closed = true
	s.stopTimerLocked()
	wasConnected := s.state == stateConnected
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = stateDisconnected
	s.gen++
	s.mu.Unlock()

	if wasConnected && s.onState != nil {
		s.onState(false)
	}
}

// Send transmits an operation immediately when connected, otherwise
// appends it to the pending buffer. The buffer is bounded; when full the
// oldest operation is dropped.
func (s *session) Send(op protocol.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateConnected {
		err := s.writeLocked(protocol.ClientMessage{Action: protocol.ActionOp, Op: &op})
		if err == nil {
			return
		}
		// The read pump will notice the broken socket; keep the op so the
		// next flush delivers it.
		glog.Warningf("session: write failed, buffering op: %v", err)
	}
	s.bufferLocked(op)
}

func (s *session) bufferLocked(op protocol.Operation) {
	if len(s.pending) >= s.maxPending {
		s.pending = s.pending[1:]
		s.dropped++
		glog.Warningf("session: pending buffer full, dropped oldest op (%d total)", s.dropped)
	}
	s.pending = append(s.pending, op)
}

// SendMessage transmits a fire-and-forget control frame. Dropped when not
// connected.
func (s *session) SendMessage(msg protocol.ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnected {
		glog.V(2).Infof("session: not connected, dropping %s", msg.Action)
		return
	}
	if err := s.writeLocked(msg); err != nil {
		glog.Warningf("session: write %s failed: %v", msg.Action, err)
	}
}

func (s *session) writeLocked(msg protocol.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) attempt() {
	c, err := s.dial(s.url)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if c != nil {
			c.Close()
		}
		return
	}
	if err != nil {
		s.state = stateDisconnected
		d := s.armRetryLocked()
		s.mu.Unlock()
		glog.Warningf("session: connect to %s failed, retrying in %s: %v", s.url, d, err)
		return
	}

	s.conn = c
	s.gen++
	gen := s.gen
	s.state = stateConnected
	s.retry.Reset()
	s.flushLocked()
	s.mu.Unlock()

	glog.V(1).Infof("session: connected to %s", s.url)
	// Notify before the read pump exists. A connection that dies on its
	// first read would otherwise race lost() and report the disconnect
	// ahead of the connect.
	if s.onState != nil {
		s.onState(true)
	}
	go s.readPump(c, gen)
	if s.pingEvery > 0 {
		go s.pingLoop(gen)
	}
}

// flushLocked drains the pending buffer as one batch in insertion order.
func (s *session) flushLocked() {
	if len(s.pending) == 0 {
		return
	}
	batch := s.pending
	s.pending = nil
	if err := s.writeLocked(protocol.ClientMessage{Action: protocol.ActionBatch, Ops: batch}); err != nil {
		// Keep the batch; the read pump will notice the broken socket and
		// the next connection retries the flush.
		s.pending = batch
		glog.Warningf("session: flush of %d buffered ops failed: %v", len(batch), err)
		return
	}
	glog.V(1).Infof("session: flushed %d buffered ops", len(batch))
}

func (s *session) readPump(c wireConn, gen int) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			s.lost(gen, err)
			return
		}
		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Transient noise; never surfaced to the consumer.
			glog.V(2).Infof("session: dropping unparseable frame: %v", err)
			continue
		}
		if s.onMessage != nil {
			s.onMessage(msg)
		}
	}
}

func (s *session) pingLoop(gen int) {
	t := time.NewTicker(s.pingEvery)
	defer t.Stop()
	for range t.C {
		s.mu.Lock()
		stale := s.closed || gen != s.gen || s.state != stateConnected
		s.mu.Unlock()
		if stale {
			return
		}
		s.SendMessage(protocol.ClientMessage{Action: protocol.ActionPing})
	}
}

func (s *session) lost(gen int, err error) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.state != stateConnected {
		s.mu.Unlock()
		return
	}
	s.conn.Close()
	s.conn = nil
	s.state = stateDisconnected
	d := s.armRetryLocked()
	s.mu.Unlock()

	glog.Warningf("session: connection lost, reconnecting in %s: %v", d, err)
	if s.onState != nil {
		s.onState(false)
	}
}

// armRetryLocked schedules the next connection attempt. Re-arming stops
// any prior timer, so at most one reconnect can ever be in flight.
func (s *session) armRetryLocked() time.Duration {
	d := s.retry.NextBackOff()
	s.stopTimerLocked()
	s.timer = s.afterFunc(d, s.retryNow)
	return d
}

func (s *session) retryNow() {
	s.mu.Lock()
	if s.closed || s.state != stateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = stateConnecting
	s.mu.Unlock()

	s.attempt()
}

func (s *session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *session) currentState() connState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) pendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
