package engine

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/protocol"
)

// fakeConn is a scripted wire connection. Reads block until a frame is
// queued or the connection is closed; writes are captured for inspection.
type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbox:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) clientMessages(t *testing.T) []protocol.ClientMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ClientMessage, 0, len(c.writes))
	for _, data := range c.writes {
		var msg protocol.ClientMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		out = append(out, msg)
	}
	return out
}

func dialTo(c *fakeConn) dialFunc {
	return func(string) (wireConn, error) { return c, nil }
}

func TestSendWhileDisconnectedBuffers(t *testing.T) {
	s := newSession("ws://test", dialTo(newFakeConn()), 0, -1)

	s.Send(protocol.Operation{Type: protocol.OpSet, ElementID: "e1", Prop: "x"})
	s.Send(protocol.Operation{Type: protocol.OpSet, ElementID: "e1", Prop: "y"})
	assert.Equal(t, 2, s.pendingLen())
	assert.Equal(t, stateDisconnected, s.currentState())
}

func TestPendingBufferBoundedDropOldest(t *testing.T) {
	s := newSession("ws://test", dialTo(newFakeConn()), 3, -1)

	for i := 0; i < 5; i++ {
		s.Send(protocol.Operation{
			Type: protocol.OpSet, ElementID: "e1", Prop: "x", Value: i,
		})
	}
	require.Equal(t, 3, s.pendingLen())
	// Oldest two were dropped; 2, 3, 4 remain in order.
	assert.Equal(t, 2, s.pending[0].Value)
	assert.Equal(t, 4, s.pending[2].Value)
}

func TestConnectFlushesPendingAsOneBatchInOrder(t *testing.T) {
	conn := newFakeConn()
	s := newSession("ws://test", dialTo(conn), 0, -1)

	s.Send(protocol.Operation{Type: protocol.OpSet, ElementID: "e1", Prop: "x", Value: 10})
	s.Send(protocol.Operation{Type: protocol.OpSet, ElementID: "e1", Prop: "x", Value: 20})
	s.Connect()
	defer s.Disconnect()

	require.Equal(t, stateConnected, s.currentState())
	assert.Equal(t, 0, s.pendingLen())

	msgs := conn.clientMessages(t)
	require.Len(t, msgs, 1, "flush must be exactly one batch")
	assert.Equal(t, protocol.ActionBatch, msgs[0].Action)
	require.Len(t, msgs[0].Ops, 2)
	assert.EqualValues(t, 10, msgs[0].Ops[0].Value)
	assert.EqualValues(t, 20, msgs[0].Ops[1].Value)
}

func TestConnectedSendsImmediately(t *testing.T) {
	conn := newFakeConn()
	s := newSession("ws://test", dialTo(conn), 0, -1)
	s.Connect()
	defer s.Disconnect()

	s.Send(protocol.Operation{Type: protocol.OpSet, ElementID: "e1", Prop: "x", Value: 1})
	msgs := conn.clientMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.ActionOp, msgs[0].Action)
	assert.Equal(t, 0, s.pendingLen())
}

func TestControlFramesDroppedWhileDisconnected(t *testing.T) {
	conn := newFakeConn()
	s := newSession("ws://test", dialTo(conn), 0, -1)

	s.SendMessage(protocol.ClientMessage{Action: protocol.ActionCursor, X: 1, Y: 2})
	assert.Empty(t, conn.clientMessages(t))
	assert.Equal(t, 0, s.pendingLen(), "control frames must not be buffered")
}

// scheduleRecorder captures reconnect delays and lets the test fire the
// timer callback by hand.
type scheduleRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	fire   func()
}

func (r *scheduleRecorder) afterFunc(d time.Duration, fn func()) *time.Timer {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.fire = fn
	r.mu.Unlock()
	return time.NewTimer(time.Hour)
}

func (r *scheduleRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func (r *scheduleRecorder) fireNow() {
	r.mu.Lock()
	fn := r.fire
	r.mu.Unlock()
	fn()
}

func TestReconnectBackoffDoublesAndCaps(t *testing.T) {
	rec := &scheduleRecorder{}
	s := newSession("ws://test", func(string) (wireConn, error) {
		return nil, errors.New("connection refused")
	}, 0, -1)
	s.afterFunc = rec.afterFunc

	s.Connect()
	for i := 0; i < 7; i++ {
		rec.fireNow()
	}

	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	assert.Equal(t,
		[]time.Duration{sec(1), sec(2), sec(4), sec(8), sec(16), sec(30), sec(30), sec(30)},
		rec.recorded())
}

func TestBackoffResetsAfterSuccessfulConnection(t *testing.T) {
	rec := &scheduleRecorder{}
	var (
		mu      sync.Mutex
		succeed bool
		conn    = newFakeConn()
	)
	s := newSession("ws://test", func(string) (wireConn, error) {
		mu.Lock()
		defer mu.Unlock()
		if succeed {
			return conn, nil
		}
		return nil, errors.New("connection refused")
	}, 0, -1)
	s.afterFunc = rec.afterFunc

	s.Connect()
	rec.fireNow()
	rec.fireNow() // delays so far: 1s, 2s, 4s

	mu.Lock()
	succeed = true
	mu.Unlock()
	rec.fireNow()
	require.Equal(t, stateConnected, s.currentState())

	// Drop the connection; the read pump arms a fresh 1s retry.
	conn.Close()
	require.Eventually(t, func() bool {
		delays := rec.recorded()
		return len(delays) == 4 && delays[3] == time.Second
	}, time.Second, 5*time.Millisecond, "delay after a successful connection must reset to 1s")
}

func TestConnectedNotificationPrecedesImmediateLoss(t *testing.T) {
	rec := &scheduleRecorder{}
	conn := newFakeConn()
	conn.Close() // the very first read fails
	s := newSession("ws://test", dialTo(conn), 0, -1)
	s.afterFunc = rec.afterFunc

	var (
		mu     sync.Mutex
		states []bool
	)
	s.onState = func(connected bool) {
		mu.Lock()
		states = append(states, connected)
		mu.Unlock()
	}

	s.Connect()
	defer s.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, time.Second, time.Millisecond)

	// Even when the connection dies before the first frame, the consumer
	// must see connected first; a trailing connected would leave it
	// believing it is online while the session is retrying.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, states)
}

func TestFailedWriteRequeuesOperation(t *testing.T) {
	rec := &scheduleRecorder{}
	conn := newFakeConn()
	s := newSession("ws://test", dialTo(conn), 0, -1)
	s.afterFunc = rec.afterFunc

	s.Connect()
	require.Equal(t, stateConnected, s.currentState())

	// The socket breaks under the session; whether Send observes the
	// broken write or the already-disconnected state, the op must survive
	// for the next flush.
	conn.Close()
	s.Send(protocol.Operation{Type: protocol.OpSet, ElementID: "e1", Prop: "x", Value: 1})
	require.Equal(t, 1, s.pendingLen())

	s.mu.Lock()
	op := s.pending[0]
	s.mu.Unlock()
	assert.Equal(t, "e1", op.ElementID)
	assert.EqualValues(t, 1, op.Value)
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	rec := &scheduleRecorder{}
	s := newSession("ws://test", func(string) (wireConn, error) {
		return nil, errors.New("connection refused")
	}, 0, -1)
	s.afterFunc = rec.afterFunc

	s.Connect()
	require.Len(t, rec.recorded(), 1)

	s.Disconnect()
	// A late timer fire after Disconnect must not start an attempt.
	rec.fireNow()
	assert.Len(t, rec.recorded(), 1)
	assert.Equal(t, stateDisconnected, s.currentState())
}

func TestInboundFramesDispatchedAndNoiseDropped(t *testing.T) {
	conn := newFakeConn()
	got := make(chan protocol.ServerMessage, 4)
	s := newSession("ws://test", dialTo(conn), 0, -1)
	s.onMessage = func(msg protocol.ServerMessage) { got <- msg }

	s.Connect()
	defer s.Disconnect()

	conn.inbox <- []byte(`{not json`)
	conn.inbox <- []byte(`{"type":"pong","version":7}`)

	select {
	case msg := <-got:
		assert.Equal(t, protocol.TypePong, msg.Type)
		assert.Equal(t, int64(7), msg.Version)
	case <-time.After(time.Second):
		t.Fatal("inbound frame was not dispatched")
	}
	assert.Empty(t, got, "the malformed frame must be dropped silently")
}
