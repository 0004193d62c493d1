package websocket

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/events"
)

// ErrClosedConnection is returned when attempting to use a closed connection
var ErrClosedConnection = errors.New("connection closed")

// mockConn implements Conn for testing. Frames pushed with send are returned by
// ReadMessage; hangup simulates the peer closing the socket.
type mockConn struct {
	mu          sync.Mutex
	messages    []Frame
	closeFrames []CloseReason
	closed      bool
	writeErr    error
	writeGate   chan struct{}
	ctrlDelay   time.Duration

	inbound    chan Frame
	peerClosed chan struct{}
	done       chan struct{}
	hangupOnce sync.Once
	closeOnce  sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound:    make(chan Frame, 256),
		peerClosed: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-m.inbound:
		return f.Type, f.Data, nil
	case <-m.peerClosed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	case <-m.done:
		return 0, nil, ErrClosedConnection
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	gate := m.writeGate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-m.done:
			return ErrClosedConnection
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosedConnection
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	if messageType == websocket.PingMessage {
		return nil
	}
	m.messages = append(m.messages, Frame{Type: messageType, Data: data})
	return nil
}

func (m *mockConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	m.mu.Lock()
	delay := m.ctrlDelay
	m.mu.Unlock()
	time.Sleep(delay)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosedConnection
	}
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		m.closeFrames = append(m.closeFrames, CloseReason{
			Code: int(binary.BigEndian.Uint16(data[:2])),
			Text: string(data[2:]),
		})
	}
	return nil
}

func (m *mockConn) SetReadLimit(int64)                        {}
func (m *mockConn) SetReadDeadline(time.Time) error           { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error          { return nil }
func (m *mockConn) SetPongHandler(func(appData string) error) {}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
	return nil
}

// send queues a frame as if the peer had written it.
func (m *mockConn) send(data string) {
	m.inbound <- TextFrame([]byte(data))
}

func (m *mockConn) hangup() {
	m.hangupOnce.Do(func() { close(m.peerClosed) })
}

func (m *mockConn) failWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// slowControl delays every control frame, such as a close frame, by d.
func (m *mockConn) slowControl(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctrlDelay = d
}

func (m *mockConn) blockWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeGate = make(chan struct{})
}

func (m *mockConn) getMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.messages))
	for i, f := range m.messages {
		result[i] = string(f.Data)
	}
	return result
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// closeFrame returns the first close frame written to the connection.
func (m *mockConn) closeFrame() (CloseReason, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.closeFrames) == 0 {
		return CloseReason{}, false
	}
	return m.closeFrames[0], true
}

// fakeDialer hands out mockConns and records every dial. Setting gate holds dials until
// it is closed or the dial context ends.
type fakeDialer struct {
	mu    sync.Mutex
	users []string
	conns []*mockConn
	err   error
	gate  chan struct{}
}

func (d *fakeDialer) DialUpstream(ctx context.Context, userID string) (Conn, error) {
	d.mu.Lock()
	d.users = append(d.users, userID)
	gate, err := d.gate, d.err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	conn := newMockConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

func (d *fakeDialer) hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
}

func (d *fakeDialer) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	close(d.gate)
	d.gate = nil
}

func (d *fakeDialer) upstream(i int) *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// staticVerifier accepts any token as the user ID, except "bad".
type staticVerifier struct{}

func (staticVerifier) VerifyToken(_ context.Context, token string) (string, error) {
	if token == "bad" {
		return "", auth.ErrInvalidToken
	}
	return token, nil
}

// recordingEmitter keeps every lifecycle event; it panics once on panicOn when set.
type recordingEmitter struct {
	mu       sync.Mutex
	events   []events.Event
	panicOn  events.Type
	panicked atomic.Bool
}

func (e *recordingEmitter) Emit(ev events.Event) {
	if e.panicOn != "" && ev.Type == e.panicOn && e.panicked.CompareAndSwap(false, true) {
		panic("emitter exploded")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) types() []events.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Type, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// createTestGateway wires a gateway to a fresh registry backed by dialer.
func createTestGateway(t *testing.T, dialer UpstreamDialer, opts ...func(*Options)) *Gateway {
	t.Helper()
	o := Options{
		Dialer:      dialer,
		DialTimeout: 5 * time.Second,
		Socket:      SocketConfig{WriteWait: time.Second, SendBuffer: 64},
	}
	for _, opt := range opts {
		opt(&o)
	}
	r := NewRegistry(o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return NewGateway(staticVerifier{}, r)
}

// connectClient runs a successful handshake for userID.
func connectClient(t *testing.T, g *Gateway, userID string) (*Client, *mockConn) {
	t.Helper()
	conn := newMockConn()
	client, err := g.OnConnect(context.Background(), conn, userID)
	require.NoError(t, err)
	return client, conn
}

func assertClosedWith(t *testing.T, conn *mockConn, want CloseReason) {
	t.Helper()
	assert.Eventually(t, func() bool {
		got, ok := conn.closeFrame()
		return ok && got == want
	}, waitFor, tick, "expected close frame %+v", want)
}

func assertSessionGone(t *testing.T, r *Registry, userID string) {
	t.Helper()
	assert.Eventually(t, func() bool { return r.Session(userID) == nil }, waitFor, tick)
}
