package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// UpstreamDialer opens the backend connection for one user.
type UpstreamDialer interface {
	DialUpstream(ctx context.Context, userID string) (Conn, error)
}

// DialerFunc adapts a function to UpstreamDialer.
type DialerFunc func(ctx context.Context, userID string) (Conn, error)

func (f DialerFunc) DialUpstream(ctx context.Context, userID string) (Conn, error) {
	return f(ctx, userID)
}

// WSDialer dials the backend over gorilla/websocket and tags the handshake with the user ID.
type WSDialer struct {
	url        string
	userHeader string
	dialer     *websocket.Dialer
}

func NewWSDialer(url, userHeader string, handshakeTimeout time.Duration) *WSDialer {
	return &WSDialer{
		url:        url,
		userHeader: userHeader,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *WSDialer) DialUpstream(ctx context.Context, userID string) (Conn, error) {
	header := http.Header{}
	header.Set(d.userHeader, userID)

	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %d)", ErrUpstreamUnavailable, d.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUpstreamUnavailable, d.url, err)
	}
	return conn, nil
}

// Upstream is the single backend connection of a bridge session.
type Upstream struct {
	id     string
	userID string
	conn   Conn
	send   chan Frame
	cfg    SocketConfig

	done       chan struct{}
	flushed    chan struct{}
	closed     int32
	reportOnce sync.Once
	wg         sync.WaitGroup
}

func newUpstream(conn Conn, userID string, cfg SocketConfig) *Upstream {
	cfg = cfg.withDefaults()
	return &Upstream{
		id:      uuid.New().String(),
		userID:  userID,
		conn:    conn,
		send:    make(chan Frame, cfg.SendBuffer),
		cfg:     cfg,
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
}

func (u *Upstream) ID() string {
	return u.id
}

func (u *Upstream) isClosed() bool {
	return atomic.LoadInt32(&u.closed) == 1
}

// start runs the read and write loops. onFrame returning an error stops the reader.
// onClosed is reported at most once, and never after Close.
func (u *Upstream) start(onFrame func(*Upstream, Frame) error, onClosed func(*Upstream, error)) {
	u.wg.Add(2)
	go u.writeLoop(onClosed)
	go u.readLoop(onFrame, onClosed)
}

// Enqueue queues a frame for the backend in FIFO order.
func (u *Upstream) Enqueue(f Frame) error {
	if u.isClosed() {
		return ErrUpstreamClosed
	}

	select {
	case u.send <- f:
		return nil
	default:
		return ErrUpstreamBackpressure
	}
}

// Close sends a close frame to the backend and releases the socket.
func (u *Upstream) Close(reason CloseReason) {
	if !atomic.CompareAndSwapInt32(&u.closed, 0, 1) {
		return
	}
	close(u.done)

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer close(u.flushed)
		closeConn(u.conn, reason, u.cfg.WriteWait)
		slog.Debug("Upstream closed", "upstreamID", u.id, "userID", u.userID, "code", reason.Code)
	}()
}

// Flushed is closed once Close has written the close frame and released the socket.
func (u *Upstream) Flushed() <-chan struct{} {
	return u.flushed
}

// Wait blocks until the loops and any pending close have finished.
func (u *Upstream) Wait() {
	u.wg.Wait()
}

func (u *Upstream) fail(err error, onClosed func(*Upstream, error)) {
	u.reportOnce.Do(func() {
		if u.isClosed() {
			return
		}
		slog.Debug("Upstream failed", "upstreamID", u.id, "userID", u.userID, "error", err)
		onClosed(u, err)
	})
}

func (u *Upstream) readLoop(onFrame func(*Upstream, Frame) error, onClosed func(*Upstream, error)) {
	defer u.wg.Done()

	u.conn.SetReadLimit(u.cfg.MaxMessageSize)
	u.conn.SetReadDeadline(time.Now().Add(u.cfg.PongWait))
	u.conn.SetPongHandler(func(string) error {
		return u.conn.SetReadDeadline(time.Now().Add(u.cfg.PongWait))
	})

	for {
		messageType, data, err := u.conn.ReadMessage()
		if err != nil {
			u.fail(fmt.Errorf("%w: %v", ErrUpstreamClosed, err), onClosed)
			return
		}
		if err := onFrame(u, Frame{Type: messageType, Data: data}); err != nil {
			return
		}
	}
}

func (u *Upstream) writeLoop(onClosed func(*Upstream, error)) {
	ticker := time.NewTicker(u.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		u.wg.Done()
	}()

	for {
		select {
		case <-u.done:
			return

		case f := <-u.send:
			u.conn.SetWriteDeadline(time.Now().Add(u.cfg.WriteWait))
			if err := u.conn.WriteMessage(f.Type, f.Data); err != nil {
				u.fail(fmt.Errorf("%w: write: %v", ErrUpstreamClosed, err), onClosed)
				return
			}

		case <-ticker.C:
			u.conn.SetWriteDeadline(time.Now().Add(u.cfg.WriteWait))
			if err := u.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				u.fail(fmt.Errorf("%w: ping: %v", ErrUpstreamClosed, err), onClosed)
				return
			}
		}
	}
}
