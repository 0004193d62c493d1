package websocket

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	defaultWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from peer
	defaultMaxMessageSize = 64 * 1024

	defaultSendBuffer = 256
)

// SocketConfig tunes the pumps of client and upstream sockets.
type SocketConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func (c SocketConfig) withDefaults() SocketConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	return c
}

// Send pings to peer with this period. Must be less than PongWait
func (c SocketConfig) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// Client is one authenticated client-facing socket. Its user ID is fixed at construction.
type Client struct {
	id     string
	userID string
	conn   Conn
	send   chan Frame
	cfg    SocketConfig

	// Connection state management
	done    chan struct{}
	flushed chan struct{} // closed once the close frame is written and the socket released
	closed  int32         // atomic flag to track if client is closed
	reason  CloseReason

	// Goroutine coordination
	wg sync.WaitGroup
}

func NewClient(conn Conn, userID string, cfg SocketConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		id:      uuid.New().String(),
		userID:  userID,
		conn:    conn,
		send:    make(chan Frame, cfg.SendBuffer),
		cfg:     cfg,
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) UserID() string {
	return c.userID
}

// IsClosed returns true if the client is closed
func (c *Client) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// Done is closed once the client starts closing.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// CloseReason reports the reason the client was closed with.
func (c *Client) CloseReason() (CloseReason, bool) {
	select {
	case <-c.done:
		return c.reason, true
	default:
		return CloseReason{}, false
	}
}

// Enqueue queues a frame for the write pump. It returns false when the client is closed.
// A full send buffer closes the client as a slow consumer; other clients are unaffected.
func (c *Client) Enqueue(f Frame) bool {
	if c.IsClosed() {
		return false
	}

	select {
	case c.send <- f:
		return true
	default:
		slog.Warn("Send buffer full, closing client", "clientID", c.id, "userID", c.userID)
		c.Close(ReasonSlowConsumer)
		return false
	}
}

// Close sends a close frame with reason and releases the socket. Only the first call has effect.
// The socket I/O happens on its own goroutine so callers never block on a slow peer.
func (c *Client) Close(reason CloseReason) {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	c.reason = reason
	close(c.done)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.flushed)
		closeConn(c.conn, reason, c.cfg.WriteWait)
		slog.Debug("Client closed", "clientID", c.id, "userID", c.userID, "code", reason.Code, "reason", reason.Text)
	}()
}

// abort drops the socket without a close handshake after a transport error.
func (c *Client) abort() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	c.reason = CloseReason{Code: websocket.CloseAbnormalClosure, Text: "transport error"}
	close(c.done)
	_ = c.conn.Close()
	close(c.flushed)
}

// Flushed is closed once a closing client has released its socket.
func (c *Client) Flushed() <-chan struct{} {
	return c.flushed
}

// Start launches the read and write pumps. onFrame receives every inbound frame in order;
// onClose runs once when the read side ends, whatever the cause.
func (c *Client) Start(onFrame func(*Client, Frame), onClose func(*Client)) {
	c.wg.Add(2)
	go c.writePump()
	go c.readPump(onFrame, onClose)
}

// Wait blocks until the pumps and any pending close have finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) readPump(onFrame func(*Client, Frame), onClose func(*Client)) {
	defer func() {
		c.wg.Done()
		c.Close(ReasonNormal)
		onClose(c)
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	slog.Debug("ReadPump started", "clientID", c.id, "userID", c.userID)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case c.IsClosed():
				slog.Debug("ReadPump stopped after close", "clientID", c.id, "userID", c.userID)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
				slog.Warn("WebSocket error", "clientID", c.id, "userID", c.userID, "error", err)
			default:
				slog.Debug("WebSocket connection closed", "clientID", c.id, "userID", c.userID, "error", err)
			}
			return
		}

		onFrame(c, Frame{Type: messageType, Data: data})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.wg.Done()
		slog.Debug("WritePump finished", "clientID", c.id, "userID", c.userID)
	}()

	for {
		select {
		case <-c.done:
			return

		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(f.Type, f.Data); err != nil {
				slog.Debug("Error writing message", "clientID", c.id, "userID", c.userID, "error", err)
				c.abort()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("Error sending ping", "clientID", c.id, "userID", c.userID, "error", err)
				c.abort()
				return
			}
		}
	}
}
