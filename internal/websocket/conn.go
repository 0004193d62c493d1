package websocket

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the bridge relies on, for client and upstream sockets alike.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Frame is an opaque message forwarded between a client and its upstream.
type Frame struct {
	Type int
	Data []byte
}

func TextFrame(data []byte) Frame   { return Frame{Type: websocket.TextMessage, Data: data} }
func BinaryFrame(data []byte) Frame { return Frame{Type: websocket.BinaryMessage, Data: data} }

// Close codes surfaced to clients.
const (
	CloseNormal               = websocket.CloseNormalClosure
	CloseShutdown             = websocket.CloseGoingAway
	ClosePolicyViolation      = websocket.ClosePolicyViolation
	CloseInternalError        = websocket.CloseInternalServerErr
	CloseAuthFailed           = 4001
	CloseUpstreamDisconnected = 4002
	CloseUpstreamUnavailable  = 4003
)

// CloseReason is the code and text sent in a close frame.
type CloseReason struct {
	Code int
	Text string
}

var (
	ReasonTokenRequired        = CloseReason{CloseAuthFailed, "authentication token required"}
	ReasonInvalidToken         = CloseReason{CloseAuthFailed, "invalid token"}
	ReasonUpstreamDisconnected = CloseReason{CloseUpstreamDisconnected, "upstream disconnected"}
	ReasonUpstreamUnavailable  = CloseReason{CloseUpstreamUnavailable, "upstream unavailable"}
	ReasonNormal               = CloseReason{CloseNormal, "client disconnected"}
	ReasonShutdown             = CloseReason{CloseShutdown, "server shutting down"}
	ReasonSlowConsumer         = CloseReason{ClosePolicyViolation, "send buffer full"}
	ReasonInternal             = CloseReason{CloseInternalError, "internal error"}
)

func (r CloseReason) message() []byte {
	return websocket.FormatCloseMessage(r.Code, r.Text)
}

var (
	ErrSessionClosed        = errors.New("bridge session closed")
	ErrSessionNotFound      = errors.New("bridge session not found")
	ErrClientDetached       = errors.New("client detached before upstream opened")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrUpstreamClosed       = errors.New("upstream connection closed")
	ErrUpstreamBackpressure = errors.New("upstream send buffer full")
	ErrShuttingDown         = errors.New("gateway shutting down")
	ErrUserMismatch         = errors.New("client belongs to a different user")
)

// closeConn sends a close frame and releases the socket. Used before a Client exists.
func closeConn(conn Conn, reason CloseReason, writeWait time.Duration) {
	_ = conn.WriteControl(websocket.CloseMessage, reason.message(), time.Now().Add(writeWait))
	_ = conn.Close()
}
