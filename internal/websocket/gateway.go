package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"chat-gateway/internal/auth"
)

// TokenVerifier resolves a bearer token to a user ID.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// Gateway authenticates client sockets and binds them to bridge sessions.
type Gateway struct {
	verifier TokenVerifier
	registry *Registry
	socket   SocketConfig
}

// NewGateway binds verifier to registry; client sockets use the registry's SocketConfig.
func NewGateway(verifier TokenVerifier, registry *Registry) *Gateway {
	return &Gateway{
		verifier: verifier,
		registry: registry,
		socket:   registry.opts.Socket,
	}
}

func (g *Gateway) Registry() *Registry {
	return g.registry
}

// TokenFromRequest reads the handshake token from the token query parameter,
// falling back to the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return r.Header.Get("Authorization")
}

// OnConnect authenticates an upgraded socket and attaches it to the user's session.
// Authentication failures close conn with 4001 before any registry state exists.
func (g *Gateway) OnConnect(ctx context.Context, conn Conn, token string) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		slog.Debug("Rejecting connection without token")
		closeConn(conn, ReasonTokenRequired, g.socket.WriteWait)
		return nil, auth.ErrMissingToken
	}

	userID, err := g.verifier.VerifyToken(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrMissingToken) {
			closeConn(conn, ReasonTokenRequired, g.socket.WriteWait)
			return nil, err
		}
		slog.Info("Rejecting connection with invalid token", "error", err)
		closeConn(conn, ReasonInvalidToken, g.socket.WriteWait)
		if !errors.Is(err, auth.ErrInvalidToken) {
			err = fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
		}
		return nil, err
	}

	client := NewClient(conn, userID, g.socket)
	if _, err := g.registry.Attach(ctx, userID, client); err != nil {
		slog.Warn("Failed to attach client", "userID", userID, "clientID", client.ID(), "error", err)
		client.Close(closeReasonFor(err))
		return nil, err
	}

	client.Start(g.OnClientMessage, g.OnClientClose)
	return client, nil
}

func closeReasonFor(err error) CloseReason {
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		return ReasonUpstreamUnavailable
	case errors.Is(err, ErrShuttingDown):
		return ReasonShutdown
	case errors.Is(err, ErrSessionClosed):
		return ReasonUpstreamDisconnected
	default:
		return ReasonInternal
	}
}

// OnClientMessage forwards a client frame verbatim. Frames for a session without an
// open upstream are dropped.
func (g *Gateway) OnClientMessage(client *Client, frame Frame) {
	if err := g.registry.ForwardClientFrame(client, frame); err != nil {
		slog.Debug("Dropping client frame", "userID", client.UserID(), "clientID", client.ID(), "error", err)
	}
}

func (g *Gateway) OnClientClose(client *Client) {
	g.registry.Detach(client)
}
