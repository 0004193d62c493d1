package handlers

import (
	"log/slog"
	"net/http"

	"chat-gateway/internal/api/middleware"
	"chat-gateway/internal/websocket"
	"chat-gateway/pkg/response"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
)

type WSHandler struct {
	gateway  *websocket.Gateway
	upgrader gorilla.Upgrader
}

func NewWSHandler(gateway *websocket.Gateway, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		gateway: gateway,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
			},
		},
	}
}

// RegisterRoutes maps HTTP methods to handler functions
func (h *WSHandler) RegisterRoutes(r *gin.RouterGroup, mw ...gin.HandlerFunc) {
	wsRoutes := r.Group("/ws")
	{
		wsRoutes.GET("", append(mw, h.HandleWebSocket)...)
	}
}

// HandleWebSocket upgrades the request and hands the socket to the gateway.
// The token comes from ?token= or the Authorization header; authentication
// failures are reported with a close frame after the upgrade.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	if h.gateway.Registry().ShuttingDown() {
		response.Abort(c, http.StatusServiceUnavailable, response.ErrCodeShuttingDown)
		return
	}

	token := websocket.TokenFromRequest(c.Request)

	// Upgrade the connection to websocket protocol
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "ip", c.ClientIP(), "error", err)
		return
	}

	client, err := h.gateway.OnConnect(c.Request.Context(), conn, token)
	if err != nil {
		slog.Debug("WebSocket connection rejected", "ip", c.ClientIP(), "error", err)
		return
	}
	slog.Info("WebSocket connection established", "userID", client.UserID(), "clientID", client.ID(), "ip", c.ClientIP())
}
