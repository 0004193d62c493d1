package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"chat-gateway/internal/websocket"
	"chat-gateway/pkg/response"

	"github.com/gin-gonic/gin"
)

const pingTimeout = 2 * time.Second

// Pinger checks a backing service, such as Redis, on every health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	registry *websocket.Registry
	redis    Pinger
}

// NewHealthHandler reports on registry. redis may be nil when Redis is not configured.
func NewHealthHandler(registry *websocket.Registry, redis Pinger) *HealthHandler {
	return &HealthHandler{registry: registry, redis: redis}
}

// Health reports 503 once the gateway has started draining or Redis stops answering.
func (h *HealthHandler) Health(c *gin.Context) {
	if h.registry.ShuttingDown() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
		return
	}

	if h.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
		defer cancel()
		if err := h.redis.Ping(ctx); err != nil {
			slog.Warn("Health check: Redis unreachable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": "unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HealthHandler) Stats(c *gin.Context) {
	response.JSON(c, http.StatusOK, response.ErrCodeSuccess, h.registry.Stats())
}
