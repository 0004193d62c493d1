package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chat-gateway/pkg/response"

	"github.com/gin-gonic/gin"
)

// RateLimiter admits at most limit events per key within window.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type RateLimitMiddleware struct {
	limiter RateLimiter
}

func NewRateLimitMiddleware(limiter RateLimiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
	}
}

// RateLimitIP limits requests per client IP and path. It runs before the WebSocket
// upgrade, so rejected handshakes get a plain HTTP status.
func (rm *RateLimitMiddleware) RateLimitIP(requests int, window time.Duration) gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		// Use client IP for the rate limit key
		clientIP := c.ClientIP()
		endpoint := c.Request.URL.Path
		key := fmt.Sprintf("rate_limit_ip:%s:%s", clientIP, endpoint)

		allowed, err := rm.limiter.CheckRateLimit(c.Request.Context(), key, requests, window)
		if err != nil {
			slog.Error("Rate limit check failed", "ip", clientIP, "path", endpoint, "error", err)
			response.Abort(c, http.StatusInternalServerError, response.ErrCodeRateLimitFailed)
			return
		}

		if !allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			response.Abort(c, http.StatusTooManyRequests, response.ErrCodeRateLimited)
			return
		}

		c.Next()
	})
}
