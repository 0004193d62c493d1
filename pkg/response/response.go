package response

import "github.com/gin-gonic/gin"

const (
	ErrCodeSuccess          = 2000 // Success
	ErrCodeUnauthorized     = 4010 // Missing or invalid token
	ErrCodeRateLimited      = 4290 // Too many requests
	ErrCodeRateLimitFailed  = 5001 // Rate limiter unavailable
	ErrCodeShuttingDown     = 5030 // Gateway draining
	ErrCodeUpgradeForbidden = 4030 // Origin rejected
)

// message
var msg = map[int]string{
	ErrCodeSuccess:          "success",
	ErrCodeUnauthorized:     "unauthorized",
	ErrCodeRateLimited:      "rate limit exceeded",
	ErrCodeRateLimitFailed:  "rate limit check failed",
	ErrCodeShuttingDown:     "server shutting down",
	ErrCodeUpgradeForbidden: "origin not allowed",
}

// Body is the JSON envelope of every non-WebSocket response.
type Body struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Msg returns the message registered for code.
func Msg(code int) string {
	if m, ok := msg[code]; ok {
		return m
	}
	return "unknown error"
}

func JSON(c *gin.Context, status, code int, data any) {
	c.JSON(status, Body{Code: code, Message: Msg(code), Data: data})
}

// Abort writes the envelope for code and stops the handler chain.
func Abort(c *gin.Context, status, code int) {
	c.AbortWithStatusJSON(status, Body{Code: code, Message: Msg(code)})
}
