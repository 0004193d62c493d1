package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"chat-gateway/internal/auth"
	"chat-gateway/pkg/response"

	"github.com/gin-gonic/gin"
)

// TokenVerifier resolves a bearer token to a user ID.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
	}
}

// RequireAuth rejects requests without a valid Authorization bearer token.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := am.verifier.VerifyToken(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			if !errors.Is(err, auth.ErrMissingToken) {
				slog.Info("Rejected request token", "path", c.Request.URL.Path, "error", err)
			}
			response.Abort(c, http.StatusUnauthorized, response.ErrCodeUnauthorized)
			return
		}

		// Set user_id in context
		c.Set("user_id", userID)
		c.Next()
	}
}
