package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("authentication token required")
	ErrInvalidToken = errors.New("invalid token")
)

// RevocationChecker reports whether a token ID has been revoked before its expiry.
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// JWTVerifier validates HMAC-signed bearer tokens and extracts the user identifier claim.
type JWTVerifier struct {
	secret      []byte
	userClaim   string
	issuer      string
	revocations RevocationChecker
}

type Option func(*JWTVerifier)

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) Option {
	return func(v *JWTVerifier) { v.issuer = issuer }
}

// WithRevocations rejects tokens whose jti the checker reports as revoked.
func WithRevocations(rc RevocationChecker) Option {
	return func(v *JWTVerifier) { v.revocations = rc }
}

func NewJWTVerifier(secret, userClaim string, opts ...Option) *JWTVerifier {
	if userClaim == "" {
		userClaim = "user_id"
	}
	v := &JWTVerifier{
		secret:    []byte(secret),
		userClaim: userClaim,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyToken returns the user ID carried by token. Every failure wraps ErrMissingToken or ErrInvalidToken.
func (v *JWTVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	token = normalizeToken(token)
	if token == "" {
		return "", ErrMissingToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	userID, err := v.userID(claims)
	if err != nil {
		return "", err
	}

	if v.revocations != nil {
		if jti, _ := claims["jti"].(string); jti != "" {
			revoked, err := v.revocations.IsTokenRevoked(ctx, jti)
			if err != nil {
				slog.Error("Token revocation lookup failed", "jti", jti, "error", err)
				return "", fmt.Errorf("%w: revocation lookup: %v", ErrInvalidToken, err)
			}
			if revoked {
				return "", fmt.Errorf("%w: token revoked", ErrInvalidToken)
			}
		}
	}

	return userID, nil
}

func (v *JWTVerifier) userID(claims jwt.MapClaims) (string, error) {
	raw, ok := claims[v.userClaim]
	if !ok {
		raw, ok = claims["sub"]
	}
	if !ok {
		return "", fmt.Errorf("%w: missing %s claim", ErrInvalidToken, v.userClaim)
	}

	switch id := raw.(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		// numeric IDs arrive as float64 from encoding/json
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("%w: invalid %s claim", ErrInvalidToken, v.userClaim)
}

// normalizeToken trims whitespace and an optional "Bearer" scheme prefix.
func normalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 6 && strings.EqualFold(token[:6], "bearer") && (len(token) == 6 || token[6] == ' ') {
		token = strings.TrimSpace(token[6:])
	}
	return token
}

// SignToken issues an HS256 token for userID. The gateway never calls it; it exists for tests and tooling.
func SignToken(secret, userClaim, userID string, ttl time.Duration, extra jwt.MapClaims) (string, error) {
	claims := jwt.MapClaims{
		userClaim: userID,
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(ttl).Unix(),
	}
	for k, val := range extra {
		claims[k] = val
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
