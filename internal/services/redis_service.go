package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"chat-gateway/internal/database"

	"github.com/redis/go-redis/v9"
)

const revokedTokenPrefix = "revoked_token:"

type RedisService struct {
	client *database.RedisClient
}

func NewRedisService(client *database.RedisClient) *RedisService {
	return &RedisService{
		client: client,
	}
}

// =============================================================================
// Token Revocation
// =============================================================================

// IsTokenRevoked reports whether the token ID was written to the revocation list by the issuer.
func (r *RedisService) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.GetClient().Exists(ctx, revokedTokenPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// =============================================================================
// PubSub Operations
// =============================================================================

func (r *RedisService) PublishEvent(ctx context.Context, channel string, payload []byte) error {
	err := r.client.GetClient().Publish(ctx, channel, payload).Err()
	if err != nil {
		slog.Error("Failed to publish event", "channel", channel, "error", err)
		return err
	}

	slog.Debug("Published event", "channel", channel)
	return nil
}

// =============================================================================
// Rate Limiting
// =============================================================================

// CheckRateLimit records one hit for key and reports whether the sliding window still has room.
func (r *RedisService) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-window).UnixMilli()

	pipe := r.client.GetClient().Pipeline()

	// Remove old entries
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))

	// Count current entries
	card := pipe.ZCard(ctx, key)

	// Add current request
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: now.UnixNano()})

	// Set expiration
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit pipeline: %w", err)
	}

	return card.Val() < int64(limit), nil
}
