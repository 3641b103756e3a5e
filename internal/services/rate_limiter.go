package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/briefcast/briefcast/internal/config"
	"github.com/briefcast/briefcast/internal/telemetry"
	"github.com/briefcast/briefcast/pkg/models"
)

// RateLimiter implements sliding window rate limiting on hot Redis,
// keyed per client and action.
type RateLimiter struct {
	redisClient *redis.Client
	cfg         *config.RateLimitConfig
	ctx         context.Context
}

func NewRateLimiter(redisClient *redis.Client, cfg *config.Config) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		cfg:         &cfg.Auth.RateLimit,
		ctx:         context.Background(),
	}
}

// IsAllowed applies the tier's request budget to the client and returns
// the header info alongside the verdict.
func (rl *RateLimiter) IsAllowed(clientID, tier string) (bool, *models.RateLimitInfo, error) {
	limit := rl.cfg.Default
	if tier == models.TierPremium {
		limit = rl.cfg.Premium
	}
	window := rl.cfg.Window
	if window <= 0 {
		window = time.Hour
	}

	allowed := rl.Allow(clientID, "api", limit, window)
	used := rl.GetCurrentCount(clientID, "api", window)

	remaining := int64(limit) - used
	if remaining < 0 {
		remaining = 0
	}

	return allowed, &models.RateLimitInfo{
		Limit:     limit,
		Remaining: int(remaining),
		ResetTime: time.Now().Add(window).Unix(),
	}, nil
}

// Allow checks whether the client may perform the action within the
// window. Redis failures fail open: generation availability beats strict
// limiting.
func (rl *RateLimiter) Allow(clientID, action string, limit int, window time.Duration) bool {
	key := fmt.Sprintf("rate_limit:%s:%s", clientID, action)
	now := time.Now().UnixNano()
	windowStart := now - window.Nanoseconds()

	pipe := rl.redisClient.Pipeline()
	pipe.ZRemRangeByScore(rl.ctx, key, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(rl.ctx, key)
	pipe.ZAdd(rl.ctx, key, redis.Z{
		Score:  float64(now),
		Member: strconv.FormatInt(now, 10),
	})
	pipe.Expire(rl.ctx, key, window)

	if _, err := pipe.Exec(rl.ctx); err != nil {
		return true
	}

	allowed := countCmd.Val() < int64(limit)
	if !allowed {
		telemetry.RateLimitRejects.Inc()
	}
	return allowed
}

// GetCurrentCount returns the number of requests in the current window.
func (rl *RateLimiter) GetCurrentCount(clientID, action string, window time.Duration) int64 {
	key := fmt.Sprintf("rate_limit:%s:%s", clientID, action)
	now := time.Now().UnixNano()
	windowStart := now - window.Nanoseconds()

	count, err := rl.redisClient.ZCount(rl.ctx, key,
		strconv.FormatInt(windowStart, 10),
		strconv.FormatInt(now, 10)).Result()
	if err != nil {
		return 0
	}
	return count
}

// Reset clears the window for a client and action.
func (rl *RateLimiter) Reset(clientID, action string) error {
	key := fmt.Sprintf("rate_limit:%s:%s", clientID, action)
	return rl.redisClient.Del(rl.ctx, key).Err()
}
