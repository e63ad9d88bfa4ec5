// Package ratelimit throttles instance starts with redis-backed fixed
// windows. Definitions are tiered by how heavy their activities are, so
// a burst of cheap processes cannot be starved out by expensive ones
// sharing the window.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the outcome of a rate limit check
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64 // 0 when allowed
}

// Limiter provides tier-aware rate limiting using Redis + Lua
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewLimiter creates a limiter with the embedded Lua script
func NewLimiter(redisClient *redis.Client, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// CheckGlobalLimit checks the service-wide request limit
func (l *Limiter) CheckGlobalLimit(ctx context.Context, limit int64) (*Result, error) {
	return l.checkLimit(ctx, "rate_limit:global", limit, DefaultGlobalConfig.WindowSeconds)
}

// CheckDefinitionLimit checks the tiered start limit of one definition
func (l *Limiter) CheckDefinitionLimit(ctx context.Context, definitionID string, tier DefinitionTier) (*Result, error) {
	key := fmt.Sprintf("rate_limit:definition:%s:tier:%s", definitionID, tier)
	return l.checkLimit(ctx, key, GetLimitForTier(tier), GetWindowForTier(tier))
}

// checkLimit executes the rate limit Lua script atomically
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	raw, err := l.script.Run(ctx, l.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		l.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// result array: {allowed, current_count, limit, retry_after}
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, fmt.Errorf("unexpected rate limit script result %v", raw)
	}

	result := &Result{
		Allowed:           arr[0].(int64) == 1,
		CurrentCount:      arr[1].(int64),
		Limit:             arr[2].(int64),
		RetryAfterSeconds: arr[3].(int64),
	}

	if !result.Allowed {
		l.logger.Warn("rate limit exceeded",
			"key", key,
			"current", result.CurrentCount,
			"limit", result.Limit,
			"retry_after", result.RetryAfterSeconds)
	}
	return result, nil
}

// GetCurrentCount returns the counter without incrementing it
func (l *Limiter) GetCurrentCount(ctx context.Context, key string) (int64, error) {
	count, err := l.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// ResetLimit clears a rate limit counter
func (l *Limiter) ResetLimit(ctx context.Context, key string) error {
	return l.redis.Del(ctx, key).Err()
}

// ErrLimitExceeded is returned by callers that convert a denied check
// into an error. RetryAfterSeconds tells the client when to come back.
type ErrLimitExceeded struct {
	Scope             string
	Limit             int64
	RetryAfterSeconds int64
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("%s rate limit of %d exceeded, retry in %ds",
		e.Scope, e.Limit, e.RetryAfterSeconds)
}
