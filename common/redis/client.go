package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ErrNotFound is returned when a key or hash field does not exist
var ErrNotFound = redis.Nil

// Client wraps redis.Client with the operations the engine state layer
// needs: plain KV, hashes, lists, sets, prefix scans and Lua scripts.
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// Connect parses a redis URL and returns a wrapped client
func Connect(ctx context.Context, url string, poolSize int, logger Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewClient(client, logger), nil
}

// Underlying returns the raw redis.Client for blocking operations
func (c *Client) Underlying() *redis.Client {
	return c.redis
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.redis.Close()
}

// Set sets a key with optional expiration (0 = no expiration)
func (c *Client) Set(ctx context.Context, key, value string, expiry time.Duration) error {
	if err := c.redis.Set(ctx, key, value, expiry).Err(); err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Get retrieves a value by key; ErrNotFound when missing
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

// Delete removes keys
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Exists reports whether a key exists
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// SetHash sets a hash field value
func (c *Client) SetHash(ctx context.Context, key, field, value string) error {
	if err := c.redis.HSet(ctx, key, field, value).Err(); err != nil {
		c.logger.Error("redis HSET failed", "key", key, "field", field, "error", err)
		return fmt.Errorf("failed to set hash %s field %s: %w", key, field, err)
	}
	return nil
}

// GetHash retrieves a hash field value; ErrNotFound when missing
func (c *Client) GetHash(ctx context.Context, key, field string) (string, error) {
	val, err := c.redis.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		c.logger.Error("redis HGET failed", "key", key, "field", field, "error", err)
		return "", fmt.Errorf("failed to get hash %s field %s: %w", key, field, err)
	}
	return val, nil
}

// GetAllHash retrieves all fields and values of a hash
func (c *Client) GetAllHash(ctx context.Context, key string) (map[string]string, error) {
	val, err := c.redis.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis HGETALL failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get all hash fields %s: %w", key, err)
	}
	return val, nil
}

// DeleteHashFields removes fields from a hash
func (c *Client) DeleteHashFields(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := c.redis.HDel(ctx, key, fields...).Err(); err != nil {
		c.logger.Error("redis HDEL failed", "key", key, "fields", fields, "error", err)
		return fmt.Errorf("failed to delete hash fields %s: %w", key, err)
	}
	return nil
}

// PushToList appends a value to a list and returns the new length.
// RPUSH is atomic, so the returned length doubles as an arrival ordinal.
func (c *Client) PushToList(ctx context.Context, key string, value string) (int64, error) {
	length, err := c.redis.RPush(ctx, key, value).Result()
	if err != nil {
		c.logger.Error("redis RPUSH failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to rpush to %s: %w", key, err)
	}
	return length, nil
}

// GetList returns all elements of a list in insertion order
func (c *Client) GetList(ctx context.Context, key string) ([]string, error) {
	vals, err := c.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		c.logger.Error("redis LRANGE failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to lrange %s: %w", key, err)
	}
	return vals, nil
}

// BlockingPopList blocks and pops from the left of a list. Returns
// (nil, nil) on timeout.
func (c *Client) BlockingPopList(ctx context.Context, timeout time.Duration, keys ...string) ([]string, error) {
	result, err := c.redis.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Error("redis BLPOP failed", "keys", keys, "error", err)
		return nil, fmt.Errorf("failed to blpop from %v: %w", keys, err)
	}
	return result, nil
}

// AddToSet adds a member to a set; returns true if it was not present
func (c *Client) AddToSet(ctx context.Context, key, member string) (bool, error) {
	added, err := c.redis.SAdd(ctx, key, member).Result()
	if err != nil {
		c.logger.Error("redis SADD failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to sadd to %s: %w", key, err)
	}
	return added == 1, nil
}

// IsSetMember reports set membership
func (c *Client) IsSetMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := c.redis.SIsMember(ctx, key, member).Result()
	if err != nil {
		c.logger.Error("redis SISMEMBER failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to sismember %s: %w", key, err)
	}
	return ok, nil
}

// SetSize returns the cardinality of a set
func (c *Client) SetSize(ctx context.Context, key string) (int64, error) {
	n, err := c.redis.SCard(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis SCARD failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to scard %s: %w", key, err)
	}
	return n, nil
}

// ScanPrefix returns all keys matching prefix*
func (c *Client) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.redis.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			c.logger.Error("redis SCAN failed", "prefix", prefix, "error", err)
			return nil, fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// RunScript evaluates a Lua script with EVALSHA fallback to EVAL
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, c.redis, keys, args...).Result()
	if err != nil && err != redis.Nil {
		c.logger.Error("redis script failed", "keys", keys, "error", err)
		return nil, fmt.Errorf("failed to run script: %w", err)
	}
	return res, nil
}

// PublishEvent publishes an event to a Redis channel
func (c *Client) PublishEvent(ctx context.Context, channel string, message string) error {
	if err := c.redis.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Error("redis PUBLISH failed", "channel", channel, "error", err)
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	return nil
}
