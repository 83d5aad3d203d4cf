package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript increments a counter and starts its window on first use.
var incrementScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// decrementScript decrements a counter that still exists, keeping its TTL.
var decrementScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]))
	if current and current > 0 then
		return redis.call('DECR', KEYS[1])
	end
	return 0
`)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching. Claims are
// shared by every Kestrel instance pointed at the same Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Claim sets key with SETNX semantics.
func (c *RedisCache) Claim(ctx context.Context, namespace string, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.makeKey(namespace, "claim:"+key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s/%s: %w", namespace, key, err)
	}
	return ok, nil
}

// Release deletes a claim.
func (c *RedisCache) Release(ctx context.Context, namespace string, key string) error {
	return c.client.Del(ctx, c.makeKey(namespace, "claim:"+key)).Err()
}

// IncrementCounter atomically increments a counter using INCR with PEXPIRE.
func (c *RedisCache) IncrementCounter(ctx context.Context, namespace string, key string, window time.Duration) (int64, error) {
	fullKey := c.makeKey(namespace, "counter:"+key)

	result, err := incrementScript.Run(ctx, c.client, []string{fullKey}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}

	return result, nil
}

// DecrementCounter takes back one increment within the current window.
func (c *RedisCache) DecrementCounter(ctx context.Context, namespace string, key string) error {
	fullKey := c.makeKey(namespace, "counter:"+key)
	if err := decrementScript.Run(ctx, c.client, []string{fullKey}).Err(); err != nil {
		return fmt.Errorf("redis decrement %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(namespace, key string) string {
	return "kestrel:" + makeKey(namespace, key)
}
