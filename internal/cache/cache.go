package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a new cache based on configuration.
// For Community tier: returns LRU cache.
// For Pro tier with two-phase: returns TwoPhaseCache wrapping LRU + Redis.
// For Pro tier without two-phase: returns Redis cache.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
		}
		return remote, nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache fronts a shared store with a local LRU.
// L1 answers repeat claims without a network round trip.
// L2 is authoritative across nodes.
type TwoPhaseCache struct {
	local  *LRUCache
	remote domain.Cache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache. An l1TTL of 0 means 5 minutes.
func NewTwoPhaseCache(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}
}

// Claim checks L1 first and only claims in L2 when L1 has not seen the key.
func (c *TwoPhaseCache) Claim(ctx context.Context, namespace string, key string, ttl time.Duration) (bool, error) {
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}

	fresh, err := c.local.Claim(ctx, namespace, key, l1TTL)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, nil
	}

	claimed, err := c.remote.Claim(ctx, namespace, key, ttl)
	if err != nil {
		_ = c.local.Release(ctx, namespace, key)
		return false, err
	}
	return claimed, nil
}

// Release removes the claim from both L1 and L2.
func (c *TwoPhaseCache) Release(ctx context.Context, namespace string, key string) error {
	if err := c.local.Release(ctx, namespace, key); err != nil {
		return err
	}
	return c.remote.Release(ctx, namespace, key)
}

// IncrementCounter uses L2 for distributed atomic counters.
// L1 is not used for counters to ensure accuracy across nodes.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, namespace string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, namespace, key, window)
}

// DecrementCounter mirrors IncrementCounter and only touches L2.
func (c *TwoPhaseCache) DecrementCounter(ctx context.Context, namespace string, key string) error {
	return c.remote.DecrementCounter(ctx, namespace, key)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
