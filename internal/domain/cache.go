package domain

import (
	"context"
	"time"
)

// Cache backs the dedup index and velocity counters.
// Local LRU (Community) or Redis, optionally fronted by the LRU (Pro).
// Keys are namespaced, typically by payment processor.
type Cache interface {
	// Claim atomically records key if absent. It returns true when the
	// caller is the first to claim it within ttl.
	Claim(ctx context.Context, namespace string, key string, ttl time.Duration) (bool, error)

	// Release removes a claim so the key may be claimed again.
	Release(ctx context.Context, namespace string, key string) error

	// IncrementCounter atomically increments a counter and returns new value.
	// The counter resets once window has elapsed since its first increment.
	IncrementCounter(ctx context.Context, namespace string, key string, window time.Duration) (int64, error)

	// DecrementCounter takes back one increment. It never creates a counter
	// or drops one below zero.
	DecrementCounter(ctx context.Context, namespace string, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `json:"localMaxSize" yaml:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" yaml:"redis_addr"`
	RedisPassword string `json:"redisPassword" yaml:"redis_password"`
	RedisDB       int    `json:"redisDb" yaml:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enable_two_phase"` // If true, check local first, then Redis
}
