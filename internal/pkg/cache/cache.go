// Package cache provides the optional read-through cache used for owner
// profiles. The backend is chosen once at construction time.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"mining-engine/internal/config"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache miss")

// Provider is a byte-oriented key/value cache with expirations.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// NullCache never stores anything; every Get is a miss.
type NullCache struct{}

// Get always misses.
func (NullCache) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }

// Set discards the value.
func (NullCache) Set(context.Context, string, []byte, time.Duration) error { return nil }

// Delete is a no-op.
func (NullCache) Delete(context.Context, string) error { return nil }

// Close is a no-op.
func (NullCache) Close() error { return nil }

// New selects the cache backend from configuration: Redis when an address
// is configured, an in-process LRU when a local size is set, NullCache
// otherwise.
func New(ctx context.Context, cfg config.CacheConfig) (Provider, error) {
	switch {
	case cfg.RedisEnabled():
		return NewRedisCache(ctx, cfg)
	case cfg.LocalSize > 0:
		log.Info().Int("size", cfg.LocalSize).Msg("Redis not configured, using local cache")
		return NewLocalCache(cfg.LocalSize, cfg.TTL), nil
	default:
		log.Info().Msg("Redis not configured, using null cache")
		return NullCache{}, nil
	}
}
