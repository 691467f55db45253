// Package imagecache keeps recently uploaded card images close to the API so
// image reads do not hit the blob store every time.
package imagecache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Cache is implemented by the in-memory and Redis backends.
type Cache interface {
	// Get returns ErrCacheMiss when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// CacheError is a constant error type for cache sentinels.
type CacheError string

func (e CacheError) Error() string { return string(e) }

const (
	// ErrCacheMiss indicates the key was not found in cache.
	ErrCacheMiss CacheError = "imagecache: cache miss"

	TypeMemory = "memory"
	TypeRedis  = "redis"
)

// Config selects and configures a cache backend.
type Config struct {
	Type          string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// New builds the backend named by cfg.Type.
func New(ctx context.Context, cfg Config) (Cache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", TypeMemory:
		return NewMemoryCache(), nil
	case TypeRedis:
		return NewRedisCache(ctx, RedisConfig{
			Address:   cfg.RedisAddress,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("imagecache: unknown cache type %q", cfg.Type)
	}
}

// Key builds the cache key for a card image.
func Key(ownerID, cardID string) string {
	return "image:" + ownerID + ":" + cardID
}
