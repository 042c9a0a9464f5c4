package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// CacheService defines the interface for the key/value store that keeps
// pending retries between generate calls.
type CacheService interface {
	// Get decodes the stored JSON into dest, or returns ErrMiss.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores value as JSON. A zero ttl never expires.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
