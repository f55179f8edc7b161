// Package core defines the ports and services of the geoinfer job pipeline.
package core

import (
	"context"
	"time"
)

// CacheRepository is the small key/value surface the pipeline needs from a shared cache.
type CacheRepository interface {
	// Get returns nil when the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)

	// SetIfNotExists atomically sets a key only if it doesn't already exist.
	// Returns true if the key was set, false if it already existed.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Health(ctx context.Context) error
}
