// Package cache defines the port for the optional shared response tier: a
// byte-level store that several dispatch processes can read through.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. A miss is reported as
// ok=false with a nil error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Closer is implemented by adapters that hold connections or goroutines.
type Closer interface {
	Close()
}
