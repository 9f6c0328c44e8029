// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/dispatchkit/internal/port/cache"
)

// Cache combines an L1 (in-process) and L2 (remote) cache.
// Get checks L1 first, then L2 (backfilling L1 on L2 hit). An unreachable L2
// degrades to a miss so dispatch falls through to the backend.
// Set and Delete operate on both levels.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
	log      *slog.Logger
}

// New creates a tiered cache with the given L1 and L2 backends.
// l1Expire caps how long L2 backfill entries live in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire, log: slog.Default()}
}

// WithLogger sets the logger used for degraded L2 reads.
func (c *Cache) WithLogger(l *slog.Logger) *Cache {
	c.log = l
	return c
}

// Get checks L1, then L2. On L2 hit, backfills L1.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("l1 get: %w", err)
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		c.log.WarnContext(ctx, "shared cache l2 unavailable, treating as miss", "key", key, "error", err)
		return nil, false, nil
	}
	if found {
		_ = c.l1.Set(ctx, key, val, c.l1Expire)
		return val, true, nil
	}

	return nil, false, nil
}

// Set writes to both L1 and L2. L1 entries never outlive l1Expire.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := ttl
	if c.l1Expire > 0 && (l1TTL <= 0 || l1TTL > c.l1Expire) {
		l1TTL = c.l1Expire
	}
	if err := c.l1.Set(ctx, key, value, l1TTL); err != nil {
		return fmt.Errorf("l1 set: %w", err)
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("l2 set: %w", err)
	}
	return nil
}

// Delete removes from both L1 and L2.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return fmt.Errorf("l1 delete: %w", err)
	}
	if err := c.l2.Delete(ctx, key); err != nil {
		return fmt.Errorf("l2 delete: %w", err)
	}
	return nil
}
