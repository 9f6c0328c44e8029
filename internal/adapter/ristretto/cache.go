// Package ristretto implements the cache port using dgraph-io/ristretto as
// the in-process shared response tier.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache wraps a ristretto cache as an in-process L1 cache. Values are copied
// on Set so callers may reuse their buffers.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a ristretto-backed cache. maxCostBytes is the maximum total
// size of cached values in bytes.
func New(maxCostBytes int64) (*Cache, error) {
	counters := maxCostBytes / 100 * 10 // ~10x expected items
	if counters < 1000 {
		counters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// NewMB is New with the budget expressed in mebibytes.
func NewMB(maxMB int64) (*Cache, error) {
	return New(maxMB << 20)
}

// Get retrieves a value from the cache.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a copy of value with the given TTL and waits until it is
// visible to Get. Ristretto may still reject the write under admission
// pressure; that is reported as success, as for any lossy tier.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := append([]byte(nil), value...)
	if ttl > 0 {
		c.c.SetWithTTL(key, v, int64(len(v)), ttl)
	} else {
		c.c.Set(key, v, int64(len(v)))
	}
	c.c.Wait()
	return nil
}

// Delete removes a value from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// HitRatio reports the ristretto hit ratio since construction.
func (c *Cache) HitRatio() float64 {
	if c.c.Metrics == nil {
		return 0
	}
	return c.c.Metrics.Ratio()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.c.Clear()
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
