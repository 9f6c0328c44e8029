// Package natskv implements the cache port using a NATS JetStream KV bucket
// as the cross-process shared response tier.
package natskv

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// validKey matches the subset of KV keys that need no encoding.
var validKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// Cache wraps a NATS JetStream KeyValue store as an L2 cache. Entry lifetime
// is enforced by the bucket TTL; the per-call ttl is ignored.
type Cache struct {
	kv jetstream.KeyValue
}

// New creates a NATS KV-backed cache over an existing bucket handle.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// Open creates or updates bucket with the given TTL and returns a cache over it.
func Open(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*Cache, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "dispatch response cache",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv bucket %s: %w", bucket, err)
	}
	return New(kv), nil
}

// Get retrieves a value from the NATS KV store.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("nats kv get: %w", err)
	}
	return entry.Value(), true, nil
}

// Set stores a value in the NATS KV store.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := c.kv.Put(ctx, encodeKey(key), value); err != nil {
		return fmt.Errorf("nats kv put: %w", err)
	}
	return nil
}

// Delete removes a value from the NATS KV store.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, encodeKey(key))
	if err == nil || errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return fmt.Errorf("nats kv delete: %w", err)
}

// encodeKey hex-encodes keys containing characters KV subjects reject.
func encodeKey(key string) string {
	if validKey.MatchString(key) && key[0] != '.' && key[len(key)-1] != '.' {
		return key
	}
	return "x_" + hex.EncodeToString([]byte(key))
}
