// Package cachetest holds the behavioural suite every cache.Cache adapter must pass.
package cachetest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/Strob0t/dispatchkit/internal/port/cache"
)

// RunComplianceTests runs the standard compliance test suite against any Cache implementation.
func RunComplianceTests(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "compliance-key", []byte("compliance-val"), time.Minute); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, "compliance-key")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if string(val) != "compliance-val" {
			t.Fatalf("expected compliance-val, got %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "nonexistent-key")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for nonexistent key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "del-key", []byte("del-val"), time.Minute)
		if err := c.Delete(ctx, "del-key"); err != nil {
			t.Fatal(err)
		}
		_, found, err := c.Get(ctx, "del-key")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		if err := c.Delete(ctx, "never-existed"); err != nil {
			t.Fatal("Delete of nonexistent key should not error")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "ow-key", []byte("v1"), time.Minute)
		_ = c.Set(ctx, "ow-key", []byte("v2"), time.Minute)
		val, found, err := c.Get(ctx, "ow-key")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after overwrite")
		}
		if string(val) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %s", val)
		}
	})

	t.Run("CallerMutationIsolated", func(t *testing.T) {
		buf := []byte("original")
		if err := c.Set(ctx, "iso-key", buf, time.Minute); err != nil {
			t.Fatal(err)
		}
		copy(buf, "XXXXXXXX")
		val, found, err := c.Get(ctx, "iso-key")
		if err != nil || !found {
			t.Fatalf("found=%v err=%v", found, err)
		}
		if !bytes.Equal(val, []byte("original")) {
			t.Fatalf("stored value changed with caller buffer: %s", val)
		}
	})

	t.Run("ResponseShapedKey", func(t *testing.T) {
		key := "resp.0f3c9a7be1d24c58a6b0e9d7c3f21a4b5e6d7c8b9a0f1e2d3c4b5a6978e1d2c3"
		if err := c.Set(ctx, key, []byte(`{"text":"hi"}`), time.Minute); err != nil {
			t.Fatal(err)
		}
		if _, found, err := c.Get(ctx, key); err != nil || !found {
			t.Fatalf("found=%v err=%v", found, err)
		}
	})
}
