package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cfnats "github.com/Strob0t/dispatchkit/internal/adapter/nats"
	"github.com/Strob0t/dispatchkit/internal/adapter/natskv"
	"github.com/Strob0t/dispatchkit/internal/adapter/redis"
	"github.com/Strob0t/dispatchkit/internal/adapter/ristretto"
	"github.com/Strob0t/dispatchkit/internal/adapter/tiered"
	"github.com/Strob0t/dispatchkit/internal/config"
	"github.com/Strob0t/dispatchkit/internal/port/cache"
)

// maxL1Expire bounds how stale a process-local copy of a shared entry can get.
const maxL1Expire = time.Minute

// newSharedCache builds the optional cross-process response tier selected by
// shared_cache.backend. A nil cache means the tier is disabled.
func newSharedCache(ctx context.Context, cfg *config.Config, pub *cfnats.Publisher) (cache.Cache, func(), error) {
	sc := cfg.SharedCache
	switch sc.Backend {
	case "", "none":
		return nil, func() {}, nil

	case "memory":
		rc, err := ristretto.NewMB(sc.L1MaxSizeMB)
		if err != nil {
			return nil, nil, err
		}
		return rc, closeL1(rc), nil

	case "redis":
		rc, err := redis.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("shared cache: redis", "addr", cfg.Redis.Addr)
		return rc, rc.Close, nil

	case "nats":
		kv, err := openNATSKV(ctx, cfg, pub)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() {}, nil

	case "tiered":
		l1, err := ristretto.NewMB(sc.L1MaxSizeMB)
		if err != nil {
			return nil, nil, err
		}
		l2, err := openNATSKV(ctx, cfg, pub)
		if err != nil {
			l1.Close()
			return nil, nil, err
		}
		l1Expire := maxL1Expire
		if sc.TTL > 0 {
			l1Expire = min(sc.TTL, maxL1Expire)
		}
		return tiered.New(l1, l2, l1Expire).WithLogger(slog.Default()), closeL1(l1), nil

	default:
		return nil, nil, fmt.Errorf("unknown shared cache backend %q", sc.Backend)
	}
}

func openNATSKV(ctx context.Context, cfg *config.Config, pub *cfnats.Publisher) (*natskv.Cache, error) {
	if pub == nil {
		return nil, errors.New("nats connection required")
	}
	kv, err := natskv.Open(ctx, pub.JetStream(), cfg.NATS.CacheBucket, cfg.SharedCache.TTL)
	if err != nil {
		return nil, err
	}
	slog.Info("shared cache: nats kv", "bucket", cfg.NATS.CacheBucket)
	return kv, nil
}

// closeL1 reports the in-process tier's hit ratio before releasing it.
func closeL1(c *ristretto.Cache) func() {
	return func() {
		slog.Info("shared cache l1 closed", "hit_ratio", c.HitRatio())
		c.Close()
	}
}
