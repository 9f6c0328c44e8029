// Package config provides hierarchical configuration loading for dispatchkit.
// Precedence: defaults < YAML file < .env file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the dispatch service.
type Config struct {
	Server      Server      `yaml:"server"`
	Pipeline    Pipeline    `yaml:"pipeline"`
	Backend     Backend     `yaml:"backend"`
	Breaker     Breaker     `yaml:"breaker"`
	Logging     Logging     `yaml:"logging"`
	Postgres    Postgres    `yaml:"postgres"`
	NATS        NATS        `yaml:"nats"`
	Redis       Redis       `yaml:"redis"`
	SharedCache SharedCache `yaml:"shared_cache"`
	Telemetry   Telemetry   `yaml:"telemetry"`
}

// Pipeline holds the dispatch pipeline tuning knobs.
type Pipeline struct {
	ConcurrencyLimit   int           `yaml:"concurrency_limit"`    // Max in-flight tasks (default: 3)
	Debounce           time.Duration `yaml:"debounce"`             // Quiet period before a coalesced call runs (default: 300ms)
	TaskTimeoutChat    time.Duration `yaml:"task_timeout_chat"`    // Per-attempt timeout for chat calls (default: 8s)
	TaskTimeoutQuery   time.Duration `yaml:"task_timeout_query"`   // Per-attempt timeout for query calls (default: 5s)
	RetryCount         int           `yaml:"retry_count"`          // Retries after the first attempt (default: 1)
	CacheMaxSize       int           `yaml:"cache_max_size"`       // Response cache capacity (default: 100)
	CacheTTL           time.Duration `yaml:"cache_ttl"`            // Response cache entry lifetime (default: 10m)
	ParseCacheMaxSize  int           `yaml:"parse_cache_max_size"` // Extraction cache capacity (default: 50)
	SessionRetention   time.Duration `yaml:"session_retention"`    // How long finished sessions stay queryable (default: 5m)
	MinArtifactLength  int           `yaml:"min_artifact_length"`  // Shortest artifact body kept (default: 5)
	CacheSweepInterval time.Duration `yaml:"cache_sweep_interval"` // 0 disables the background TTL sweep
}

// Server holds HTTP server configuration.
type Server struct {
	Port           string        `yaml:"port"`
	CORSOrigin     string        `yaml:"cors_origin"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`   // Per-IP sustained rate on the dispatch route; 0 disables
	RateLimitBurst int           `yaml:"rate_limit_burst"` // Per-IP burst
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`  // Replay window for Idempotency-Key responses
}

// Backend holds the remote generative backend configuration.
type Backend struct {
	Provider string        `yaml:"provider"` // registered backend name: "openai" | "echo"
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Postgres holds PostgreSQL connection configuration. An empty DSN disables
// the completion store.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration. An empty URL disables event
// publishing and the NATS cache tier.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	CacheBucket   string `yaml:"cache_bucket"`
}

// Redis holds Redis connection configuration for the shared cache tier.
type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SharedCache selects the optional cross-instance response tier.
type SharedCache struct {
	Backend     string        `yaml:"backend"` // "none" | "memory" | "redis" | "nats" | "tiered"
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	TTL         time.Duration `yaml:"ttl"`
}

// Telemetry holds OpenTelemetry exporter configuration.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"` // empty = no exporters, global no-op providers
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:           "8080",
			CORSOrigin:     "http://localhost:3000",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			IdempotencyTTL: 10 * time.Minute,
		},
		Pipeline: Pipeline{
			ConcurrencyLimit:  3,
			Debounce:          300 * time.Millisecond,
			TaskTimeoutChat:   8 * time.Second,
			TaskTimeoutQuery:  5 * time.Second,
			RetryCount:        1,
			CacheMaxSize:      100,
			CacheTTL:          10 * time.Minute,
			ParseCacheMaxSize: 50,
			SessionRetention:  5 * time.Minute,
			MinArtifactLength: 5,
		},
		Backend: Backend{
			Provider: "openai",
			URL:      "http://localhost:4000",
			Model:    "gpt-4o-mini",
			Timeout:  2 * time.Minute,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Logging: Logging{
			Level:   "info",
			Service: "dispatchd",
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			SubjectPrefix: "dispatch.events",
			CacheBucket:   "DISPATCH_RESPONSES",
		},
		Redis: Redis{
			KeyPrefix: "dispatch:resp:",
		},
		SharedCache: SharedCache{
			Backend:     "none",
			L1MaxSizeMB: 64,
			TTL:         10 * time.Minute,
		},
		Telemetry: Telemetry{
			ServiceName: "dispatchd",
			Insecure:    true,
		},
	}
}
