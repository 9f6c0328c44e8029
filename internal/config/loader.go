package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "dispatchkit.yaml"

// DefaultEnvFile is the dotenv file merged into the process environment.
const DefaultEnvFile = ".env"

var validSharedBackends = map[string]bool{
	"none":   true,
	"memory": true,
	"redis":  true,
	"nats":   true,
	"tiered": true,
}

// Load returns a Config using the hierarchy: defaults < YAML < .env < ENV.
// Both files are optional; missing files are not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile, DefaultEnvFile)
}

// LoadFrom returns a Config loaded from the given YAML and dotenv paths.
func LoadFrom(yamlPath, envPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	if err := loadDotenv(envPath); err != nil {
		return nil, fmt.Errorf("config dotenv: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadDotenv merges a dotenv file into the process environment.
// Variables that are already set win over the file.
func loadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "DISPATCH_PORT")
	setString(&cfg.Server.CORSOrigin, "DISPATCH_CORS_ORIGIN")
	setFloat64(&cfg.Server.RateLimitRPS, "DISPATCH_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "DISPATCH_RATE_LIMIT_BURST")
	setDuration(&cfg.Server.IdempotencyTTL, "DISPATCH_IDEMPOTENCY_TTL")

	// Pipeline
	setInt(&cfg.Pipeline.ConcurrencyLimit, "DISPATCH_CONCURRENCY_LIMIT")
	setDuration(&cfg.Pipeline.Debounce, "DISPATCH_DEBOUNCE")
	setDuration(&cfg.Pipeline.TaskTimeoutChat, "DISPATCH_TASK_TIMEOUT_CHAT")
	setDuration(&cfg.Pipeline.TaskTimeoutQuery, "DISPATCH_TASK_TIMEOUT_QUERY")
	setInt(&cfg.Pipeline.RetryCount, "DISPATCH_RETRY_COUNT")
	setInt(&cfg.Pipeline.CacheMaxSize, "DISPATCH_CACHE_MAX_SIZE")
	setDuration(&cfg.Pipeline.CacheTTL, "DISPATCH_CACHE_TTL")
	setInt(&cfg.Pipeline.ParseCacheMaxSize, "DISPATCH_PARSE_CACHE_MAX_SIZE")
	setDuration(&cfg.Pipeline.SessionRetention, "DISPATCH_SESSION_RETENTION")
	setInt(&cfg.Pipeline.MinArtifactLength, "DISPATCH_MIN_ARTIFACT_LENGTH")
	setDuration(&cfg.Pipeline.CacheSweepInterval, "DISPATCH_CACHE_SWEEP_INTERVAL")

	// Backend
	setString(&cfg.Backend.Provider, "DISPATCH_BACKEND_PROVIDER")
	setString(&cfg.Backend.URL, "DISPATCH_BACKEND_URL")
	setString(&cfg.Backend.APIKey, "DISPATCH_BACKEND_API_KEY")
	setString(&cfg.Backend.Model, "DISPATCH_BACKEND_MODEL")
	setDuration(&cfg.Backend.Timeout, "DISPATCH_BACKEND_TIMEOUT")
	setInt(&cfg.Breaker.MaxFailures, "DISPATCH_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "DISPATCH_BREAKER_TIMEOUT")

	setString(&cfg.Logging.Level, "DISPATCH_LOG_LEVEL")
	setString(&cfg.Logging.Service, "DISPATCH_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "DISPATCH_LOG_ASYNC")

	// Infrastructure
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "DISPATCH_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "DISPATCH_PG_MIN_CONNS")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.SubjectPrefix, "DISPATCH_NATS_SUBJECT_PREFIX")
	setString(&cfg.NATS.CacheBucket, "DISPATCH_NATS_CACHE_BUCKET")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Redis.KeyPrefix, "DISPATCH_REDIS_KEY_PREFIX")

	// Shared cache
	setString(&cfg.SharedCache.Backend, "DISPATCH_SHARED_CACHE")
	setInt64(&cfg.SharedCache.L1MaxSizeMB, "DISPATCH_SHARED_CACHE_L1_SIZE_MB")
	setDuration(&cfg.SharedCache.TTL, "DISPATCH_SHARED_CACHE_TTL")

	// Telemetry
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.Telemetry.Insecure, "DISPATCH_OTLP_INSECURE")
}

// validate checks that required fields are set and values are in range.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RateLimitRPS > 0 && cfg.Server.RateLimitBurst < 1 {
		return errors.New("server.rate_limit_burst must be >= 1 when rate limiting is enabled")
	}
	if cfg.Backend.Provider == "" {
		return errors.New("backend.provider is required")
	}
	if cfg.Backend.URL == "" {
		return errors.New("backend.url is required")
	}
	if cfg.Pipeline.ConcurrencyLimit < 1 {
		return errors.New("pipeline.concurrency_limit must be >= 1")
	}
	if cfg.Pipeline.RetryCount < 0 {
		return errors.New("pipeline.retry_count must be >= 0")
	}
	if cfg.Pipeline.CacheMaxSize < 1 {
		return errors.New("pipeline.cache_max_size must be >= 1")
	}
	if cfg.Pipeline.ParseCacheMaxSize < 1 {
		return errors.New("pipeline.parse_cache_max_size must be >= 1")
	}
	if cfg.Pipeline.TaskTimeoutChat <= 0 || cfg.Pipeline.TaskTimeoutQuery <= 0 {
		return errors.New("pipeline task timeouts must be > 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if !validSharedBackends[cfg.SharedCache.Backend] {
		return fmt.Errorf("shared_cache.backend %q is not one of none, memory, redis, nats, tiered", cfg.SharedCache.Backend)
	}
	if cfg.SharedCache.Backend == "redis" && cfg.Redis.Addr == "" {
		return errors.New("redis.addr is required for shared_cache.backend=redis")
	}
	if (cfg.SharedCache.Backend == "nats" || cfg.SharedCache.Backend == "tiered") && cfg.NATS.URL == "" {
		return errors.New("nats.url is required for shared_cache.backend=" + cfg.SharedCache.Backend)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
