package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/dispatchkit/internal/adapter/echo"
	cfhttp "github.com/Strob0t/dispatchkit/internal/adapter/http"
	"github.com/Strob0t/dispatchkit/internal/adapter/litellm"
	cfnats "github.com/Strob0t/dispatchkit/internal/adapter/nats"
	cfotel "github.com/Strob0t/dispatchkit/internal/adapter/otel"
	"github.com/Strob0t/dispatchkit/internal/adapter/postgres"
	"github.com/Strob0t/dispatchkit/internal/adapter/ristretto"
	"github.com/Strob0t/dispatchkit/internal/adapter/ws"
	"github.com/Strob0t/dispatchkit/internal/config"
	"github.com/Strob0t/dispatchkit/internal/domain/artifact"
	"github.com/Strob0t/dispatchkit/internal/domain/event"
	"github.com/Strob0t/dispatchkit/internal/logger"
	"github.com/Strob0t/dispatchkit/internal/lrucache"
	"github.com/Strob0t/dispatchkit/internal/middleware"
	"github.com/Strob0t/dispatchkit/internal/port/backend"
	"github.com/Strob0t/dispatchkit/internal/port/broadcast"
	"github.com/Strob0t/dispatchkit/internal/port/completion"
	"github.com/Strob0t/dispatchkit/internal/resilience"
	"github.com/Strob0t/dispatchkit/internal/secrets"
	"github.com/Strob0t/dispatchkit/internal/service"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

const (
	echoChunkDelay  = 20 * time.Millisecond
	shutdownTimeout = 15 * time.Second
	idempotencyMB   = 16

	envBackendAPIKey = "DISPATCH_BACKEND_API_KEY"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"backend", cfg.Backend.Provider,
		"concurrency_limit", cfg.Pipeline.ConcurrencyLimit,
		"shared_cache", cfg.SharedCache.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	otelShutdown, err := cfotel.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			log.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Event fan-out ---

	hub := ws.NewHub(log)
	defer hub.Close()
	events := broadcast.Fanout{hub}

	var publisher *cfnats.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = cfnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Warn("nats close", "error", err)
			}
		}()
		events = append(events, publisher)
	}

	// --- Backend ---

	litellm.Register()
	echo.Register(echoChunkDelay)

	vault, err := secrets.NewVault(secrets.DotenvLoader(config.DefaultEnvFile, envBackendAPIKey))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	go reloadOnHangup(ctx, vault, log)

	be, err := backend.New(cfg.Backend.Provider, backend.Options{
		URL:     cfg.Backend.URL,
		APIKey:  cfg.Backend.APIKey,
		KeyFunc: vault.Lookup(envBackendAPIKey, cfg.Backend.APIKey),
		Model:   cfg.Backend.Model,
		Timeout: cfg.Backend.Timeout,
	})
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	breaker.OnStateChange(func(from, to resilience.State) {
		log.Warn("backend circuit breaker changed", "from", from.String(), "to", to.String())
		metrics.BreakerChanged(context.Background(), from.String(), to.String())
		events.BroadcastEvent(context.Background(), string(event.TypeBreakerState),
			event.BreakerState{From: from.String(), To: to.String()})
	})
	if b, ok := be.(interface{ SetBreaker(*resilience.Breaker) }); ok {
		b.SetBreaker(breaker)
	}

	// --- Caches ---

	shared, closeShared, err := newSharedCache(ctx, cfg, publisher)
	if err != nil {
		return fmt.Errorf("shared cache: %w", err)
	}
	defer closeShared()

	responses, err := lrucache.New[string](lrucache.Options{
		MaxSize:    cfg.Pipeline.CacheMaxSize,
		DefaultTTL: cfg.Pipeline.CacheTTL,
	})
	if err != nil {
		return fmt.Errorf("response cache: %w", err)
	}
	parseCache, err := lrucache.New[artifact.Result](lrucache.Options{
		MaxSize:    cfg.Pipeline.ParseCacheMaxSize,
		DefaultTTL: cfg.Pipeline.CacheTTL,
	})
	if err != nil {
		return fmt.Errorf("parse cache: %w", err)
	}
	if iv := cfg.Pipeline.CacheSweepInterval; iv > 0 {
		defer responses.StartJanitor(iv)()
		defer parseCache.StartJanitor(iv)()
	}

	// --- Completion store ---

	var sink completion.Sink
	if cfg.Postgres.DSN != "" {
		applied, err := postgres.EnsureSchema(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		sink = postgres.NewCompletionStore(pool)
		log.Info("completion store ready", "migrations_applied", applied, "max_conns", pool.Config().MaxConns)
	}

	// --- Pipeline ---

	scheduler := service.NewScheduler(service.SchedulerConfig{
		ConcurrencyLimit: cfg.Pipeline.ConcurrencyLimit,
		DefaultTimeout:   cfg.Pipeline.TaskTimeoutChat,
	}, events, metrics).WithLogger(log)

	coalescer := service.NewCoalescer(cfg.Pipeline.Debounce, metrics).WithLogger(log)

	// A session with no output after every attempt could have run is stuck.
	pendingTimeout := cfg.Pipeline.TaskTimeoutChat*time.Duration(cfg.Pipeline.RetryCount+1) + cfg.Pipeline.Debounce
	sessions := service.NewSessionTracker(service.SessionTrackerConfig{
		Retention:      cfg.Pipeline.SessionRetention,
		PendingTimeout: pendingTimeout,
	}, events, metrics).WithLogger(log)
	defer sessions.StartJanitor(janitorInterval(cfg.Pipeline.SessionRetention))()

	pipeline, err := service.NewPipeline(service.PipelineDeps{
		Backend:    be,
		Scheduler:  scheduler,
		Coalescer:  coalescer,
		Sessions:   sessions,
		Responses:  responses,
		ParseCache: parseCache,
		Extractor: artifact.NewExtractor(artifact.ExtractorOptions{
			Cache:     parseCache,
			MinLength: cfg.Pipeline.MinArtifactLength,
			Logger:    log,
		}),
		Shared:   shared,
		Sink:     sink,
		Events:   events,
		Metrics:  metrics,
		Logger:   log,
		LogDrops: logCloser,
	}, service.PipelineConfig{
		Debounce:     cfg.Pipeline.Debounce,
		ChatTimeout:  cfg.Pipeline.TaskTimeoutChat,
		QueryTimeout: cfg.Pipeline.TaskTimeoutQuery,
		RetryCount:   cfg.Pipeline.RetryCount,
		CacheTTL:     cfg.Pipeline.CacheTTL,
		SharedTTL:    cfg.SharedCache.TTL,
		Model:        cfg.Backend.Model,
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	// --- HTTP ---

	var dispatchMW []func(http.Handler) http.Handler
	if cfg.Server.RateLimitRPS > 0 {
		rl := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		defer rl.StartCleanup(time.Minute, 10*time.Minute)()
		dispatchMW = append(dispatchMW, rl.Handler)
	}
	idemStore := shared
	if idemStore == nil {
		local, err := ristretto.NewMB(idempotencyMB)
		if err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
		defer local.Close()
		idemStore = local
	}
	dispatchMW = append(dispatchMW, middleware.Idempotency(idemStore, cfg.Server.IdempotencyTTL))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfotel.HTTPMiddleware(cfg.Telemetry.ServiceName))
	r.Use(cfhttp.AccessLog(log))
	r.Use(chimw.Recoverer)

	cfhttp.MountRoutes(r, &cfhttp.Handlers{
		Pipeline: pipeline,
		Backend:  be,
		Clients:  hub,
		Version:  version,
	}, cfhttp.RouteOptions{
		DispatchMiddleware: dispatchMW,
		WebSocket:          hub.HandleWS,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := pipeline.Close(shutdownCtx); err != nil {
		log.Warn("pipeline shutdown", "error", err)
	}
	return nil
}

// janitorInterval sweeps often enough that finished sessions outlive their
// retention by at most half of it.
func janitorInterval(retention time.Duration) time.Duration {
	return max(retention/2, time.Second)
}

// reloadOnHangup rereads rotating credentials each time the process gets SIGHUP.
func reloadOnHangup(ctx context.Context, vault *secrets.Vault, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := vault.Reload(); err != nil {
				log.Error("secret reload failed", "error", err)
				continue
			}
			log.Info("secrets reloaded", "backend_api_key", vault.Redacted(envBackendAPIKey))
		}
	}
}
