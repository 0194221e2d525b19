package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/manenim/todos-ratelimit/internal/config"
	"github.com/manenim/todos-ratelimit/internal/httpapi"
	"github.com/manenim/todos-ratelimit/internal/obs"
	"github.com/manenim/todos-ratelimit/pkg/limiter"
)

func main() {
	cfg, err := config.Load(envOr("CONFIG_PATH", "./config.yaml"))
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(promReg)

	cache, err := limiter.NewEphemeralCache(cfg.Limiter.CacheSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("build cache")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := limiter.NewRegistry(storeFactory(ctx),
		limiter.SlidingWindow(cfg.Limiter.Requests, cfg.Limiter.Window()),
		limiter.WithPrefix(cfg.Limiter.Prefix),
		limiter.WithTimeout(cfg.Limiter.StoreTimeout()),
		limiter.WithGuardInterval(cfg.Limiter.Guard()),
		limiter.WithCache(cache),
		limiter.WithRecorder(metrics),
		limiter.WithLogger(logger.With().Str("component", "limiter").Logger()),
	)
	conn := limiter.ConnectionConfig{
		URL:         cfg.Store.URL,
		Password:    cfg.Store.Password,
		DialTimeout: cfg.Store.DialTimeout(),
	}

	// Connect eagerly so a bad configuration stops the process before it
	// accepts traffic. An unreachable store is retried on demand and handled
	// by the middleware's failure policy meanwhile.
	if _, err := reg.Limiter(ctx, conn); err != nil {
		if !limiter.IsStoreUnavailable(err) {
			logger.Fatal().Err(err).Msg("initialize rate limiter")
		}
		logger.Warn().Err(err).Bool("fail_open", cfg.Limiter.FailsOpen()).Msg("counter store unreachable, will retry")
	}
	logger.Info().
		Int64("requests", cfg.Limiter.Requests).
		Dur("window", cfg.Limiter.Window()).
		Dur("guard", cfg.Limiter.Guard()).
		Bool("fail_open", cfg.Limiter.FailsOpen()).
		Msg("rate limiter configured")

	todos, err := httpapi.LoadTodos()
	if err != nil {
		logger.Fatal().Err(err).Msg("load todos")
	}

	handler := httpapi.NewRouter(httpapi.Deps{
		Logger:      logger,
		Metrics:     metrics,
		Gatherer:    promReg,
		MetricsPath: cfg.Observability.PrometheusPath,
		RateLimit: httpapi.RateLimitOptions{
			Provider: httpapi.FromRegistry(reg, conn),
			KeyFn:    httpapi.DefaultKeyFunc(cfg.Limiter.IdentityHeader, cfg.Limiter.TrustForwarded, cfg.Limiter.UseRemoteAddr),
			FailOpen: cfg.Limiter.FailsOpen(),
		},
		Todos: todos,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := reg.Close(); err != nil {
		logger.Error().Err(err).Msg("close store")
	}
	logger.Info().Msg("bye")
}

// storeFactory serves memory:// from a process-local store, swept until ctx
// ends, and everything else from Redis.
func storeFactory(ctx context.Context) limiter.StoreFactory {
	return func(initCtx context.Context, cfg limiter.ConnectionConfig) (limiter.CounterStore, error) {
		if !strings.HasPrefix(cfg.URL, "memory://") {
			return limiter.RedisStoreFactory(initCtx, cfg)
		}
		store := limiter.NewMemoryStore(nil)
		store.StartJanitor(ctx, time.Minute)
		return store, nil
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
