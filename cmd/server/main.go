// Package main is the entry point for the keyrelay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openchat-hq/keyrelay/internal/api"
	"github.com/openchat-hq/keyrelay/internal/audit"
	"github.com/openchat-hq/keyrelay/internal/config"
	"github.com/openchat-hq/keyrelay/internal/dispatch"
	"github.com/openchat-hq/keyrelay/internal/keypool"
	"github.com/openchat-hq/keyrelay/internal/metrics"
	"github.com/openchat-hq/keyrelay/internal/observability"
	"github.com/openchat-hq/keyrelay/internal/secret"
	"github.com/openchat-hq/keyrelay/internal/stats"
	"github.com/openchat-hq/keyrelay/internal/store"
	"github.com/openchat-hq/keyrelay/internal/upstream"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := config.NewManager(*configPath, bootstrap)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()

	cfg := cfgManager.Get()

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting keyrelay", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	// Store
	var st store.Store
	switch cfg.Store.Backend {
	case config.BackendRedis:
		redisStore, err := store.NewRedis(cfg.Store.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		st = redisStore
		logger.Info("store connected", "backend", "redis", "addr", cfg.Store.Redis.Addr)
	case config.BackendMemory:
		st = store.NewMemory()
		logger.Warn("using in-memory store, credentials will not survive restarts")
	default:
		return fmt.Errorf("unknown store backend: %q", cfg.Store.Backend)
	}
	defer func() { _ = st.Close() }()

	// Credential sealing
	cipher, err := secret.NewCipher(cfg.Secret.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	sealer := secret.NewCachedCipher(cipher, 10*time.Minute)

	pool := keypool.New(st, sealer, logger)
	recorder := stats.NewRecorder(st, logger)
	auditLog := audit.New(st, logger)

	upstreamClient := upstream.NewClient(cfg.Upstream)
	defer upstreamClient.Close()

	engine := dispatch.New(pool, upstreamClient, recorder, logger, cfg.Dispatch)

	// Tracing
	tracerProvider, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		engine.SetTracer(tracerProvider.Tracer())
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = tracerProvider.Shutdown(shutdownCtx)
		}()
	}

	handler := api.NewHandler(engine, pool, recorder, auditLog, st, cfgManager, logger)

	limiter := api.NewRateLimiter(
		cfg.RateLimit.RequestsPerMinute,
		cfg.RateLimit.BurstSize,
		logger,
	)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux, limiter)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	go poolGaugeLoop(ctx, pool, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// poolGaugeLoop keeps the active/inactive pool gauges current.
func poolGaugeLoop(ctx context.Context, pool *keypool.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			creds, err := pool.List(ctx)
			if err != nil {
				logger.Debug("pool gauge refresh failed", "error", err)
				continue
			}
			active := 0
			for _, c := range creds {
				if c.Active {
					active++
				}
			}
			metrics.SetPoolSize(active, len(creds)-active)
		}
	}
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
