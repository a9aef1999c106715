// Package main is the entrypoint for the repolens API server.
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

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/repolens/internal/api"
	"github.com/kiranshivaraju/repolens/internal/api/handler"
	mw "github.com/kiranshivaraju/repolens/internal/api/middleware"
	"github.com/kiranshivaraju/repolens/internal/api/response"
	"github.com/kiranshivaraju/repolens/internal/cache"
	"github.com/kiranshivaraju/repolens/internal/config"
	"github.com/kiranshivaraju/repolens/internal/correlation"
	"github.com/kiranshivaraju/repolens/internal/fanout"
	"github.com/kiranshivaraju/repolens/internal/launcher"
	"github.com/kiranshivaraju/repolens/internal/lifecycle"
	"github.com/kiranshivaraju/repolens/internal/orchestrator"
	"github.com/kiranshivaraju/repolens/internal/store"
	"github.com/kiranshivaraju/repolens/internal/webhook"
)

const (
	launcherShutdownTimeout = 10 * time.Second
	shutdownTimeout         = 30 * time.Second
	migrationsDir           = "migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"database_driver", cfg.Database.Driver,
		"worker_mode", cfg.Worker.Mode,
		"events_backend", cfg.Server.EventsBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the job store
	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Event fanout
	hub := fanout.NewHub(fanout.DefaultBuffer)
	var publisher fanout.Publisher = hub
	var bus *fanout.RedisBus
	if cfg.Server.EventsBackend == config.EventsRedis {
		bus = fanout.NewRedisBus(redisCache, hub)
		if err := bus.Start(ctx); err != nil {
			return fmt.Errorf("subscribe to event bus: %w", err)
		}
		publisher = bus
	}

	// 5. Job lifecycle
	signer := correlation.NewSigner(cfg.Webhook.Secret)
	if !signer.Enabled() {
		slog.Warn("WEBHOOK_SECRET not set, worker callbacks are not authenticated")
	}
	finalizer := lifecycle.NewFinalizer(st, publisher, redisCache, cfg.Jobs.StatusTTL)

	builder, err := launcher.NewBuilder(cfg.Worker)
	if err != nil {
		return fmt.Errorf("create worker command builder: %w", err)
	}
	jobLauncher := launcher.New(builder, st, finalizer, launcher.Options{
		CallbackURL:   cfg.Worker.CallbackURL,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		Signer:        signer,
		ReapInterval:  cfg.Worker.ReapInterval,
	})

	correlator := webhook.NewCorrelator(st, finalizer, publisher, signer)
	svc := orchestrator.NewService(st, redisCache, jobLauncher, correlator, finalizer, cfg.Jobs.StatusTTL)

	sweeper := lifecycle.NewSweeper(st, finalizer, cfg.Jobs.StaleAfter, cfg.Jobs.SweepInterval)
	go sweeper.Run(ctx)

	// 6. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler:     healthHandler(st, redisCache),
		StartAnalysis:     handler.NewStartAnalysisHandler(svc),
		ListAnalyses:      handler.NewListAnalysesHandler(svc, false),
		GetAnalysis:       handler.NewGetAnalysisHandler(svc),
		AnalysisStatus:    handler.NewAnalysisStatusHandler(svc),
		AdminListAnalyses: handler.NewListAnalysesHandler(svc, true),
		CallbackHandler:   handler.NewCallbackHandler(svc, cfg.Webhook.MaxBodyBytes),
		ProgressHandler:   handler.NewProgressHandler(svc, cfg.Webhook.MaxBodyBytes),
		EventsHandler:     handler.NewEventsHandler(hub, cfg.Server.AllowedOrigin),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Launches stop first so running workers can still call back while the
	// HTTP server is up. Each phase gets its own budget.
	launchCtx, cancelLaunch := context.WithTimeout(context.Background(), launcherShutdownTimeout)
	defer cancelLaunch()
	if err := jobLauncher.Shutdown(launchCtx); err != nil {
		slog.Warn("jobs still waiting for a worker at shutdown", "error", err)
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	hub.Close()
	if bus != nil {
		bus.Wait()
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openStore connects the configured backend. Postgres migrations are applied
// on startup; the SQLite schema is created by OpenSQLite itself.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		slog.Info("sqlite store opened", "path", cfg.SQLitePath)
		return s, func() { _ = s.Close() }, nil
	default:
		pool, err := store.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.URL, migrationsDir); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
		return store.NewPostgresStore(pool), pool.Close, nil
	}
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
