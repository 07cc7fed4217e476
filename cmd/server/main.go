// Package main is the entrypoint for the Tenantlytics API server.
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

	"github.com/kiranshivaraju/tenantlytics/internal/api"
	"github.com/kiranshivaraju/tenantlytics/internal/api/handler"
	mw "github.com/kiranshivaraju/tenantlytics/internal/api/middleware"
	"github.com/kiranshivaraju/tenantlytics/internal/audit"
	"github.com/kiranshivaraju/tenantlytics/internal/cache"
	"github.com/kiranshivaraju/tenantlytics/internal/config"
	"github.com/kiranshivaraju/tenantlytics/internal/engine"
	"github.com/kiranshivaraju/tenantlytics/internal/jobs"
	"github.com/kiranshivaraju/tenantlytics/internal/notify"
	"github.com/kiranshivaraju/tenantlytics/internal/plans"
	"github.com/kiranshivaraju/tenantlytics/internal/quota"
	"github.com/kiranshivaraju/tenantlytics/internal/schedule"
	"github.com/kiranshivaraju/tenantlytics/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout = 30 * time.Second
	drainGrace      = 15 * time.Second

	// auditPlan is the lowest plan that may read the audit trail.
	auditPlan = "pro"
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
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "engine", cfg.Engine.BaseURL)

	planTable, err := loadPlans(cfg.Plans.File)
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}
	if _, ok := planTable.Lookup(auditPlan); !ok {
		return fmt.Errorf("load plans: plan %q required by the audit trail is not defined", auditPlan)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Build services
	pgStore := store.NewPostgresStore(pool)
	trail := audit.NewTrail(pgStore, cfg.Audit.PageSize)
	results := cache.NewResultCache(redisCache, trail, cfg.Cache.ResultTTL)
	hub := notify.NewHub(notify.DefaultSessionBuffer)
	inbox := notify.NewDispatcher(pgStore, hub)
	enforcer := quota.NewEnforcer(pgStore, planTable, quota.DefaultCounters(pgStore))

	workers := jobs.NewPool(cfg.Worker.PoolSize, cfg.Worker.QueueSize)
	runner := jobs.NewRunner(jobs.Deps{
		Store:         pgStore,
		Engine:        engine.NewHTTPClient(cfg.Engine.BaseURL, cfg.Engine.Timeout),
		Quota:         enforcer,
		Results:       results,
		Audit:         trail,
		Notifier:      inbox,
		Pool:          workers,
		EngineTimeout: cfg.Engine.Timeout,
	})

	// 6. Fail jobs an earlier process left PENDING, then start the workers.
	// The pool outlives the signal context so queued analyses can drain.
	if _, err := runner.FailOrphaned(ctx, time.Now().UTC()); err != nil {
		return err
	}
	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	workers.Start(poolCtx)

	// 7. Re-arm persisted schedules
	manager := schedule.NewManager(pgStore, enforcer, runner, trail, schedule.NewCronClock())
	restored, err := manager.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore schedules: %w", err)
	}
	manager.Start(ctx)
	slog.Info("scheduler started", "schedules", restored)

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.PerMinute),
		AdminTier: mw.RequireTier(planTable, pgStore, auditPlan),

		HealthHandler:  handler.NewHealthHandler(pgStore, redisCache),
		MetricsHandler: promhttp.Handler(),

		CreateSchedule: handler.NewCreateScheduleHandler(manager),
		ListSchedules:  handler.NewListSchedulesHandler(manager),
		UpdateSchedule: handler.NewUpdateScheduleHandler(manager),
		DeleteSchedule: handler.NewDeleteScheduleHandler(manager),

		RunAnalysis:     handler.NewRunAnalysisHandler(runner),
		GetAnalysis:     handler.NewGetAnalysisHandler(runner),
		InvalidateCache: handler.NewInvalidateCacheHandler(pgStore, results),

		Usage: handler.NewUsageHandler(enforcer),

		ListNotifications: handler.NewListNotificationsHandler(inbox),
		MarkNotification:  handler.NewMarkNotificationReadHandler(inbox),

		Audit:     handler.NewAuditHandler(trail, cfg.Audit.PageSize),
		WebSocket: handler.NewWebSocketHandler(hub),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
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
	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout: stop accepting requests, stop firing
	// schedules, then let queued analyses finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("server shutdown: %w", err))
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("scheduler shutdown: %w", err))
	}
	if err := drainWorkers(shutdownCtx, workers, cancelPool); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("worker pool shutdown: %w", err))
	}
	if serveErr != nil {
		return serveErr
	}

	slog.Info("server stopped gracefully")
	return nil
}

// drainWorkers waits for the pool to finish its queue. If ctx expires first,
// in-flight engine calls are cancelled and the tasks get drainGrace to record
// their failure.
func drainWorkers(ctx context.Context, workers *jobs.Pool, cancelTasks context.CancelFunc) error {
	err := workers.Shutdown(ctx)
	if err == nil {
		return nil
	}
	slog.Warn("worker pool did not drain in time, cancelling running analyses", "error", err)
	cancelTasks()

	graceCtx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	return errors.Join(err, workers.Shutdown(graceCtx))
}

// loadPlans returns the plan table from path, or the built-in table when no
// path is configured.
func loadPlans(path string) (*plans.Table, error) {
	if path == "" {
		return plans.Default(), nil
	}
	t, err := plans.Load(path)
	if err != nil {
		return nil, err
	}
	slog.Info("plan table loaded", "file", path, "plans", len(t.Plans()))
	return t, nil
}
