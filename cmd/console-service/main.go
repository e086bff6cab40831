// console-service is the HTTP API server of the pipeline operations console.
// It launches catalog jobs as detached sessions on the execution host,
// watches them to completion, and serves their status and results.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"opsconsole/internal/api"
	"opsconsole/internal/config"
	"opsconsole/internal/dispatcher"
	"opsconsole/internal/health"
	"opsconsole/internal/job"
	"opsconsole/internal/observability"
	"opsconsole/internal/registry"
	"opsconsole/internal/session"
	"opsconsole/internal/supervisor"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Optional .env for local development. Real environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	supCfg := supervisor.LoadConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	catalog := config.DefaultCatalog()
	if svcCfg.CatalogFile != "" {
		loaded, err := config.LoadCatalog(svcCfg.CatalogFile)
		if err != nil {
			return err
		}
		catalog = loaded
		slog.Info("Loaded job catalog", "path", svcCfg.CatalogFile, "jobTypes", len(catalog.Jobs))
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the run registry
	store, err := registry.Open(ctx, svcCfg.RegistryDB, slog.Default())
	if err != nil {
		return err
	}
	defer store.Close()

	// Connect to the execution host
	runner, err := session.NewRunner(catalog.Target, slog.Default())
	if err != nil {
		return err
	}

	// Create notification dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	// Create the session supervisor (resumes watching unfinished runs)
	supCfg.Store = store
	supCfg.Runner = runner
	supCfg.Catalog = catalog
	supCfg.Dispatcher = eventDispatcher
	supCfg.Metrics = metrics
	sup, err := supervisor.New(ctx, supCfg)
	if err != nil {
		return err
	}
	defer sup.Close()

	// A down host is not fatal at startup: the API still serves recorded
	// state and readiness reports the outage.
	readyCtx, cancelReady := context.WithTimeout(ctx, 10*time.Second)
	if err := sup.Ready(readyCtx); err != nil {
		slog.Warn("Execution host not reachable", "runner", runner.Kind().String(), "error", err)
	} else {
		slog.Info("Execution host ready", "runner", runner.Kind().String())
	}
	cancelReady()

	// Create health checker
	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"registry": health.ReadyFunc(store.Ping),
		"host":     health.ReadyFunc(sup.Ready),
	})

	// Create job service
	jobService := job.NewService(catalog, sup, store, metrics)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second, // status long polls hold up to 60s
		IdleTimeout:  120 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Drain notification dispatcher
	slog.Info("Draining notification dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Sessions are detached on the execution host and outlive this process.
	// The registry keeps their state; the next startup resumes watching.
	slog.Info("Running jobs continue on the execution host")
	slog.Info("Shutdown complete")
	return nil
}
