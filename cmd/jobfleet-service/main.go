// jobfleet-service is the HTTP API server for submitting and evaluating
// training job batches.
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

	"jobfleet/internal/api"
	"jobfleet/internal/config"
	"jobfleet/internal/fleet"
	"jobfleet/internal/health"
	"jobfleet/internal/notify"
	"jobfleet/internal/objectstore"
	"jobfleet/internal/observability"
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

	svcCfg := config.LoadServiceConfig()
	runCfg := config.LoadRunConfig()
	notifyCfg := notify.LoadConfigFromEnv()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing(ctx, "jobfleet-service", svcCfg.TracingEndpoint)
	if err != nil {
		return err
	}
	if svcCfg.TracingEndpoint != "" {
		slog.Info("Tracing enabled", "endpoint", svcCfg.TracingEndpoint)
	}

	notifier := notify.NewMemory(notifyCfg, metrics)

	client, err := fleet.NewClient(runCfg)
	if err != nil {
		return err
	}
	defer client.Close()
	slog.Info("Job backend ready", "backend", runCfg.Backend)

	store, err := objectstore.Open(runCfg.ObjectStoreURL, nil)
	if err != nil {
		return err
	}

	f := fleet.New(runCfg, client, fleet.Options{
		Metrics:   metrics,
		Publisher: notify.NewPublisher(notifier, runCfg.CallbackURL, runCfg.CallbackKey),
		Store:     store,
	})

	healthChecker := health.NewChecker(f)
	healthChecker.AddCheck("notifier", health.ReadinessFunc(func(context.Context) error {
		if open := notifier.Stats().BreakersOpen; open > 0 {
			return fmt.Errorf("%d webhook destinations unavailable", open)
		}
		return nil
	}))

	router := api.NewRouter(api.RouterConfig{
		Fleet:         f,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Aggregation describes every job sequentially, so writes get more time.
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

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

	// Phase 1: fail readiness so load balancers stop sending traffic
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: stop background runs between batches. Jobs already created keep running.
	slog.Info("Stopping batch runs", "active", f.Registry().Active())
	runsCtx, runsCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer runsCancel()
	if err := f.Close(runsCtx); err != nil {
		slog.Warn("Batch runs did not stop in time", "error", err)
	}

	// Phase 4: deliver queued webhooks, including the final run events
	slog.Info("Draining notifier")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	// Phase 5: flush spans
	tracingCtx, tracingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer tracingCancel()
	if err := shutdownTracing(tracingCtx); err != nil {
		slog.Warn("Tracing shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	slog.Info("Shutdown complete")
	return nil
}
