// Package main provides the entrypoint for the opsbridge server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/api"
	"github.com/opsbridge/opsbridge/internal/api/middleware"
	"github.com/opsbridge/opsbridge/internal/app"
	"github.com/opsbridge/opsbridge/internal/broadcast"
	"github.com/opsbridge/opsbridge/internal/reconcile"
	"github.com/opsbridge/opsbridge/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "opsbridge"

	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting opsbridge")

	// Get configuration from environment
	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	// PUBLIC_BASE_URL is where external systems reach /v1/webhooks.
	publicBaseURL := os.Getenv("PUBLIC_BASE_URL")

	// Initialize OpenTelemetry
	ctx := context.Background()
	telemetryCfg := telemetry.ConfigFromEnv(serviceName, Version)

	tp, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if telemetryCfg.Enabled {
		log.Info().
			Str("otlp_endpoint", telemetryCfg.OTLPEndpoint).
			Float64("sample_ratio", telemetryCfg.SampleRatio).
			Msg("OpenTelemetry initialized")
	}

	// Initialize metrics
	metrics, err := middleware.NewMetrics(nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}

	// Wire the bridge
	cfg := app.ConfigFromEnv()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize bridge")
		os.Exit(1)
	}
	log.Info().
		Int("systems", len(a.Bridge.Systems())).
		Int("bindings", len(a.Bridge.Bindings())).
		Msg("bridge initialized")

	// Background jobs: reconciliation and retry drains
	jobs := []reconcile.Job{}
	if os.Getenv("RECONCILE_IN_WORKER") != "true" {
		jobs = append(jobs, reconcile.DefaultJobs(a.Reconciler)...)
	}
	if os.Getenv("RETRY_IN_WORKER") != "true" {
		jobs = append(jobs, reconcile.Job{
			Name:     "retry_drain",
			Interval: 30 * time.Second,
			Tick: func(ctx context.Context) {
				if _, err := a.Retries.Run(ctx); err != nil {
					log.Error().Err(err).Msg("retry drain failed")
				}
			},
		})
	}
	scheduler := reconcile.NewScheduler(reconcile.SchedulerConfig{Jobs: jobs, Logger: log})
	scheduler.Start(ctx)

	stream := broadcast.NewHandler(broadcast.HandlerConfig{
		Broadcaster:    a.Broadcaster,
		Tokens:         a.Tokens,
		Logger:         log,
		AllowedOrigins: splitList(os.Getenv("STREAM_ALLOWED_ORIGINS")),
	})

	// Create router with configuration
	router := api.NewRouter(api.RouterConfig{
		Version:     Version,
		BuildTime:   BuildTime,
		Logger:      log,
		ServiceName: serviceName,
		Metrics:     metrics,
		Tokens:      a.Tokens,
		Bridge:      a.Bridge,
		Log:         a.Log,
		Retry:       a.Retry,
		Reconciler:  a.Reconciler,
		Flags:       a.Flags,
		Registry:    a.Registry,
		Database:    a.Pool,
		Stream:      stream,
		Subscribers: a.Broadcaster,
		RequireTLS:  os.Getenv("REQUIRE_TLS") == "true",
		WebhookSecrets: map[string]string{
			"uptime":     os.Getenv("UPTIME_WEBHOOK_SECRET"),
			"escalation": os.Getenv("ESCALATION_WEBHOOK_SECRET"),
		},
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	if publicBaseURL != "" {
		a.Bridge.RegisterWebhooks(ctx, publicBaseURL)
	} else {
		log.Warn().Msg("PUBLIC_BASE_URL not set - inbound webhooks are not registered")
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.Bridge.DeregisterWebhooks(ctx)
	scheduler.Stop()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := a.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("bridge forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server stopped")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
