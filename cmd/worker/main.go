// Package main provides the entrypoint for the opsbridge worker. The worker
// runs reconciliation passes and retry drains, either on demand from a
// Pub/Sub subscription or on its own schedule.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/app"
	"github.com/opsbridge/opsbridge/internal/reconcile"
	"github.com/opsbridge/opsbridge/internal/telemetry"
	"github.com/opsbridge/opsbridge/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", "opsbridge-worker").
		Str("version", Version).
		Logger()

	log.Info().Str("build_time", BuildTime).Msg("starting opsbridge worker")

	// Worker also exposes health endpoint for Cloud Run
	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.ConfigFromEnv("opsbridge-worker", Version))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()

	a, err := app.New(ctx, app.ConfigFromEnv(), log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize bridge")
		os.Exit(1) //nolint:gocritic // telemetry cleanup is best-effort
	}

	jobs := worker.NewJobHandler(worker.JobHandlerConfig{
		Reconciler: a.Reconciler,
		Retries:    a.Retries,
		Health:     a.Registry,
		Logger:     log,
	})

	// Create HTTP server for health checks
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "healthy",
			"version": Version,
			"retries": a.Retries.StatsSnapshot(),
		})
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health check server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	// Jobs arrive over Pub/Sub when a subscription is configured; otherwise
	// the worker runs them on its own schedule.
	projectID := os.Getenv("PUBSUB_PROJECT_ID")
	subscription := os.Getenv("PUBSUB_SUBSCRIPTION")

	var scheduler *reconcile.Scheduler
	if projectID != "" && subscription != "" {
		handler, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        projectID,
			SubscriptionName: subscription,
			Jobs:             jobs,
			Logger:           log,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to create pubsub handler")
			os.Exit(1)
		}
		defer func() {
			if err := handler.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close pubsub handler")
			}
		}()

		go func() {
			if err := handler.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("pubsub handler stopped")
			}
		}()
	} else {
		log.Warn().Msg("PUBSUB_SUBSCRIPTION not set - running jobs on a local schedule")
		scheduler = reconcile.NewScheduler(reconcile.SchedulerConfig{
			Jobs: append(reconcile.DefaultJobs(a.Reconciler), reconcile.Job{
				Name:     worker.JobRetryDrain,
				Interval: 30 * time.Second,
				Tick: func(ctx context.Context) {
					if err := jobs.Handle(ctx, []byte(`{"job_type":"retry_drain"}`)); err != nil {
						log.Error().Err(err).Msg("retry drain failed")
					}
				},
			}),
			Logger: log,
		})
		scheduler.Start(ctx)
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()
	if scheduler != nil {
		scheduler.Stop()
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("bridge forced to shutdown")
	}

	log.Info().Msg("worker stopped")
}
