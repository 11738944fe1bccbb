// Package api provides the HTTP API for opsbridge.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/api/handler"
	"github.com/opsbridge/opsbridge/internal/api/middleware"
	"github.com/opsbridge/opsbridge/internal/api/models"
	"github.com/opsbridge/opsbridge/internal/api/response"
	"github.com/opsbridge/opsbridge/internal/auth"
	"github.com/opsbridge/opsbridge/internal/bridge"
	"github.com/opsbridge/opsbridge/internal/featureflags"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/provider/resilience"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics

	Tokens     middleware.TokenAuthorizer
	Bridge     *bridge.Bridge
	Log        *integrationlog.Log
	Retry      *integrationlog.RetryQueue
	Reconciler handler.ReconcileRunner
	Flags      *featureflags.Service
	Registry   *resilience.Registry
	Database   handler.Pinger

	// Stream serves the websocket change feed. Optional.
	Stream      http.Handler
	Subscribers handler.SubscriberCounter

	// RequireTLS rejects requests a proxy reports as plain HTTP.
	RequireTLS bool

	// WebhookSecrets maps an external system to the shared secret its
	// webhooks must carry. Systems without an entry are not checked.
	WebhookSecrets map[string]string
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Set default service name if not provided
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "opsbridge"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))         // Structured logging
	r.Use(middleware.Recovery(cfg.Logger))       // Panic recovery
	r.Use(chimiddleware.RealIP)                  // Real IP extraction
	r.Use(middleware.SecurityHeaders)            // Security headers (HSTS, CSP, etc.)
	r.Use(middleware.RequireTLS(cfg.RequireTLS)) // Reject plain HTTP behind a proxy

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, r, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, r, models.NewProblem(models.KindMethodNotAllowed, middleware.GetRequestID(r.Context()), r.Method+" is not allowed on "+r.URL.Path))
	})

	// Initialize handlers
	opsCfg := handler.OpsConfig{
		Version:   cfg.Version,
		BuildTime: cfg.BuildTime,
		Database:  cfg.Database,
	}
	if cfg.Registry != nil {
		opsCfg.Providers = cfg.Registry
	}
	if cfg.Flags != nil {
		opsCfg.Flags = cfg.Flags
	}
	if cfg.Retry != nil {
		opsCfg.DeadLetters = cfg.Retry
	}
	if cfg.Subscribers != nil {
		opsCfg.Subscribers = cfg.Subscribers
	}
	opsHandler := handler.NewOpsHandler(opsCfg)

	operatorAuth := middleware.Auth(cfg.Tokens, auth.RoleOperator)
	operatorRateLimit := middleware.RateLimitByTenant(middleware.OperatorRateLimit) // 100 req/min per tenant

	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints (public)
		r.Get("/ops/health", opsHandler.HealthCheck)
		r.Get("/ops/ready", opsHandler.ReadinessCheck)

		// Live change feed; the handler authenticates the upgrade itself.
		if cfg.Stream != nil {
			r.With(middleware.RateLimitByIP(middleware.StreamRateLimit)).Handle("/stream", cfg.Stream)
		}

		if cfg.Bridge == nil {
			r.With(operatorAuth, operatorRateLimit).Get("/ops/status", opsHandler.BridgeStatus)
			return
		}

		monitorHandler := handler.NewMonitorHandler(cfg.Bridge)
		alertHandler := handler.NewAlertHandler(cfg.Bridge)
		incidentHandler := handler.NewIncidentHandler(cfg.Bridge)
		scheduleHandler := handler.NewScheduleHandler(cfg.Bridge)
		webhookHandler := handler.NewWebhookHandler(cfg.Bridge, cfg.WebhookSecrets, cfg.Logger)

		// Inbound webhooks from external systems
		r.With(middleware.RateLimitByEndpoint(middleware.WebhookRateLimit)).
			Post("/webhooks/{system}", webhookHandler.Receive)

		// Operator endpoints (authenticated) - tenant-based rate limiting
		r.Group(func(r chi.Router) {
			r.Use(operatorAuth)
			r.Use(operatorRateLimit)
			r.Use(middleware.RequireJSON)

			r.Get("/ops/status", opsHandler.BridgeStatus)

			r.Route("/monitors", func(r chi.Router) {
				r.Get("/", monitorHandler.ListMonitors)
				r.Post("/", monitorHandler.CreateMonitor)
				r.Route("/{monitorId}", func(r chi.Router) {
					r.Get("/", monitorHandler.GetMonitor)
					r.Patch("/", monitorHandler.UpdateMonitor)
					r.Delete("/", monitorHandler.DeleteMonitor)
				})
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", alertHandler.ListAlerts)
				r.Post("/", alertHandler.CreateAlert)
				r.Route("/{alertId}", func(r chi.Router) {
					r.Get("/", alertHandler.GetAlert)
					r.Post("/acknowledge", alertHandler.AcknowledgeAlert)
					r.Post("/resolve", alertHandler.ResolveAlert)
				})
			})

			r.Route("/incidents", func(r chi.Router) {
				r.Get("/", incidentHandler.ListIncidents)
				r.Post("/", incidentHandler.CreateIncident)
				r.Route("/{incidentId}", func(r chi.Router) {
					r.Get("/", incidentHandler.GetIncident)
					r.Patch("/", incidentHandler.UpdateIncident)
				})
			})

			r.Route("/schedules", func(r chi.Router) {
				r.Get("/", scheduleHandler.ListSchedules)
				r.Post("/", scheduleHandler.CreateSchedule)
				r.Route("/{scheduleId}", func(r chi.Router) {
					r.Get("/", scheduleHandler.GetSchedule)
					r.Put("/", scheduleHandler.ReplaceSchedule)
					r.Post("/overrides", scheduleHandler.CreateOverride)
					r.Get("/on-call", scheduleHandler.OnCall)
				})
			})

			if cfg.Log != nil && cfg.Retry != nil {
				integrationHandler := handler.NewIntegrationHandler(handler.IntegrationConfig{
					Log:        cfg.Log,
					Retry:      cfg.Retry,
					Reconciler: cfg.Reconciler,
					Bindings:   cfg.Bridge,
				})
				r.Post("/ops/reconcile", integrationHandler.Reconcile)
				r.Route("/integration", func(r chi.Router) {
					r.Get("/log", integrationHandler.ListLogEntries)
					r.Get("/bindings", integrationHandler.ListBindings)
					r.Get("/dead-letters", integrationHandler.ListDeadLetters)
					r.Post("/dead-letters/{syncErrorId}/requeue", integrationHandler.RequeueDeadLetter)
				})
			}

			if cfg.Flags != nil {
				featureFlagsHandler := handler.NewFeatureFlagsHandler(cfg.Flags, cfg.Logger)
				r.Route("/admin/feature-flags", func(r chi.Router) {
					r.Get("/", featureFlagsHandler.ListFeatureFlags)
					r.Put("/", featureFlagsHandler.UpsertFeatureFlags)
					r.Delete("/{key}", featureFlagsHandler.ResetFeatureFlag)
					r.Post("/invalidate", featureFlagsHandler.InvalidateCache)
				})
			}
		})
	})

	return r
}
