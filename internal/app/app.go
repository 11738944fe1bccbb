// Package app wires the bridge and its collaborators from configuration. It is
// shared by the bridge server and the worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/auth"
	"github.com/opsbridge/opsbridge/internal/bridge"
	"github.com/opsbridge/opsbridge/internal/bridge/escalation"
	"github.com/opsbridge/opsbridge/internal/bridge/uptime"
	"github.com/opsbridge/opsbridge/internal/broadcast"
	"github.com/opsbridge/opsbridge/internal/conflict"
	"github.com/opsbridge/opsbridge/internal/database"
	"github.com/opsbridge/opsbridge/internal/featureflags"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
	"github.com/opsbridge/opsbridge/internal/notify"
	"github.com/opsbridge/opsbridge/internal/provider/resilience"
	"github.com/opsbridge/opsbridge/internal/reconcile"
	"github.com/opsbridge/opsbridge/internal/telemetry"
	"github.com/opsbridge/opsbridge/internal/worker"
)

// Config holds the settings shared by every opsbridge process.
type Config struct {
	Database database.Config

	// Migrate applies the embedded schema at startup.
	Migrate bool

	UptimeBaseURL     string
	UptimeAPIKey      string
	EscalationBaseURL string
	EscalationAPIKey  string

	// PubSubProjectID and NotifyTopic select Pub/Sub notification delivery.
	// Notifications are only logged when either is empty.
	PubSubProjectID string
	NotifyTopic     string

	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string

	FlagCacheTTL   time.Duration
	RetryMaxTries  int
	RetryLease     time.Duration
	ClockSkew      time.Duration
	AdapterTimeout time.Duration
}

// ConfigFromEnv reads Config from environment variables.
func ConfigFromEnv() Config {
	flagTTL, _ := time.ParseDuration(getEnvOrDefault("FLAG_CACHE_TTL", "1m"))
	maxTries, _ := strconv.Atoi(getEnvOrDefault("RETRY_MAX_ATTEMPTS", "5"))
	lease, _ := time.ParseDuration(getEnvOrDefault("RETRY_LEASE", "15m"))
	skew, _ := time.ParseDuration(getEnvOrDefault("CONFLICT_CLOCK_SKEW", "0s"))
	adapterTimeout, _ := time.ParseDuration(getEnvOrDefault("ADAPTER_TIMEOUT", "15s"))

	return Config{
		Database:          database.ConfigFromEnv(),
		Migrate:           getEnvOrDefault("DB_AUTO_MIGRATE", "true") == "true",
		UptimeBaseURL:     os.Getenv("UPTIME_BASE_URL"),
		UptimeAPIKey:      os.Getenv("UPTIME_API_KEY"),
		EscalationBaseURL: os.Getenv("ESCALATION_BASE_URL"),
		EscalationAPIKey:  os.Getenv("ESCALATION_API_KEY"),
		PubSubProjectID:   os.Getenv("PUBSUB_PROJECT_ID"),
		NotifyTopic:       os.Getenv("NOTIFY_TOPIC"),
		JWTSigningKey:     os.Getenv("JWT_SIGNING_KEY"),
		JWTIssuer:         getEnvOrDefault("JWT_ISSUER", "opsbridge"),
		JWTAudience:       getEnvOrDefault("JWT_AUDIENCE", "opsbridge"),
		FlagCacheTTL:      flagTTL,
		RetryMaxTries:     maxTries,
		RetryLease:        lease,
		ClockSkew:         skew,
		AdapterTimeout:    adapterTimeout,
	}
}

// App holds the wired components.
type App struct {
	Pool        *pgxpool.Pool
	Registry    *resilience.Registry
	Flags       *featureflags.Service
	Log         *integrationlog.Log
	Retry       *integrationlog.RetryQueue
	Broadcaster *broadcast.Broadcaster
	Bridge      *bridge.Bridge
	Reconciler  *reconcile.Reconciler
	Retries     *worker.RetryProcessor
	Tokens      *auth.JWTService
	SyncMetrics *telemetry.SyncMetrics

	pubsubClient *pubsub.Client
	notifyPub    *pubsub.Publisher
	logger       zerolog.Logger
}

// New connects to the database and wires the bridge.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*App, error) {
	a := &App{logger: log}

	pool, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	a.Pool = pool
	log.Info().
		Str("host", cfg.Database.Host).
		Int("port", cfg.Database.Port).
		Str("database", cfg.Database.Database).
		Msg("database connected")

	if cfg.Migrate {
		if err := database.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrating database: %w", err)
		}
	}

	syncMetrics, err := telemetry.NewSyncMetrics()
	if err != nil {
		log.Warn().Err(err).Msg("sync metrics unavailable")
	}
	a.SyncMetrics = syncMetrics

	a.Flags = featureflags.NewService(featureflags.ServiceConfig{
		Repository: featureflags.NewPostgresRepository(pool),
		Logger:     log,
		CacheTTL:   cfg.FlagCacheTTL,
	})

	logRepo := integrationlog.NewPostgresRepository(pool)
	a.Log = integrationlog.NewLog(integrationlog.LogConfig{Repository: logRepo, Logger: log})
	a.Retry = integrationlog.NewRetryQueue(integrationlog.RetryConfig{
		Repository:    logRepo,
		Log:           a.Log,
		Logger:        log,
		MaxAttempts:   cfg.RetryMaxTries,
		LeaseDuration: cfg.RetryLease,
	})

	a.Registry = resilience.NewRegistry()
	adapters, err := a.adapters(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	deliverer, err := a.deliverer(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Broadcaster = broadcast.New(broadcast.Config{Logger: log})

	repo := monitoring.NewPostgresRepository(pool)
	a.Bridge, err = bridge.New(bridge.Config{
		Repository: repo,
		Log:        a.Log,
		Logger:     log,
		Resolver: conflict.NewRegistry(conflict.RegistryConfig{
			Logger:             log,
			ClockSkewTolerance: cfg.ClockSkew,
		}),
		Retry:          a.Retry,
		Broadcaster:    a.Broadcaster,
		Deliverer:      deliverer,
		Flags:          a.Flags,
		Metrics:        syncMetrics,
		Adapters:       adapters,
		AdapterTimeout: cfg.AdapterTimeout,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	a.Reconciler, err = reconcile.NewReconciler(reconcile.Config{
		Bridge:     a.Bridge,
		Repository: repo,
		Log:        a.Log,
		Logger:     log,
		Flags:      a.Flags,
		Metrics:    syncMetrics,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating reconciler: %w", err)
	}

	a.Retries = worker.NewRetryProcessor(worker.RetryProcessorConfig{
		Config:   worker.DefaultRetryConfig(),
		Queue:    a.Retry,
		Replayer: a.Bridge,
		Logger:   log,
		Flags:    a.Flags,
		Metrics:  syncMetrics,
	})

	a.Tokens = newTokens(cfg, log)
	return a, nil
}

func (a *App) adapters(cfg Config) ([]bridge.Adapter, error) {
	var adapters []bridge.Adapter

	if cfg.UptimeBaseURL != "" {
		httpCfg := resilience.DefaultClientConfig(string(monitoring.SystemUptime))
		httpCfg.Registry = a.Registry
		client, err := uptime.NewClient(uptime.ClientConfig{
			BaseURL:    cfg.UptimeBaseURL,
			APIKey:     cfg.UptimeAPIKey,
			HTTPClient: resilience.NewClient(httpCfg),
			Logger:     a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating uptime adapter: %w", err)
		}
		adapters = append(adapters, client)
	} else {
		a.logger.Warn().Msg("uptime service not configured")
	}

	if cfg.EscalationBaseURL != "" {
		httpCfg := resilience.DefaultClientConfig(string(monitoring.SystemEscalation))
		httpCfg.Registry = a.Registry
		client, err := escalation.NewClient(escalation.ClientConfig{
			BaseURL:    cfg.EscalationBaseURL,
			APIKey:     cfg.EscalationAPIKey,
			HTTPClient: resilience.NewClient(httpCfg),
			Logger:     a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating escalation adapter: %w", err)
		}
		adapters = append(adapters, client)
	} else {
		a.logger.Warn().Msg("escalation service not configured")
	}

	return adapters, nil
}

func (a *App) deliverer(ctx context.Context, cfg Config) (notify.Deliverer, error) {
	if cfg.PubSubProjectID == "" || cfg.NotifyTopic == "" {
		a.logger.Info().Msg("notifications are logged only")
		return notify.NewLogDeliverer(a.logger), nil
	}

	client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	a.pubsubClient = client
	a.notifyPub = client.Publisher(cfg.NotifyTopic)

	d, err := notify.NewPubSubDeliverer(notify.PubSubConfig{Publisher: a.notifyPub, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	a.logger.Info().Str("topic", cfg.NotifyTopic).Msg("notifications published to pubsub")
	return d, nil
}

func newTokens(cfg Config, log zerolog.Logger) *auth.JWTService {
	key := cfg.JWTSigningKey
	if key == "" {
		key = "local-dev-signing-key-change-in-production"
		log.Warn().Msg("using default JWT signing key - not secure for production")
	}
	return auth.NewJWTService(auth.JWTConfig{
		SigningKey: key,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
	})
}

// Shutdown drains in-flight event handlers, then releases connections.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Bridge != nil {
		if err := a.Bridge.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing bridge: %w", err))
		}
	}
	if a.Broadcaster != nil {
		a.Broadcaster.Close()
	}
	a.Close()
	return errors.Join(errs...)
}

// Close releases connections without draining.
func (a *App) Close() {
	if a.notifyPub != nil {
		a.notifyPub.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Error().Err(err).Msg("failed to close pubsub client")
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
