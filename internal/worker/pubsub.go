package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/provider/resilience"
	"github.com/opsbridge/opsbridge/internal/reconcile"
)

// Job types carried in JobMessage.JobType.
const (
	JobReconcile   = "reconcile"
	JobRetryDrain  = "retry_drain"
	JobHealthCheck = "health_check"
)

// Predefined errors.
var (
	// ErrUnknownJob is returned for a job type the worker does not handle.
	ErrUnknownJob = errors.New("unknown job type")

	// ErrMalformedJob is returned when a message cannot be decoded.
	ErrMalformedJob = errors.New("malformed job message")
)

// ReconcileRunner runs reconciliation passes.
type ReconcileRunner interface {
	Run(ctx context.Context, opts reconcile.PassOptions) *reconcile.PassResult
}

// RetryRunner drains the retry queue.
type RetryRunner interface {
	Run(ctx context.Context) (*DrainResult, error)
}

// HealthSource reports the health of every external system client.
type HealthSource interface {
	All() []*resilience.Health
}

// JobMessage is the payload of a worker job.
type JobMessage struct {
	JobType string `json:"job_type"`

	// Pass selects full or light reconciliation. Empty means full.
	Pass     string `json:"pass,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`

	// Force runs reconciliation even when the kill switch is set.
	Force bool `json:"force,omitempty"`
}

// JobHandler executes decoded jobs.
type JobHandler struct {
	reconciler ReconcileRunner
	retries    RetryRunner
	health     HealthSource
	logger     zerolog.Logger
}

// JobHandlerConfig holds configuration for the job handler. Each dependency
// is optional; jobs whose dependency is missing fail.
type JobHandlerConfig struct {
	Reconciler ReconcileRunner
	Retries    RetryRunner
	Health     HealthSource
	Logger     zerolog.Logger
}

// NewJobHandler creates a job handler.
func NewJobHandler(cfg JobHandlerConfig) *JobHandler {
	return &JobHandler{
		reconciler: cfg.Reconciler,
		retries:    cfg.Retries,
		health:     cfg.Health,
		logger:     cfg.Logger,
	}
}

// Handle decodes and runs one job.
func (h *JobHandler) Handle(ctx context.Context, data []byte) error {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	switch msg.JobType {
	case JobReconcile:
		return h.handleReconcile(ctx, msg)
	case JobRetryDrain:
		return h.handleRetryDrain(ctx)
	case JobHealthCheck:
		return h.handleHealthCheck()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJob, msg.JobType)
	}
}

func (h *JobHandler) handleReconcile(ctx context.Context, msg JobMessage) error {
	if h.reconciler == nil {
		return errors.New("reconciler not configured")
	}

	pass := reconcile.Pass(msg.Pass)
	switch pass {
	case "", reconcile.PassFull, reconcile.PassLight:
	default:
		return fmt.Errorf("%w: unknown pass %q", ErrMalformedJob, msg.Pass)
	}

	result := h.reconciler.Run(ctx, reconcile.PassOptions{
		Pass:     pass,
		TenantID: msg.TenantID,
		Force:    msg.Force,
	})
	if result.Skipped {
		return nil
	}

	// Consider it successful if no more than half failed.
	if result.Checked > 0 && result.Failed*2 > result.Checked {
		return fmt.Errorf("too many reconcile failures: %d/%d", result.Failed, result.Checked)
	}
	return nil
}

func (h *JobHandler) handleRetryDrain(ctx context.Context) error {
	if h.retries == nil {
		return errors.New("retry processor not configured")
	}
	// Replay failures are rescheduled by the queue, so only a queue read
	// error fails the job.
	_, err := h.retries.Run(ctx)
	return err
}

func (h *JobHandler) handleHealthCheck() error {
	if h.health == nil {
		return errors.New("health source not configured")
	}

	var open []string
	for _, hl := range h.health.All() {
		if hl.IsUnhealthy() {
			open = append(open, hl.Name)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("health check failed: circuit open for %s", strings.Join(open, ", "))
	}

	h.logger.Debug().Msg("health check passed")
	return nil
}

// PubSubHandler receives jobs from a Pub/Sub subscription.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	jobs             *JobHandler
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Jobs             *JobHandler
	Logger           zerolog.Logger
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)

	// Jobs are long running; keep few in flight and extend their deadline.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 4
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		jobs:             cfg.Jobs,
		logger:           cfg.Logger,
	}, nil
}

// Start begins processing Pub/Sub messages. It blocks until ctx is done.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		h.handleMessage(ctx, msg)
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

func (h *PubSubHandler) handleMessage(ctx context.Context, msg *pubsub.Message) {
	startTime := time.Now()

	logger := h.logger.With().
		Str("message_id", msg.ID).
		Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
		Logger()

	logger.Debug().Msg("received pubsub message")

	err := h.jobs.Handle(ctx, msg.Data)
	switch {
	case errors.Is(err, ErrUnknownJob), errors.Is(err, ErrMalformedJob):
		// Redelivery cannot fix these.
		logger.Warn().Err(err).Msg("dropping job message")
		msg.Ack()
		return
	case err != nil:
		logger.Error().Err(err).Msg("job failed")
		msg.Nack()
		return
	}

	logger.Info().
		Dur("duration", time.Since(startTime)).
		Msg("job completed successfully")

	msg.Ack()
}
