package integrationlog

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RetryConfig holds configuration for the retry queue.
type RetryConfig struct {
	Repository Repository
	Logger     zerolog.Logger

	// Log receives retry.succeeded and retry.dead_letter entries. Optional.
	Log *Log

	// MaxAttempts is the number of failed attempts, the original one included,
	// after which an item is dead-lettered.
	// Default: 5
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	// Default: 30 seconds
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	// Default: 30 minutes
	MaxInterval time.Duration

	// Multiplier grows the delay after each attempt.
	// Default: 2
	Multiplier float64

	// LeaseDuration is how long an item handed out by Due stays hidden from
	// other callers. An item that is never marked becomes due again after it.
	// Default: 15 minutes
	LeaseDuration time.Duration

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 30 * time.Second,
		MaxInterval:     30 * time.Minute,
		Multiplier:      2,
		LeaseDuration:   15 * time.Minute,
	}
}

// RetryQueue holds failed outbound attempts until they succeed or are
// dead-lettered.
type RetryQueue struct {
	repo   Repository
	log    *Log
	logger zerolog.Logger
	cfg    RetryConfig
}

// NewRetryQueue creates a retry queue.
func NewRetryQueue(cfg RetryConfig) *RetryQueue {
	defaults := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = defaults.InitialInterval
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = defaults.MaxInterval
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = defaults.Multiplier
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RetryQueue{
		repo:   cfg.Repository,
		log:    cfg.Log,
		logger: cfg.Logger.With().Str("component", "retry_queue").Logger(),
		cfg:    cfg,
	}
}

// Backoff returns the delay scheduled after the given number of failed attempts.
func (q *RetryQueue) Backoff(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.InitialInterval
	bo.MaxInterval = q.cfg.MaxInterval
	bo.Multiplier = q.cfg.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	d := bo.InitialInterval
	for i := 0; i < attempts; i++ {
		d = bo.NextBackOff()
	}
	return d
}

// Enqueue stores a failed attempt. The failure that produced it counts as the
// first attempt.
func (q *RetryQueue) Enqueue(ctx context.Context, s SyncError) (*SyncError, error) {
	now := q.cfg.Now()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Attempts = 1
	s.MaxAttempts = q.cfg.MaxAttempts
	s.Status = StatusPending
	s.NextAttemptAt = now.Add(q.Backoff(1))
	s.CreatedAt = now
	s.UpdatedAt = now

	if s.Attempts >= s.MaxAttempts {
		s.Status = StatusDeadLetter
	}

	if err := q.repo.SaveSyncError(ctx, &s); err != nil {
		return nil, fmt.Errorf("saving sync error: %w", err)
	}

	q.logger.Info().
		Str("sync_error_id", s.ID).
		Str("system", s.System).
		Str("operation", string(s.Operation)).
		Str("resource_id", s.ResourceID).
		Time("next_attempt_at", s.NextAttemptAt).
		Msg("sync error queued for retry")

	if s.Status == StatusDeadLetter {
		q.recordDeadLetter(ctx, &s)
	}
	return &s, nil
}

// Due claims pending items whose next attempt is due. Claimed items are
// leased to the caller, which settles each with MarkSucceeded or MarkFailed.
func (q *RetryQueue) Due(ctx context.Context, limit int) ([]*SyncError, error) {
	now := q.cfg.Now()
	items, err := q.repo.ClaimSyncErrors(ctx, now, now.Add(q.cfg.LeaseDuration), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming sync errors: %w", err)
	}
	return items, nil
}

// Get returns a queued item.
func (q *RetryQueue) Get(ctx context.Context, id string) (*SyncError, error) {
	return q.repo.GetSyncError(ctx, id)
}

// MarkSucceeded closes an item after a successful replay.
func (q *RetryQueue) MarkSucceeded(ctx context.Context, id string) error {
	s, err := q.repo.GetSyncError(ctx, id)
	if err != nil {
		return err
	}
	s.Status = StatusSucceeded
	s.UpdatedAt = q.cfg.Now()
	if err := q.repo.SaveSyncError(ctx, s); err != nil {
		return fmt.Errorf("saving sync error: %w", err)
	}

	if q.log != nil {
		q.log.Record(ctx, Entry{
			TenantID:     s.TenantID,
			EventType:    TypeRetrySucceeded,
			ResourceType: s.ResourceType,
			ResourceID:   s.ResourceID,
			System:       s.System,
			Metadata: map[string]interface{}{
				"sync_error_id": s.ID,
				"operation":     string(s.Operation),
				"attempts":      s.Attempts,
			},
		})
	}
	return nil
}

// MarkFailed records another failed attempt and schedules the next one, or
// dead-letters the item once its attempts are exhausted.
func (q *RetryQueue) MarkFailed(ctx context.Context, id string, cause error) (*SyncError, error) {
	s, err := q.repo.GetSyncError(ctx, id)
	if err != nil {
		return nil, err
	}

	now := q.cfg.Now()
	s.Attempts++
	s.UpdatedAt = now
	if cause != nil {
		s.Error = cause.Error()
	}
	if s.Attempts >= s.MaxAttempts {
		s.Status = StatusDeadLetter
	} else {
		s.NextAttemptAt = now.Add(q.Backoff(s.Attempts))
	}

	if err := q.repo.SaveSyncError(ctx, s); err != nil {
		return nil, fmt.Errorf("saving sync error: %w", err)
	}

	if s.Status == StatusDeadLetter {
		q.recordDeadLetter(ctx, s)
	}
	return s, nil
}

// DeadLetters lists dead-lettered items, optionally for one tenant.
func (q *RetryQueue) DeadLetters(ctx context.Context, tenantID string) ([]*SyncError, error) {
	return q.repo.ListSyncErrors(ctx, SyncErrorFilter{TenantID: tenantID, Status: StatusDeadLetter})
}

// Requeue moves a dead-lettered item back to pending with a fresh attempt budget.
func (q *RetryQueue) Requeue(ctx context.Context, id string) (*SyncError, error) {
	s, err := q.repo.GetSyncError(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusDeadLetter {
		return nil, ErrNotDeadLettered
	}

	now := q.cfg.Now()
	s.Status = StatusPending
	s.Attempts = 0
	s.NextAttemptAt = now
	s.UpdatedAt = now
	if err := q.repo.SaveSyncError(ctx, s); err != nil {
		return nil, fmt.Errorf("saving sync error: %w", err)
	}

	q.logger.Info().Str("sync_error_id", s.ID).Msg("dead letter requeued")
	return s, nil
}

func (q *RetryQueue) recordDeadLetter(ctx context.Context, s *SyncError) {
	q.logger.Warn().
		Str("sync_error_id", s.ID).
		Str("system", s.System).
		Str("resource_id", s.ResourceID).
		Int("attempts", s.Attempts).
		Str("error", s.Error).
		Msg("sync error dead-lettered")

	if q.log == nil {
		return
	}
	q.log.Record(ctx, Entry{
		TenantID:     s.TenantID,
		EventType:    TypeDeadLetter,
		ResourceType: s.ResourceType,
		ResourceID:   s.ResourceID,
		System:       s.System,
		Metadata: map[string]interface{}{
			"sync_error_id": s.ID,
			"operation":     string(s.Operation),
			"attempts":      s.Attempts,
			"error":         s.Error,
		},
	})
}
