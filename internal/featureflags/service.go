package featureflags

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServiceConfig holds configuration for the feature flag service.
type ServiceConfig struct {
	Repository Repository
	Logger     zerolog.Logger

	// CacheTTL is how long a loaded snapshot is served before the store is
	// read again. Default: 1 minute.
	CacheTTL time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// Service evaluates flags from a cached snapshot of the store merged over the
// defaults. When the store is unavailable the last snapshot is served, or
// the defaults if none was ever loaded. A nil *Service reports every flag at
// its default.
type Service struct {
	repo   Repository
	logger zerolog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	snapshot map[string]*Flag
	loadedAt time.Time
}

// NewService creates a new feature flag service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
		ttl:    cfg.CacheTTL,
		now:    cfg.Now,
	}
	if s.ttl <= 0 {
		s.ttl = time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Snapshot returns every known flag with stored values merged over defaults.
// The returned map must not be modified.
func (s *Service) Snapshot(ctx context.Context) map[string]*Flag {
	if s == nil {
		return DefaultFlags()
	}

	s.mu.RLock()
	snap, fresh := s.snapshot, s.now().Before(s.loadedAt.Add(s.ttl))
	s.mu.RUnlock()
	if snap != nil && fresh {
		return snap
	}

	stored, err := s.repo.List(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load feature flags, serving last known values")
		if snap != nil {
			return snap
		}
		return DefaultFlags()
	}

	merged := DefaultFlags()
	for key, f := range stored {
		if _, known := Lookup(key); !known {
			continue
		}
		merged[key] = f
	}

	s.mu.Lock()
	s.snapshot, s.loadedAt = merged, s.now()
	s.mu.Unlock()
	return merged
}

// Flag returns the current value of one flag, or nil for an unknown key.
func (s *Service) Flag(ctx context.Context, key string) *Flag {
	return s.Snapshot(ctx)[key]
}

// Apply validates and stores an audited batch of updates. Either every
// update is stored or none is.
func (s *Service) Apply(ctx context.Context, change Change) ([]*Flag, error) {
	if len(change.Updates) == 0 {
		return nil, fmt.Errorf("%w: no updates", ErrInvalidValue)
	}
	if strings.TrimSpace(change.Reason) == "" {
		return nil, fmt.Errorf("%w: a reason is required", ErrInvalidValue)
	}

	now := s.now().UTC()
	flags := make([]*Flag, 0, len(change.Updates))
	for _, u := range change.Updates {
		if err := Validate(u.Key, u.Value); err != nil {
			return nil, err
		}
		flags = append(flags, &Flag{
			Key:       u.Key,
			Value:     u.Value,
			UpdatedAt: now,
			UpdatedBy: change.By,
			Reason:    change.Reason,
		})
	}

	if err := s.repo.Save(ctx, flags); err != nil {
		return nil, fmt.Errorf("saving feature flags: %w", err)
	}
	s.Invalidate()

	for _, f := range flags {
		s.logger.Info().
			Str("flag", f.Key).
			Interface("value", f.Value).
			Str("by", f.UpdatedBy).
			Str("reason", f.Reason).
			Msg("feature flag changed")
	}
	return flags, nil
}

// Reset removes the stored value of a flag so its default applies again.
// Resetting a flag already at its default is not an error.
func (s *Service) Reset(ctx context.Context, key string) error {
	if _, ok := Lookup(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlag, key)
	}
	if err := s.repo.Delete(ctx, key); err != nil && !errors.Is(err, ErrFlagNotFound) {
		return fmt.Errorf("resetting feature flag: %w", err)
	}
	s.Invalidate()
	s.logger.Info().Str("flag", key).Msg("feature flag reset to default")
	return nil
}

// Invalidate drops the cached snapshot so the next read goes to the store.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.snapshot, s.loadedAt = nil, time.Time{}
	s.mu.Unlock()
}

// IsSyncDisabled reports whether traffic with an external system is switched off.
func (s *Service) IsSyncDisabled(ctx context.Context, system string) bool {
	return s.Flag(ctx, SyncDisabledFlag(system)).BoolValue(false)
}

// IsReconcileDisabled reports whether scheduled reconciliation is switched off.
func (s *Service) IsReconcileDisabled(ctx context.Context) bool {
	return s.Flag(ctx, FlagReconcileDisabled).BoolValue(false)
}

// IsNotificationsDisabled reports whether alert notifications are switched off.
func (s *Service) IsNotificationsDisabled(ctx context.Context) bool {
	return s.Flag(ctx, FlagNotificationsDisabled).BoolValue(false)
}

// RetryBatchSize returns how many queued sync errors one drain may replay.
func (s *Service) RetryBatchSize(ctx context.Context) int {
	if n := s.Flag(ctx, FlagRetryBatchSize).IntValue(100); n > 0 {
		return n
	}
	return 100
}

// ActiveKillSwitches returns the kill switches currently set, in key order.
func (s *Service) ActiveKillSwitches(ctx context.Context) []string {
	snap := s.Snapshot(ctx)
	var active []string
	for _, key := range KillSwitches() {
		if snap[key].BoolValue(false) {
			active = append(active, key)
		}
	}
	return active
}
