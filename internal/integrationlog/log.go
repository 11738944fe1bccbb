package integrationlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/events"
)

// LogConfig holds configuration for the integration log.
type LogConfig struct {
	Repository Repository
	Logger     zerolog.Logger

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// Log is the append-only record of synchronization attempts. Sequence numbers
// are reserved when an attempt is initiated, so listing by sequence preserves
// initiation order even when attempts complete out of order.
type Log struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

// NewLog creates an integration log.
func NewLog(cfg LogConfig) *Log {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Log{
		repo:   cfg.Repository,
		logger: cfg.Logger.With().Str("component", "integration_log").Logger(),
		now:    cfg.Now,
	}
}

// Reserve returns the sequence number for an attempt that is starting now.
// It returns 0 if the store is unavailable; Append then reserves on write.
func (l *Log) Reserve(ctx context.Context) int64 {
	seq, err := l.repo.NextSeq(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("failed to reserve log sequence")
		return 0
	}
	return seq
}

// Append stores an entry, filling in id, sequence and timestamp.
func (l *Log) Append(ctx context.Context, e Entry) (*Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Seq == 0 {
		seq, err := l.repo.NextSeq(ctx)
		if err != nil {
			return nil, fmt.Errorf("reserving log sequence: %w", err)
		}
		e.Seq = seq
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	if err := l.repo.AppendEntry(ctx, &e); err != nil {
		return nil, fmt.Errorf("appending log entry: %w", err)
	}
	return &e, nil
}

// Record appends an entry and logs instead of returning a failure.
func (l *Log) Record(ctx context.Context, e Entry) {
	if _, err := l.Append(ctx, e); err != nil {
		l.logger.Error().
			Err(err).
			Str("event_type", string(e.EventType)).
			Str("resource_id", e.ResourceID).
			Msg("failed to record integration log entry")
	}
}

// Entries lists entries ordered by sequence.
func (l *Log) Entries(ctx context.Context, filter EntryFilter) ([]*Entry, error) {
	return l.repo.ListEntries(ctx, filter)
}

// systemFailure is implemented by errors that know which external system failed.
type systemFailure interface {
	FailedSystem() string
}

// RecordHandlerFailure records a failed event handler as a sync.error entry.
func (l *Log) RecordHandlerFailure(ctx context.Context, f events.Failure) {
	entry := Entry{
		TenantID:     f.Event.TenantID,
		EventType:    TypeSyncError,
		ResourceType: string(f.Event.Resource.Kind),
		ResourceID:   f.Event.ResourceID(),
		Metadata: map[string]interface{}{
			"handler":  f.Handler,
			"event":    string(f.Event.Name),
			"event_id": f.Event.ID,
			"source":   string(f.Event.Source),
			"error":    f.Err.Error(),
		},
	}
	var sf systemFailure
	if errors.As(f.Err, &sf) {
		entry.System = sf.FailedSystem()
	}
	l.Record(ctx, entry)
}

var _ events.ErrorSink = (*Log)(nil)
