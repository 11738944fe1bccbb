package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/telemetry"
)

// Replayer re-attempts one failed outbound call.
type Replayer interface {
	Replay(ctx context.Context, s *integrationlog.SyncError) error
}

// Queue is the part of the retry queue the processor drives.
type Queue interface {
	Due(ctx context.Context, limit int) ([]*integrationlog.SyncError, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) (*integrationlog.SyncError, error)
}

// BatchSizer supplies the per-drain batch size at runtime.
type BatchSizer interface {
	RetryBatchSize(ctx context.Context) int
}

var _ Queue = (*integrationlog.RetryQueue)(nil)

// RetryProcessor drains due items from the retry queue and replays each to the
// one system that failed.
type RetryProcessor struct {
	config   RetryConfig
	queue    Queue
	replayer Replayer
	flags    BatchSizer
	metrics  *telemetry.SyncMetrics
	logger   zerolog.Logger

	statsMu sync.RWMutex
	stats   RetryStats
}

// RetryStats tracks drain statistics.
type RetryStats struct {
	TotalDrains   int64
	Replayed      int64
	Succeeded     int64
	Failed        int64
	DeadLettered  int64
	LastDrainAt   time.Time
	LastDuration  time.Duration
	TotalDuration time.Duration
}

// RetryProcessorConfig holds configuration for creating a RetryProcessor.
type RetryProcessorConfig struct {
	Config   RetryConfig
	Queue    Queue
	Replayer Replayer
	Logger   zerolog.Logger

	// Flags overrides Config.BatchSize when set.
	Flags BatchSizer

	// Metrics is optional.
	Metrics *telemetry.SyncMetrics
}

// NewRetryProcessor creates a retry processor.
func NewRetryProcessor(cfg RetryProcessorConfig) *RetryProcessor {
	return &RetryProcessor{
		config:   cfg.Config.withDefaults(),
		queue:    cfg.Queue,
		replayer: cfg.Replayer,
		flags:    cfg.Flags,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "retry_processor").Logger(),
	}
}

// DrainResult contains the result of one drain.
type DrainResult struct {
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Due          int
	Succeeded    int
	Failed       int
	DeadLettered int
	Errors       []ReplayError
}

// ReplayError describes one failed replay.
type ReplayError struct {
	SyncErrorID string
	System      string
	ResourceID  string
	Error       string
}

type replayResult struct {
	item         *integrationlog.SyncError
	err          error
	deadLettered bool
}

// Run drains one batch of due items. It returns an error only when the queue
// itself cannot be read; replay failures are rescheduled and counted.
func (p *RetryProcessor) Run(ctx context.Context) (*DrainResult, error) {
	startTime := time.Now()
	result := &DrainResult{StartTime: startTime}

	limit := p.config.BatchSize
	if p.flags != nil {
		limit = p.flags.RetryBatchSize(ctx)
	}

	due, err := p.queue.Due(ctx, limit)
	if err != nil {
		return nil, err
	}
	result.Due = len(due)

	if len(due) == 0 {
		p.logger.Debug().Msg("no sync errors due")
		p.updateStats(result, startTime)
		return result, nil
	}

	p.logger.Info().
		Int("due", len(due)).
		Int("concurrency", p.config.Concurrency).
		Msg("starting retry drain")

	items := make(chan *integrationlog.SyncError, len(due))
	results := make(chan replayResult, len(due))

	var wg sync.WaitGroup
	for i := 0; i < p.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.replayWorker(ctx, items, results)
		}()
	}

	for _, s := range due {
		items <- s
	}
	close(items)

	go func() {
		wg.Wait()
		close(results)
	}()

	for rr := range results {
		if rr.err == nil {
			result.Succeeded++
			continue
		}
		result.Failed++
		if rr.deadLettered {
			result.DeadLettered++
		}
		result.Errors = append(result.Errors, ReplayError{
			SyncErrorID: rr.item.ID,
			System:      rr.item.System,
			ResourceID:  rr.item.ResourceID,
			Error:       rr.err.Error(),
		})
	}

	p.updateStats(result, startTime)

	p.logger.Info().
		Dur("duration", result.Duration).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("dead_lettered", result.DeadLettered).
		Msg("retry drain completed")

	return result, nil
}

func (p *RetryProcessor) replayWorker(ctx context.Context, items <-chan *integrationlog.SyncError, results chan<- replayResult) {
	for item := range items {
		select {
		case <-ctx.Done():
			return
		default:
			results <- p.replay(ctx, item)
		}
	}
}

func (p *RetryProcessor) replay(ctx context.Context, item *integrationlog.SyncError) replayResult {
	logger := p.logger.With().
		Str("sync_error_id", item.ID).
		Str("system", item.System).
		Str("resource_id", item.ResourceID).
		Int("attempts", item.Attempts).
		Logger()

	replayCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	err := p.replayer.Replay(replayCtx, item)
	cancel()

	if err == nil {
		if markErr := p.queue.MarkSucceeded(ctx, item.ID); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to close replayed sync error")
		}
		p.metrics.RecordRetry(item.System, "succeeded")
		logger.Info().Msg("replay succeeded")
		return replayResult{item: item}
	}

	rr := replayResult{item: item, err: err}
	updated, markErr := p.queue.MarkFailed(ctx, item.ID, err)
	if markErr != nil {
		logger.Error().Err(markErr).Msg("failed to reschedule sync error")
		p.metrics.RecordRetry(item.System, "failed")
		return rr
	}
	if updated.Status == integrationlog.StatusDeadLetter {
		rr.deadLettered = true
		p.metrics.RecordRetry(item.System, "dead_letter")
		return rr
	}

	p.metrics.RecordRetry(item.System, "failed")
	logger.Warn().
		Err(err).
		Time("next_attempt_at", updated.NextAttemptAt).
		Msg("replay failed, rescheduled")
	return rr
}

func (p *RetryProcessor) updateStats(result *DrainResult, startTime time.Time) {
	end := time.Now()
	result.EndTime = end
	result.Duration = end.Sub(startTime)

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.stats.TotalDrains++
	p.stats.Replayed += int64(result.Succeeded + result.Failed)
	p.stats.Succeeded += int64(result.Succeeded)
	p.stats.Failed += int64(result.Failed)
	p.stats.DeadLettered += int64(result.DeadLettered)
	p.stats.LastDrainAt = end
	p.stats.LastDuration = result.Duration
	p.stats.TotalDuration += result.Duration
}

// GetStats returns a copy of the current statistics.
func (p *RetryProcessor) GetStats() RetryStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

// StatsSnapshot returns the current statistics as a map.
func (p *RetryProcessor) StatsSnapshot() map[string]interface{} {
	s := p.GetStats()
	return map[string]interface{}{
		"total_drains":   s.TotalDrains,
		"replayed":       s.Replayed,
		"succeeded":      s.Succeeded,
		"failed":         s.Failed,
		"dead_lettered":  s.DeadLettered,
		"last_drain_at":  s.LastDrainAt,
		"last_duration":  s.LastDuration.String(),
		"total_duration": s.TotalDuration.String(),
	}
}
