package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Ticker delivers ticks until stopped. *time.Ticker satisfies it through
// NewTimeTicker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker returns a Ticker backed by time.NewTicker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Job is one periodic task. Runs of the same job never overlap.
type Job struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context)
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	Jobs   []Job
	Logger zerolog.Logger

	// NewTicker creates the tick source for a job.
	// Default: NewTimeTicker
	NewTicker func(d time.Duration) Ticker
}

// Scheduler runs jobs on their intervals until stopped.
type Scheduler struct {
	jobs      []Job
	newTicker func(d time.Duration) Ticker
	logger    zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.NewTicker == nil {
		cfg.NewTicker = NewTimeTicker
	}
	return &Scheduler{
		jobs:      cfg.Jobs,
		newTicker: cfg.NewTicker,
		logger:    cfg.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// DefaultJobs returns the two reconciliation schedules: a full pass every
// five minutes and a light pass over open alerts every minute.
func DefaultJobs(r *Reconciler) []Job {
	return []Job{
		{
			Name:     "reconcile_full",
			Interval: 5 * time.Minute,
			Tick:     func(ctx context.Context) { r.Run(ctx, PassOptions{Pass: PassFull}) },
		},
		{
			Name:     "reconcile_light",
			Interval: time.Minute,
			Tick:     func(ctx context.Context) { r.Run(ctx, PassOptions{Pass: PassLight}) },
		},
	}
}

// Start launches every job. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Tick == nil {
			s.logger.Warn().Str("job", job.Name).Msg("skipping job without interval or tick")
			continue
		}
		ticker := s.newTicker(job.Interval)
		s.wg.Add(1)
		go s.loop(ctx, job, ticker)
	}

	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

// Stop cancels all jobs and waits for running ticks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job, ticker Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ctx.Err() != nil {
				return
			}
			s.run(ctx, job)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Str("job", job.Name).Msg("scheduled job panicked")
		}
	}()

	start := time.Now()
	job.Tick(ctx)
	s.logger.Debug().Str("job", job.Name).Dur("duration", time.Since(start)).Msg("scheduled job finished")
}
