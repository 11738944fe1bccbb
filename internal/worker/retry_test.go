package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/worker"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubReplayer fails the resources listed in fail and records every call.
type stubReplayer struct {
	fail map[string]error

	mu    sync.Mutex
	calls []string
}

func (r *stubReplayer) Replay(_ context.Context, s *integrationlog.SyncError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s.ResourceID)
	return r.fail[s.ResourceID]
}

func (r *stubReplayer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type batchSize int

func (b batchSize) RetryBatchSize(context.Context) int { return int(b) }

type retryFixture struct {
	clock *clock
	repo  *integrationlog.InMemoryRepository
	log   *integrationlog.Log
	queue *integrationlog.RetryQueue
}

func newRetryFixture(t *testing.T, maxAttempts int) *retryFixture {
	t.Helper()
	f := &retryFixture{
		clock: &clock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)},
		repo:  integrationlog.NewInMemoryRepository(),
	}
	f.log = integrationlog.NewLog(integrationlog.LogConfig{Repository: f.repo, Logger: zerolog.Nop()})
	f.queue = integrationlog.NewRetryQueue(integrationlog.RetryConfig{
		Repository:  f.repo,
		Log:         f.log,
		Logger:      zerolog.Nop(),
		MaxAttempts: maxAttempts,
		Now:         f.clock.Now,
	})
	return f
}

func (f *retryFixture) enqueue(t *testing.T, resourceIDs ...string) {
	t.Helper()
	for _, id := range resourceIDs {
		_, err := f.queue.Enqueue(context.Background(), integrationlog.SyncError{
			TenantID:     "t1",
			EventType:    "monitor.updated",
			System:       "uptime",
			Operation:    integrationlog.OpUpdate,
			ResourceType: "monitor",
			ResourceID:   id,
			Error:        "unexpected status code: 503",
		})
		require.NoError(t, err)
	}
}

func (f *retryFixture) processor(r worker.Replayer, flags worker.BatchSizer) *worker.RetryProcessor {
	return worker.NewRetryProcessor(worker.RetryProcessorConfig{
		Config:   worker.RetryConfig{Concurrency: 2, Timeout: time.Second},
		Queue:    f.queue,
		Replayer: r,
		Flags:    flags,
		Logger:   zerolog.Nop(),
	})
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := worker.DefaultRetryConfig()

	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestRetryProcessor_NothingDue(t *testing.T) {
	f := newRetryFixture(t, 5)
	f.enqueue(t, "m1")
	replayer := &stubReplayer{}

	// The first retry is scheduled after the initial interval.
	result, err := f.processor(replayer, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Due)
	assert.Empty(t, replayer.Calls())
}

func TestRetryProcessor_ReplaysDueItems(t *testing.T) {
	f := newRetryFixture(t, 5)
	f.enqueue(t, "m1", "m2", "m3")
	f.clock.Advance(time.Hour)

	replayer := &stubReplayer{fail: map[string]error{"m2": errors.New("still down")}}
	p := f.processor(replayer, nil)

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Due)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.DeadLettered)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "m2", result.Errors[0].ResourceID)
	assert.Equal(t, "still down", result.Errors[0].Error)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, replayer.Calls())

	pending, err := f.repo.ListSyncErrors(context.Background(), integrationlog.SyncErrorFilter{Status: integrationlog.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m2", pending[0].ResourceID)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "still down", pending[0].Error)
	assert.True(t, pending[0].NextAttemptAt.After(f.clock.Now()))

	succeeded, err := f.log.Entries(context.Background(), integrationlog.EntryFilter{EventType: integrationlog.TypeRetrySucceeded})
	require.NoError(t, err)
	assert.Len(t, succeeded, 2)

	// The rescheduled item is not due yet.
	result, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Due)

	stats := p.GetStats()
	assert.Equal(t, int64(2), stats.TotalDrains)
	assert.Equal(t, int64(3), stats.Replayed)
	assert.Equal(t, int64(2), stats.Succeeded)
}

func TestRetryProcessor_ConcurrentDrainsReplayEachItemOnce(t *testing.T) {
	f := newRetryFixture(t, 5)
	f.enqueue(t, "m1", "m2", "m3", "m4", "m5", "m6")
	f.clock.Advance(time.Hour)

	replayer := &stubReplayer{}
	first := f.processor(replayer, nil)
	second := f.processor(replayer, nil)

	var (
		wg   sync.WaitGroup
		due  [2]int
		errs [2]error
	)
	for i, p := range []*worker.RetryProcessor{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := p.Run(context.Background())
			if err != nil {
				errs[i] = err
				return
			}
			due[i] = result.Due
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, 6, due[0]+due[1])
	assert.ElementsMatch(t, []string{"m1", "m2", "m3", "m4", "m5", "m6"}, replayer.Calls())
}

func TestRetryProcessor_DeadLettersExhaustedItems(t *testing.T) {
	f := newRetryFixture(t, 2)
	f.enqueue(t, "m1")
	f.clock.Advance(time.Hour)

	replayer := &stubReplayer{fail: map[string]error{"m1": errors.New("gone")}}
	result, err := f.processor(replayer, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.DeadLettered)

	dead, err := f.queue.DeadLetters(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "m1", dead[0].ResourceID)

	// Dead letters are never replayed again.
	f.clock.Advance(24 * time.Hour)
	result, err = f.processor(replayer, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Due)
	assert.Len(t, replayer.Calls(), 1)
}

func TestRetryProcessor_BatchSizeFromFlags(t *testing.T) {
	f := newRetryFixture(t, 5)
	f.enqueue(t, "m1", "m2", "m3", "m4")
	f.clock.Advance(time.Hour)

	replayer := &stubReplayer{}
	result, err := f.processor(replayer, batchSize(2)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Due)
	assert.Len(t, replayer.Calls(), 2)
}

type brokenQueue struct{}

func (brokenQueue) Due(context.Context, int) ([]*integrationlog.SyncError, error) {
	return nil, errors.New("connection refused")
}
func (brokenQueue) MarkSucceeded(context.Context, string) error { return nil }
func (brokenQueue) MarkFailed(context.Context, string, error) (*integrationlog.SyncError, error) {
	return nil, nil
}

func TestRetryProcessor_QueueError(t *testing.T) {
	p := worker.NewRetryProcessor(worker.RetryProcessorConfig{
		Queue:    brokenQueue{},
		Replayer: &stubReplayer{},
		Logger:   zerolog.Nop(),
	})

	_, err := p.Run(context.Background())
	assert.Error(t, err)
}

func TestRetryProcessor_StatsSnapshot(t *testing.T) {
	f := newRetryFixture(t, 5)
	p := f.processor(&stubReplayer{}, nil)

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	snapshot := p.StatsSnapshot()
	assert.Equal(t, int64(1), snapshot["total_drains"])
	assert.Contains(t, snapshot, "dead_lettered")
	assert.Contains(t, snapshot, "last_duration")
}
