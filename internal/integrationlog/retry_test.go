package integrationlog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsbridge/opsbridge/internal/integrationlog"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newQueue(t *testing.T, maxAttempts int) (*integrationlog.RetryQueue, *integrationlog.Log, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := integrationlog.NewInMemoryRepository()
	log := integrationlog.NewLog(integrationlog.LogConfig{Repository: repo, Logger: zerolog.Nop(), Now: c.Now})
	q := integrationlog.NewRetryQueue(integrationlog.RetryConfig{
		Repository:      repo,
		Log:             log,
		Logger:          zerolog.Nop(),
		MaxAttempts:     maxAttempts,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Now:             c.Now,
	})
	return q, log, c
}

func syncError() integrationlog.SyncError {
	return integrationlog.SyncError{
		TenantID:     "t1",
		EventType:    "monitor.updated",
		System:       "uptime",
		Operation:    integrationlog.OpCreate,
		ResourceType: "monitor",
		ResourceID:   "m1",
		Error:        "server error: Service Unavailable",
	}
}

func TestRetryQueue_Backoff(t *testing.T) {
	q, _, _ := newQueue(t, 5)

	assert.Equal(t, time.Second, q.Backoff(1))
	assert.Equal(t, 2*time.Second, q.Backoff(2))
	assert.Equal(t, 4*time.Second, q.Backoff(3))
	assert.Equal(t, 8*time.Second, q.Backoff(4))
	assert.Equal(t, 10*time.Second, q.Backoff(5), "capped at max interval")
}

func TestRetryQueue_EnqueueAndDue(t *testing.T) {
	q, _, c := newQueue(t, 5)
	ctx := context.Background()

	s, err := q.Enqueue(ctx, syncError())
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, s.Attempts)
	assert.Equal(t, integrationlog.StatusPending, s.Status)
	assert.Equal(t, c.now.Add(time.Second), s.NextAttemptAt)

	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "not due before the backoff elapses")

	c.Advance(time.Second)
	due, err = q.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, s.ID, due[0].ID)
}

func TestRetryQueue_DueLeasesClaimedItems(t *testing.T) {
	q, _, c := newQueue(t, 5)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, syncError())
	require.NoError(t, err)
	second := syncError()
	second.ResourceID = "m2"
	_, err = q.Enqueue(ctx, second)
	require.NoError(t, err)
	c.Advance(time.Second)

	claimed, err := q.Due(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	rest, err := q.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1, "a claimed item is not handed out twice")
	assert.NotEqual(t, claimed[0].ID, rest[0].ID)

	none, err := q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	stored, err := q.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, integrationlog.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts, "claiming does not count as an attempt")

	// Items never settled by their claimant come back once the lease ends.
	c.Advance(15 * time.Minute)
	again, err := q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestRetryQueue_MarkFailedAfterClaimReschedules(t *testing.T) {
	q, _, c := newQueue(t, 5)
	ctx := context.Background()

	s, err := q.Enqueue(ctx, syncError())
	require.NoError(t, err)
	c.Advance(time.Second)

	claimed, err := q.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	s, err = q.MarkFailed(ctx, s.ID, errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, c.now.Add(2*time.Second), s.NextAttemptAt, "the backoff replaces the lease")

	c.Advance(2 * time.Second)
	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestRetryQueue_DeadLetterAfterMaxAttempts(t *testing.T) {
	q, log, c := newQueue(t, 3)
	ctx := context.Background()

	s, err := q.Enqueue(ctx, syncError())
	require.NoError(t, err)

	s, err = q.MarkFailed(ctx, s.ID, errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Attempts)
	assert.Equal(t, integrationlog.StatusPending, s.Status)
	assert.Equal(t, c.now.Add(2*time.Second), s.NextAttemptAt)

	s, err = q.MarkFailed(ctx, s.ID, errors.New("still failing"))
	require.NoError(t, err)
	assert.Equal(t, 3, s.Attempts)
	assert.Equal(t, integrationlog.StatusDeadLetter, s.Status)
	assert.Equal(t, "still failing", s.Error)

	c.Advance(time.Hour)
	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "dead letters are never retried automatically")

	dead, err := q.DeadLetters(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, dead, 1)

	entries, err := log.Entries(ctx, integrationlog.EntryFilter{EventType: integrationlog.TypeDeadLetter})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].ResourceID)
}

func TestRetryQueue_Requeue(t *testing.T) {
	q, _, _ := newQueue(t, 1)
	ctx := context.Background()

	s, err := q.Enqueue(ctx, syncError())
	require.NoError(t, err)
	assert.Equal(t, integrationlog.StatusDeadLetter, s.Status, "a budget of one attempt dead-letters immediately")

	requeued, err := q.Requeue(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, integrationlog.StatusPending, requeued.Status)
	assert.Zero(t, requeued.Attempts)

	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	_, err = q.Requeue(ctx, s.ID)
	assert.ErrorIs(t, err, integrationlog.ErrNotDeadLettered)

	_, err = q.Requeue(ctx, "missing")
	assert.ErrorIs(t, err, integrationlog.ErrNotFound)
}

func TestRetryQueue_MarkSucceeded(t *testing.T) {
	q, log, _ := newQueue(t, 5)
	ctx := context.Background()

	s, err := q.Enqueue(ctx, syncError())
	require.NoError(t, err)
	require.NoError(t, q.MarkSucceeded(ctx, s.ID))

	got, err := q.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, integrationlog.StatusSucceeded, got.Status)

	entries, err := log.Entries(ctx, integrationlog.EntryFilter{ResourceID: "m1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, integrationlog.TypeRetrySucceeded, entries[0].EventType)
}
