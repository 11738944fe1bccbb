package reconcile_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsbridge/opsbridge/internal/reconcile"
)

type fakeTicker struct {
	interval time.Duration
	ch       chan time.Time
	stopped  atomic.Bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped.Store(true) }

// tickers hands out fake tickers keyed by interval.
type tickers struct {
	mu  sync.Mutex
	all map[time.Duration]*fakeTicker
}

func newTickers() *tickers {
	return &tickers{all: make(map[time.Duration]*fakeTicker)}
}

func (t *tickers) New(d time.Duration) reconcile.Ticker {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := &fakeTicker{interval: d, ch: make(chan time.Time)}
	t.all[d] = f
	return f
}

func (t *tickers) Get(d time.Duration) *fakeTicker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.all[d]
}

func TestScheduler_RunsJobOnTick(t *testing.T) {
	ticks := newTickers()
	ran := make(chan string, 4)

	s := reconcile.NewScheduler(reconcile.SchedulerConfig{
		Jobs: []reconcile.Job{
			{Name: "fast", Interval: time.Minute, Tick: func(context.Context) { ran <- "fast" }},
			{Name: "slow", Interval: 5 * time.Minute, Tick: func(context.Context) { ran <- "slow" }},
		},
		Logger:    zerolog.Nop(),
		NewTicker: ticks.New,
	})
	s.Start(context.Background())
	defer s.Stop()

	fast := ticks.Get(time.Minute)
	slow := ticks.Get(5 * time.Minute)
	require.NotNil(t, fast)
	require.NotNil(t, slow)

	fast.ch <- time.Now()
	assert.Equal(t, "fast", <-ran)

	slow.ch <- time.Now()
	assert.Equal(t, "slow", <-ran)

	fast.ch <- time.Now()
	assert.Equal(t, "fast", <-ran)
}

func TestScheduler_StopCancelsAndWaits(t *testing.T) {
	ticks := newTickers()
	started := make(chan struct{})
	var finished atomic.Bool

	s := reconcile.NewScheduler(reconcile.SchedulerConfig{
		Jobs: []reconcile.Job{{
			Name:     "blocking",
			Interval: time.Minute,
			Tick: func(ctx context.Context) {
				close(started)
				<-ctx.Done()
				finished.Store(true)
			},
		}},
		Logger:    zerolog.Nop(),
		NewTicker: ticks.New,
	})
	s.Start(context.Background())

	ticks.Get(time.Minute).ch <- time.Now()
	<-started

	s.Stop()
	assert.True(t, finished.Load(), "Stop returns only after the running tick observed cancellation")
	assert.True(t, ticks.Get(time.Minute).stopped.Load())

	// Stopping twice is harmless.
	s.Stop()
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	ticks := newTickers()
	ran := make(chan struct{}, 2)
	var calls atomic.Int32

	s := reconcile.NewScheduler(reconcile.SchedulerConfig{
		Jobs: []reconcile.Job{{
			Name:     "flaky",
			Interval: time.Minute,
			Tick: func(context.Context) {
				defer func() { ran <- struct{}{} }()
				if calls.Add(1) == 1 {
					panic("boom")
				}
			},
		}},
		Logger:    zerolog.Nop(),
		NewTicker: ticks.New,
	})
	s.Start(context.Background())
	defer s.Stop()

	ticker := ticks.Get(time.Minute)
	ticker.ch <- time.Now()
	<-ran
	ticker.ch <- time.Now()
	<-ran

	assert.Equal(t, int32(2), calls.Load())
}

func TestScheduler_SkipsInvalidJobs(t *testing.T) {
	ticks := newTickers()

	s := reconcile.NewScheduler(reconcile.SchedulerConfig{
		Jobs: []reconcile.Job{
			{Name: "no interval", Tick: func(context.Context) {}},
			{Name: "no tick", Interval: time.Minute},
		},
		Logger:    zerolog.Nop(),
		NewTicker: ticks.New,
	})
	s.Start(context.Background())
	defer s.Stop()

	assert.Nil(t, ticks.Get(time.Minute))
}

func TestDefaultJobs(t *testing.T) {
	r := newReconcilerFixture(t).reconciler
	jobs := reconcile.DefaultJobs(r)

	require.Len(t, jobs, 2)
	assert.Equal(t, 5*time.Minute, jobs[0].Interval)
	assert.Equal(t, time.Minute, jobs[1].Interval)
}
