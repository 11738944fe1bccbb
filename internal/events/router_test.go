package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handler(err error) events.Handler {
	return func(_ context.Context, e events.Event) error {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
		return err
	}
}

func (r *recorder) names() []events.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Name, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

type fakeApplier struct {
	changed bool
	err     error
	calls   int
}

func (f *fakeApplier) Apply(_ context.Context, e *events.Event) (bool, error) {
	f.calls++
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata["applied"] = true
	return f.changed, f.err
}

type fakeSink struct {
	mu       sync.Mutex
	failures []events.Failure
}

func (s *fakeSink) RecordHandlerFailure(_ context.Context, f events.Failure) {
	s.mu.Lock()
	s.failures = append(s.failures, f)
	s.mu.Unlock()
}

func TestRouter_PublishDispatchesToBindings(t *testing.T) {
	applier := &fakeApplier{changed: true}
	b := events.NewBuilder(events.RouterConfig{Logger: zerolog.Nop(), Applier: applier})

	var a, c recorder
	b.MustSubscribe(events.MonitorUpdated, events.Binding{Name: "a", Handler: a.handler(nil)})
	b.MustSubscribe(events.MonitorUpdated, events.Binding{Name: "c", Handler: c.handler(nil)})
	r := b.Build()

	d, err := r.Publish(context.Background(), monitorEvent(events.SourceUser, "t1"))
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, 2, d.Dispatched)
	assert.Equal(t, 1, applier.calls)
	require.Len(t, a.events, 1)
	assert.Equal(t, true, a.events[0].Metadata["applied"], "handlers see the applied event")
	assert.Len(t, c.events, 1)
}

func TestRouter_UnchangedSkipsFanOut(t *testing.T) {
	b := events.NewBuilder(events.RouterConfig{Logger: zerolog.Nop(), Applier: &fakeApplier{changed: false}})
	var rec recorder
	b.MustSubscribe(events.MonitorUpdated, events.Binding{Name: "rec", Handler: rec.handler(nil)})
	r := b.Build()

	d, err := r.Publish(context.Background(), monitorEvent(events.SourceSync, "t1"))
	require.NoError(t, err)
	r.Wait()

	assert.True(t, d.Unchanged)
	assert.Empty(t, rec.events)
}

func TestRouter_ApplyErrorReturnedToCaller(t *testing.T) {
	b := events.NewBuilder(events.RouterConfig{
		Logger:  zerolog.Nop(),
		Applier: &fakeApplier{err: monitoring.ErrVersionConflict},
	})
	r := b.Build()

	_, err := r.Publish(context.Background(), monitorEvent(events.SourceUser, "t1"))
	assert.ErrorIs(t, err, monitoring.ErrVersionConflict)
}

func TestRouter_RejectsEventWithoutTenant(t *testing.T) {
	applier := &fakeApplier{changed: true}
	b := events.NewBuilder(events.RouterConfig{Logger: zerolog.Nop(), Applier: applier})
	r := b.Build()

	d, err := r.Publish(context.Background(), monitorEvent(events.SourceUser, ""))
	require.NoError(t, err)

	assert.Equal(t, "tenant_isolation", d.RejectedBy)
	assert.Zero(t, applier.calls)
}

func TestRouter_BindingFiltersPreventLoops(t *testing.T) {
	b := events.NewBuilder(events.RouterConfig{Logger: zerolog.Nop()})
	var outbound, local recorder
	b.MustSubscribe(events.MonitorUpdated, events.Binding{
		Name:    "outbound.uptime",
		Handler: outbound.handler(nil),
		Filters: events.OutboundChain(),
	})
	b.MustSubscribe(events.MonitorUpdated, events.Binding{Name: "broadcast", Handler: local.handler(nil)})
	r := b.Build()

	d, err := r.Publish(context.Background(), monitorEvent(events.SourceSync, "t1"))
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, 1, d.Dispatched)
	assert.Equal(t, 1, d.Filtered)
	assert.Empty(t, outbound.events)
	assert.Len(t, local.events, 1)
}

func TestRouter_HandlerFailureIsolatedAndReemitted(t *testing.T) {
	sink := &fakeSink{}
	b := events.NewBuilder(events.RouterConfig{Logger: zerolog.Nop(), ErrorSink: sink})

	var ok, errs recorder
	boom := errors.New("remote unavailable")
	b.MustSubscribe(events.MonitorCreated, events.Binding{Name: "failing", Handler: func(context.Context, events.Event) error {
		return boom
	}})
	b.MustSubscribe(events.MonitorCreated, events.Binding{Name: "panicking", Handler: func(context.Context, events.Event) error {
		panic("nil map")
	}})
	b.MustSubscribe(events.MonitorCreated, events.Binding{Name: "ok", Handler: ok.handler(nil)})
	b.MustSubscribe(events.SyncError, events.Binding{Name: "errors", Handler: errs.handler(nil)})
	r := b.Build()

	e := events.New(events.MonitorCreated, events.SourceUser, monitoring.MonitorResource(&monitoring.Monitor{ID: "m1", TenantID: "t1"}))
	_, err := r.Publish(context.Background(), e)
	require.NoError(t, err, "handler failures never reach the publisher")
	r.Wait()

	assert.Len(t, ok.events, 1)
	require.Len(t, sink.failures, 2)
	assert.ElementsMatch(t, []events.Name{events.SyncError, events.SyncError}, errs.names())

	var handlers []string
	for _, se := range errs.events {
		f, found := events.FailureFrom(se)
		require.True(t, found)
		assert.Equal(t, e.ID, f.Event.ID)
		assert.Equal(t, events.SourceBridgeSync, se.Source)
		handlers = append(handlers, f.Handler)
	}
	assert.ElementsMatch(t, []string{"failing", "panicking"}, handlers)
}

func TestRouter_FailingErrorHandlerIsNotReemitted(t *testing.T) {
	sink := &fakeSink{}
	b := events.NewBuilder(events.RouterConfig{Logger: zerolog.Nop(), ErrorSink: sink})
	calls := 0
	var mu sync.Mutex
	b.MustSubscribe(events.SyncError, events.Binding{Name: "errors", Handler: func(context.Context, events.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("log unavailable")
	}})
	r := b.Build()

	e := events.New(events.SyncError, events.SourceBridgeSync, monitoring.MonitorResource(&monitoring.Monitor{ID: "m1", TenantID: "t1"}))
	_, err := r.Publish(context.Background(), e)
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, 1, calls)
	assert.Len(t, sink.failures, 1)
}

func TestBuilder_SubscribeAfterBuild(t *testing.T) {
	b := events.NewBuilder(events.RouterConfig{Logger: zerolog.Nop()})
	b.Build()

	err := b.Subscribe(events.MonitorCreated, events.Binding{Name: "late", Handler: func(context.Context, events.Event) error { return nil }})
	assert.ErrorIs(t, err, events.ErrAlreadyBuilt)
}

func TestBuilder_RejectsNilHandler(t *testing.T) {
	b := events.NewBuilder(events.RouterConfig{Logger: zerolog.Nop()})
	assert.Error(t, b.Subscribe(events.MonitorCreated, events.Binding{Name: "nil"}))
}

func TestRouter_Bindings(t *testing.T) {
	b := events.NewBuilder(events.RouterConfig{Logger: zerolog.Nop()})
	noop := func(context.Context, events.Event) error { return nil }
	b.MustSubscribe(events.MonitorUpdated, events.Binding{Name: "outbound.uptime", Handler: noop, Filters: events.OutboundChain()})
	b.MustSubscribe(events.AlertCreated, events.Binding{Name: "notify", Handler: noop})
	r := b.Build()

	assert.Equal(t, []events.BindingInfo{
		{Event: events.AlertCreated, Handler: "notify", Filters: []string{}},
		{Event: events.MonitorUpdated, Handler: "outbound.uptime", Filters: []string{"loop_prevention", "tenant_isolation"}},
	}, r.Bindings())
}

func TestRouter_CloseDrainsAndRejects(t *testing.T) {
	b := events.NewBuilder(events.RouterConfig{Logger: zerolog.Nop()})
	release := make(chan struct{})
	done := make(chan struct{})
	b.MustSubscribe(events.MonitorUpdated, events.Binding{Name: "slow", Handler: func(context.Context, events.Event) error {
		<-release
		close(done)
		return nil
	}})
	r := b.Build()

	_, err := r.Publish(context.Background(), monitorEvent(events.SourceUser, "t1"))
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	<-done

	_, err = r.Publish(context.Background(), monitorEvent(events.SourceUser, "t1"))
	assert.ErrorIs(t, err, events.ErrRouterClosed)
}

func TestRouter_HandlerContextOutlivesPublisher(t *testing.T) {
	b := events.NewBuilder(events.RouterConfig{Logger: zerolog.Nop()})
	var seen error
	b.MustSubscribe(events.MonitorUpdated, events.Binding{Name: "ctx", Handler: func(ctx context.Context, _ events.Event) error {
		time.Sleep(5 * time.Millisecond)
		seen = ctx.Err()
		return nil
	}})
	r := b.Build()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.Publish(ctx, monitorEvent(events.SourceUser, "t1"))
	require.NoError(t, err)
	cancel()
	r.Wait()

	assert.NoError(t, seen)
}
