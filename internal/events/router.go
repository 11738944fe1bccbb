package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Predefined router errors.
var (
	// ErrRouterClosed is returned when publishing after Close.
	ErrRouterClosed = errors.New("event router is closed")

	// ErrAlreadyBuilt is returned when subscribing after Build.
	ErrAlreadyBuilt = errors.New("event router already built")
)

// Handler processes an event. Handlers run in their own goroutine.
type Handler func(ctx context.Context, e Event) error

// Binding attaches a named handler to an event name.
type Binding struct {
	// Name identifies the handler in logs and in the routing table.
	Name string

	// Handler is invoked for each accepted event.
	Handler Handler

	// Filters are evaluated before the handler in addition to the router chain.
	Filters Chain
}

// BindingInfo describes one entry of the routing table.
type BindingInfo struct {
	Event   Name     `json:"event"`
	Handler string   `json:"handler"`
	Filters []string `json:"filters"`
}

// Applier is the single writer for stored state. It applies the event to the
// store and reports whether anything changed. It may replace e.Resource with
// the state that was actually stored.
type Applier interface {
	Apply(ctx context.Context, e *Event) (changed bool, err error)
}

// ErrorSink records handler failures.
type ErrorSink interface {
	RecordHandlerFailure(ctx context.Context, f Failure)
}

// Failure describes a handler that returned an error or panicked.
type Failure struct {
	Handler string
	Event   Event
	Err     error
}

// Delivery summarises what Publish did with an event.
type Delivery struct {
	// RejectedBy names the router filter that rejected the event, if any.
	RejectedBy string

	// Unchanged is set when the apply step found nothing to change.
	Unchanged bool

	// Dispatched counts handlers started for the event.
	Dispatched int

	// Filtered counts handlers skipped by their own filters.
	Filtered int
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger zerolog.Logger

	// Applier runs synchronously before any handler. Optional.
	Applier Applier

	// ErrorSink receives handler failures. Optional.
	ErrorSink ErrorSink

	// Chain is evaluated for every published event.
	// Default: DefaultChain()
	Chain Chain

	// HandlerTimeout bounds each handler invocation.
	// Default: 60 seconds
	HandlerTimeout time.Duration
}

// Builder collects subscriptions at startup. The routing table is fixed once
// Build is called.
type Builder struct {
	cfg      RouterConfig
	bindings map[Name][]Binding
	built    bool
}

// NewBuilder creates a router builder.
func NewBuilder(cfg RouterConfig) *Builder {
	if cfg.Chain == nil {
		cfg.Chain = DefaultChain()
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 60 * time.Second
	}
	return &Builder{
		cfg:      cfg,
		bindings: make(map[Name][]Binding),
	}
}

// Subscribe registers a binding for an event name.
func (b *Builder) Subscribe(name Name, binding Binding) error {
	if b.built {
		return ErrAlreadyBuilt
	}
	if binding.Handler == nil {
		return fmt.Errorf("binding %q for %s has no handler", binding.Name, name)
	}
	b.bindings[name] = append(b.bindings[name], binding)
	return nil
}

// MustSubscribe is Subscribe that panics on error, for static wiring.
func (b *Builder) MustSubscribe(name Name, binding Binding) {
	if err := b.Subscribe(name, binding); err != nil {
		panic(err)
	}
}

// Build freezes the routing table and returns the router.
func (b *Builder) Build() *Router {
	b.built = true
	table := make(map[Name][]Binding, len(b.bindings))
	for name, list := range b.bindings {
		table[name] = append([]Binding(nil), list...)
	}
	return &Router{
		logger:         b.cfg.Logger.With().Str("component", "event_router").Logger(),
		applier:        b.cfg.Applier,
		sink:           b.cfg.ErrorSink,
		chain:          b.cfg.Chain,
		handlerTimeout: b.cfg.HandlerTimeout,
		bindings:       table,
	}
}

// Router dispatches events to the handlers bound at build time.
type Router struct {
	logger         zerolog.Logger
	applier        Applier
	sink           ErrorSink
	chain          Chain
	handlerTimeout time.Duration
	bindings       map[Name][]Binding

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// Publish runs the router chain and the apply step synchronously, then starts
// every accepted handler in its own goroutine. Handler failures never reach
// the caller.
func (r *Router) Publish(ctx context.Context, e Event) (Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return Delivery{}, ErrRouterClosed
	}

	if rejectedBy, ok := r.chain.Evaluate(e); !ok {
		r.logger.Debug().
			Str("event", string(e.Name)).
			Str("event_id", e.ID).
			Str("filter", rejectedBy).
			Msg("event rejected")
		return Delivery{RejectedBy: rejectedBy}, nil
	}

	if r.applier != nil {
		changed, err := r.applier.Apply(ctx, &e)
		if err != nil {
			return Delivery{}, err
		}
		if !changed {
			return Delivery{Unchanged: true}, nil
		}
	}

	return r.dispatch(ctx, e), nil
}

// dispatch must be called with r.mu held for reading.
func (r *Router) dispatch(ctx context.Context, e Event) Delivery {
	var d Delivery
	for _, b := range r.bindings[e.Name] {
		if rejectedBy, ok := b.Filters.Evaluate(e); !ok {
			d.Filtered++
			r.logger.Debug().
				Str("event", string(e.Name)).
				Str("handler", b.Name).
				Str("filter", rejectedBy).
				Msg("handler skipped by filter")
			continue
		}
		d.Dispatched++
		r.inflight.Add(1)
		go r.run(context.WithoutCancel(ctx), b, e)
	}
	return d
}

func (r *Router) run(ctx context.Context, b Binding, e Event) {
	defer r.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	defer cancel()

	err := r.invoke(ctx, b, e)
	if err == nil {
		return
	}

	r.logger.Error().
		Err(err).
		Str("event", string(e.Name)).
		Str("event_id", e.ID).
		Str("tenant_id", e.TenantID).
		Str("handler", b.Name).
		Msg("event handler failed")

	failure := Failure{Handler: b.Name, Event: e, Err: err}
	if r.sink != nil {
		r.sink.RecordHandlerFailure(ctx, failure)
	}

	// A failing sync.error handler is logged but never re-emitted.
	if e.Name == SyncError {
		return
	}

	errEvent := Event{
		ID:         e.ID + ":error:" + b.Name,
		Name:       SyncError,
		TenantID:   e.TenantID,
		Source:     SourceBridgeSync,
		Origin:     e.Origin,
		Resource:   e.Resource,
		OccurredAt: time.Now(),
		Metadata: map[string]interface{}{
			"handler": b.Name,
			"error":   err.Error(),
			"failure": failure,
		},
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.dispatch(ctx, errEvent)
}

func (r *Router) invoke(ctx context.Context, b Binding, e Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Str("handler", b.Name).
				Msg("event handler panicked")
			err = fmt.Errorf("handler %s panicked: %v", b.Name, rec)
		}
	}()
	return b.Handler(ctx, e)
}

// Wait blocks until every started handler has returned.
func (r *Router) Wait() {
	r.inflight.Wait()
}

// Close stops accepting events and waits for in-flight handlers or ctx.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bindings returns the routing table ordered by event and handler name.
func (r *Router) Bindings() []BindingInfo {
	var out []BindingInfo
	for name, list := range r.bindings {
		for _, b := range list {
			out = append(out, BindingInfo{
				Event:   name,
				Handler: b.Name,
				Filters: b.Filters.Names(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Event == out[j].Event {
			return out[i].Handler < out[j].Handler
		}
		return out[i].Event < out[j].Event
	})
	return out
}

// FailureFrom extracts the Failure carried by a sync.error event.
func FailureFrom(e Event) (Failure, bool) {
	if e.Metadata == nil {
		return Failure{}, false
	}
	f, ok := e.Metadata["failure"].(Failure)
	return f, ok
}
