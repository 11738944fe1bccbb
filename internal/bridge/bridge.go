package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/conflict"
	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
	"github.com/opsbridge/opsbridge/internal/notify"
	"github.com/opsbridge/opsbridge/internal/telemetry"
)

// Broadcaster fans a change out to the live subscribers of a tenant and
// returns how many received it.
type Broadcaster interface {
	Broadcast(tenantID, eventType string, data interface{}) int
}

// Flags are the runtime kill switches the bridge consults.
type Flags interface {
	IsSyncDisabled(ctx context.Context, system string) bool
	IsNotificationsDisabled(ctx context.Context) bool
}

// Config holds configuration for the bridge.
type Config struct {
	Repository monitoring.Repository
	Log        *integrationlog.Log
	Logger     zerolog.Logger

	// Resolver reconciles local and external versions.
	// Default: conflict.NewRegistry with zero clock skew tolerance
	Resolver *conflict.Registry

	// Retry receives failed outbound calls. Optional.
	Retry *integrationlog.RetryQueue

	// Broadcaster pushes changes to live subscribers. Optional.
	Broadcaster Broadcaster

	// Deliverer receives alert notifications. Optional.
	Deliverer notify.Deliverer

	// Flags gates traffic per external system. Optional.
	Flags Flags

	// Metrics records sync traffic. Optional.
	Metrics *telemetry.SyncMetrics

	Adapters []Adapter

	// AdapterTimeout bounds every call to an external system.
	// Default: 15 seconds
	AdapterTimeout time.Duration

	// HandlerTimeout bounds every event handler.
	// Default: 60 seconds
	HandlerTimeout time.Duration

	// ApplyRetries bounds re-reads after a version conflict while applying
	// an externally caused change.
	// Default: 5
	ApplyRetries int

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// Bridge is the synchronization engine. It owns the event router and is the
// only writer of stored monitors, alerts, incidents and schedules.
type Bridge struct {
	repo        monitoring.Repository
	resolver    *conflict.Registry
	log         *integrationlog.Log
	retry       *integrationlog.RetryQueue
	broadcaster Broadcaster
	deliverer   notify.Deliverer
	flags       Flags
	metrics     *telemetry.SyncMetrics
	logger      zerolog.Logger
	cfg         Config
	now         func() time.Time

	adapters map[monitoring.System]Adapter
	systems  []monitoring.System
	router   *events.Router

	creatingMu sync.Mutex
	creating   map[string]bool

	webhooksMu sync.Mutex
	webhooks   map[monitoring.System]string
}

// outboundEvents lists the events an adapter is bound to, per resource kind.
var outboundEvents = map[monitoring.Kind][]events.Name{
	monitoring.KindMonitor: {events.MonitorCreated, events.MonitorUpdated, events.MonitorDeleted},
	monitoring.KindAlert: {
		events.AlertCreated, events.AlertUpdated, events.AlertAcknowledged,
		events.AlertResolved, events.AlertReopened,
	},
	monitoring.KindIncident: {events.IncidentCreated, events.IncidentUpdated, events.IncidentResolved},
	monitoring.KindSchedule: {events.ScheduleUpdated},
}

// broadcastEvents are pushed to live subscribers.
var broadcastEvents = []events.Name{
	events.MonitorCreated, events.MonitorUpdated, events.MonitorDeleted,
	events.AlertCreated, events.AlertUpdated, events.AlertAcknowledged,
	events.AlertResolved, events.AlertReopened,
	events.IncidentCreated, events.IncidentUpdated, events.IncidentResolved,
	events.ScheduleUpdated, events.OverrideCreated,
	events.ExternalCheck, events.ExternalAlert,
}

// New creates a bridge and builds its routing table.
func New(cfg Config) (*Bridge, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Log == nil {
		return nil, errors.New("integration log is required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = conflict.NewRegistry(conflict.RegistryConfig{Logger: cfg.Logger})
	}
	if cfg.AdapterTimeout == 0 {
		cfg.AdapterTimeout = 15 * time.Second
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 60 * time.Second
	}
	if cfg.ApplyRetries <= 0 {
		cfg.ApplyRetries = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	b := &Bridge{
		repo:        cfg.Repository,
		resolver:    cfg.Resolver,
		log:         cfg.Log,
		retry:       cfg.Retry,
		broadcaster: cfg.Broadcaster,
		deliverer:   cfg.Deliverer,
		flags:       cfg.Flags,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With().Str("component", "bridge").Logger(),
		cfg:         cfg,
		now:         cfg.Now,
		adapters:    make(map[monitoring.System]Adapter, len(cfg.Adapters)),
		creating:    make(map[string]bool),
		webhooks:    make(map[monitoring.System]string),
	}

	for _, a := range cfg.Adapters {
		if _, dup := b.adapters[a.System()]; dup {
			return nil, errors.New("duplicate adapter for system " + string(a.System()))
		}
		b.adapters[a.System()] = a
		b.systems = append(b.systems, a.System())
	}
	sort.Slice(b.systems, func(i, j int) bool { return b.systems[i] < b.systems[j] })

	builder := events.NewBuilder(events.RouterConfig{
		Logger:         cfg.Logger,
		Applier:        b,
		ErrorSink:      cfg.Log,
		HandlerTimeout: cfg.HandlerTimeout,
	})
	if err := b.subscribe(builder); err != nil {
		return nil, err
	}
	b.router = builder.Build()
	return b, nil
}

func (b *Bridge) subscribe(builder *events.Builder) error {
	for _, system := range b.systems {
		a := b.adapters[system]
		binding := events.Binding{
			Name:    "outbound." + string(system),
			Handler: b.outboundHandler(a),
			Filters: events.OutboundChain(),
		}
		for _, kind := range []monitoring.Kind{
			monitoring.KindMonitor, monitoring.KindAlert, monitoring.KindIncident, monitoring.KindSchedule,
		} {
			if !a.Supports(kind) {
				continue
			}
			for _, name := range outboundEvents[kind] {
				if err := builder.Subscribe(name, binding); err != nil {
					return err
				}
			}
		}
	}

	if b.broadcaster != nil {
		for _, name := range broadcastEvents {
			if err := builder.Subscribe(name, events.Binding{Name: "broadcast", Handler: b.broadcast}); err != nil {
				return err
			}
		}
	}

	if b.deliverer != nil {
		if err := builder.Subscribe(events.AlertCreated, events.Binding{Name: "notify", Handler: b.notifyOnCall}); err != nil {
			return err
		}
	}

	if err := builder.Subscribe(events.AlertResolved, events.Binding{Name: "incident.aggregate", Handler: b.aggregateIncidents}); err != nil {
		return err
	}

	if b.retry != nil {
		if err := builder.Subscribe(events.SyncError, events.Binding{Name: "retry.enqueue", Handler: b.enqueueRetry}); err != nil {
			return err
		}
	}
	return nil
}

// Publish sends an event through the router.
func (b *Bridge) Publish(ctx context.Context, e events.Event) (events.Delivery, error) {
	return b.router.Publish(ctx, e)
}

// Bindings returns the routing table.
func (b *Bridge) Bindings() []events.BindingInfo {
	return b.router.Bindings()
}

// Systems returns the external systems with a registered adapter.
func (b *Bridge) Systems() []monitoring.System {
	return append([]monitoring.System(nil), b.systems...)
}

// Adapter returns the adapter for a system.
func (b *Bridge) Adapter(system monitoring.System) (Adapter, bool) {
	a, ok := b.adapters[system]
	return a, ok
}

// Resolver returns the conflict resolver registry.
func (b *Bridge) Resolver() *conflict.Registry {
	return b.resolver
}

// Repository returns the store the bridge writes to.
func (b *Bridge) Repository() monitoring.Repository {
	return b.repo
}

// Wait blocks until every in-flight handler has returned.
func (b *Bridge) Wait() {
	b.router.Wait()
}

// Close stops accepting events and drains in-flight handlers.
func (b *Bridge) Close(ctx context.Context) error {
	return b.router.Close(ctx)
}

func (b *Bridge) syncDisabled(ctx context.Context, system monitoring.System) bool {
	return b.flags != nil && b.flags.IsSyncDisabled(ctx, string(system))
}

// broadcast pushes a change to live subscribers. Changes caused by
// synchronization are recorded in the integration log.
func (b *Bridge) broadcast(ctx context.Context, e events.Event) error {
	var data interface{} = e.Resource
	if e.Name == events.OverrideCreated {
		data = e.Metadata["override"]
	}
	delivered := b.broadcaster.Broadcast(e.TenantID, string(e.Name), data)
	b.metrics.RecordBroadcast(string(e.Name), delivered)

	if !e.FromSync() || isObservationOnly(e.Name) {
		return nil
	}
	b.log.Record(ctx, integrationlog.Entry{
		TenantID:     e.TenantID,
		EventType:    integrationlog.TypeBroadcast,
		ResourceType: string(e.Resource.Kind),
		ResourceID:   e.ResourceID(),
		System:       string(e.Origin),
		Metadata: map[string]interface{}{
			"event":       string(e.Name),
			"event_id":    e.ID,
			"subscribers": delivered,
		},
	})
	return nil
}

func isObservationOnly(name events.Name) bool {
	return name == events.ExternalCheck || name == events.ExternalAlert
}

// enqueueRetry stores a failed outbound call for replay.
func (b *Bridge) enqueueRetry(ctx context.Context, e events.Event) error {
	f, ok := events.FailureFrom(e)
	if !ok {
		return nil
	}
	var sf *SyncFailure
	if !errors.As(f.Err, &sf) {
		return nil
	}

	data, err := encodeResource(f.Event.Resource)
	if err != nil {
		b.logger.Warn().Err(err).Str("resource_id", sf.ResourceID).Msg("failed to encode event data for retry")
	}

	_, err = b.retry.Enqueue(ctx, integrationlog.SyncError{
		TenantID:     f.Event.TenantID,
		EventType:    string(f.Event.Name),
		System:       string(sf.System),
		Operation:    sf.Operation,
		ResourceType: string(sf.Kind),
		ResourceID:   sf.ResourceID,
		ExternalID:   sf.ExternalID,
		Error:        sf.Err.Error(),
		EventData:    data,
	})
	if err == nil {
		b.metrics.RecordRetry(string(sf.System), "queued")
	}
	return err
}
