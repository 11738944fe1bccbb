package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/opsbridge/opsbridge/internal/conflict"
	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// Outcome is what ingestion did with a payload.
type Outcome string

// Ingestion outcomes.
const (
	OutcomeCreated   Outcome = "created"
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDropped   Outcome = "dropped"
)

// IngestResult summarises one ingested payload.
type IngestResult struct {
	Outcome    Outcome      `json:"outcome"`
	EventName  events.Name  `json:"event,omitempty"`
	ResourceID string       `json:"resourceId,omitempty"`
	Tag        conflict.Tag `json:"resolution,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// Ingest applies a raw payload from an external system. It never fails and
// never panics: payloads that cannot be applied are logged and dropped.
func (b *Bridge) Ingest(ctx context.Context, system monitoring.System, raw []byte) (result IngestResult) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Str("system", string(system)).
				Msg("panic while ingesting payload")
			result = b.drop(ctx, system, nil, fmt.Errorf("panic: %v", rec))
		}
		b.metrics.RecordInbound(string(system), string(result.Outcome))
	}()

	a, ok := b.adapters[system]
	if !ok {
		return b.drop(ctx, system, nil, fmt.Errorf("%w: %s", ErrUnknownSystem, system))
	}
	decoder, ok := a.(WebhookDecoder)
	if !ok {
		return b.drop(ctx, system, nil, fmt.Errorf("%s does not accept webhooks", system))
	}
	if b.syncDisabled(ctx, system) {
		return b.drop(ctx, system, nil, errors.New("sync disabled"))
	}

	change, err := decoder.DecodeWebhook(raw)
	if err != nil {
		return b.drop(ctx, system, nil, err)
	}
	if change.ExternalID == "" {
		return b.drop(ctx, system, change, fmt.Errorf("%w: missing external id", ErrMalformedPayload))
	}

	local, err := b.findByExternalID(ctx, system, change.Kind, change.ExternalID)
	switch {
	case errors.Is(err, monitoring.ErrNotFound):
		return b.ingestFirstSeen(ctx, system, change)
	case err != nil:
		return b.drop(ctx, system, change, err)
	}

	b.observe(ctx, system, change, local.TenantID())
	return b.ingestKnown(ctx, system, change, local)
}

func (b *Bridge) ingestKnown(ctx context.Context, system monitoring.System, change *InboundChange, local monitoring.Resource) IngestResult {
	resolved, tag := b.resolver.Resolve(change.Kind, local, change.Resource, system)
	if resolved.SameState(local) {
		b.log.Record(ctx, integrationlog.Entry{
			TenantID:     local.TenantID(),
			EventType:    integrationlog.TypeInboundUnchanged,
			ResourceType: string(change.Kind),
			ResourceID:   local.ID(),
			System:       string(system),
			Metadata: map[string]interface{}{
				"external_id": change.ExternalID,
				"action":      string(change.Action),
				"resolution":  string(tag),
			},
		})
		return IngestResult{Outcome: OutcomeUnchanged, ResourceID: local.ID(), Tag: tag}
	}

	if change.Kind == monitoring.KindAlert &&
		!monitoring.CanTransition(local.Alert.Status, resolved.Alert.Status, change.Reopen) {
		return b.drop(ctx, system, change, fmt.Errorf("%w: %s -> %s",
			monitoring.ErrInvalidTransition, local.Alert.Status, resolved.Alert.Status))
	}

	name := changeEvent(local, resolved, change)
	remote := change.Resource.Clone()
	seq := b.log.Reserve(ctx)

	e := events.New(name, events.SourceSync, resolved)
	e.TenantID = local.TenantID()
	e.Origin = system
	e.Remote = &remote
	e.Reopen = change.Reopen
	delivery, err := b.router.Publish(ctx, e)
	if err != nil {
		return b.drop(ctx, system, change, err)
	}
	if delivery.RejectedBy != "" {
		return b.drop(ctx, system, change, fmt.Errorf("rejected by %s", delivery.RejectedBy))
	}

	eventType := integrationlog.TypeInboundMerge
	outcome := OutcomeApplied
	if delivery.Unchanged {
		eventType = integrationlog.TypeInboundUnchanged
		outcome = OutcomeUnchanged
	}
	b.log.Record(ctx, integrationlog.Entry{
		Seq:          seq,
		TenantID:     local.TenantID(),
		EventType:    eventType,
		ResourceType: string(change.Kind),
		ResourceID:   local.ID(),
		System:       string(system),
		Metadata: map[string]interface{}{
			"external_id": change.ExternalID,
			"action":      string(change.Action),
			"event":       string(name),
			"resolution":  string(tag),
		},
	})
	return IngestResult{Outcome: outcome, EventName: name, ResourceID: local.ID(), Tag: tag}
}

// ingestFirstSeen creates a local entity for an external one never seen before.
func (b *Bridge) ingestFirstSeen(ctx context.Context, system monitoring.System, change *InboundChange) IngestResult {
	if change.TenantID == "" {
		return b.drop(ctx, system, change, ErrMissingTenant)
	}

	r := change.Resource.Clone()
	if r.IsZero() {
		return b.drop(ctx, system, change, fmt.Errorf("%w: no resource", ErrMalformedPayload))
	}
	now := b.now()
	id := uuid.NewString()
	ids := monitoring.ExternalIDs{system: change.ExternalID}

	var name events.Name
	switch r.Kind {
	case monitoring.KindMonitor:
		m := r.Monitor
		m.ID, m.TenantID, m.ExternalIDs, m.Version = id, change.TenantID, ids, 0
		if m.Name == "" {
			m.Name = m.URL
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		name = events.MonitorCreated
	case monitoring.KindAlert:
		a := r.Alert
		a.ID, a.TenantID, a.ExternalIDs, a.Version = id, change.TenantID, ids, 0
		if a.Status == "" {
			a.Status = monitoring.AlertActive
		}
		if a.Severity == "" {
			a.Severity = monitoring.SeverityHigh
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		name = events.AlertCreated
	case monitoring.KindSchedule:
		s := r.Schedule
		s.ID, s.TenantID, s.ExternalIDs, s.Version = id, change.TenantID, ids, 0
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		name = events.ScheduleUpdated
	default:
		return b.drop(ctx, system, change, fmt.Errorf("%w: %s", ErrUnsupported, r.Kind))
	}

	b.observe(ctx, system, change, change.TenantID)
	seq := b.log.Reserve(ctx)

	e := events.New(name, events.SourceSync, r)
	e.Origin = system
	delivery, err := b.router.Publish(ctx, e)
	if err != nil {
		return b.drop(ctx, system, change, err)
	}
	if delivery.RejectedBy != "" {
		return b.drop(ctx, system, change, fmt.Errorf("rejected by %s", delivery.RejectedBy))
	}

	b.log.Record(ctx, integrationlog.Entry{
		Seq:          seq,
		TenantID:     change.TenantID,
		EventType:    integrationlog.TypeInboundFirstSeen,
		ResourceType: string(r.Kind),
		ResourceID:   id,
		System:       string(system),
		Metadata: map[string]interface{}{
			"external_id": change.ExternalID,
			"action":      string(change.Action),
			"event":       string(name),
		},
	})
	return IngestResult{Outcome: OutcomeCreated, EventName: name, ResourceID: id, Tag: conflict.TagExternalWins}
}

// observe publishes the raw observation for subscribers that want every
// check or alert notice, not only the ones that change state.
func (b *Bridge) observe(ctx context.Context, system monitoring.System, change *InboundChange, tenantID string) {
	var name events.Name
	switch change.Kind {
	case monitoring.KindMonitor:
		name = events.ExternalCheck
	case monitoring.KindAlert:
		name = events.ExternalAlert
	default:
		return
	}

	e := events.New(name, events.SourceSync, change.Resource)
	e.TenantID = tenantID
	e.Origin = system
	e.Metadata = map[string]interface{}{
		"external_id": change.ExternalID,
		"action":      string(change.Action),
	}
	if _, err := b.router.Publish(ctx, e); err != nil {
		b.logger.Warn().Err(err).Str("event", string(name)).Msg("failed to publish observation")
	}
}

// changeEvent names the domain event for an externally caused change.
func changeEvent(local, resolved monitoring.Resource, change *InboundChange) events.Name {
	switch resolved.Kind {
	case monitoring.KindMonitor:
		return events.MonitorUpdated
	case monitoring.KindSchedule:
		return events.ScheduleUpdated
	case monitoring.KindAlert:
		from, to := local.Alert.Status, resolved.Alert.Status
		switch {
		case from == to:
			return events.AlertUpdated
		case to == monitoring.AlertAcknowledged:
			return events.AlertAcknowledged
		case to == monitoring.AlertResolved:
			return events.AlertResolved
		case to == monitoring.AlertActive && from == monitoring.AlertResolved:
			return events.AlertReopened
		}
		return events.AlertUpdated
	}
	return events.Name(string(resolved.Kind) + ".updated")
}

func (b *Bridge) drop(ctx context.Context, system monitoring.System, change *InboundChange, reason error) IngestResult {
	entry := integrationlog.Entry{
		EventType: integrationlog.TypeInboundDropped,
		System:    string(system),
		Metadata:  map[string]interface{}{"reason": reason.Error()},
	}
	logEvent := b.logger.Warn().Err(reason).Str("system", string(system))
	if change != nil {
		entry.TenantID = change.TenantID
		entry.ResourceType = string(change.Kind)
		entry.Metadata["external_id"] = change.ExternalID
		entry.Metadata["action"] = string(change.Action)
		logEvent = logEvent.Str("external_id", change.ExternalID)
	}
	logEvent.Msg("inbound payload dropped")

	b.log.Record(ctx, entry)
	return IngestResult{Outcome: OutcomeDropped, Reason: reason.Error()}
}
