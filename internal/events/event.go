// Package events provides the canonical event taxonomy, the filter chain and
// the typed publish/subscribe router every state transition goes through.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// Name is a canonical event name.
type Name string

// Canonical event taxonomy.
const (
	MonitorCreated Name = "monitor.created"
	MonitorUpdated Name = "monitor.updated"
	MonitorDeleted Name = "monitor.deleted"
	MonitorLinked  Name = "monitor.linked"

	AlertCreated      Name = "alert.created"
	AlertUpdated      Name = "alert.updated"
	AlertAcknowledged Name = "alert.acknowledged"
	AlertResolved     Name = "alert.resolved"
	AlertReopened     Name = "alert.reopened"
	AlertLinked       Name = "alert.linked"

	IncidentCreated  Name = "incident.created"
	IncidentUpdated  Name = "incident.updated"
	IncidentResolved Name = "incident.resolved"

	ScheduleUpdated  Name = "oncall.schedule_updated"
	OverrideCreated  Name = "oncall.override_created"
	ScheduleLinked   Name = "oncall.linked"
	ExternalCheck    Name = "external.uptime.check"
	ExternalAlert    Name = "external.escalation.alert"
	SyncError        Name = "sync.error"
	ReconcileSummary Name = "reconcile.completed"
)

// Source tags who caused an event.
type Source string

// Event sources. Events tagged SourceSync or SourceBridgeSync were caused by
// an external system or by the bridge itself and must never be sent back out.
const (
	SourceUser       Source = "user"
	SourceSystem     Source = "system"
	SourceSync       Source = "sync"
	SourceBridgeSync Source = "bridge_sync"
)

// Event is the canonical, normalized representation of a state change.
type Event struct {
	ID       string
	Name     Name
	TenantID string
	Source   Source

	// Origin is the external system that caused the change, if any.
	Origin monitoring.System

	// Resource is the desired state of the entity after this event.
	Resource monitoring.Resource

	// Remote is the external version the change was derived from. When set,
	// the apply step re-resolves it against the freshly read local state.
	Remote *monitoring.Resource

	// System and ExternalID carry link information for *.linked events.
	System     monitoring.System
	ExternalID string

	// Reopen marks an explicit external reopen of a resolved alert.
	Reopen bool

	Metadata   map[string]interface{}
	OccurredAt time.Time
}

// New creates an event with a fresh id and timestamp.
func New(name Name, source Source, resource monitoring.Resource) Event {
	return Event{
		ID:         uuid.NewString(),
		Name:       name,
		TenantID:   resource.TenantID(),
		Source:     source,
		Resource:   resource,
		OccurredAt: time.Now(),
	}
}

// ResourceID returns the id of the entity the event is about.
func (e Event) ResourceID() string {
	return e.Resource.ID()
}

// FromSync reports whether the event was caused by synchronization rather
// than by a user or the local system.
func (e Event) FromSync() bool {
	return e.Source == SourceSync || e.Source == SourceBridgeSync
}
