// Package monitoring holds the bridge's internal model of monitors, alerts,
// incidents and on-call schedules, and the repositories that store them.
package monitoring

import (
	"errors"
	"slices"
	"time"
)

// System identifies an external system the bridge synchronizes with.
type System string

// Known external systems.
const (
	// SystemUptime is the uptime-checking service.
	SystemUptime System = "uptime"

	// SystemEscalation is the alert-escalation and on-call service.
	SystemEscalation System = "escalation"
)

// Kind identifies a resource type.
type Kind string

// Resource kinds.
const (
	KindMonitor  Kind = "monitor"
	KindAlert    Kind = "alert"
	KindIncident Kind = "incident"
	KindSchedule Kind = "schedule"
)

// Predefined errors.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a save is attempted against a stale version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidTransition is returned when an alert status change would regress.
	ErrInvalidTransition = errors.New("invalid alert status transition")

	// ErrExternallyRegistered is returned when hard-deleting a monitor that
	// still has an external id registered.
	ErrExternallyRegistered = errors.New("monitor still registered externally")
)

// ExternalIDs maps each external system to the id it owns for an entity.
// There is at most one owning id per system.
type ExternalIDs map[System]string

// Get returns the external id for the given system, or "".
func (e ExternalIDs) Get(system System) string {
	if e == nil {
		return ""
	}
	return e[system]
}

// Clone returns a copy of the map.
func (e ExternalIDs) Clone() ExternalIDs {
	if e == nil {
		return ExternalIDs{}
	}
	out := make(ExternalIDs, len(e))
	for k, v := range e {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Equal reports whether both maps hold the same non-empty ids.
func (e ExternalIDs) Equal(other ExternalIDs) bool {
	a, b := e.Clone(), other.Clone()
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Any reports whether at least one external id is registered.
func (e ExternalIDs) Any() bool {
	for _, v := range e {
		if v != "" {
			return true
		}
	}
	return false
}

// MonitorStatus is the observed state of a monitor.
type MonitorStatus string

// Monitor statuses.
const (
	MonitorUp      MonitorStatus = "up"
	MonitorDown    MonitorStatus = "down"
	MonitorUnknown MonitorStatus = "unknown"
)

// Monitor is an uptime check. Configuration fields are authoritative locally;
// runtime state is authoritative from whichever external system ran the check.
type Monitor struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Configuration
	Name            string `json:"name"`
	URL             string `json:"url"`
	IntervalSeconds int    `json:"intervalSeconds"`
	TimeoutSeconds  int    `json:"timeoutSeconds"`

	ExternalIDs ExternalIDs `json:"externalIds,omitempty"`

	// Runtime state
	Status         MonitorStatus `json:"status"`
	LastCheckAt    *time.Time    `json:"lastCheckAt,omitempty"`
	ResponseTimeMs int           `json:"responseTimeMs"`

	// PendingDeletion is set while external deregistration is outstanding.
	PendingDeletion bool `json:"pendingDeletion,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (m *Monitor) Clone() *Monitor {
	if m == nil {
		return nil
	}
	out := *m
	out.ExternalIDs = m.ExternalIDs.Clone()
	if m.LastCheckAt != nil {
		t := *m.LastCheckAt
		out.LastCheckAt = &t
	}
	return &out
}

// SameConfig reports whether both monitors carry the same configuration.
func (m *Monitor) SameConfig(other *Monitor) bool {
	return m.Name == other.Name &&
		m.URL == other.URL &&
		m.IntervalSeconds == other.IntervalSeconds &&
		m.TimeoutSeconds == other.TimeoutSeconds
}

// SameState reports whether both monitors are equal apart from bookkeeping
// fields (version and timestamps of the record itself).
func (m *Monitor) SameState(other *Monitor) bool {
	if other == nil {
		return false
	}
	return m.SameConfig(other) &&
		m.TenantID == other.TenantID &&
		m.Status == other.Status &&
		m.ResponseTimeMs == other.ResponseTimeMs &&
		m.PendingDeletion == other.PendingDeletion &&
		timesEqual(m.LastCheckAt, other.LastCheckAt) &&
		m.ExternalIDs.Equal(other.ExternalIDs)
}

// AlertSeverity is the severity of an alert.
type AlertSeverity string

// Alert severities.
const (
	SeverityCritical AlertSeverity = "critical"
	SeverityHigh     AlertSeverity = "high"
	SeverityMedium   AlertSeverity = "medium"
	SeverityLow      AlertSeverity = "low"
	SeverityInfo     AlertSeverity = "info"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

// Alert statuses, in lifecycle order.
const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

func (s AlertStatus) rank() int {
	switch s {
	case AlertActive:
		return 0
	case AlertAcknowledged:
		return 1
	case AlertResolved:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether an alert may move from one status to another.
// Transitions only move forward, except resolved -> active when reopen is set
// by an explicit external reopen event.
func CanTransition(from, to AlertStatus, reopen bool) bool {
	if to.rank() < 0 {
		return false
	}
	if from == to || from == "" {
		return true
	}
	if to.rank() > from.rank() {
		return true
	}
	return reopen && from == AlertResolved && to == AlertActive
}

// Alert is a raised alert. Alerts are archived, never deleted.
type Alert struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenantId"`
	MonitorID   string      `json:"monitorId,omitempty"`
	ScheduleID  string      `json:"scheduleId,omitempty"`
	ExternalIDs ExternalIDs `json:"externalIds,omitempty"`

	Title    string        `json:"title"`
	Message  string        `json:"message,omitempty"`
	Severity AlertSeverity `json:"severity"`
	Status   AlertStatus   `json:"status"`

	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	out := *a
	out.ExternalIDs = a.ExternalIDs.Clone()
	out.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	out.ResolvedAt = cloneTime(a.ResolvedAt)
	return &out
}

// LastModified returns UpdatedAt, falling back to CreatedAt.
func (a *Alert) LastModified() time.Time {
	if !a.UpdatedAt.IsZero() {
		return a.UpdatedAt
	}
	return a.CreatedAt
}

// SameState reports whether both alerts are equal apart from bookkeeping fields.
func (a *Alert) SameState(other *Alert) bool {
	if other == nil {
		return false
	}
	return a.TenantID == other.TenantID &&
		a.MonitorID == other.MonitorID &&
		a.ScheduleID == other.ScheduleID &&
		a.Title == other.Title &&
		a.Message == other.Message &&
		a.Severity == other.Severity &&
		a.Status == other.Status &&
		a.AcknowledgedBy == other.AcknowledgedBy &&
		a.ResolvedBy == other.ResolvedBy &&
		timesEqual(a.AcknowledgedAt, other.AcknowledgedAt) &&
		timesEqual(a.ResolvedAt, other.ResolvedAt) &&
		a.ExternalIDs.Equal(other.ExternalIDs)
}

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

// Incident statuses.
const (
	IncidentOpen       IncidentStatus = "open"
	IncidentIdentified IncidentStatus = "identified"
	IncidentMonitoring IncidentStatus = "monitoring"
	IncidentResolved   IncidentStatus = "resolved"
)

// Incident aggregates one or more alerts for user and status-page visibility.
type Incident struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	Title      string         `json:"title"`
	Status     IncidentStatus `json:"status"`
	AlertIDs   []string       `json:"alertIds"`
	Public     bool           `json:"public"`
	Version    int64          `json:"version"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	out := *i
	out.AlertIDs = slices.Clone(i.AlertIDs)
	out.ResolvedAt = cloneTime(i.ResolvedAt)
	return &out
}

// SameState reports whether both incidents are equal apart from bookkeeping fields.
func (i *Incident) SameState(other *Incident) bool {
	if other == nil {
		return false
	}
	return i.TenantID == other.TenantID &&
		i.Title == other.Title &&
		i.Status == other.Status &&
		i.Public == other.Public &&
		slices.Equal(i.AlertIDs, other.AlertIDs) &&
		timesEqual(i.ResolvedAt, other.ResolvedAt)
}

// Schedule defines who is reachable for a service. The local copy is
// authoritative; external ids are projections.
type Schedule struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenantId"`
	Name         string      `json:"name"`
	Service      string      `json:"service"`
	Timezone     string      `json:"timezone"`
	Participants []string    `json:"participants"`
	ExternalIDs  ExternalIDs `json:"externalIds,omitempty"`
	Version      int64       `json:"version"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	out := *s
	out.Participants = slices.Clone(s.Participants)
	out.ExternalIDs = s.ExternalIDs.Clone()
	return &out
}

// SameState reports whether both schedules are equal apart from bookkeeping fields.
func (s *Schedule) SameState(other *Schedule) bool {
	if other == nil {
		return false
	}
	return s.TenantID == other.TenantID &&
		s.Name == other.Name &&
		s.Service == other.Service &&
		s.Timezone == other.Timezone &&
		slices.Equal(s.Participants, other.Participants) &&
		s.ExternalIDs.Equal(other.ExternalIDs)
}

// Override temporarily replaces the on-call person of a schedule.
type Override struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	ScheduleID string    `json:"scheduleId"`
	User       string    `json:"user"`
	StartsAt   time.Time `json:"startsAt"`
	EndsAt     time.Time `json:"endsAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Active reports whether the override covers the given instant.
func (o *Override) Active(at time.Time) bool {
	return !at.Before(o.StartsAt) && at.Before(o.EndsAt)
}

// Resource is a tagged union over the synchronized entity types.
type Resource struct {
	Kind     Kind      `json:"kind"`
	Monitor  *Monitor  `json:"monitor,omitempty"`
	Alert    *Alert    `json:"alert,omitempty"`
	Incident *Incident `json:"incident,omitempty"`
	Schedule *Schedule `json:"schedule,omitempty"`
}

// MonitorResource wraps a monitor.
func MonitorResource(m *Monitor) Resource { return Resource{Kind: KindMonitor, Monitor: m} }

// AlertResource wraps an alert.
func AlertResource(a *Alert) Resource { return Resource{Kind: KindAlert, Alert: a} }

// IncidentResource wraps an incident.
func IncidentResource(i *Incident) Resource { return Resource{Kind: KindIncident, Incident: i} }

// ScheduleResource wraps a schedule.
func ScheduleResource(s *Schedule) Resource { return Resource{Kind: KindSchedule, Schedule: s} }

// IsZero reports whether the resource holds no entity.
func (r Resource) IsZero() bool {
	return r.Monitor == nil && r.Alert == nil && r.Incident == nil && r.Schedule == nil
}

// ID returns the local id of the wrapped entity.
func (r Resource) ID() string {
	switch r.Kind {
	case KindMonitor:
		if r.Monitor != nil {
			return r.Monitor.ID
		}
	case KindAlert:
		if r.Alert != nil {
			return r.Alert.ID
		}
	case KindIncident:
		if r.Incident != nil {
			return r.Incident.ID
		}
	case KindSchedule:
		if r.Schedule != nil {
			return r.Schedule.ID
		}
	}
	return ""
}

// TenantID returns the tenant of the wrapped entity.
func (r Resource) TenantID() string {
	switch r.Kind {
	case KindMonitor:
		if r.Monitor != nil {
			return r.Monitor.TenantID
		}
	case KindAlert:
		if r.Alert != nil {
			return r.Alert.TenantID
		}
	case KindIncident:
		if r.Incident != nil {
			return r.Incident.TenantID
		}
	case KindSchedule:
		if r.Schedule != nil {
			return r.Schedule.TenantID
		}
	}
	return ""
}

// Version returns the stored version of the wrapped entity.
func (r Resource) Version() int64 {
	switch r.Kind {
	case KindMonitor:
		if r.Monitor != nil {
			return r.Monitor.Version
		}
	case KindAlert:
		if r.Alert != nil {
			return r.Alert.Version
		}
	case KindIncident:
		if r.Incident != nil {
			return r.Incident.Version
		}
	case KindSchedule:
		if r.Schedule != nil {
			return r.Schedule.Version
		}
	}
	return 0
}

// ExternalIDs returns the external ids of the wrapped entity.
func (r Resource) ExternalIDs() ExternalIDs {
	switch r.Kind {
	case KindMonitor:
		if r.Monitor != nil {
			return r.Monitor.ExternalIDs
		}
	case KindAlert:
		if r.Alert != nil {
			return r.Alert.ExternalIDs
		}
	case KindSchedule:
		if r.Schedule != nil {
			return r.Schedule.ExternalIDs
		}
	}
	return nil
}

// Clone returns a deep copy.
func (r Resource) Clone() Resource {
	return Resource{
		Kind:     r.Kind,
		Monitor:  r.Monitor.Clone(),
		Alert:    r.Alert.Clone(),
		Incident: r.Incident.Clone(),
		Schedule: r.Schedule.Clone(),
	}
}

// SameState reports whether two resources of the same kind hold equal state.
func (r Resource) SameState(other Resource) bool {
	if r.Kind != other.Kind {
		return false
	}
	switch r.Kind {
	case KindMonitor:
		return r.Monitor != nil && r.Monitor.SameState(other.Monitor)
	case KindAlert:
		return r.Alert != nil && r.Alert.SameState(other.Alert)
	case KindIncident:
		return r.Incident != nil && r.Incident.SameState(other.Incident)
	case KindSchedule:
		return r.Schedule != nil && r.Schedule.SameState(other.Schedule)
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
