package monitoring

import (
	"context"
)

// MonitorFilter narrows a monitor listing.
type MonitorFilter struct {
	TenantID string
	// Linked restricts the result to monitors with at least one external id.
	Linked bool
}

// AlertFilter narrows an alert listing.
type AlertFilter struct {
	TenantID  string
	MonitorID string
	Statuses  []AlertStatus
	Linked    bool
}

// IncidentFilter narrows an incident listing.
type IncidentFilter struct {
	TenantID string
	AlertID  string
	Open     bool
}

// ScheduleFilter narrows a schedule listing.
type ScheduleFilter struct {
	TenantID string
	Linked   bool
}

// Repository defines the storage the bridge needs: CRUD plus filtered queries.
//
// Save methods take the version the caller read. A record is created when
// expectedVersion is 0 and no record exists; otherwise the stored version must
// match or ErrVersionConflict is returned. On success the stored version is
// expectedVersion+1 and the passed entity is updated in place.
type Repository interface {
	GetMonitor(ctx context.Context, id string) (*Monitor, error)
	FindMonitorByExternalID(ctx context.Context, system System, externalID string) (*Monitor, error)
	ListMonitors(ctx context.Context, filter MonitorFilter) ([]*Monitor, error)
	SaveMonitor(ctx context.Context, m *Monitor, expectedVersion int64) error
	// DeleteMonitor hard-deletes a monitor. It fails with ErrExternallyRegistered
	// while any external id is still set.
	DeleteMonitor(ctx context.Context, id string) error

	GetAlert(ctx context.Context, id string) (*Alert, error)
	FindAlertByExternalID(ctx context.Context, system System, externalID string) (*Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)
	SaveAlert(ctx context.Context, a *Alert, expectedVersion int64) error

	GetIncident(ctx context.Context, id string) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*Incident, error)
	SaveIncident(ctx context.Context, i *Incident, expectedVersion int64) error

	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	FindScheduleByExternalID(ctx context.Context, system System, externalID string) (*Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	SaveSchedule(ctx context.Context, s *Schedule, expectedVersion int64) error

	SaveOverride(ctx context.Context, o *Override) error
	ListOverrides(ctx context.Context, scheduleID string) ([]*Override, error)
}
