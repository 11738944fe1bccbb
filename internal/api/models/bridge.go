package models

import (
	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// CreateMonitorRequest is the body of POST /v1/monitors.
type CreateMonitorRequest struct {
	Name            string `json:"name"`
	URL             string `json:"url"`
	IntervalSeconds int    `json:"intervalSeconds"`
	TimeoutSeconds  int    `json:"timeoutSeconds"`
}

// CreateAlertRequest is the body of POST /v1/alerts.
type CreateAlertRequest struct {
	Title      string                   `json:"title"`
	Message    string                   `json:"message,omitempty"`
	Severity   monitoring.AlertSeverity `json:"severity,omitempty"`
	MonitorID  string                   `json:"monitorId,omitempty"`
	ScheduleID string                   `json:"scheduleId,omitempty"`
}

// AlertActionRequest is the optional body of acknowledge and resolve calls.
type AlertActionRequest struct {
	By string `json:"by,omitempty"`
}

// CreateIncidentRequest is the body of POST /v1/incidents.
type CreateIncidentRequest struct {
	Title    string   `json:"title"`
	AlertIDs []string `json:"alertIds"`
	Public   bool     `json:"public"`
}

// UpdateIncidentRequest is the body of PATCH /v1/incidents/{incidentId}.
type UpdateIncidentRequest struct {
	Status monitoring.IncidentStatus `json:"status"`
}

// ScheduleRequest is the body of schedule create and replace calls.
type ScheduleRequest struct {
	Name         string   `json:"name"`
	Service      string   `json:"service"`
	Timezone     string   `json:"timezone,omitempty"`
	Participants []string `json:"participants"`
}

// CreateOverrideRequest is the body of POST /v1/schedules/{scheduleId}/overrides.
type CreateOverrideRequest struct {
	User     string    `json:"user"`
	StartsAt Timestamp `json:"startsAt"`
	EndsAt   Timestamp `json:"endsAt"`
}

// OnCallResponse lists who is on call.
type OnCallResponse struct {
	ScheduleID string    `json:"scheduleId"`
	At         Timestamp `json:"at"`
	Users      []string  `json:"users"`
}

// PagedMonitors is a monitor listing.
type PagedMonitors struct {
	Items []*monitoring.Monitor `json:"items"`
	Meta  PageMeta     `json:"meta"`
}

// PagedAlerts is an alert listing.
type PagedAlerts struct {
	Items []*monitoring.Alert `json:"items"`
	Meta  PageMeta   `json:"meta"`
}

// PagedIncidents is an incident listing.
type PagedIncidents struct {
	Items []*monitoring.Incident `json:"items"`
	Meta  PageMeta      `json:"meta"`
}

// PagedSchedules is a schedule listing.
type PagedSchedules struct {
	Items []*monitoring.Schedule `json:"items"`
	Meta  PageMeta      `json:"meta"`
}

// PagedLogEntries is an integration log listing ordered by sequence.
type PagedLogEntries struct {
	Items []*integrationlog.Entry `json:"items"`
	Meta  PageMeta       `json:"meta"`
}

// PagedSyncErrors is a dead-letter listing.
type PagedSyncErrors struct {
	Items []*integrationlog.SyncError `json:"items"`
	Meta  PageMeta           `json:"meta"`
}

// BindingsResponse describes the routing table.
type BindingsResponse struct {
	Bindings []events.BindingInfo `json:"bindings"`
}

// ReconcileRequest is the body of POST /v1/ops/reconcile.
type ReconcileRequest struct {
	Pass  string `json:"pass,omitempty"`
	Force bool   `json:"force,omitempty"`
}

// ReconcileResponse summarises a reconciliation pass.
type ReconcileResponse struct {
	Pass       string    `json:"pass"`
	Skipped    bool      `json:"skipped"`
	StartedAt  Timestamp `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Checked    int       `json:"checked"`
	Diverged   int       `json:"diverged"`
	Pulled     int       `json:"pulled"`
	Pushed     int       `json:"pushed"`
	Relinked   int       `json:"relinked"`
	Refused    int       `json:"refused"`
	Failed     int       `json:"failed"`
}
