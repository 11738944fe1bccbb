package escalation

import (
	"strings"
	"time"

	"github.com/opsbridge/opsbridge/internal/monitoring"
)

type idResponse struct {
	ID string `json:"id"`
}

// alertRequest is the body of an alert create call.
type alertRequest struct {
	Message     string   `json:"message"`
	Description string   `json:"description,omitempty"`
	Alias       string   `json:"alias"`
	Priority    string   `json:"priority"`
	TenantID    string   `json:"tenant_id"`
	Tags        []string `json:"tags,omitempty"`
}

// actionRequest is the body of acknowledge and close calls.
type actionRequest struct {
	User   string `json:"user,omitempty"`
	Source string `json:"source"`
}

// alertResponse is the service's representation of an alert.
type alertResponse struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Message        string     `json:"message"`
	Description    string     `json:"description"`
	Priority       string     `json:"priority"`
	Status         string     `json:"status"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
	ClosedBy       string     `json:"closed_by"`
	ClosedAt       *time.Time `json:"closed_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// scheduleRequest is the body of schedule create and update calls.
type scheduleRequest struct {
	Name         string   `json:"name"`
	Service      string   `json:"service"`
	Timezone     string   `json:"timezone"`
	Participants []string `json:"participants"`
	Reference    string   `json:"reference,omitempty"`
	TenantID     string   `json:"tenant_id"`
}

type scheduleResponse struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Service      string    `json:"service"`
	Timezone     string    `json:"timezone"`
	Participants []string  `json:"participants"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type onCallResponse struct {
	OnCall []string `json:"on_call"`
}

type webhookRequest struct {
	URL     string   `json:"url"`
	Actions []string `json:"actions"`
}

// webhookPayload is an alert action pushed to the bridge.
type webhookPayload struct {
	AlertExternalID string    `json:"alert_external_id"`
	Action          string    `json:"action"`
	Actor           string    `json:"actor"`
	Timestamp       time.Time `json:"timestamp"`
	TenantID        string    `json:"tenant_id,omitempty"`
	Message         string    `json:"message,omitempty"`
	Priority        string    `json:"priority,omitempty"`
	Status          string    `json:"status,omitempty"`
}

func toAlertRequest(a *monitoring.Alert) alertRequest {
	req := alertRequest{
		Message:     a.Title,
		Description: a.Message,
		Alias:       a.ID,
		Priority:    priorityFromSeverity(a.Severity),
		TenantID:    a.TenantID,
	}
	if a.MonitorID != "" {
		req.Tags = append(req.Tags, "monitor:"+a.MonitorID)
	}
	return req
}

func toScheduleRequest(s *monitoring.Schedule) scheduleRequest {
	return scheduleRequest{
		Name:         s.Name,
		Service:      s.Service,
		Timezone:     s.Timezone,
		Participants: s.Participants,
		Reference:    s.ID,
		TenantID:     s.TenantID,
	}
}

func (r *alertResponse) toAlert() *monitoring.Alert {
	a := &monitoring.Alert{
		TenantID:       r.TenantID,
		Title:          r.Message,
		Message:        r.Description,
		Severity:       severityFromPriority(r.Priority),
		AcknowledgedBy: r.AcknowledgedBy,
		AcknowledgedAt: utc(r.AcknowledgedAt),
		ResolvedBy:     r.ClosedBy,
		ResolvedAt:     utc(r.ClosedAt),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		ExternalIDs:    monitoring.ExternalIDs{monitoring.SystemEscalation: r.ID},
	}

	a.Status = alertStatus(r.Status, r.Acknowledged)
	return a
}

// alertStatus maps the service's open/acked/closed states onto the lifecycle.
func alertStatus(status string, acknowledged bool) monitoring.AlertStatus {
	switch strings.ToLower(status) {
	case "closed", "resolved":
		return monitoring.AlertResolved
	case "acked", "acknowledged":
		return monitoring.AlertAcknowledged
	}
	if acknowledged {
		return monitoring.AlertAcknowledged
	}
	return monitoring.AlertActive
}

func (r *scheduleResponse) toSchedule() *monitoring.Schedule {
	return &monitoring.Schedule{
		TenantID:     r.TenantID,
		Name:         r.Name,
		Service:      r.Service,
		Timezone:     r.Timezone,
		Participants: r.Participants,
		UpdatedAt:    r.UpdatedAt.UTC(),
		ExternalIDs:  monitoring.ExternalIDs{monitoring.SystemEscalation: r.ID},
	}
}

// priorityFromSeverity maps severities onto the service's P1-P5 scale.
func priorityFromSeverity(s monitoring.AlertSeverity) string {
	switch s {
	case monitoring.SeverityCritical:
		return "P1"
	case monitoring.SeverityHigh:
		return "P2"
	case monitoring.SeverityLow:
		return "P4"
	case monitoring.SeverityInfo:
		return "P5"
	default:
		return "P3"
	}
}

func severityFromPriority(p string) monitoring.AlertSeverity {
	switch strings.ToUpper(p) {
	case "P1":
		return monitoring.SeverityCritical
	case "P2":
		return monitoring.SeverityHigh
	case "P4":
		return monitoring.SeverityLow
	case "P5":
		return monitoring.SeverityInfo
	case "":
		return ""
	default:
		return monitoring.SeverityMedium
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
