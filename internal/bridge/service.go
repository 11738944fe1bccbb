package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// ErrInvalidInput is returned when a request fails validation.
var ErrInvalidInput = errors.New("invalid input")

// MonitorPatch holds the fields of a monitor update. Nil fields are unchanged.
type MonitorPatch struct {
	Name            *string `json:"name,omitempty"`
	URL             *string `json:"url,omitempty"`
	IntervalSeconds *int    `json:"intervalSeconds,omitempty"`
	TimeoutSeconds  *int    `json:"timeoutSeconds,omitempty"`
}

func (p MonitorPatch) apply(m *monitoring.Monitor) {
	if p.Name != nil {
		m.Name = *p.Name
	}
	if p.URL != nil {
		m.URL = *p.URL
	}
	if p.IntervalSeconds != nil {
		m.IntervalSeconds = *p.IntervalSeconds
	}
	if p.TimeoutSeconds != nil {
		m.TimeoutSeconds = *p.TimeoutSeconds
	}
}

func validateMonitor(m *monitoring.Monitor) error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	if strings.TrimSpace(m.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if m.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidInput)
	}
	if m.TimeoutSeconds < 0 || (m.TimeoutSeconds > 0 && m.TimeoutSeconds >= m.IntervalSeconds) {
		return fmt.Errorf("%w: timeout must be shorter than the interval", ErrInvalidInput)
	}
	return nil
}

// publishLocal publishes a user or system change and returns the stored state.
func (b *Bridge) publishLocal(ctx context.Context, name events.Name, source events.Source, r monitoring.Resource) (monitoring.Resource, error) {
	e := events.New(name, source, r)
	e.OccurredAt = b.now()

	delivery, err := b.router.Publish(ctx, e)
	if err != nil {
		return monitoring.Resource{}, err
	}
	if delivery.RejectedBy != "" {
		return monitoring.Resource{}, fmt.Errorf("%w: rejected by %s", ErrInvalidInput, delivery.RejectedBy)
	}
	return b.load(ctx, r.Kind, r.ID())
}

// CreateMonitor stores a new monitor and registers it with every system that
// handles monitors.
func (b *Bridge) CreateMonitor(ctx context.Context, m *monitoring.Monitor) (*monitoring.Monitor, error) {
	m = m.Clone()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = monitoring.MonitorUnknown
	}
	m.Version = 0
	m.ExternalIDs = monitoring.ExternalIDs{}
	if err := validateMonitor(m); err != nil {
		return nil, err
	}

	out, err := b.publishLocal(ctx, events.MonitorCreated, events.SourceUser, monitoring.MonitorResource(m))
	if err != nil {
		return nil, fmt.Errorf("creating monitor: %w", err)
	}
	return out.Monitor, nil
}

// UpdateMonitor applies a patch, re-reading and retrying on version conflicts.
func (b *Bridge) UpdateMonitor(ctx context.Context, id string, patch MonitorPatch) (*monitoring.Monitor, error) {
	for attempt := 0; attempt < b.cfg.ApplyRetries; attempt++ {
		cur, err := b.repo.GetMonitor(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.PendingDeletion {
			return nil, fmt.Errorf("%w: monitor is being deleted", ErrInvalidInput)
		}

		next := cur.Clone()
		patch.apply(next)
		if err := validateMonitor(next); err != nil {
			return nil, err
		}
		if next.SameConfig(cur) {
			return cur, nil
		}

		out, err := b.publishLocal(ctx, events.MonitorUpdated, events.SourceUser, monitoring.MonitorResource(next))
		if errors.Is(err, monitoring.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("updating monitor: %w", err)
		}
		return out.Monitor, nil
	}
	return nil, fmt.Errorf("updating monitor %s: %w", id, monitoring.ErrVersionConflict)
}

// DeleteMonitor deletes a monitor. A monitor registered externally is
// deregistered first and removed once every system has released it.
func (b *Bridge) DeleteMonitor(ctx context.Context, id string) error {
	cur, err := b.repo.GetMonitor(ctx, id)
	if err != nil {
		return err
	}
	e := events.New(events.MonitorDeleted, events.SourceUser, monitoring.MonitorResource(cur))
	if _, err := b.router.Publish(ctx, e); err != nil {
		return fmt.Errorf("deleting monitor: %w", err)
	}
	return nil
}

// GetMonitor returns a stored monitor.
func (b *Bridge) GetMonitor(ctx context.Context, id string) (*monitoring.Monitor, error) {
	return b.repo.GetMonitor(ctx, id)
}

// CreateAlert raises a new alert.
func (b *Bridge) CreateAlert(ctx context.Context, a *monitoring.Alert) (*monitoring.Alert, error) {
	a = a.Clone()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if strings.TrimSpace(a.TenantID) == "" || strings.TrimSpace(a.Title) == "" {
		return nil, fmt.Errorf("%w: tenant and title are required", ErrInvalidInput)
	}
	if a.Severity == "" {
		a.Severity = monitoring.SeverityHigh
	}
	now := b.now()
	a.Status = monitoring.AlertActive
	a.Version = 0
	a.ExternalIDs = monitoring.ExternalIDs{}
	a.CreatedAt = now
	a.UpdatedAt = now

	out, err := b.publishLocal(ctx, events.AlertCreated, events.SourceUser, monitoring.AlertResource(a))
	if err != nil {
		return nil, fmt.Errorf("creating alert: %w", err)
	}
	return out.Alert, nil
}

// AcknowledgeAlert moves an alert to acknowledged.
func (b *Bridge) AcknowledgeAlert(ctx context.Context, id, by string) (*monitoring.Alert, error) {
	return b.transitionAlert(ctx, id, monitoring.AlertAcknowledged, by, events.AlertAcknowledged)
}

// ResolveAlert moves an alert to resolved.
func (b *Bridge) ResolveAlert(ctx context.Context, id, by string) (*monitoring.Alert, error) {
	return b.transitionAlert(ctx, id, monitoring.AlertResolved, by, events.AlertResolved)
}

func (b *Bridge) transitionAlert(ctx context.Context, id string, to monitoring.AlertStatus, by string, name events.Name) (*monitoring.Alert, error) {
	for attempt := 0; attempt < b.cfg.ApplyRetries; attempt++ {
		cur, err := b.repo.GetAlert(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == to {
			return cur, nil
		}
		if !monitoring.CanTransition(cur.Status, to, false) {
			return nil, fmt.Errorf("%w: %s -> %s", monitoring.ErrInvalidTransition, cur.Status, to)
		}

		now := b.now()
		next := cur.Clone()
		next.Status = to
		next.UpdatedAt = now
		if next.AcknowledgedAt == nil {
			next.AcknowledgedAt = &now
			next.AcknowledgedBy = by
		}
		if to == monitoring.AlertResolved {
			next.ResolvedAt = &now
			next.ResolvedBy = by
		}

		out, err := b.publishLocal(ctx, name, events.SourceUser, monitoring.AlertResource(next))
		if errors.Is(err, monitoring.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out.Alert, nil
	}
	return nil, fmt.Errorf("updating alert %s: %w", id, monitoring.ErrVersionConflict)
}

// GetAlert returns a stored alert.
func (b *Bridge) GetAlert(ctx context.Context, id string) (*monitoring.Alert, error) {
	return b.repo.GetAlert(ctx, id)
}

// CreateIncident opens an incident grouping the given alerts.
func (b *Bridge) CreateIncident(ctx context.Context, i *monitoring.Incident) (*monitoring.Incident, error) {
	i = i.Clone()
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	if strings.TrimSpace(i.TenantID) == "" || strings.TrimSpace(i.Title) == "" {
		return nil, fmt.Errorf("%w: tenant and title are required", ErrInvalidInput)
	}
	for _, alertID := range i.AlertIDs {
		a, err := b.repo.GetAlert(ctx, alertID)
		if err != nil {
			return nil, fmt.Errorf("loading alert %s: %w", alertID, err)
		}
		if a.TenantID != i.TenantID {
			return nil, fmt.Errorf("%w: alert %s belongs to another tenant", ErrInvalidInput, alertID)
		}
	}
	i.Status = monitoring.IncidentOpen
	i.Version = 0

	out, err := b.publishLocal(ctx, events.IncidentCreated, events.SourceUser, monitoring.IncidentResource(i))
	if err != nil {
		return nil, fmt.Errorf("creating incident: %w", err)
	}
	return out.Incident, nil
}

// UpdateIncidentStatus moves an incident to a new status.
func (b *Bridge) UpdateIncidentStatus(ctx context.Context, id string, status monitoring.IncidentStatus) (*monitoring.Incident, error) {
	return b.updateIncidentStatus(ctx, id, status, events.SourceUser)
}

func (b *Bridge) updateIncidentStatus(ctx context.Context, id string, status monitoring.IncidentStatus, source events.Source) (*monitoring.Incident, error) {
	switch status {
	case monitoring.IncidentOpen, monitoring.IncidentIdentified, monitoring.IncidentMonitoring, monitoring.IncidentResolved:
	default:
		return nil, fmt.Errorf("%w: unknown incident status %q", ErrInvalidInput, status)
	}

	for attempt := 0; attempt < b.cfg.ApplyRetries; attempt++ {
		cur, err := b.repo.GetIncident(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == status {
			return cur, nil
		}

		next := cur.Clone()
		next.Status = status
		next.UpdatedAt = b.now()
		next.ResolvedAt = nil
		name := events.IncidentUpdated
		if status == monitoring.IncidentResolved {
			now := b.now()
			next.ResolvedAt = &now
			name = events.IncidentResolved
		}

		out, err := b.publishLocal(ctx, name, source, monitoring.IncidentResource(next))
		if errors.Is(err, monitoring.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out.Incident, nil
	}
	return nil, fmt.Errorf("updating incident %s: %w", id, monitoring.ErrVersionConflict)
}

// aggregateIncidents resolves open incidents whose member alerts are all resolved.
func (b *Bridge) aggregateIncidents(ctx context.Context, e events.Event) error {
	incidents, err := b.repo.ListIncidents(ctx, monitoring.IncidentFilter{
		TenantID: e.TenantID,
		AlertID:  e.ResourceID(),
		Open:     true,
	})
	if err != nil {
		return fmt.Errorf("listing incidents: %w", err)
	}

	for _, inc := range incidents {
		resolved, err := b.allResolved(ctx, inc.AlertIDs)
		if err != nil {
			return err
		}
		if !resolved {
			continue
		}
		if _, err := b.updateIncidentStatus(ctx, inc.ID, monitoring.IncidentResolved, events.SourceSystem); err != nil {
			return fmt.Errorf("resolving incident %s: %w", inc.ID, err)
		}
		b.logger.Info().
			Str("tenant_id", inc.TenantID).
			Str("incident_id", inc.ID).
			Msg("incident resolved with its last alert")
	}
	return nil
}

func (b *Bridge) allResolved(ctx context.Context, alertIDs []string) (bool, error) {
	for _, id := range alertIDs {
		a, err := b.repo.GetAlert(ctx, id)
		if errors.Is(err, monitoring.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("loading alert %s: %w", id, err)
		}
		if a.Status != monitoring.AlertResolved {
			return false, nil
		}
	}
	return true, nil
}

// UpsertSchedule creates or replaces a schedule.
func (b *Bridge) UpsertSchedule(ctx context.Context, s *monitoring.Schedule) (*monitoring.Schedule, error) {
	s = s.Clone()
	if strings.TrimSpace(s.TenantID) == "" || strings.TrimSpace(s.Name) == "" {
		return nil, fmt.Errorf("%w: tenant and name are required", ErrInvalidInput)
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidInput, s.Timezone)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	for attempt := 0; attempt < b.cfg.ApplyRetries; attempt++ {
		next := s.Clone()
		cur, err := b.repo.GetSchedule(ctx, s.ID)
		switch {
		case errors.Is(err, monitoring.ErrNotFound):
			next.Version = 0
			next.ExternalIDs = monitoring.ExternalIDs{}
		case err != nil:
			return nil, err
		default:
			if cur.TenantID != next.TenantID {
				return nil, fmt.Errorf("%w: schedule belongs to another tenant", ErrInvalidInput)
			}
			next.Version = cur.Version
			next.ExternalIDs = cur.ExternalIDs
			next.CreatedAt = cur.CreatedAt
		}

		out, err := b.publishLocal(ctx, events.ScheduleUpdated, events.SourceUser, monitoring.ScheduleResource(next))
		if errors.Is(err, monitoring.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("saving schedule: %w", err)
		}
		return out.Schedule, nil
	}
	return nil, fmt.Errorf("saving schedule %s: %w", s.ID, monitoring.ErrVersionConflict)
}

// CreateOverride stores an on-call override and announces it.
func (b *Bridge) CreateOverride(ctx context.Context, o *monitoring.Override) (*monitoring.Override, error) {
	if !o.EndsAt.After(o.StartsAt) {
		return nil, fmt.Errorf("%w: override must end after it starts", ErrInvalidInput)
	}
	s, err := b.repo.GetSchedule(ctx, o.ScheduleID)
	if err != nil {
		return nil, err
	}
	if o.TenantID != "" && o.TenantID != s.TenantID {
		return nil, fmt.Errorf("%w: schedule belongs to another tenant", ErrInvalidInput)
	}

	out := *o
	out.TenantID = s.TenantID
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = b.now()
	}
	if err := b.repo.SaveOverride(ctx, &out); err != nil {
		return nil, fmt.Errorf("saving override: %w", err)
	}

	e := events.New(events.OverrideCreated, events.SourceUser, monitoring.ScheduleResource(s))
	e.Metadata = map[string]interface{}{"override": out}
	if _, err := b.router.Publish(ctx, e); err != nil {
		return nil, err
	}
	return &out, nil
}

// OnCall returns who is on call for a schedule at the given instant: an
// active override first, then the remote on-call list when the schedule is
// registered with a system that knows it, then the local weekly rotation.
func (b *Bridge) OnCall(ctx context.Context, scheduleID string, at time.Time) ([]string, error) {
	s, err := b.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	overrides, err := b.repo.ListOverrides(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("listing overrides: %w", err)
	}
	sort.Slice(overrides, func(i, j int) bool { return overrides[i].CreatedAt.After(overrides[j].CreatedAt) })
	for _, o := range overrides {
		if o.Active(at) {
			return []string{o.User}, nil
		}
	}

	for _, system := range b.systems {
		extID := s.ExternalIDs.Get(system)
		resolver, ok := b.adapters[system].(OnCallResolver)
		if extID == "" || !ok || b.syncDisabled(ctx, system) {
			continue
		}
		var users []string
		err := b.call(ctx, system, "oncall", func(ctx context.Context) error {
			var err error
			users, err = resolver.OnCall(ctx, extID, at)
			return err
		})
		if err == nil && len(users) > 0 {
			return users, nil
		}
		if err != nil {
			b.logger.Warn().Err(err).Str("system", string(system)).Str("schedule_id", s.ID).Msg("remote on-call lookup failed, using local rotation")
		}
	}

	return rotation(s, at), nil
}

// rotation hands the schedule to one participant per week, counted from the
// schedule's creation in its own timezone.
func rotation(s *monitoring.Schedule, at time.Time) []string {
	if len(s.Participants) == 0 {
		return nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		loc = time.UTC
	}
	start := s.CreatedAt.In(loc)
	if at.Before(start) {
		return []string{s.Participants[0]}
	}
	weeks := int(at.In(loc).Sub(start) / (7 * 24 * time.Hour))
	return []string{s.Participants[weeks%len(s.Participants)]}
}
