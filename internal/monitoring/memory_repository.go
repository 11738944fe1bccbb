package monitoring

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryRepository is an in-memory implementation of Repository.
// Entities are copied on the way in and out so callers never share state
// with the store.
type InMemoryRepository struct {
	mu        sync.RWMutex
	monitors  map[string]*Monitor
	alerts    map[string]*Alert
	incidents map[string]*Incident
	schedules map[string]*Schedule
	overrides map[string][]*Override

	writes atomic.Int64
}

// NewInMemoryRepository creates a new in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		monitors:  make(map[string]*Monitor),
		alerts:    make(map[string]*Alert),
		incidents: make(map[string]*Incident),
		schedules: make(map[string]*Schedule),
		overrides: make(map[string][]*Override),
	}
}

// Writes returns the number of successful save and delete operations.
func (r *InMemoryRepository) Writes() int64 {
	return r.writes.Load()
}

func checkVersion(exists bool, stored, expected int64) error {
	if !exists {
		if expected != 0 {
			return ErrVersionConflict
		}
		return nil
	}
	if stored != expected {
		return ErrVersionConflict
	}
	return nil
}

// GetMonitor retrieves a monitor by id.
func (r *InMemoryRepository) GetMonitor(_ context.Context, id string) (*Monitor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.monitors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// FindMonitorByExternalID retrieves a monitor by the id an external system owns.
func (r *InMemoryRepository) FindMonitorByExternalID(_ context.Context, system System, externalID string) (*Monitor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.monitors {
		if externalID != "" && m.ExternalIDs.Get(system) == externalID {
			return m.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ListMonitors returns monitors matching the filter, ordered by id.
func (r *InMemoryRepository) ListMonitors(_ context.Context, filter MonitorFilter) ([]*Monitor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		if filter.TenantID != "" && m.TenantID != filter.TenantID {
			continue
		}
		if filter.Linked && !m.ExternalIDs.Any() {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveMonitor creates or updates a monitor with optimistic concurrency.
func (r *InMemoryRepository) SaveMonitor(_ context.Context, m *Monitor, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.monitors[m.ID]
	var storedVersion int64
	if ok {
		storedVersion = stored.Version
	}
	if err := checkVersion(ok, storedVersion, expectedVersion); err != nil {
		return err
	}

	now := time.Now()
	if !ok && m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Version = expectedVersion + 1
	r.monitors[m.ID] = m.Clone()
	r.writes.Add(1)
	return nil
}

// DeleteMonitor hard-deletes a monitor that has no external registrations.
func (r *InMemoryRepository) DeleteMonitor(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.monitors[id]
	if !ok {
		return ErrNotFound
	}
	if m.ExternalIDs.Any() {
		return ErrExternallyRegistered
	}
	delete(r.monitors, id)
	r.writes.Add(1)
	return nil
}

// GetAlert retrieves an alert by id.
func (r *InMemoryRepository) GetAlert(_ context.Context, id string) (*Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// FindAlertByExternalID retrieves an alert by the id an external system owns.
func (r *InMemoryRepository) FindAlertByExternalID(_ context.Context, system System, externalID string) (*Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.alerts {
		if externalID != "" && a.ExternalIDs.Get(system) == externalID {
			return a.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ListAlerts returns alerts matching the filter, ordered by creation time.
func (r *InMemoryRepository) ListAlerts(_ context.Context, filter AlertFilter) ([]*Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Alert, 0, len(r.alerts))
	for _, a := range r.alerts {
		if filter.TenantID != "" && a.TenantID != filter.TenantID {
			continue
		}
		if filter.MonitorID != "" && a.MonitorID != filter.MonitorID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, a.Status) {
			continue
		}
		if filter.Linked && !a.ExternalIDs.Any() {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveAlert creates or updates an alert with optimistic concurrency.
func (r *InMemoryRepository) SaveAlert(_ context.Context, a *Alert, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.alerts[a.ID]
	var storedVersion int64
	if ok {
		storedVersion = stored.Version
	}
	if err := checkVersion(ok, storedVersion, expectedVersion); err != nil {
		return err
	}

	now := time.Now()
	if !ok && a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	a.Version = expectedVersion + 1
	r.alerts[a.ID] = a.Clone()
	r.writes.Add(1)
	return nil
}

// GetIncident retrieves an incident by id.
func (r *InMemoryRepository) GetIncident(_ context.Context, id string) (*Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return i.Clone(), nil
}

// ListIncidents returns incidents matching the filter, ordered by id.
func (r *InMemoryRepository) ListIncidents(_ context.Context, filter IncidentFilter) ([]*Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Incident, 0, len(r.incidents))
	for _, i := range r.incidents {
		if filter.TenantID != "" && i.TenantID != filter.TenantID {
			continue
		}
		if filter.AlertID != "" && !slices.Contains(i.AlertIDs, filter.AlertID) {
			continue
		}
		if filter.Open && i.Status == IncidentResolved {
			continue
		}
		out = append(out, i.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// SaveIncident creates or updates an incident with optimistic concurrency.
func (r *InMemoryRepository) SaveIncident(_ context.Context, i *Incident, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.incidents[i.ID]
	var storedVersion int64
	if ok {
		storedVersion = stored.Version
	}
	if err := checkVersion(ok, storedVersion, expectedVersion); err != nil {
		return err
	}

	now := time.Now()
	if !ok && i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	i.UpdatedAt = now
	i.Version = expectedVersion + 1
	r.incidents[i.ID] = i.Clone()
	r.writes.Add(1)
	return nil
}

// GetSchedule retrieves a schedule by id.
func (r *InMemoryRepository) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// FindScheduleByExternalID retrieves a schedule by the id an external system owns.
func (r *InMemoryRepository) FindScheduleByExternalID(_ context.Context, system System, externalID string) (*Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.schedules {
		if externalID != "" && s.ExternalIDs.Get(system) == externalID {
			return s.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ListSchedules returns schedules matching the filter, ordered by id.
func (r *InMemoryRepository) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		if filter.TenantID != "" && s.TenantID != filter.TenantID {
			continue
		}
		if filter.Linked && !s.ExternalIDs.Any() {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveSchedule creates or updates a schedule with optimistic concurrency.
func (r *InMemoryRepository) SaveSchedule(_ context.Context, s *Schedule, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.schedules[s.ID]
	var storedVersion int64
	if ok {
		storedVersion = stored.Version
	}
	if err := checkVersion(ok, storedVersion, expectedVersion); err != nil {
		return err
	}

	now := time.Now()
	if !ok && s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Version = expectedVersion + 1
	r.schedules[s.ID] = s.Clone()
	r.writes.Add(1)
	return nil
}

// SaveOverride stores an override.
func (r *InMemoryRepository) SaveOverride(_ context.Context, o *Override) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	c := *o
	r.overrides[o.ScheduleID] = append(r.overrides[o.ScheduleID], &c)
	r.writes.Add(1)
	return nil
}

// ListOverrides returns the overrides of a schedule ordered by start time.
func (r *InMemoryRepository) ListOverrides(_ context.Context, scheduleID string) ([]*Override, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.overrides[scheduleID]
	out := make([]*Override, 0, len(src))
	for _, o := range src {
		c := *o
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)
