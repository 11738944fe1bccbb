package bridge

import (
	"context"
	"fmt"

	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// load reads the stored version of a resource.
func (b *Bridge) load(ctx context.Context, kind monitoring.Kind, id string) (monitoring.Resource, error) {
	switch kind {
	case monitoring.KindMonitor:
		m, err := b.repo.GetMonitor(ctx, id)
		if err != nil {
			return monitoring.Resource{}, err
		}
		return monitoring.MonitorResource(m), nil
	case monitoring.KindAlert:
		a, err := b.repo.GetAlert(ctx, id)
		if err != nil {
			return monitoring.Resource{}, err
		}
		return monitoring.AlertResource(a), nil
	case monitoring.KindIncident:
		i, err := b.repo.GetIncident(ctx, id)
		if err != nil {
			return monitoring.Resource{}, err
		}
		return monitoring.IncidentResource(i), nil
	case monitoring.KindSchedule:
		s, err := b.repo.GetSchedule(ctx, id)
		if err != nil {
			return monitoring.Resource{}, err
		}
		return monitoring.ScheduleResource(s), nil
	}
	return monitoring.Resource{}, fmt.Errorf("%w: %s", ErrUnsupported, kind)
}

// findByExternalID looks a resource up by the id an external system assigned to it.
func (b *Bridge) findByExternalID(ctx context.Context, system monitoring.System, kind monitoring.Kind, externalID string) (monitoring.Resource, error) {
	switch kind {
	case monitoring.KindMonitor:
		m, err := b.repo.FindMonitorByExternalID(ctx, system, externalID)
		if err != nil {
			return monitoring.Resource{}, err
		}
		return monitoring.MonitorResource(m), nil
	case monitoring.KindAlert:
		a, err := b.repo.FindAlertByExternalID(ctx, system, externalID)
		if err != nil {
			return monitoring.Resource{}, err
		}
		return monitoring.AlertResource(a), nil
	case monitoring.KindSchedule:
		s, err := b.repo.FindScheduleByExternalID(ctx, system, externalID)
		if err != nil {
			return monitoring.Resource{}, err
		}
		return monitoring.ScheduleResource(s), nil
	}
	return monitoring.Resource{}, fmt.Errorf("%w: %s", ErrUnsupported, kind)
}

// save stores r against the version the caller read. The entity inside r is
// updated in place with the stored version.
func (b *Bridge) save(ctx context.Context, r monitoring.Resource, expectedVersion int64) error {
	switch r.Kind {
	case monitoring.KindMonitor:
		return b.repo.SaveMonitor(ctx, r.Monitor, expectedVersion)
	case monitoring.KindAlert:
		return b.repo.SaveAlert(ctx, r.Alert, expectedVersion)
	case monitoring.KindIncident:
		return b.repo.SaveIncident(ctx, r.Incident, expectedVersion)
	case monitoring.KindSchedule:
		return b.repo.SaveSchedule(ctx, r.Schedule, expectedVersion)
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, r.Kind)
}

func setExternalIDs(r monitoring.Resource, ids monitoring.ExternalIDs) {
	switch r.Kind {
	case monitoring.KindMonitor:
		r.Monitor.ExternalIDs = ids
	case monitoring.KindAlert:
		r.Alert.ExternalIDs = ids
	case monitoring.KindSchedule:
		r.Schedule.ExternalIDs = ids
	}
}

func linkedEvent(kind monitoring.Kind) events.Name {
	switch kind {
	case monitoring.KindMonitor:
		return events.MonitorLinked
	case monitoring.KindAlert:
		return events.AlertLinked
	case monitoring.KindSchedule:
		return events.ScheduleLinked
	}
	return ""
}

func isLinkEvent(name events.Name) bool {
	return name == events.MonitorLinked || name == events.AlertLinked || name == events.ScheduleLinked
}

// isObservation reports whether the event carries no state of its own and
// passes the apply step untouched.
func isObservation(name events.Name) bool {
	switch name {
	case events.ExternalCheck, events.ExternalAlert, events.SyncError,
		events.ReconcileSummary, events.OverrideCreated:
		return true
	}
	return false
}
