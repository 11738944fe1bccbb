package bridge

import (
	"context"
	"fmt"

	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
	"github.com/opsbridge/opsbridge/internal/notify"
)

// notifyOnCall hands a new alert to the notification subsystem, addressed to
// whoever is on call for the alert's schedule.
func (b *Bridge) notifyOnCall(ctx context.Context, e events.Event) error {
	if b.flags != nil && b.flags.IsNotificationsDisabled(ctx) {
		return nil
	}
	a := e.Resource.Alert
	if a == nil {
		return nil
	}

	recipients, err := b.recipients(ctx, a)
	if err != nil {
		return fmt.Errorf("resolving recipients: %w", err)
	}
	if len(recipients) == 0 {
		b.logger.Warn().
			Str("tenant_id", a.TenantID).
			Str("alert_id", a.ID).
			Msg("no on-call recipients for alert")
		return nil
	}

	results, err := b.deliverer.Deliver(ctx, notify.Notification{
		AlertID:   a.ID,
		TenantID:  a.TenantID,
		MonitorID: a.MonitorID,
		Title:     a.Title,
		Message:   a.Message,
		Severity:  string(a.Severity),
		CreatedAt: a.CreatedAt,
	}, recipients)
	if err != nil {
		return fmt.Errorf("delivering notification: %w", err)
	}

	delivered := 0
	for _, r := range results {
		if r.Delivered {
			delivered++
		}
	}
	b.log.Record(ctx, integrationlog.Entry{
		TenantID:     a.TenantID,
		EventType:    integrationlog.TypeNotify,
		ResourceType: string(monitoring.KindAlert),
		ResourceID:   a.ID,
		Metadata: map[string]interface{}{
			"recipients": len(recipients),
			"delivered":  delivered,
		},
	})
	return nil
}

// recipients resolves who to notify: the on-call list of the alert's
// schedule, or of every schedule of the tenant when the alert names none.
func (b *Bridge) recipients(ctx context.Context, a *monitoring.Alert) ([]string, error) {
	var scheduleIDs []string
	if a.ScheduleID != "" {
		scheduleIDs = []string{a.ScheduleID}
	} else {
		schedules, err := b.repo.ListSchedules(ctx, monitoring.ScheduleFilter{TenantID: a.TenantID})
		if err != nil {
			return nil, err
		}
		for _, s := range schedules {
			scheduleIDs = append(scheduleIDs, s.ID)
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, id := range scheduleIDs {
		users, err := b.OnCall(ctx, id, b.now())
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out, nil
}
