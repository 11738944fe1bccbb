package bridge_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsbridge/opsbridge/internal/bridge"
	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

func TestCreateMonitor_Validation(t *testing.T) {
	tests := []struct {
		name    string
		monitor *monitoring.Monitor
	}{
		{name: "missing tenant", monitor: &monitoring.Monitor{URL: "https://a.example.com", IntervalSeconds: 60}},
		{name: "missing url", monitor: &monitoring.Monitor{TenantID: "t1", IntervalSeconds: 60}},
		{name: "zero interval", monitor: &monitoring.Monitor{TenantID: "t1", URL: "https://a.example.com"}},
		{name: "timeout not below interval", monitor: &monitoring.Monitor{TenantID: "t1", URL: "https://a.example.com", IntervalSeconds: 30, TimeoutSeconds: 30}},
	}

	h := newHarness(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.bridge.CreateMonitor(h.ctx, tt.monitor)
			assert.ErrorIs(t, err, bridge.ErrInvalidInput)
		})
	}
	assert.Equal(t, int64(0), h.repo.Writes())
}

func TestAlertLifecycle_LocalTransitions(t *testing.T) {
	h := newHarness(t)
	a := createLinkedAlert(t, h)

	acked, err := h.bridge.AcknowledgeAlert(h.ctx, a.ID, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, monitoring.AlertAcknowledged, acked.Status)
	assert.Equal(t, "bob@example.com", acked.AcknowledgedBy)
	h.wait()

	resolved, err := h.bridge.ResolveAlert(h.ctx, a.ID, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, monitoring.AlertResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = h.bridge.AcknowledgeAlert(h.ctx, a.ID, "bob@example.com")
	assert.ErrorIs(t, err, monitoring.ErrInvalidTransition)
	h.wait()

	assert.Equal(t, []string{"create:alert", "update:alert", "update:alert"}, h.escalation.Calls())
	remote, ok := h.escalation.Remote(a.ExternalIDs.Get(monitoring.SystemEscalation))
	require.True(t, ok)
	assert.Equal(t, monitoring.AlertResolved, remote.Alert.Status)
}

func TestIncident_ResolvesWithLastAlert(t *testing.T) {
	h := newHarness(t)
	a1 := createLinkedAlert(t, h)
	a2 := createLinkedAlert(t, h)

	inc, err := h.bridge.CreateIncident(h.ctx, &monitoring.Incident{
		TenantID: "t1",
		Title:    "checkout degraded",
		AlertIDs: []string{a1.ID, a2.ID},
		Public:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, monitoring.IncidentOpen, inc.Status)

	_, err = h.bridge.ResolveAlert(h.ctx, a1.ID, "ops")
	require.NoError(t, err)
	h.wait()
	stored, err := h.repo.GetIncident(h.ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, monitoring.IncidentOpen, stored.Status)

	// The second alert is resolved by the external system.
	h.ingest(monitoring.SystemEscalation, alertPayload(
		a2.ExternalIDs.Get(monitoring.SystemEscalation), bridge.ActionResolved, monitoring.AlertResolved, t0.Add(time.Hour)))

	stored, err = h.repo.GetIncident(h.ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, monitoring.IncidentResolved, stored.Status)
	assert.NotNil(t, stored.ResolvedAt)
	assert.Contains(t, h.broadcasts.EventTypes("t1"), string(events.IncidentResolved))
}

func TestCreateIncident_RejectsForeignAlert(t *testing.T) {
	h := newHarness(t)
	foreign, err := h.bridge.CreateAlert(h.ctx, &monitoring.Alert{TenantID: "t2", Title: "other tenant"})
	require.NoError(t, err)

	_, err = h.bridge.CreateIncident(h.ctx, &monitoring.Incident{
		TenantID: "t1",
		Title:    "mine",
		AlertIDs: []string{foreign.ID},
	})
	assert.ErrorIs(t, err, bridge.ErrInvalidInput)
}

func TestUpdateIncidentStatus(t *testing.T) {
	h := newHarness(t)
	inc, err := h.bridge.CreateIncident(h.ctx, &monitoring.Incident{TenantID: "t1", Title: "api latency"})
	require.NoError(t, err)

	out, err := h.bridge.UpdateIncidentStatus(h.ctx, inc.ID, monitoring.IncidentIdentified)
	require.NoError(t, err)
	assert.Equal(t, monitoring.IncidentIdentified, out.Status)
	assert.Nil(t, out.ResolvedAt)

	_, err = h.bridge.UpdateIncidentStatus(h.ctx, inc.ID, "exploded")
	assert.ErrorIs(t, err, bridge.ErrInvalidInput)
}

func weeklySchedule(participants ...string) *monitoring.Schedule {
	return &monitoring.Schedule{
		TenantID:     "t1",
		Name:         "primary",
		Service:      "checkout",
		Timezone:     "Europe/Amsterdam",
		Participants: participants,
		CreatedAt:    t0,
	}
}

func TestOnCall_WeeklyRotation(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.Adapters = []bridge.Adapter{h.uptime}
	})
	s, err := h.bridge.UpsertSchedule(h.ctx, weeklySchedule("ann", "ben", "cat"))
	require.NoError(t, err)

	tests := []struct {
		at   time.Time
		want string
	}{
		{at: t0.Add(-time.Hour), want: "ann"},
		{at: t0.Add(time.Hour), want: "ann"},
		{at: t0.Add(8 * 24 * time.Hour), want: "ben"},
		{at: t0.Add(15 * 24 * time.Hour), want: "cat"},
		{at: t0.Add(22 * 24 * time.Hour), want: "ann"},
	}
	for _, tt := range tests {
		users, err := h.bridge.OnCall(h.ctx, s.ID, tt.at)
		require.NoError(t, err)
		assert.Equal(t, []string{tt.want}, users, "at %s", tt.at)
	}
}

func TestOnCall_OverrideWins(t *testing.T) {
	h := newHarness(t)
	s, err := h.bridge.UpsertSchedule(h.ctx, weeklySchedule("ann", "ben"))
	require.NoError(t, err)
	h.wait()

	o, err := h.bridge.CreateOverride(h.ctx, &monitoring.Override{
		ScheduleID: s.ID,
		User:       "dan",
		StartsAt:   t0.Add(time.Hour),
		EndsAt:     t0.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", o.TenantID)
	h.wait()

	users, err := h.bridge.OnCall(h.ctx, s.ID, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"dan"}, users)

	users, err = h.bridge.OnCall(h.ctx, s.ID, t0.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"ann"}, users)

	assert.Contains(t, h.broadcasts.EventTypes("t1"), string(events.OverrideCreated))

	_, err = h.bridge.CreateOverride(h.ctx, &monitoring.Override{ScheduleID: s.ID, User: "eve", StartsAt: t0, EndsAt: t0})
	assert.ErrorIs(t, err, bridge.ErrInvalidInput)
}

func TestOnCall_UsesRemoteList(t *testing.T) {
	h := newHarness(t)
	s, err := h.bridge.UpsertSchedule(h.ctx, weeklySchedule("ann"))
	require.NoError(t, err)
	h.wait()

	stored, err := h.repo.GetSchedule(h.ctx, s.ID)
	require.NoError(t, err)
	extID := stored.ExternalIDs.Get(monitoring.SystemEscalation)
	require.NotEmpty(t, extID)

	h.escalation.mu.Lock()
	h.escalation.onCall[extID] = []string{"remote-zoe"}
	h.escalation.mu.Unlock()

	users, err := h.bridge.OnCall(h.ctx, s.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"remote-zoe"}, users)

	h.escalation.fail("oncall", errRemoteDown)
	users, err = h.bridge.OnCall(h.ctx, s.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ann"}, users, "falls back to the local rotation")
}

func TestUpsertSchedule(t *testing.T) {
	h := newHarness(t)

	_, err := h.bridge.UpsertSchedule(h.ctx, &monitoring.Schedule{TenantID: "t1", Name: "x", Timezone: "Mars/Olympus"})
	assert.ErrorIs(t, err, bridge.ErrInvalidInput)

	s, err := h.bridge.UpsertSchedule(h.ctx, weeklySchedule("ann"))
	require.NoError(t, err)
	h.wait()

	next := weeklySchedule("ann", "ben")
	next.ID = s.ID
	updated, err := h.bridge.UpsertSchedule(h.ctx, next)
	require.NoError(t, err)
	h.wait()

	assert.Equal(t, []string{"ann", "ben"}, updated.Participants)
	assert.NotEmpty(t, updated.ExternalIDs.Get(monitoring.SystemEscalation), "external ids survive an upsert")
	assert.Equal(t, []string{"create:schedule", "update:schedule"}, h.escalation.Calls())

	foreign := weeklySchedule("ann")
	foreign.ID = s.ID
	foreign.TenantID = "t2"
	_, err = h.bridge.UpsertSchedule(h.ctx, foreign)
	assert.ErrorIs(t, err, bridge.ErrInvalidInput)
}

func TestNotify_AlertGoesToOnCall(t *testing.T) {
	h := newHarness(t)
	s, err := h.bridge.UpsertSchedule(h.ctx, weeklySchedule("ann", "ben"))
	require.NoError(t, err)
	h.wait()

	_, err = h.bridge.CreateAlert(h.ctx, &monitoring.Alert{
		TenantID:   "t1",
		Title:      "payment errors",
		ScheduleID: s.ID,
		Severity:   monitoring.SeverityCritical,
	})
	require.NoError(t, err)
	h.wait()

	require.Len(t, h.deliveries.Recipients(), 1)
	assert.Equal(t, []string{"ann"}, h.deliveries.Recipients()[0])

	entries, err := h.log.Entries(h.ctx, integrationlog.EntryFilter{EventType: integrationlog.TypeNotify})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 1, entries[0].Metadata["delivered"])
}

func TestNotify_Disabled(t *testing.T) {
	h := newHarness(t)
	h.flags.notifications = true
	_, err := h.bridge.UpsertSchedule(h.ctx, weeklySchedule("ann"))
	require.NoError(t, err)

	_, err = h.bridge.CreateAlert(h.ctx, &monitoring.Alert{TenantID: "t1", Title: "quiet"})
	require.NoError(t, err)
	h.wait()

	assert.Empty(t, h.deliveries.Recipients())
}

func TestWebhooks_RegisterAndDeregister(t *testing.T) {
	h := newHarness(t)
	h.escalation.fail("webhook.register", errRemoteDown)

	h.bridge.RegisterWebhooks(h.ctx, "https://bridge.example.com/")
	assert.Equal(t, map[string]string{"uptime": "hook_uptime"}, h.bridge.Webhooks())

	h.uptime.mu.Lock()
	assert.Equal(t, "https://bridge.example.com/v1/webhooks/uptime", h.uptime.hooks["hook_uptime"])
	h.uptime.mu.Unlock()

	entries, err := h.log.Entries(h.ctx, integrationlog.EntryFilter{EventType: integrationlog.TypeWebhookRegister})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	h.bridge.DeregisterWebhooks(h.ctx)
	assert.Empty(t, h.bridge.Webhooks())
	assert.Contains(t, h.uptime.Calls(), "webhook.deregister:")
	assert.NotContains(t, h.escalation.Calls(), "webhook.deregister:")
}
