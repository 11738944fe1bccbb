package bridge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsbridge/opsbridge/internal/bridge"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// bothHandleMonitors makes the escalation fake handle monitors too.
func bothHandleMonitors(h *harness) {
	h.escalation.kinds[monitoring.KindMonitor] = true
}

func TestOutbound_PartialFailureIsIsolated(t *testing.T) {
	h := newHarness(t, bothHandleMonitors)
	h.escalation.fail("create", errRemoteDown)

	out, err := h.bridge.CreateMonitor(h.ctx, testMonitor())
	require.NoError(t, err, "local write succeeds regardless of sync")
	h.wait()

	m, err := h.repo.GetMonitor(h.ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, "uptime_1", m.ExternalIDs.Get(monitoring.SystemUptime))
	assert.Empty(t, m.ExternalIDs.Get(monitoring.SystemEscalation))

	pending := h.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "escalation", pending[0].System)
	assert.Equal(t, integrationlog.OpCreate, pending[0].Operation)
	assert.Equal(t, m.ID, pending[0].ResourceID)
	assert.Equal(t, "monitor", pending[0].ResourceType)
	assert.Contains(t, pending[0].Error, "Service Unavailable")
	assert.NotEmpty(t, pending[0].EventData)

	entries, err := h.log.Entries(h.ctx, integrationlog.EntryFilter{EventType: integrationlog.TypeSyncError})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "escalation", entries[0].System)
}

func TestOutbound_UpdatePushesLinkedMonitor(t *testing.T) {
	h := newHarness(t)
	m := h.createMonitor(testMonitor())

	name := "checkout api v2"
	_, err := h.bridge.UpdateMonitor(h.ctx, m.ID, bridge.MonitorPatch{Name: &name})
	require.NoError(t, err)
	h.wait()

	assert.Equal(t, []string{"create:monitor", "update:monitor"}, h.uptime.Calls())
	remote, ok := h.uptime.Remote("uptime_1")
	require.True(t, ok)
	assert.Equal(t, name, remote.Monitor.Name)
}

func TestOutbound_UnchangedUpdateIsNotPushed(t *testing.T) {
	h := newHarness(t)
	m := h.createMonitor(testMonitor())

	_, err := h.bridge.UpdateMonitor(h.ctx, m.ID, bridge.MonitorPatch{IntervalSeconds: intPtr(60)})
	require.NoError(t, err)
	h.wait()

	assert.Equal(t, []string{"create:monitor"}, h.uptime.Calls())
}

func TestOutbound_SyncDisabledSkipsSystem(t *testing.T) {
	h := newHarness(t)
	h.flags.disabled["uptime"] = true

	out, err := h.bridge.CreateMonitor(h.ctx, testMonitor())
	require.NoError(t, err)
	h.wait()

	assert.Empty(t, h.uptime.Calls())
	assert.Empty(t, h.pending())
	m, err := h.repo.GetMonitor(h.ctx, out.ID)
	require.NoError(t, err)
	assert.False(t, m.ExternalIDs.Any())
}

func TestOutbound_UnknownTenantNeverLeaves(t *testing.T) {
	h := newHarness(t)

	_, err := h.bridge.CreateMonitor(h.ctx, &monitoring.Monitor{URL: "https://x.example.com", IntervalSeconds: 60})
	assert.ErrorIs(t, err, bridge.ErrInvalidInput)
	h.wait()
	assert.Empty(t, h.uptime.Calls())
}

func TestDeleteMonitor_UnlinkedIsRemovedAtOnce(t *testing.T) {
	h := newHarness(t)
	h.uptime.fail("create", errRemoteDown)
	m := h.createMonitor(testMonitor())
	require.False(t, m.ExternalIDs.Any())

	require.NoError(t, h.bridge.DeleteMonitor(h.ctx, m.ID))
	h.wait()

	_, err := h.repo.GetMonitor(h.ctx, m.ID)
	assert.ErrorIs(t, err, monitoring.ErrNotFound)
}

func TestDeleteMonitor_DeregistersThenRemoves(t *testing.T) {
	h := newHarness(t)
	m := h.createMonitor(testMonitor())
	require.Equal(t, 1, h.uptime.RemoteCount())

	require.NoError(t, h.bridge.DeleteMonitor(h.ctx, m.ID))
	h.wait()

	_, err := h.repo.GetMonitor(h.ctx, m.ID)
	assert.ErrorIs(t, err, monitoring.ErrNotFound)
	assert.Equal(t, 0, h.uptime.RemoteCount())
	assert.Equal(t, []string{"create:monitor", "delete:monitor"}, h.uptime.Calls())
	assert.Empty(t, h.pending(), "a completed deregistration leaves nothing to retry")
}

func TestDeleteMonitor_FailedDeregistrationIsRetried(t *testing.T) {
	h := newHarness(t)
	m := h.createMonitor(testMonitor())
	h.uptime.fail("delete", errRemoteDown)

	require.NoError(t, h.bridge.DeleteMonitor(h.ctx, m.ID))
	h.wait()

	stored, err := h.repo.GetMonitor(h.ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.PendingDeletion)
	assert.Equal(t, "uptime_1", stored.ExternalIDs.Get(monitoring.SystemUptime))

	_, err = h.bridge.UpdateMonitor(h.ctx, m.ID, bridge.MonitorPatch{IntervalSeconds: intPtr(30)})
	assert.ErrorIs(t, err, bridge.ErrInvalidInput, "pending deletion blocks edits")

	pending := h.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, integrationlog.OpDelete, pending[0].Operation)
	assert.Equal(t, "uptime_1", pending[0].ExternalID)

	h.uptime.fail("delete", nil)
	require.NoError(t, h.bridge.Replay(h.ctx, pending[0]))
	h.wait()

	_, err = h.repo.GetMonitor(h.ctx, m.ID)
	assert.ErrorIs(t, err, monitoring.ErrNotFound)
	assert.Equal(t, 0, h.uptime.RemoteCount())
	assert.Len(t, h.pending(), 1, "only the original delete failure was queued")
}

func TestReplay_CreatesAndLinks(t *testing.T) {
	h := newHarness(t)
	h.uptime.fail("create", errRemoteDown)
	m := h.createMonitor(testMonitor())

	pending := h.pending()
	require.Len(t, pending, 1)

	// Still failing: the error goes back to the caller.
	err := h.bridge.Replay(h.ctx, pending[0])
	assert.ErrorIs(t, err, errRemoteDown)

	h.uptime.fail("create", nil)
	require.NoError(t, h.bridge.Replay(h.ctx, pending[0]))
	h.wait()

	stored, err := h.repo.GetMonitor(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "uptime_1", stored.ExternalIDs.Get(monitoring.SystemUptime))

	// A second replay of the same item finds the link and pushes an update.
	require.NoError(t, h.bridge.Replay(h.ctx, pending[0]))
	h.wait()
	assert.Equal(t, 1, h.uptime.RemoteCount())
}

func TestReplay_StoresLinkWhenCreateSucceededRemotely(t *testing.T) {
	h := newHarness(t)
	h.uptime.fail("create", errRemoteDown)
	m := h.createMonitor(testMonitor())

	item := h.pending()[0]
	item.ExternalID = "uptime_remote_9"
	require.NoError(t, h.bridge.Replay(h.ctx, item))
	h.wait()

	stored, err := h.repo.GetMonitor(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "uptime_remote_9", stored.ExternalIDs.Get(monitoring.SystemUptime))
}

func TestOutbound_IncompleteCreateLinksAndQueuesUpdate(t *testing.T) {
	h := newHarness(t)
	h.escalation.fail("create.followup", errRemoteDown)

	a, err := h.bridge.CreateAlert(h.ctx, &monitoring.Alert{TenantID: "t1", Title: "disk full", Severity: monitoring.SeverityCritical})
	require.NoError(t, err)
	h.wait()

	stored, err := h.repo.GetAlert(h.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "escalation_1", stored.ExternalIDs.Get(monitoring.SystemEscalation))

	pending := h.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, integrationlog.OpUpdate, pending[0].Operation)
	assert.Equal(t, "escalation_1", pending[0].ExternalID)

	h.escalation.fail("create.followup", nil)
	require.NoError(t, h.bridge.Replay(h.ctx, pending[0]))
	h.wait()
	assert.Equal(t, []string{"create:alert", "update:alert"}, h.escalation.Calls())
}

func TestReplay_DeletedEntity(t *testing.T) {
	h := newHarness(t)
	h.uptime.fail("create", errRemoteDown)
	m := h.createMonitor(testMonitor())
	item := h.pending()[0]

	require.NoError(t, h.bridge.DeleteMonitor(h.ctx, m.ID))
	h.wait()

	h.uptime.fail("create", nil)
	require.NoError(t, h.bridge.Replay(h.ctx, item))
	assert.Equal(t, 0, h.uptime.RemoteCount(), "nothing left to create")
}

func TestReplay_UnknownSystem(t *testing.T) {
	h := newHarness(t)
	err := h.bridge.Replay(h.ctx, &integrationlog.SyncError{System: "pager", ResourceType: "monitor", ResourceID: "m1"})
	assert.ErrorIs(t, err, bridge.ErrUnknownSystem)
}
