package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsbridge/opsbridge/internal/api"
	"github.com/opsbridge/opsbridge/internal/api/handler"
	"github.com/opsbridge/opsbridge/internal/api/models"
	"github.com/opsbridge/opsbridge/internal/auth"
	"github.com/opsbridge/opsbridge/internal/bridge"
	"github.com/opsbridge/opsbridge/internal/featureflags"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
	"github.com/opsbridge/opsbridge/internal/provider/resilience"
)

// fakeUptime registers monitors and accepts check webhooks of the form
// {"id": "...", "tenant": "...", "status": "up"}.
type fakeUptime struct {
	mu      sync.Mutex
	next    int
	failing bool
}

func (f *fakeUptime) System() monitoring.System { return monitoring.SystemUptime }

func (f *fakeUptime) Supports(kind monitoring.Kind) bool { return kind == monitoring.KindMonitor }

func (f *fakeUptime) CreateRemote(context.Context, monitoring.Resource) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return "", errors.New("uptime unavailable")
	}
	f.next++
	return fmt.Sprintf("up_%d", f.next), nil
}

func (f *fakeUptime) UpdateRemote(context.Context, string, monitoring.Resource) error {
	return nil
}

func (f *fakeUptime) DeleteRemote(context.Context, monitoring.Kind, string) error {
	return nil
}

func (f *fakeUptime) DecodeWebhook(raw []byte) (*bridge.InboundChange, error) {
	var p struct {
		ID     string `json:"id"`
		Tenant string `json:"tenant"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrMalformedPayload, err)
	}
	return &bridge.InboundChange{
		Kind:       monitoring.KindMonitor,
		ExternalID: p.ID,
		TenantID:   p.Tenant,
		Resource: monitoring.MonitorResource(&monitoring.Monitor{
			Name:            "remote " + p.ID,
			URL:             "https://" + p.ID + ".example.com",
			IntervalSeconds: 60,
			Status:          monitoring.MonitorStatus(p.Status),
			ExternalIDs:     monitoring.ExternalIDs{monitoring.SystemUptime: p.ID},
		}),
		Action: bridge.ActionCheck,
	}, nil
}

type routerFixture struct {
	t       *testing.T
	router  http.Handler
	bridge  *bridge.Bridge
	uptime  *fakeUptime
	retry   *integrationlog.RetryQueue
	jwt     *auth.JWTService
	flags   *featureflags.Service
	secrets map[string]string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	logRepo := integrationlog.NewInMemoryRepository()
	log := integrationlog.NewLog(integrationlog.LogConfig{Repository: logRepo, Logger: zerolog.Nop()})
	retry := integrationlog.NewRetryQueue(integrationlog.RetryConfig{
		Repository:  logRepo,
		Log:         log,
		Logger:      zerolog.Nop(),
		MaxAttempts: 1,
	})
	flags := featureflags.NewService(featureflags.ServiceConfig{
		Repository: featureflags.NewInMemoryRepository(),
		Logger:     zerolog.Nop(),
	})

	uptime := &fakeUptime{}
	b, err := bridge.New(bridge.Config{
		Repository: monitoring.NewInMemoryRepository(),
		Log:        log,
		Logger:     zerolog.Nop(),
		Retry:      retry,
		Flags:      flags,
		Adapters:   []bridge.Adapter{uptime},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	jwt := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "https://bridge.example.com",
		Audience:   "opsbridge",
	})

	f := &routerFixture{
		t:       t,
		bridge:  b,
		uptime:  uptime,
		retry:   retry,
		jwt:     jwt,
		flags:   flags,
		secrets: map[string]string{},
	}
	f.router = api.NewRouter(api.RouterConfig{
		Version:        "test",
		BuildTime:      "2024-01-01T00:00:00Z",
		Logger:         zerolog.New(io.Discard),
		Tokens:         jwt,
		Bridge:         b,
		Log:            log,
		Retry:          retry,
		Flags:          flags,
		Registry:       resilience.NewRegistry(),
		WebhookSecrets: f.secrets,
	})
	return f
}

func (f *routerFixture) token(tenantID string, role auth.Role) string {
	f.t.Helper()
	token, _, err := f.jwt.GenerateToken(tenantID, "ops@example.com", role)
	require.NoError(f.t, err)
	return token
}

func (f *routerFixture) do(method, path, tenantID string, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(tenantID, auth.RoleOperator))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	f.bridge.Wait()
	return w
}

func (f *routerFixture) createMonitor(tenantID string) *monitoring.Monitor {
	f.t.Helper()
	w := f.do(http.MethodPost, "/v1/monitors", tenantID, models.CreateMonitorRequest{
		Name:            "checkout",
		URL:             "https://checkout.example.com/health",
		IntervalSeconds: 60,
		TimeoutSeconds:  10,
	})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())

	var m monitoring.Monitor
	require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), &m))
	return &m
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRouter_HealthCheck(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodGet, "/v1/ops/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	health := decode[models.Health](t, w)
	assert.Equal(t, models.HealthStatusOK, health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Empty(t, health.Checks)
}

func TestRouter_ReadinessCheck(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodGet, "/v1/ops/ready", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.HealthStatusOK, decode[models.Health](t, w).Status)
}

func TestRouter_BridgeStatus(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodGet, "/v1/ops/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/v1/ops/status", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[models.BridgeStatus](t, w)
	assert.Equal(t, models.HealthStatusOK, status.Status)
	assert.Empty(t, status.KillSwitches)
	assert.Empty(t, status.Systems)
}

func TestRouter_BridgeStatus_ReportsKillSwitches(t *testing.T) {
	f := newRouterFixture(t)
	_, err := f.flags.Apply(context.Background(), featureflags.Change{
		Updates: []featureflags.FlagUpdate{{Key: featureflags.FlagSyncUptimeDisabled, Value: true}},
		Reason:  "vendor maintenance",
	})
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/v1/ops/status", "t1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	status := decode[models.BridgeStatus](t, w)
	assert.Equal(t, models.HealthStatusDegraded, status.Status)
	assert.Equal(t, []string{featureflags.FlagSyncUptimeDisabled}, status.KillSwitches)
}

func TestRouter_SubscriberTokenCannotOperate(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/monitors", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+f.token("t1", auth.RoleSubscriber))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRouter_MonitorLifecycle(t *testing.T) {
	f := newRouterFixture(t)

	m := f.createMonitor("t1")
	assert.Equal(t, "t1", m.TenantID)

	w := f.do(http.MethodGet, "/v1/monitors/"+m.ID, "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stored := decode[monitoring.Monitor](t, w)
	assert.Equal(t, "up_1", stored.ExternalIDs.Get(monitoring.SystemUptime))

	name := "checkout v2"
	w = f.do(http.MethodPatch, "/v1/monitors/"+m.ID, "t1", bridge.MonitorPatch{Name: &name})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, name, decode[monitoring.Monitor](t, w).Name)

	w = f.do(http.MethodGet, "/v1/monitors", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[models.PagedMonitors](t, w).Items, 1)

	w = f.do(http.MethodDelete, "/v1/monitors/"+m.ID, "t1", nil)
	assert.Contains(t, []int{http.StatusAccepted, http.StatusNoContent}, w.Code)

	w = f.do(http.MethodGet, "/v1/monitors/"+m.ID, "t1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_MonitorValidation(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodPost, "/v1/monitors", "t1", models.CreateMonitorRequest{
		Name:            "bad",
		URL:             "https://x.example.com",
		IntervalSeconds: 30,
		TimeoutSeconds:  30,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	w = f.do(http.MethodPost, "/v1/monitors", "t1", map[string]interface{}{"unknown": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_TenantIsolation(t *testing.T) {
	f := newRouterFixture(t)
	m := f.createMonitor("t1")

	w := f.do(http.MethodGet, "/v1/monitors/"+m.ID, "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodDelete, "/v1/monitors/"+m.ID, "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/v1/monitors", "t2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[models.PagedMonitors](t, w).Items)
}

func TestRouter_AlertLifecycle(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodPost, "/v1/alerts", "t1", models.CreateAlertRequest{Title: "checkout down"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	a := decode[monitoring.Alert](t, w)
	assert.Equal(t, monitoring.AlertActive, a.Status)

	w = f.do(http.MethodPost, "/v1/incidents", "t1", models.CreateIncidentRequest{
		Title:    "checkout outage",
		AlertIDs: []string{a.ID},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inc := decode[monitoring.Incident](t, w)

	w = f.do(http.MethodPost, "/v1/alerts/"+a.ID+"/acknowledge", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	acked := decode[monitoring.Alert](t, w)
	assert.Equal(t, monitoring.AlertAcknowledged, acked.Status)
	assert.Equal(t, "ops@example.com", acked.AcknowledgedBy)

	w = f.do(http.MethodPost, "/v1/alerts/"+a.ID+"/resolve", "t1", models.AlertActionRequest{By: "oncall"})
	require.Equal(t, http.StatusOK, w.Code)
	resolved := decode[monitoring.Alert](t, w)
	assert.Equal(t, monitoring.AlertResolved, resolved.Status)
	assert.Equal(t, "oncall", resolved.ResolvedBy)

	w = f.do(http.MethodPost, "/v1/alerts/"+a.ID+"/acknowledge", "t1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodGet, "/v1/incidents/"+inc.ID, "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, monitoring.IncidentResolved, decode[monitoring.Incident](t, w).Status)

	w = f.do(http.MethodGet, "/v1/alerts?status=resolved", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[models.PagedAlerts](t, w).Items, 1)

	w = f.do(http.MethodGet, "/v1/alerts?status=sleeping", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_IncidentStatus(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodPost, "/v1/incidents", "t1", models.CreateIncidentRequest{Title: "degraded search"})
	require.Equal(t, http.StatusCreated, w.Code)
	inc := decode[monitoring.Incident](t, w)

	w = f.do(http.MethodPatch, "/v1/incidents/"+inc.ID, "t1", models.UpdateIncidentRequest{Status: monitoring.IncidentIdentified})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, monitoring.IncidentIdentified, decode[monitoring.Incident](t, w).Status)

	w = f.do(http.MethodPatch, "/v1/incidents/"+inc.ID, "t1", models.UpdateIncidentRequest{Status: "exploded"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/v1/incidents?open=true", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[models.PagedIncidents](t, w).Items, 1)
}

func TestRouter_ScheduleOnCall(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodPost, "/v1/schedules", "t1", models.ScheduleRequest{
		Name:         "payments primary",
		Service:      "payments",
		Participants: []string{"alice", "bob"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	s := decode[monitoring.Schedule](t, w)
	assert.Equal(t, "UTC", s.Timezone)

	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	w = f.do(http.MethodPost, "/v1/schedules/"+s.ID+"/overrides", "t1", models.CreateOverrideRequest{
		User:     "carol",
		StartsAt: models.Timestamp(start),
		EndsAt:   models.Timestamp(start.Add(24 * time.Hour)),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(http.MethodGet, "/v1/schedules/"+s.ID+"/on-call?at=2030-01-01T12:00:00Z", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"carol"}, decode[models.OnCallResponse](t, w).Users)

	w = f.do(http.MethodGet, "/v1/schedules/"+s.ID+"/on-call?at=yesterday", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/v1/schedules/"+s.ID+"/overrides", "t1", models.CreateOverrideRequest{
		User:     "dave",
		StartsAt: models.Timestamp(start),
		EndsAt:   models.Timestamp(start),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/v1/schedules/"+s.ID, "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_Webhook_FirstSeenMonitor(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodPost, "/v1/webhooks/uptime", "", map[string]string{
		"id": "up_99", "tenant": "t1", "status": "down",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	result := decode[bridge.IngestResult](t, w)
	assert.Equal(t, bridge.OutcomeCreated, result.Outcome)

	w = f.do(http.MethodGet, "/v1/monitors/"+result.ResourceID, "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[monitoring.Monitor](t, w)
	assert.Equal(t, monitoring.MonitorDown, m.Status)
	assert.Equal(t, "up_99", m.ExternalIDs.Get(monitoring.SystemUptime))
}

func TestRouter_ServesRegisteredWebhookURL(t *testing.T) {
	f := newRouterFixture(t)

	for _, base := range []string{"https://bridge.example.com", "https://bridge.example.com/"} {
		t.Run(base, func(t *testing.T) {
			callback, err := url.Parse(bridge.WebhookURL(base, monitoring.SystemUptime))
			require.NoError(t, err)
			assert.Equal(t, "/v1/webhooks/uptime", callback.Path)

			req := httptest.NewRequest(http.MethodPost, callback.Path, strings.NewReader(`{"id":"up_7","tenant":"t1","status":"up"}`))
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)
			f.bridge.Wait()

			assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		})
	}
}

func TestRouter_Webhook_DropsMalformedPayload(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/uptime", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, bridge.OutcomeDropped, decode[bridge.IngestResult](t, w).Outcome)
}

func TestRouter_Webhook_UnknownSystem(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodPost, "/v1/webhooks/pager", "", map[string]string{"id": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_Webhook_Secret(t *testing.T) {
	f := newRouterFixture(t)
	f.secrets["uptime"] = "s3cret"

	body := `{"id":"up_5","tenant":"t1","status":"up"}`

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/uptime", strings.NewReader(body))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/uptime", strings.NewReader(body))
	req.Header.Set(handler.WebhookSecretHeader, "s3cret")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	f.bridge.Wait()
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRouter_IntegrationLogAndBindings(t *testing.T) {
	f := newRouterFixture(t)
	m := f.createMonitor("t1")

	w := f.do(http.MethodGet, "/v1/integration/log?resourceId="+m.ID, "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[models.PagedLogEntries](t, w)
	require.NotEmpty(t, entries.Items)
	for _, e := range entries.Items {
		assert.Equal(t, "t1", e.TenantID)
	}

	w = f.do(http.MethodGet, "/v1/integration/log?limit=1", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	paged := decode[models.PagedLogEntries](t, w)
	require.Len(t, paged.Items, 1)
	require.NotNil(t, paged.Meta.NextCursor)

	w = f.do(http.MethodGet, "/v1/integration/log?cursor=abc", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/v1/integration/bindings", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode[models.BindingsResponse](t, w).Bindings)
}

func TestRouter_DeadLetterRequeue(t *testing.T) {
	f := newRouterFixture(t)
	f.uptime.failing = true
	f.createMonitor("t1")

	w := f.do(http.MethodGet, "/v1/integration/dead-letters", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	dead := decode[models.PagedSyncErrors](t, w)
	require.Len(t, dead.Items, 1)
	id := dead.Items[0].ID

	w = f.do(http.MethodPost, "/v1/integration/dead-letters/"+id+"/requeue", "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/v1/integration/dead-letters/"+id+"/requeue", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, integrationlog.StatusPending, decode[integrationlog.SyncError](t, w).Status)

	w = f.do(http.MethodPost, "/v1/integration/dead-letters/"+id+"/requeue", "t1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRouter_ReconcileNotConfigured(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodPost, "/v1/ops/reconcile", "t1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_FeatureFlags(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodPut, "/v1/admin/feature-flags", "t1", featureflags.FlagUpdateRequest{
		Updates: []featureflags.FlagUpdate{{Key: featureflags.FlagReconcileDisabled, Value: true}},
		Reason:  "maintenance window",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, f.flags.IsReconcileDisabled(context.Background()))

	w = f.do(http.MethodPut, "/v1/admin/feature-flags", "t1", featureflags.FlagUpdateRequest{
		Updates: []featureflags.FlagUpdate{{Key: featureflags.FlagReconcileDisabled, Value: false}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, "/v1/admin/feature-flags", "t1", featureflags.FlagUpdateRequest{
		Updates: []featureflags.FlagUpdate{{Key: "turbo_mode", Value: true}},
		Reason:  "testing",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/v1/admin/feature-flags", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Flags []featureflags.Flag `json:"flags"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	for _, flag := range listed.Flags {
		if flag.Key == featureflags.FlagReconcileDisabled {
			assert.Equal(t, true, flag.Value)
			assert.Equal(t, "maintenance window", flag.Reason)
			assert.Equal(t, "ops@example.com", flag.UpdatedBy)
		}
	}

	w = f.do(http.MethodDelete, "/v1/admin/feature-flags/"+featureflags.FlagReconcileDisabled, "t1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, f.flags.IsReconcileDisabled(context.Background()))

	w = f.do(http.MethodDelete, "/v1/admin/feature-flags/turbo_mode", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/v1/admin/feature-flags/invalidate", "t1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodGet, "/v1/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestRouter_RejectsNonJSONWrites(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/monitors", strings.NewReader("name=checkout"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+f.token("t1", auth.RoleOperator))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}
