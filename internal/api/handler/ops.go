package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/opsbridge/opsbridge/internal/api/middleware"
	"github.com/opsbridge/opsbridge/internal/api/models"
	"github.com/opsbridge/opsbridge/internal/api/response"
	"github.com/opsbridge/opsbridge/internal/provider/resilience"
)

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthSource reports the health of every external system client.
type HealthSource interface {
	All() []*resilience.Health
}

// FlagReader reports which kill switches are set.
type FlagReader interface {
	ActiveKillSwitches(ctx context.Context) []string
}

// SubscriberCounter counts live stream subscribers of a tenant.
type SubscriberCounter interface {
	Count(tenantID string) int
}

// OpsConfig holds the dependencies of OpsHandler. Every dependency is optional.
type OpsConfig struct {
	Version     string
	BuildTime   string
	Database    Pinger
	Providers   HealthSource
	Flags       FlagReader
	Subscribers SubscriberCounter
	DeadLetters DeadLetterQueue
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	cfg OpsConfig
	now func() time.Time
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	return &OpsHandler{cfg: cfg, now: time.Now}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status:    models.HealthStatusOK,
		Time:      models.Timestamp(h.now()),
		Version:   h.cfg.Version,
		BuildTime: h.cfg.BuildTime,
	})
}

// ReadinessCheck handles GET /v1/ops/ready - the bridge is ready once its
// database answers.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.now()),
	}

	if h.cfg.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.cfg.Database.Ping(ctx); err != nil {
			health.Status = models.HealthStatusFail
			health.Checks = map[string]string{"database": err.Error()}
			response.JSON(w, r, http.StatusServiceUnavailable, health)
			return
		}
	}
	response.JSON(w, r, http.StatusOK, health)
}

// BridgeStatus handles GET /v1/ops/status - components, external systems and
// kill switches as seen by the caller's tenant.
func (h *OpsHandler) BridgeStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	status := models.BridgeStatus{
		Status:     models.HealthStatusOK,
		Time:       models.Timestamp(h.now()),
		Components: []models.ComponentStatus{},
		Systems:    []models.ExternalSystemStatus{},
	}

	if h.cfg.Database != nil {
		c := models.ComponentStatus{Name: "postgres", Status: models.HealthStatusOK}
		if err := h.cfg.Database.Ping(ctx); err != nil {
			c.Status = models.HealthStatusFail
			c.Detail = err.Error()
		}
		status.Add(c)
	}

	if h.cfg.DeadLetters != nil {
		c := models.ComponentStatus{Name: "retry_queue", Status: models.HealthStatusOK}
		dead, err := h.cfg.DeadLetters.DeadLetters(ctx, tenantID)
		switch {
		case err != nil:
			c.Status = models.HealthStatusFail
			c.Detail = err.Error()
		case len(dead) > 0:
			c.Status = models.HealthStatusDegraded
			c.Detail = fmt.Sprintf("%d dead-lettered", len(dead))
		}
		status.Add(c)
	}

	if h.cfg.Subscribers != nil {
		status.Add(models.ComponentStatus{
			Name:   "stream",
			Status: models.HealthStatusOK,
			Detail: fmt.Sprintf("%d subscribers", h.cfg.Subscribers.Count(tenantID)),
		})
	}

	if h.cfg.Providers != nil {
		for _, p := range h.cfg.Providers.All() {
			status.AddSystem(systemStatus(p))
		}
	}

	if h.cfg.Flags != nil {
		status.SetKillSwitches(h.cfg.Flags.ActiveKillSwitches(ctx))
	}

	response.JSON(w, r, http.StatusOK, status)
}

func systemStatus(p *resilience.Health) models.ExternalSystemStatus {
	s := models.ExternalSystemStatus{
		System:         p.Name,
		Status:         models.HealthStatusOK,
		Circuit:        p.State,
		Requests:       p.Counts.Requests,
		Failures:       p.Counts.TotalFailures,
		StateChangedAt: models.TimestampPtr(p.StateChangedAt),
		LastSuccessAt:  models.TimestampPtr(p.LastSuccessAt),
		LastFailureAt:  models.TimestampPtr(p.LastFailureAt),
		LastError:      p.LastError,
	}
	switch {
	case p.IsUnhealthy():
		s.Status = models.HealthStatusFail
	case p.IsDegraded():
		s.Status = models.HealthStatusDegraded
	}
	return s
}
