package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opsbridge/opsbridge/internal/api/middleware"
	"github.com/opsbridge/opsbridge/internal/api/models"
	"github.com/opsbridge/opsbridge/internal/api/response"
	"github.com/opsbridge/opsbridge/internal/bridge"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// AlertHandler handles alert endpoints.
type AlertHandler struct {
	bridge *bridge.Bridge
}

// NewAlertHandler creates a new AlertHandler.
func NewAlertHandler(b *bridge.Bridge) *AlertHandler {
	return &AlertHandler{bridge: b}
}

// ListAlerts handles GET /v1/alerts. Supports monitorId and status filters.
func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := pageLimit(r)
	if err != nil {
		response.BadRequest(w, r, err.Error(), nil)
		return
	}

	q := r.URL.Query()
	filter := monitoring.AlertFilter{
		TenantID:  middleware.GetTenantID(r.Context()),
		MonitorID: q.Get("monitorId"),
	}
	for _, s := range q["status"] {
		status := monitoring.AlertStatus(s)
		switch status {
		case monitoring.AlertActive, monitoring.AlertAcknowledged, monitoring.AlertResolved:
			filter.Statuses = append(filter.Statuses, status)
		default:
			response.BadRequest(w, r, "unknown alert status", []models.FieldError{
				{Field: "status", Message: "must be active, acknowledged or resolved"},
			})
			return
		}
	}

	alerts, err := h.bridge.Repository().ListAlerts(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	items, meta := page(alerts, limit)
	response.JSON(w, r, http.StatusOK, models.PagedAlerts{Items: items, Meta: meta})
}

// CreateAlert handles POST /v1/alerts.
func (h *AlertHandler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAlertRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tenantID := middleware.GetTenantID(r.Context())
	if req.MonitorID != "" {
		m, err := h.bridge.GetMonitor(r.Context(), req.MonitorID)
		if err != nil || m.TenantID != tenantID {
			response.BadRequest(w, r, "unknown monitor", []models.FieldError{
				{Field: "monitorId", Message: "no such monitor"},
			})
			return
		}
	}

	a, err := h.bridge.CreateAlert(r.Context(), &monitoring.Alert{
		TenantID:   tenantID,
		MonitorID:  req.MonitorID,
		ScheduleID: req.ScheduleID,
		Title:      req.Title,
		Message:    req.Message,
		Severity:   req.Severity,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.Created(w, r, "/v1/alerts/"+a.ID, a)
}

// GetAlert handles GET /v1/alerts/{alertId}.
func (h *AlertHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	a, ok := h.load(w, r)
	if !ok {
		return
	}
	response.JSON(w, r, http.StatusOK, a)
}

// AcknowledgeAlert handles POST /v1/alerts/{alertId}/acknowledge.
func (h *AlertHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.bridge.AcknowledgeAlert)
}

// ResolveAlert handles POST /v1/alerts/{alertId}/resolve.
func (h *AlertHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.bridge.ResolveAlert)
}

type alertTransition func(ctx context.Context, id, by string) (*monitoring.Alert, error)

func (h *AlertHandler) transition(w http.ResponseWriter, r *http.Request, apply alertTransition) {
	cur, ok := h.load(w, r)
	if !ok {
		return
	}

	var req models.AlertActionRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	by := req.By
	if by == "" {
		by = middleware.GetSubject(r.Context())
	}

	a, err := apply(r.Context(), cur.ID, by)
	if err != nil {
		if errors.Is(err, monitoring.ErrInvalidTransition) {
			response.Conflict(w, r, "alert is already "+string(cur.Status))
			return
		}
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, a)
}

func (h *AlertHandler) load(w http.ResponseWriter, r *http.Request) (*monitoring.Alert, bool) {
	a, err := h.bridge.GetAlert(r.Context(), chi.URLParam(r, "alertId"))
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	if !ownedBy(w, r, a.TenantID) {
		return nil, false
	}
	return a, true
}
