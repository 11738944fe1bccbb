package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opsbridge/opsbridge/internal/api/middleware"
	"github.com/opsbridge/opsbridge/internal/api/models"
	"github.com/opsbridge/opsbridge/internal/api/response"
	"github.com/opsbridge/opsbridge/internal/bridge"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// MonitorHandler handles monitor endpoints.
type MonitorHandler struct {
	bridge *bridge.Bridge
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(b *bridge.Bridge) *MonitorHandler {
	return &MonitorHandler{bridge: b}
}

// ListMonitors handles GET /v1/monitors.
func (h *MonitorHandler) ListMonitors(w http.ResponseWriter, r *http.Request) {
	limit, err := pageLimit(r)
	if err != nil {
		response.BadRequest(w, r, err.Error(), nil)
		return
	}

	monitors, err := h.bridge.Repository().ListMonitors(r.Context(), monitoring.MonitorFilter{
		TenantID: middleware.GetTenantID(r.Context()),
		Linked:   r.URL.Query().Get("linked") == "true",
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	items, meta := page(monitors, limit)
	response.JSON(w, r, http.StatusOK, models.PagedMonitors{Items: items, Meta: meta})
}

// CreateMonitor handles POST /v1/monitors.
func (h *MonitorHandler) CreateMonitor(w http.ResponseWriter, r *http.Request) {
	var req models.CreateMonitorRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	m, err := h.bridge.CreateMonitor(r.Context(), &monitoring.Monitor{
		TenantID:        middleware.GetTenantID(r.Context()),
		Name:            req.Name,
		URL:             req.URL,
		IntervalSeconds: req.IntervalSeconds,
		TimeoutSeconds:  req.TimeoutSeconds,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.Created(w, r, "/v1/monitors/"+m.ID, m)
}

// GetMonitor handles GET /v1/monitors/{monitorId}.
func (h *MonitorHandler) GetMonitor(w http.ResponseWriter, r *http.Request) {
	m, ok := h.load(w, r)
	if !ok {
		return
	}
	response.JSON(w, r, http.StatusOK, m)
}

// UpdateMonitor handles PATCH /v1/monitors/{monitorId}.
func (h *MonitorHandler) UpdateMonitor(w http.ResponseWriter, r *http.Request) {
	cur, ok := h.load(w, r)
	if !ok {
		return
	}

	var patch bridge.MonitorPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	m, err := h.bridge.UpdateMonitor(r.Context(), cur.ID, patch)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, m)
}

// DeleteMonitor handles DELETE /v1/monitors/{monitorId}. A monitor still
// registered externally is accepted for deletion and removed once every
// system has released it.
func (h *MonitorHandler) DeleteMonitor(w http.ResponseWriter, r *http.Request) {
	cur, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.bridge.DeleteMonitor(r.Context(), cur.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	after, err := h.bridge.GetMonitor(r.Context(), cur.ID)
	if err == nil && after.PendingDeletion {
		response.Accepted(w, r, "/v1/monitors/"+cur.ID, after)
		return
	}
	response.NoContent(w, r)
}

func (h *MonitorHandler) load(w http.ResponseWriter, r *http.Request) (*monitoring.Monitor, bool) {
	m, err := h.bridge.GetMonitor(r.Context(), chi.URLParam(r, "monitorId"))
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	if !ownedBy(w, r, m.TenantID) {
		return nil, false
	}
	return m, true
}
