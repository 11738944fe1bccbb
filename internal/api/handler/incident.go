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

// IncidentHandler handles incident endpoints.
type IncidentHandler struct {
	bridge *bridge.Bridge
}

// NewIncidentHandler creates a new IncidentHandler.
func NewIncidentHandler(b *bridge.Bridge) *IncidentHandler {
	return &IncidentHandler{bridge: b}
}

// ListIncidents handles GET /v1/incidents. open=true hides resolved incidents.
func (h *IncidentHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	limit, err := pageLimit(r)
	if err != nil {
		response.BadRequest(w, r, err.Error(), nil)
		return
	}

	q := r.URL.Query()
	incidents, err := h.bridge.Repository().ListIncidents(r.Context(), monitoring.IncidentFilter{
		TenantID: middleware.GetTenantID(r.Context()),
		AlertID:  q.Get("alertId"),
		Open:     q.Get("open") == "true",
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	items, meta := page(incidents, limit)
	response.JSON(w, r, http.StatusOK, models.PagedIncidents{Items: items, Meta: meta})
}

// CreateIncident handles POST /v1/incidents.
func (h *IncidentHandler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	var req models.CreateIncidentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	i, err := h.bridge.CreateIncident(r.Context(), &monitoring.Incident{
		TenantID: middleware.GetTenantID(r.Context()),
		Title:    req.Title,
		AlertIDs: req.AlertIDs,
		Public:   req.Public,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.Created(w, r, "/v1/incidents/"+i.ID, i)
}

// GetIncident handles GET /v1/incidents/{incidentId}.
func (h *IncidentHandler) GetIncident(w http.ResponseWriter, r *http.Request) {
	i, ok := h.load(w, r)
	if !ok {
		return
	}
	response.JSON(w, r, http.StatusOK, i)
}

// UpdateIncident handles PATCH /v1/incidents/{incidentId}.
func (h *IncidentHandler) UpdateIncident(w http.ResponseWriter, r *http.Request) {
	cur, ok := h.load(w, r)
	if !ok {
		return
	}

	var req models.UpdateIncidentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	i, err := h.bridge.UpdateIncidentStatus(r.Context(), cur.ID, req.Status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, i)
}

func (h *IncidentHandler) load(w http.ResponseWriter, r *http.Request) (*monitoring.Incident, bool) {
	i, err := h.bridge.Repository().GetIncident(r.Context(), chi.URLParam(r, "incidentId"))
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	if !ownedBy(w, r, i.TenantID) {
		return nil, false
	}
	return i, true
}
