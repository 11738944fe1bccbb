package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opsbridge/opsbridge/internal/api/middleware"
	"github.com/opsbridge/opsbridge/internal/api/models"
	"github.com/opsbridge/opsbridge/internal/api/response"
	"github.com/opsbridge/opsbridge/internal/bridge"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// ScheduleHandler handles on-call schedule endpoints.
type ScheduleHandler struct {
	bridge *bridge.Bridge
	now    func() time.Time
}

// NewScheduleHandler creates a new ScheduleHandler.
func NewScheduleHandler(b *bridge.Bridge) *ScheduleHandler {
	return &ScheduleHandler{bridge: b, now: time.Now}
}

// ListSchedules handles GET /v1/schedules.
func (h *ScheduleHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	limit, err := pageLimit(r)
	if err != nil {
		response.BadRequest(w, r, err.Error(), nil)
		return
	}

	schedules, err := h.bridge.Repository().ListSchedules(r.Context(), monitoring.ScheduleFilter{
		TenantID: middleware.GetTenantID(r.Context()),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	items, meta := page(schedules, limit)
	response.JSON(w, r, http.StatusOK, models.PagedSchedules{Items: items, Meta: meta})
}

// CreateSchedule handles POST /v1/schedules.
func (h *ScheduleHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req models.ScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s, err := h.bridge.UpsertSchedule(r.Context(), scheduleFromRequest(r, "", req))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.Created(w, r, "/v1/schedules/"+s.ID, s)
}

// GetSchedule handles GET /v1/schedules/{scheduleId}.
func (h *ScheduleHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	s, ok := h.load(w, r)
	if !ok {
		return
	}
	response.JSON(w, r, http.StatusOK, s)
}

// ReplaceSchedule handles PUT /v1/schedules/{scheduleId}.
func (h *ScheduleHandler) ReplaceSchedule(w http.ResponseWriter, r *http.Request) {
	cur, ok := h.load(w, r)
	if !ok {
		return
	}

	var req models.ScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s, err := h.bridge.UpsertSchedule(r.Context(), scheduleFromRequest(r, cur.ID, req))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, s)
}

// CreateOverride handles POST /v1/schedules/{scheduleId}/overrides.
func (h *ScheduleHandler) CreateOverride(w http.ResponseWriter, r *http.Request) {
	cur, ok := h.load(w, r)
	if !ok {
		return
	}

	var req models.CreateOverrideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.User == "" {
		response.BadRequest(w, r, "user is required", []models.FieldError{
			{Field: "user", Message: "must not be empty"},
		})
		return
	}

	o, err := h.bridge.CreateOverride(r.Context(), &monitoring.Override{
		TenantID:   cur.TenantID,
		ScheduleID: cur.ID,
		User:       req.User,
		StartsAt:   req.StartsAt.Time(),
		EndsAt:     req.EndsAt.Time(),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.Created(w, r, "/v1/schedules/"+cur.ID+"/overrides/"+o.ID, o)
}

// OnCall handles GET /v1/schedules/{scheduleId}/on-call. The optional at
// parameter is an RFC 3339 instant and defaults to now.
func (h *ScheduleHandler) OnCall(w http.ResponseWriter, r *http.Request) {
	cur, ok := h.load(w, r)
	if !ok {
		return
	}

	at := h.now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.BadRequest(w, r, "invalid at parameter", []models.FieldError{
				{Field: "at", Message: "must be an RFC 3339 timestamp"},
			})
			return
		}
		at = parsed
	}

	users, err := h.bridge.OnCall(r.Context(), cur.ID, at)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	response.JSON(w, r, http.StatusOK, models.OnCallResponse{
		ScheduleID: cur.ID,
		At:         models.Timestamp(at),
		Users:      users,
	})
}

func (h *ScheduleHandler) load(w http.ResponseWriter, r *http.Request) (*monitoring.Schedule, bool) {
	s, err := h.bridge.Repository().GetSchedule(r.Context(), chi.URLParam(r, "scheduleId"))
	if errors.Is(err, monitoring.ErrNotFound) {
		response.NotFound(w, r, "schedule not found")
		return nil, false
	}
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	if !ownedBy(w, r, s.TenantID) {
		return nil, false
	}
	return s, true
}

func scheduleFromRequest(r *http.Request, id string, req models.ScheduleRequest) *monitoring.Schedule {
	return &monitoring.Schedule{
		ID:           id,
		TenantID:     middleware.GetTenantID(r.Context()),
		Name:         req.Name,
		Service:      req.Service,
		Timezone:     req.Timezone,
		Participants: req.Participants,
	}
}
