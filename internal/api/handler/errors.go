// Package handler provides HTTP handlers for the opsbridge API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/opsbridge/opsbridge/internal/api/middleware"
	"github.com/opsbridge/opsbridge/internal/api/models"
	"github.com/opsbridge/opsbridge/internal/api/response"
	"github.com/opsbridge/opsbridge/internal/bridge"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
	maxBodyBytes     = 1 << 20
)

// writeServiceError maps bridge and store errors to problem responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var failure *bridge.SyncFailure
	switch {
	case errors.Is(err, monitoring.ErrNotFound), errors.Is(err, integrationlog.ErrNotFound):
		response.NotFound(w, r, "resource not found")
	case errors.Is(err, bridge.ErrUnknownSystem):
		response.NotFound(w, r, err.Error())
	case errors.Is(err, bridge.ErrInvalidInput):
		response.BadRequest(w, r, err.Error(), nil)
	case errors.Is(err, monitoring.ErrInvalidTransition),
		errors.Is(err, monitoring.ErrVersionConflict),
		errors.Is(err, monitoring.ErrExternallyRegistered),
		errors.Is(err, integrationlog.ErrNotDeadLettered):
		response.Conflict(w, r, err.Error())
	case errors.As(err, &failure):
		response.ExternalSystemError(w, r, failure.FailedSystem(), failure.Error())
	default:
		response.InternalError(w, r, "an unexpected error occurred")
	}
}

// decodeJSON reads a size-limited JSON body. It writes a 400 and returns
// false when the body cannot be decoded.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.BadRequest(w, r, "invalid request body: "+err.Error(), nil)
		return false
	}
	return true
}

// pageLimit parses the limit query parameter.
func pageLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPageLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit, nil
}

// page truncates items to limit.
func page[T any](items []T, limit int) ([]T, models.PageMeta) {
	more := len(items) > limit
	if more {
		items = items[:limit]
	}
	if items == nil {
		items = []T{}
	}
	return items, models.PageMeta{Limit: limit, Returned: len(items), More: more}
}

// ownedBy reports whether a stored resource belongs to the caller's tenant.
// Resources of other tenants are reported as not found.
func ownedBy(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if tenantID != middleware.GetTenantID(r.Context()) {
		response.NotFound(w, r, "resource not found")
		return false
	}
	return true
}
