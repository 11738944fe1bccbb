package handler

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/api/middleware"
	"github.com/opsbridge/opsbridge/internal/api/models"
	"github.com/opsbridge/opsbridge/internal/api/response"
	"github.com/opsbridge/opsbridge/internal/featureflags"
)

// FlagStore reads and changes feature flags.
type FlagStore interface {
	Snapshot(ctx context.Context) map[string]*featureflags.Flag
	Apply(ctx context.Context, change featureflags.Change) ([]*featureflags.Flag, error)
	Reset(ctx context.Context, key string) error
	Invalidate()
}

// FeatureFlagsHandler handles feature flag endpoints.
type FeatureFlagsHandler struct {
	service FlagStore
	logger  zerolog.Logger
}

// NewFeatureFlagsHandler creates a new FeatureFlagsHandler.
func NewFeatureFlagsHandler(service FlagStore, logger zerolog.Logger) *FeatureFlagsHandler {
	return &FeatureFlagsHandler{service: service, logger: logger}
}

// ListFeatureFlags handles GET /v1/admin/feature-flags - list all feature flags.
func (h *FeatureFlagsHandler) ListFeatureFlags(w http.ResponseWriter, r *http.Request) {
	h.writeFlags(w, r)
}

// UpsertFeatureFlags handles PUT /v1/admin/feature-flags - update feature flags.
func (h *FeatureFlagsHandler) UpsertFeatureFlags(w http.ResponseWriter, r *http.Request) {
	var req featureflags.FlagUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	_, err := h.service.Apply(r.Context(), featureflags.Change{
		Updates: req.Updates,
		Reason:  req.Reason,
		By:      middleware.GetSubject(r.Context()),
	})
	if err != nil {
		h.writeFlagError(w, r, err)
		return
	}
	h.writeFlags(w, r)
}

// ResetFeatureFlag handles DELETE /v1/admin/feature-flags/{key} - restore a
// flag to its default.
func (h *FeatureFlagsHandler) ResetFeatureFlag(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Reset(r.Context(), chi.URLParam(r, "key")); err != nil {
		h.writeFlagError(w, r, err)
		return
	}
	response.NoContent(w, r)
}

// InvalidateCache handles POST /v1/admin/feature-flags/invalidate - invalidate flag cache.
func (h *FeatureFlagsHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	h.service.Invalidate()
	response.NoContent(w, r)
}

func (h *FeatureFlagsHandler) writeFlags(w http.ResponseWriter, r *http.Request) {
	snap := h.service.Snapshot(r.Context())
	flags := make([]*featureflags.Flag, 0, len(snap))
	for _, f := range snap {
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })

	response.JSON(w, r, http.StatusOK, map[string]interface{}{"flags": flags})
}

func (h *FeatureFlagsHandler) writeFlagError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, featureflags.ErrUnknownFlag), errors.Is(err, featureflags.ErrInvalidValue):
		response.BadRequest(w, r, "invalid flag update", []models.FieldError{
			{Field: "updates", Message: err.Error()},
		})
	default:
		h.logger.Error().Err(err).Msg("failed to change feature flags")
		response.InternalError(w, r, "failed to change feature flags")
	}
}
