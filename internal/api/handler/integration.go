package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opsbridge/opsbridge/internal/api/middleware"
	"github.com/opsbridge/opsbridge/internal/api/models"
	"github.com/opsbridge/opsbridge/internal/api/response"
	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/reconcile"
)

// LogReader lists integration log entries.
type LogReader interface {
	Entries(ctx context.Context, filter integrationlog.EntryFilter) ([]*integrationlog.Entry, error)
}

// DeadLetterQueue exposes dead-lettered sync errors.
type DeadLetterQueue interface {
	Get(ctx context.Context, id string) (*integrationlog.SyncError, error)
	DeadLetters(ctx context.Context, tenantID string) ([]*integrationlog.SyncError, error)
	Requeue(ctx context.Context, id string) (*integrationlog.SyncError, error)
}

// ReconcileRunner runs a reconciliation pass.
type ReconcileRunner interface {
	Run(ctx context.Context, opts reconcile.PassOptions) *reconcile.PassResult
}

// BindingLister describes the event routing table.
type BindingLister interface {
	Bindings() []events.BindingInfo
}

// IntegrationConfig holds the dependencies of IntegrationHandler.
type IntegrationConfig struct {
	Log        LogReader
	Retry      DeadLetterQueue
	Reconciler ReconcileRunner
	Bindings   BindingLister
}

// IntegrationHandler exposes the integration log, the dead-letter queue and
// on-demand reconciliation to operators.
type IntegrationHandler struct {
	log        LogReader
	retry      DeadLetterQueue
	reconciler ReconcileRunner
	bindings   BindingLister
}

// NewIntegrationHandler creates a new IntegrationHandler.
func NewIntegrationHandler(cfg IntegrationConfig) *IntegrationHandler {
	return &IntegrationHandler{
		log:        cfg.Log,
		retry:      cfg.Retry,
		reconciler: cfg.Reconciler,
		bindings:   cfg.Bindings,
	}
}

// ListLogEntries handles GET /v1/integration/log. The cursor is the sequence
// number of the last entry seen.
func (h *IntegrationHandler) ListLogEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := pageLimit(r)
	if err != nil {
		response.BadRequest(w, r, err.Error(), nil)
		return
	}

	q := r.URL.Query()
	filter := integrationlog.EntryFilter{
		TenantID:   middleware.GetTenantID(r.Context()),
		ResourceID: q.Get("resourceId"),
		EventType:  integrationlog.EventType(q.Get("eventType")),
		Limit:      limit,
	}
	if cursor := q.Get("cursor"); cursor != "" {
		seq, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || seq < 0 {
			response.BadRequest(w, r, "invalid cursor", []models.FieldError{
				{Field: "cursor", Message: "must be a sequence number"},
			})
			return
		}
		filter.AfterSeq = seq
	}

	entries, err := h.log.Entries(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	items, meta := page(entries, limit)
	if len(items) == limit {
		next := strconv.FormatInt(items[len(items)-1].Seq, 10)
		meta.NextCursor = &next
	}
	response.JSON(w, r, http.StatusOK, models.PagedLogEntries{Items: items, Meta: meta})
}

// ListDeadLetters handles GET /v1/integration/dead-letters.
func (h *IntegrationHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := pageLimit(r)
	if err != nil {
		response.BadRequest(w, r, err.Error(), nil)
		return
	}

	dead, err := h.retry.DeadLetters(r.Context(), middleware.GetTenantID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	items, meta := page(dead, limit)
	response.JSON(w, r, http.StatusOK, models.PagedSyncErrors{Items: items, Meta: meta})
}

// RequeueDeadLetter handles POST /v1/integration/dead-letters/{syncErrorId}/requeue.
func (h *IntegrationHandler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "syncErrorId")
	cur, err := h.retry.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !ownedBy(w, r, cur.TenantID) {
		return
	}

	s, err := h.retry.Requeue(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, s)
}

// ListBindings handles GET /v1/integration/bindings.
func (h *IntegrationHandler) ListBindings(w http.ResponseWriter, r *http.Request) {
	bindings := h.bindings.Bindings()
	if bindings == nil {
		bindings = []events.BindingInfo{}
	}
	response.JSON(w, r, http.StatusOK, models.BindingsResponse{Bindings: bindings})
}

// Reconcile handles POST /v1/ops/reconcile. It runs a pass over the caller's
// tenant and returns its summary.
func (h *IntegrationHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		response.ServiceUnavailable(w, r, "reconciliation is not configured")
		return
	}

	var req models.ReconcileRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	pass := reconcile.PassLight
	switch reconcile.Pass(req.Pass) {
	case "", reconcile.PassLight:
	case reconcile.PassFull:
		pass = reconcile.PassFull
	default:
		response.BadRequest(w, r, "unknown pass", []models.FieldError{
			{Field: "pass", Message: "must be light or full"},
		})
		return
	}

	result := h.reconciler.Run(r.Context(), reconcile.PassOptions{
		Pass:     pass,
		TenantID: middleware.GetTenantID(r.Context()),
		Force:    req.Force,
	})

	response.JSON(w, r, http.StatusOK, models.ReconcileResponse{
		Pass:       string(result.Pass),
		Skipped:    result.Skipped,
		StartedAt:  models.Timestamp(result.StartTime),
		DurationMs: result.Duration.Milliseconds(),
		Checked:    result.Checked,
		Diverged:   result.Diverged,
		Pulled:     result.Pulled,
		Pushed:     result.Pushed,
		Relinked:   result.Relinked,
		Refused:    result.Refused,
		Failed:     result.Failed,
	})
}
