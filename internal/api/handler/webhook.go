package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/api/response"
	"github.com/opsbridge/opsbridge/internal/bridge"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// WebhookSecretHeader carries the shared secret an external system was
// registered with.
const WebhookSecretHeader = "X-Webhook-Secret"

// Ingester applies inbound payloads.
type Ingester interface {
	Adapter(system monitoring.System) (bridge.Adapter, bool)
	Ingest(ctx context.Context, system monitoring.System, raw []byte) bridge.IngestResult
}

// WebhookHandler receives change notifications from external systems.
type WebhookHandler struct {
	bridge  Ingester
	secrets map[string]string
	logger  zerolog.Logger
}

// NewWebhookHandler creates a new WebhookHandler. Systems with an entry in
// secrets must present it in the X-Webhook-Secret header.
func NewWebhookHandler(b Ingester, secrets map[string]string, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{bridge: b, secrets: secrets, logger: logger}
}

// Receive handles POST /v1/webhooks/{system}.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	system := monitoring.System(chi.URLParam(r, "system"))
	if _, ok := h.bridge.Adapter(system); !ok {
		response.NotFound(w, r, "unknown external system")
		return
	}

	if secret := h.secrets[string(system)]; secret != "" {
		given := r.Header.Get(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			response.Unauthorized(w, r, "invalid webhook secret")
			return
		}
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.BadRequest(w, r, "payload too large", nil)
			return
		}
		response.BadRequest(w, r, "could not read payload", nil)
		return
	}

	result := h.bridge.Ingest(r.Context(), system, raw)
	h.logger.Debug().
		Str("system", string(system)).
		Str("outcome", string(result.Outcome)).
		Str("resource_id", result.ResourceID).
		Msg("webhook ingested")

	response.JSON(w, r, http.StatusAccepted, result)
}
