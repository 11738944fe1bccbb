package models

import (
	"encoding/json"
	"net/http"
)

const problemBase = "https://opsbridge.dev/problems/"

// ProblemKind is a problem type with its title and HTTP status.
type ProblemKind struct {
	Slug   string
	Title  string
	Status int
}

// Type returns the problem type URI.
func (k ProblemKind) Type() string {
	return problemBase + k.Slug
}

// Problem kinds the API answers with.
var (
	KindValidation       = ProblemKind{"validation-error", "Validation error", http.StatusBadRequest}
	KindUnauthorized     = ProblemKind{"unauthorized", "Unauthorized", http.StatusUnauthorized}
	KindForbidden        = ProblemKind{"forbidden", "Forbidden", http.StatusForbidden}
	KindTLSRequired      = ProblemKind{"tls-required", "TLS required", http.StatusForbidden}
	KindNotFound         = ProblemKind{"not-found", "Not found", http.StatusNotFound}
	KindMethodNotAllowed = ProblemKind{"method-not-allowed", "Method not allowed", http.StatusMethodNotAllowed}
	KindConflict         = ProblemKind{"conflict", "Conflict", http.StatusConflict}
	KindUnsupportedMedia = ProblemKind{"unsupported-media-type", "Unsupported media type", http.StatusUnsupportedMediaType}
	KindTooManyRequests  = ProblemKind{"too-many-requests", "Too many requests", http.StatusTooManyRequests}
	KindInternal         = ProblemKind{"internal-error", "Internal server error", http.StatusInternalServerError}
	KindExternalSystem   = ProblemKind{"external-system-error", "External system error", http.StatusBadGateway}
	KindUnavailable      = ProblemKind{"service-unavailable", "Service unavailable", http.StatusServiceUnavailable}
)

// Problem is an RFC 7807 error body, sent as application/problem+json.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"traceId"`

	// System names the external system behind a 502.
	System string `json:"system,omitempty"`

	Errors []FieldError `json:"errors,omitempty"`
}

// FieldError is a validation error on one request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewProblem creates a problem of the given kind.
func NewProblem(kind ProblemKind, traceID, detail string) *Problem {
	return &Problem{
		Type:    kind.Type(),
		Title:   kind.Title,
		Status:  kind.Status,
		Detail:  detail,
		TraceID: traceID,
	}
}

// NewValidationProblem creates a 400 carrying field errors.
func NewValidationProblem(traceID, detail string, errs []FieldError) *Problem {
	p := NewProblem(KindValidation, traceID, detail)
	p.Errors = errs
	return p
}

// NewExternalSystemProblem creates a 502 for a failed call to system.
func NewExternalSystemProblem(traceID, system, detail string) *Problem {
	p := NewProblem(KindExternalSystem, traceID, detail)
	p.System = system
	return p
}

// IsKind reports whether p is of the given kind.
func (p *Problem) IsKind(kind ProblemKind) bool {
	return p.Type == kind.Type()
}

// Write sends the problem with its status code.
func (p *Problem) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	if p.TraceID != "" {
		w.Header().Set("X-Request-Id", p.TraceID)
	}
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
