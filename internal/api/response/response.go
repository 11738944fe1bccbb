// Package response writes JSON and problem+json responses. Every response
// echoes the request ID in X-Request-Id.
package response

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/opsbridge/opsbridge/internal/api/middleware"
	"github.com/opsbridge/opsbridge/internal/api/models"
)

func write(w http.ResponseWriter, r *http.Request, status int, location string, data interface{}) {
	if requestID := middleware.GetRequestID(r.Context()); requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	if location != "" {
		w.Header().Set("Location", location)
	}
	if status != http.StatusNoContent {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data != nil && status != http.StatusNoContent {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	write(w, r, status, "", data)
}

// Created writes a 201 pointing at the new resource.
func Created(w http.ResponseWriter, r *http.Request, location string, data interface{}) {
	write(w, r, http.StatusCreated, location, data)
}

// Accepted writes a 202 for work that continues after the response.
func Accepted(w http.ResponseWriter, r *http.Request, location string, data interface{}) {
	write(w, r, http.StatusAccepted, location, data)
}

// NoContent writes a 204.
func NoContent(w http.ResponseWriter, r *http.Request) {
	write(w, r, http.StatusNoContent, "", nil)
}

// Error writes problem as application/problem+json, stamped with the
// request path.
func Error(w http.ResponseWriter, r *http.Request, problem *models.Problem) {
	problem.Instance = r.URL.Path
	problem.Write(w)
}

func fail(w http.ResponseWriter, r *http.Request, kind models.ProblemKind, detail string) {
	Error(w, r, models.NewProblem(kind, middleware.GetRequestID(r.Context()), detail))
}

// BadRequest writes a 400 with optional field errors.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string, errs []models.FieldError) {
	Error(w, r, models.NewValidationProblem(middleware.GetRequestID(r.Context()), detail, errs))
}

// Unauthorized writes a 401.
func Unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	fail(w, r, models.KindUnauthorized, detail)
}

// NotFound writes a 404.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	fail(w, r, models.KindNotFound, detail)
}

// Conflict writes a 409.
func Conflict(w http.ResponseWriter, r *http.Request, detail string) {
	fail(w, r, models.KindConflict, detail)
}

// InternalError writes a 500.
func InternalError(w http.ResponseWriter, r *http.Request, detail string) {
	fail(w, r, models.KindInternal, detail)
}

// ExternalSystemError writes a 502 naming the external system that failed.
func ExternalSystemError(w http.ResponseWriter, r *http.Request, system, detail string) {
	Error(w, r, models.NewExternalSystemProblem(middleware.GetRequestID(r.Context()), system, detail))
}

// ServiceUnavailable writes a 503.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	fail(w, r, models.KindUnavailable, detail)
}

// RateLimitInfo is the quota state reported on a 429.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	// ResetAt is the Unix time the window resets.
	ResetAt int64
	// RetryAfter is in seconds. Zero omits the header.
	RetryAfter int
}

// TooManyRequests writes a 429 without quota headers.
func TooManyRequests(w http.ResponseWriter, r *http.Request, detail string) {
	TooManyRequestsWithInfo(w, r, detail, nil)
}

// TooManyRequestsWithInfo writes a 429 with X-RateLimit-* and Retry-After headers.
func TooManyRequestsWithInfo(w http.ResponseWriter, r *http.Request, detail string, info *RateLimitInfo) {
	if info != nil {
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt, 10))
		if info.RetryAfter > 0 {
			h.Set("Retry-After", strconv.Itoa(info.RetryAfter))
		}
	}
	fail(w, r, models.KindTooManyRequests, detail)
}
