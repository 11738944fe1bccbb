package models_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsbridge/opsbridge/internal/api/models"
)

func TestNewProblem_Kinds(t *testing.T) {
	tests := []struct {
		kind   models.ProblemKind
		status int
		title  string
	}{
		{models.KindValidation, http.StatusBadRequest, "Validation error"},
		{models.KindUnauthorized, http.StatusUnauthorized, "Unauthorized"},
		{models.KindForbidden, http.StatusForbidden, "Forbidden"},
		{models.KindTLSRequired, http.StatusForbidden, "TLS required"},
		{models.KindNotFound, http.StatusNotFound, "Not found"},
		{models.KindMethodNotAllowed, http.StatusMethodNotAllowed, "Method not allowed"},
		{models.KindConflict, http.StatusConflict, "Conflict"},
		{models.KindUnsupportedMedia, http.StatusUnsupportedMediaType, "Unsupported media type"},
		{models.KindTooManyRequests, http.StatusTooManyRequests, "Too many requests"},
		{models.KindInternal, http.StatusInternalServerError, "Internal server error"},
		{models.KindExternalSystem, http.StatusBadGateway, "External system error"},
		{models.KindUnavailable, http.StatusServiceUnavailable, "Service unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.kind.Slug, func(t *testing.T) {
			p := models.NewProblem(tt.kind, "req_1", "detail")

			assert.Equal(t, "https://opsbridge.dev/problems/"+tt.kind.Slug, p.Type)
			assert.Equal(t, tt.title, p.Title)
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, "detail", p.Detail)
			assert.Equal(t, "req_1", p.TraceID)
			assert.True(t, p.IsKind(tt.kind))
		})
	}
}

func TestNewValidationProblem(t *testing.T) {
	p := models.NewValidationProblem("req_1", "invalid monitor", []models.FieldError{
		{Field: "intervalSeconds", Message: "must be positive", Code: "OUT_OF_RANGE"},
	})

	assert.True(t, p.IsKind(models.KindValidation))
	require.Len(t, p.Errors, 1)
	assert.Equal(t, "intervalSeconds", p.Errors[0].Field)
	assert.Equal(t, "OUT_OF_RANGE", p.Errors[0].Code)
}

func TestNewExternalSystemProblem(t *testing.T) {
	p := models.NewExternalSystemProblem("req_1", "uptime", "unexpected status code: 503")

	assert.Equal(t, http.StatusBadGateway, p.Status)
	assert.Equal(t, "uptime", p.System)
	assert.False(t, p.IsKind(models.KindUnavailable))
}

func TestProblem_Write(t *testing.T) {
	p := models.NewValidationProblem("req_test123", "invalid input", []models.FieldError{
		{Field: "severity", Message: "invalid value"},
	})
	p.Instance = "/v1/alerts"

	w := httptest.NewRecorder()
	p.Write(w)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, "req_test123", w.Header().Get("X-Request-Id"))

	var result models.Problem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, models.KindValidation.Type(), result.Type)
	assert.Equal(t, "invalid input", result.Detail)
	assert.Equal(t, "/v1/alerts", result.Instance)
	assert.Empty(t, result.System)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "severity", result.Errors[0].Field)
}

func TestProblem_WriteWithoutTraceID(t *testing.T) {
	w := httptest.NewRecorder()
	models.NewProblem(models.KindInternal, "", "boom").Write(w)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, w.Header().Get("X-Request-Id"))
	assert.NotContains(t, w.Body.String(), `"system"`)
}
