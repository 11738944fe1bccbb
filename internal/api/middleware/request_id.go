// Package middleware provides HTTP middleware for the opsbridge API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const maxRequestIDLen = 128

// requestInfo travels in the request context. Auth fills in the tenant so
// the outer tracing and logging middleware can report it.
type requestInfo struct {
	id       string
	tenantID string
}

type requestInfoKey struct{}

// RequestID assigns every request an ID, echoed in X-Request-Id. An inbound
// X-Request-Id is kept when it is short and printable, so IDs from an
// upstream proxy or an external system's webhook delivery carry through.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if !validRequestID(id) {
			id = "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		w.Header().Set("X-Request-Id", id)

		ctx := context.WithValue(r.Context(), requestInfoKey{}, &requestInfo{id: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

func info(ctx context.Context) *requestInfo {
	if i, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return i
	}
	return nil
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if i := info(ctx); i != nil {
		return i.id
	}
	return ""
}

func setRequestTenant(ctx context.Context, tenantID string) {
	if i := info(ctx); i != nil {
		i.tenantID = tenantID
	}
}

func requestTenant(ctx context.Context) string {
	if i := info(ctx); i != nil {
		return i.tenantID
	}
	return ""
}
