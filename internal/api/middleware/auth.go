package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/opsbridge/opsbridge/internal/api/models"
	"github.com/opsbridge/opsbridge/internal/auth"
)

type tenantIDKey struct{}

type subjectKey struct{}

// TokenAuthorizer validates bearer tokens for a role.
type TokenAuthorizer interface {
	Authorize(token string, role auth.Role) (*auth.Claims, error)
}

// Auth requires a tenant-scoped bearer token granting at least role. The
// tenant and subject of the token are put in the request context.
func Auth(tokens TokenAuthorizer, role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, problem := bearerToken(r)
			if problem != "" {
				writeUnauthorized(w, r, problem)
				return
			}

			claims, err := tokens.Authorize(token, role)
			switch {
			case err == nil:
			case errors.Is(err, auth.ErrTokenExpired):
				writeUnauthorized(w, r, "access token has expired")
				return
			case errors.Is(err, auth.ErrForbidden):
				writeProblem(w, r, models.KindForbidden, "token does not grant "+string(role)+" access")
				return
			case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrMissingTenant):
				writeUnauthorized(w, r, "invalid access token")
				return
			default:
				writeUnauthorized(w, r, "authentication failed")
				return
			}

			setRequestTenant(r.Context(), claims.TenantID)
			ctx := context.WithValue(r.Context(), tenantIDKey{}, claims.TenantID)
			ctx = context.WithValue(ctx, subjectKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from the Authorization header. The scheme
// is matched case-insensitively. On failure it returns the problem detail.
func bearerToken(r *http.Request) (token, problem string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "missing authorization header"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", "missing bearer token"
	}
	return token, ""
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="opsbridge"`)
	writeProblem(w, r, models.KindUnauthorized, detail)
}

// GetTenantID retrieves the authenticated tenant from the context.
// Returns an empty string if not authenticated.
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GetSubject retrieves the authenticated token subject from the context.
func GetSubject(ctx context.Context) string {
	if sub, ok := ctx.Value(subjectKey{}).(string); ok {
		return sub
	}
	return ""
}

// WithTenantID returns a context carrying tenantID. Used by tests and by
// handlers that act on behalf of a tenant outside the auth middleware.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}
