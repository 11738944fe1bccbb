package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/api/models"
)

// Recovery turns a handler panic into a 500 problem response. A panic with
// http.ErrAbortHandler is re-raised so the server aborts the connection.
func Recovery(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				log.Error().
					Str("request_id", GetRequestID(r.Context())).
					Str("tenant_id", requestTenant(r.Context())).
					Str("route", routePattern(r)).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				writeProblem(w, r, models.KindInternal, "an unexpected error occurred")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
