package middleware

import (
	"mime"
	"net/http"
	"strings"

	"github.com/opsbridge/opsbridge/internal/api/models"
)

// RequireJSON rejects operator writes whose body is not JSON. A missing
// Content-Type is accepted; "application/json" and any "+json" type such
// as "application/merge-patch+json" pass.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if ct := r.Header.Get("Content-Type"); ct != "" && !isJSON(ct) {
				writeProblem(w, r, models.KindUnsupportedMedia, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
