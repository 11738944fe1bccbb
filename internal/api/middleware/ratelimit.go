package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/opsbridge/opsbridge/internal/api/models"
)

// RateLimitConfig is a request budget per window.
type RateLimitConfig struct {
	RequestLimit int
	WindowLength time.Duration
}

// Default rate limit configurations.
var (
	// WebhookRateLimit applies to inbound webhook ingestion per system and
	// source IP (600 req/min). External systems burst during incidents.
	WebhookRateLimit = RateLimitConfig{
		RequestLimit: 600,
		WindowLength: time.Minute,
	}

	// StreamRateLimit applies to stream connection attempts (30 req/min).
	StreamRateLimit = RateLimitConfig{
		RequestLimit: 30,
		WindowLength: time.Minute,
	}

	// OperatorRateLimit applies to operator endpoints (100 req/min).
	OperatorRateLimit = RateLimitConfig{
		RequestLimit: 100,
		WindowLength: time.Minute,
	}
)

// RateLimitByIP limits by client IP, as resolved by chi's RealIP.
func RateLimitByIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return cfg.limit(httprate.KeyByRealIP)
}

// RateLimitByTenant limits authenticated callers per tenant and everyone
// else per IP.
func RateLimitByTenant(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return cfg.limit(keyByTenantOrIP)
}

// RateLimitByEndpoint limits by client IP and path, so each webhook source
// gets its own budget.
func RateLimitByEndpoint(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return cfg.limit(httprate.KeyByRealIP, httprate.KeyByEndpoint)
}

func (cfg RateLimitConfig) limit(keys ...httprate.KeyFunc) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(cfg.WindowLength.Round(time.Second) / time.Second))
	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowLength,
		httprate.WithKeyFuncs(keys...),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			// httprate does not expose the window reset, so a full window is
			// the conservative wait.
			w.Header().Set("Retry-After", retryAfter)
			writeProblem(w, r, models.KindTooManyRequests, "rate limit exceeded, retry after "+retryAfter+"s")
		}),
	)
}

func keyByTenantOrIP(r *http.Request) (string, error) {
	if tenantID := GetTenantID(r.Context()); tenantID != "" {
		return "tenant:" + tenantID, nil
	}
	return httprate.KeyByRealIP(r)
}
