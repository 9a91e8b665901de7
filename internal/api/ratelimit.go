package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-booking/internal/metrics"
	"github.com/hackgods/doctor-booking/internal/ratelimit"
)

var rateLimitExemptPrefixes = []string{"/health/", "/metrics", "/webhooks/"}

// RateLimitMiddleware admits requests per client IP through limiter. Limiter
// errors let the request through.
func RateLimitMiddleware(limiter ratelimit.Limiter, perMinute, burst int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rateLimitExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			d, err := limiter.Allow(r.Context(), "ip:"+clientIP(r), perMinute, burst)
			if err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("rate limiter unavailable, admitting request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				metrics.RateLimitRejections.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests, retry later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitExempt(path string) bool {
	for _, p := range rateLimitExemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// clientIP strips the port that RemoteAddr carries unless middleware.RealIP
// already replaced it.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
