package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuemby/warden/pkg/auth"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// Request headers carrying credentials.
const (
	headerAPIKey   = "X-API-Key"
	headerMFAToken = "X-MFA-Token"
)

// rateLimiters tracks one token bucket per client IP.
type rateLimiters struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

func newRateLimiters(rps float64, burst int) *rateLimiters {
	return &rateLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *rateLimiters) allow(clientIP string) bool {
	if rl.rps <= 0 {
		return true
	}
	rl.mu.Lock()
	limiter, ok := rl.limiters[clientIP]
	if !ok {
		limiter = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[clientIP] = limiter
	}
	// Bound the map; per-IP buckets reset when it overflows.
	if len(rl.limiters) > 10000 {
		rl.limiters = map[string]*rate.Limiter{clientIP: limiter}
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// clientIP extracts the caller address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// instrument wraps a handler with request counting and latency metrics.
func (s *Server) instrument(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	}
}

// authed authenticates the API key, checks the role permission, and hands the
// principal to the handler. Authentication failures never distinguish between
// a broken auth backend and a bad key beyond the error code; both are 401.
func (s *Server) authed(permission string, next func(w http.ResponseWriter, r *http.Request, principal *types.Principal)) http.HandlerFunc {
	return s.instrument(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limits.allow(ip) {
			writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			return
		}

		rawKey := r.Header.Get(headerAPIKey)
		principal, err := s.auth.Authenticate(r.Context(), rawKey, ip)
		if err != nil {
			if failure, ok := err.(*auth.Failure); ok {
				writeError(w, r, http.StatusUnauthorized, failure.Code, failure.Message, nil)
				return
			}
			s.logger.Error().Err(err).Msg("Authentication backend failure")
			prefix := rawKey
			if len(prefix) > 8 {
				prefix = prefix[:8]
			}
			s.audit.RecordAuthFailure(r.Context(), prefix, "auth_dependency_failure", ip)
			writeError(w, r, http.StatusUnauthorized, "AUTH_UNAVAILABLE", "Authentication service unavailable", nil)
			return
		}

		decision := s.policies.Authorize(principal, permission)
		if !decision.Allowed {
			if err := s.audit.RecordAuthorizationDenied(r.Context(), principal.KeyID, decision.Role, decision.RequiredPermission, decision.Reason, ip); err != nil {
				writeError(w, r, http.StatusInternalServerError, "AUDIT_UNAVAILABLE", "Audit chain unavailable", nil)
				return
			}
			writeError(w, r, http.StatusForbidden, "POLICY_DENIED", "Not authorized for this operation", nil)
			return
		}

		next(w, r, principal)
	})
}
