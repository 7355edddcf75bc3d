package api

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openchat-hq/keyrelay/internal/metrics"
	relayerrors "github.com/openchat-hq/keyrelay/pkg/errors"
)

// adminAuth guards management endpoints with a bearer token. An empty
// configured token disables the admin surface entirely.
func (h *Handler) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := h.cfg.Get().Admin.Token
		if token == "" {
			h.writeError(w, relayerrors.NewNotFound("admin surface is not configured"))
			return
		}

		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error: ErrorDetail{
					Message: "invalid admin token",
					Type:    relayerrors.TypeInvalidRequest,
				},
			})
			return
		}

		next(w, r)
	}
}

// RateLimiter provides per-client request rate limiting keyed by IP.
// Idle limiters are dropped after a TTL so the map stays bounded.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time

	limit      rate.Limit
	burst      int
	cleanupTTL time.Duration
	logger     *slog.Logger
}

// NewRateLimiter creates a per-IP limiter allowing rpm requests per
// minute with the given burst.
func NewRateLimiter(rpm, burst int, logger *slog.Logger) *RateLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		limit:      rate.Limit(float64(rpm) / 60.0),
		burst:      burst,
		cleanupTTL: 10 * time.Minute,
		logger:     logger,
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether the client may proceed.
func (rl *RateLimiter) Allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.limiters[clientIP]
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[clientIP] = lim
	}
	rl.lastAccess[clientIP] = time.Now()
	return lim.Allow()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-rl.cleanupTTL)
		rl.mu.Lock()
		for ip, last := range rl.lastAccess {
			if last.Before(cutoff) {
				delete(rl.limiters, ip)
				delete(rl.lastAccess, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// rateLimit rejects requests over the per-IP budget. Disabled limiters
// pass everything through.
func (h *Handler) rateLimit(rl *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rl == nil || !h.cfg.Get().RateLimit.Enabled {
			next(w, r)
			return
		}

		if !rl.Allow(clientIP(r)) {
			metrics.RateLimitedRequests.Inc()
			w.Header().Set("Retry-After", "60")
			h.writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error: ErrorDetail{
					Message: "too many requests, slow down",
					Type:    relayerrors.TypeUpstreamTransient,
				},
			})
			return
		}

		next(w, r)
	}
}

// clientIP extracts the remote address without the port. Forwarded
// headers are deliberately ignored; this service fronts its own port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
