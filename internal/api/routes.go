// Route registration for all API endpoints.
package api

import (
	"net/http"
)

// RegisterRoutes registers all API routes on the given mux. The rate
// limiter applies to the public chat endpoint only; nil disables it.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, limiter *RateLimiter) {
	// Public surface
	mux.HandleFunc("POST /v1/chat", h.rateLimit(limiter, h.Chat))
	mux.HandleFunc("POST /v1/chats", h.rateLimit(limiter, h.NewChat))
	mux.HandleFunc("GET /v1/models", h.Models)
	mux.HandleFunc("GET /healthz", h.Healthz)

	// Credential management
	mux.HandleFunc("POST /admin/keys", h.adminAuth(h.AddKey))
	mux.HandleFunc("GET /admin/keys", h.adminAuth(h.ListKeys))
	mux.HandleFunc("DELETE /admin/keys/{id}", h.adminAuth(h.DeleteKey))
	mux.HandleFunc("POST /admin/keys/{id}/activate", h.adminAuth(h.SetKeyActive(true)))
	mux.HandleFunc("POST /admin/keys/{id}/deactivate", h.adminAuth(h.SetKeyActive(false)))
	mux.HandleFunc("POST /admin/keys/usage/reset", h.adminAuth(h.ResetUsage))

	// Statistics
	mux.HandleFunc("GET /admin/stats", h.adminAuth(h.Stats))
	mux.HandleFunc("GET /admin/stats/trend", h.adminAuth(h.StatsTrend))
	mux.HandleFunc("GET /admin/stats/top-models", h.adminAuth(h.TopModels))
	mux.HandleFunc("POST /admin/stats/reset", h.adminAuth(h.ResetStats))

	// Audit and configuration
	mux.HandleFunc("GET /admin/audit", h.adminAuth(h.AuditLog))
	mux.HandleFunc("GET /admin/config/status", h.adminAuth(h.ConfigStatus))
}
