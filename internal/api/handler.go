// Package api provides the HTTP surface of the relay: the streaming
// chat endpoint, the model catalog, and the admin management surface
// for credentials, stats, and audit history.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/openchat-hq/keyrelay/internal/audit"
	"github.com/openchat-hq/keyrelay/internal/config"
	"github.com/openchat-hq/keyrelay/internal/dispatch"
	"github.com/openchat-hq/keyrelay/internal/keypool"
	"github.com/openchat-hq/keyrelay/internal/stats"
	"github.com/openchat-hq/keyrelay/internal/store"
	relayerrors "github.com/openchat-hq/keyrelay/pkg/errors"
	"github.com/openchat-hq/keyrelay/pkg/types"
)

const defaultMaxBodySize = 1 << 20 // 1 MiB

// Dispatcher delivers one chat request through a sink.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *types.ChatRequest, sink dispatch.Sink) error
}

// Handler handles HTTP requests for the relay.
type Handler struct {
	engine      Dispatcher
	pool        *keypool.Manager
	stats       *stats.Recorder
	audit       *audit.Logger
	store       store.Store
	cfg         *config.Manager
	logger      *slog.Logger
	maxBodySize int64
}

// NewHandler creates an API handler.
func NewHandler(engine Dispatcher, pool *keypool.Manager, recorder *stats.Recorder, auditLog *audit.Logger, s store.Store, cfg *config.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:      engine,
		pool:        pool,
		stats:       recorder,
		audit:       auditLog,
		store:       s,
		cfg:         cfg,
		logger:      logger.With("component", "api"),
		maxBodySize: defaultMaxBodySize,
	}
}

// writeError maps an error onto the JSON error envelope. Unclassified
// errors are reported as internal without detail.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var dispErr *relayerrors.DispatchError
	if !errors.As(err, &dispErr) {
		h.logger.Error("unclassified handler error", "error", err)
		dispErr = relayerrors.NewInternal("internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dispErr.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Message: dispErr.Message,
			Type:    dispErr.Type,
		},
	})
}

// writeJSON writes a JSON response body.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"store":  "unreachable",
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
