package api

import (
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/openchat-hq/keyrelay/internal/audit"
	"github.com/openchat-hq/keyrelay/internal/keypool"
	relayerrors "github.com/openchat-hq/keyrelay/pkg/errors"
)

// secretPattern is the OpenRouter key format accepted via the admin API.
var secretPattern = regexp.MustCompile(`^sk-or-v1-[0-9a-f]{64}$`)

// KeyView is the admin-facing credential representation. The secret is
// redacted to its trailing characters.
type KeyView struct {
	ID         string  `json:"id"`
	Secret     string  `json:"secret"`
	Active     bool    `json:"active"`
	UsageCount int64   `json:"usage_count"`
	CreatedAt  string  `json:"created_at"`
	LastUsedAt *string `json:"last_used_at,omitempty"`
}

// redactedSecret is what key listings show in place of the secret.
// Records come out of the pool sealed, so there is no plaintext suffix
// to expose even if one were wanted.
const redactedSecret = "sk-or-v1-****"

func keyView(cred *keypool.Credential) KeyView {
	view := KeyView{
		ID:         cred.ID,
		Secret:     redactedSecret,
		Active:     cred.Active,
		UsageCount: cred.UsageCount,
		CreatedAt:  cred.CreatedAt.Format(time.RFC3339),
	}
	if cred.LastUsedAt != nil {
		s := cred.LastUsedAt.Format(time.RFC3339)
		view.LastUsedAt = &s
	}
	return view
}

// AddKey handles POST /admin/keys.
func (h *Handler) AddKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := h.decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	if !secretPattern.MatchString(req.Secret) {
		h.writeError(w, relayerrors.NewInvalidRequest("secret must match the sk-or-v1 key format"))
		return
	}

	cred, err := h.pool.Add(r.Context(), req.Secret)
	if err != nil {
		h.writeError(w, h.mapPoolError(err))
		return
	}

	h.audit.Record(r.Context(), audit.ActionKeyAdded, cred.ID, "")
	h.writeJSON(w, http.StatusCreated, keyView(cred))
}

// ListKeys handles GET /admin/keys.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := h.pool.List(r.Context())
	if err != nil {
		h.writeError(w, h.mapPoolError(err))
		return
	}

	views := make([]KeyView, 0, len(creds))
	for _, cred := range creds {
		views = append(views, keyView(cred))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": views})
}

// DeleteKey handles DELETE /admin/keys/{id}.
func (h *Handler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.pool.Remove(r.Context(), id); err != nil {
		h.writeError(w, h.mapPoolError(err))
		return
	}

	h.audit.Record(r.Context(), audit.ActionKeyRemoved, id, "")
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "removed"})
}

// SetKeyActive handles POST /admin/keys/{id}/activate and /deactivate.
func (h *Handler) SetKeyActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := h.pool.SetActive(r.Context(), id, active); err != nil {
			h.writeError(w, h.mapPoolError(err))
			return
		}

		action := audit.ActionKeyActivated
		status := "active"
		if !active {
			action = audit.ActionKeyDeactivated
			status = "inactive"
		}
		h.audit.Record(r.Context(), action, id, "")
		h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
	}
}

// ResetUsage handles POST /admin/keys/usage/reset.
func (h *Handler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.ResetUsage(r.Context()); err != nil {
		h.writeError(w, h.mapPoolError(err))
		return
	}

	h.audit.Record(r.Context(), audit.ActionUsageReset, "", "")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Stats handles GET /admin/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.stats.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, relayerrors.NewStoreUnavailable("stats unavailable"))
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// StatsTrend handles GET /admin/stats/trend?days=N.
func (h *Handler) StatsTrend(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	if days < 1 || days > 90 {
		h.writeError(w, relayerrors.NewInvalidRequest("days must be between 1 and 90"))
		return
	}

	trend, err := h.stats.Trend(r.Context(), days)
	if err != nil {
		h.writeError(w, relayerrors.NewStoreUnavailable("stats unavailable"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": trend})
}

// TopModels handles GET /admin/stats/top-models?limit=N.
func (h *Handler) TopModels(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 5)
	if limit < 1 || limit > 50 {
		h.writeError(w, relayerrors.NewInvalidRequest("limit must be between 1 and 50"))
		return
	}

	top, err := h.stats.TopModels(r.Context(), limit)
	if err != nil {
		h.writeError(w, relayerrors.NewStoreUnavailable("stats unavailable"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": top})
}

// ResetStats handles POST /admin/stats/reset.
func (h *Handler) ResetStats(w http.ResponseWriter, r *http.Request) {
	if err := h.stats.Reset(r.Context()); err != nil {
		h.writeError(w, relayerrors.NewStoreUnavailable("stats unavailable"))
		return
	}

	h.audit.Record(r.Context(), audit.ActionStatsReset, "", "")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// AuditLog handles GET /admin/audit?limit=N.
func (h *Handler) AuditLog(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit < 1 || limit > 1000 {
		h.writeError(w, relayerrors.NewInvalidRequest("limit must be between 1 and 1000"))
		return
	}

	entries, err := h.audit.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, relayerrors.NewStoreUnavailable("audit log unavailable"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// ConfigStatus handles GET /admin/config/status.
func (h *Handler) ConfigStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cfg.Status())
}

func (h *Handler) decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize))
	if err != nil {
		return relayerrors.NewInvalidRequest("failed to read request body")
	}
	defer func() { _ = r.Body.Close() }()

	if err := json.Unmarshal(body, v); err != nil {
		return relayerrors.NewInvalidRequest("invalid JSON: " + err.Error())
	}
	return nil
}

func (h *Handler) mapPoolError(err error) error {
	switch {
	case errors.Is(err, keypool.ErrNotFound):
		return relayerrors.NewNotFound("credential not found")
	case errors.Is(err, keypool.ErrEmptySecret):
		return relayerrors.NewInvalidRequest("secret is required")
	default:
		h.logger.Error("pool operation failed", "error", err)
		return relayerrors.NewStoreUnavailable("credential store unavailable")
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
