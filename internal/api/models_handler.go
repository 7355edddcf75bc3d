package api

import (
	"net/http"

	"github.com/openchat-hq/keyrelay/internal/models"
)

// ModelsResponse lists the selectable models.
type ModelsResponse struct {
	Data    []models.Model `json:"data"`
	Default string         `json:"default"`
}

// Models handles GET /v1/models.
func (h *Handler) Models(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, ModelsResponse{
		Data:    models.Catalog,
		Default: models.DefaultModel,
	})
}
