package httpapi

import (
	"net/http"

	"polychat/backend/internal/modelcap"
	"polychat/backend/internal/provider"
)

type modelResponse struct {
	ID                string `json:"id"`
	Provider          string `json:"provider"`
	SupportsWebSearch bool   `json:"supportsWebSearch"`
	SupportsReasoning bool   `json:"supportsReasoning"`
}

// ListModels serves the curated model list with the same capability table the
// resolver uses, so the client's toggles always match server behavior.
func (h Handler) ListModels(w http.ResponseWriter, _ *http.Request) {
	known := modelcap.Known()
	models := make([]modelResponse, 0, len(known))
	for _, capability := range known {
		selection, err := provider.Resolve(capability.Model, false, false)
		if err != nil {
			continue
		}
		models = append(models, modelResponse{
			ID:                capability.Model,
			Provider:          string(selection.Family),
			SupportsWebSearch: capability.SupportsWebSearch,
			SupportsReasoning: capability.SupportsReasoning,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}
