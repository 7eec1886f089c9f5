package httpapi

import (
	"log"
	"net/http"

	"polychat/backend/internal/store"
)

func (h Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}
	user, err := h.persistedSessionUser(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to resolve user")
		return
	}

	settings, err := h.store.GetSettings(r.Context(), user.ID)
	if err != nil {
		log.Printf("load settings failed: user_id=%s err=%v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (h Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}
	user, err := h.persistedSessionUser(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "failed to resolve user")
		return
	}

	var settings store.Settings
	if err := decodeJSON(r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	saved, err := h.store.UpsertSettings(r.Context(), user.ID, settings)
	if err != nil {
		log.Printf("save settings failed: user_id=%s err=%v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": saved})
}
