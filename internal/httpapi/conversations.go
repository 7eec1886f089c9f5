package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"polychat/backend/internal/provider"
	"polychat/backend/internal/store"
)

type createConversationRequest struct {
	Name string `json:"name"`
}

func (h Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
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

	// An empty body is allowed; the conversation starts unnamed.
	var req createConversationRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	conversation, err := h.store.CreateConversation(r.Context(), user.ID, req.Name)
	if err != nil {
		log.Printf("create conversation failed: user_id=%s err=%v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation": conversation})
}

func (h Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
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

	conversations, err := h.store.ListConversations(r.Context(), user.ID)
	if err != nil {
		log.Printf("list conversations failed: user_id=%s err=%v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

type messageResponse struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Parts     []provider.Part `json:"parts"`
	CreatedAt string          `json:"createdAt"`
}

func (h Handler) ListConversationMessages(w http.ResponseWriter, r *http.Request) {
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

	conversationID := chi.URLParam(r, "id")
	if _, err := h.authorizeConversation(r.Context(), w, conversationID, user.ID); err != nil {
		return
	}

	messages, err := h.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		log.Printf("list messages failed: user_id=%s conversation_id=%s err=%v", user.ID, conversationID, err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to list messages")
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, messageResponse{
			ID:        message.ID,
			Role:      message.Role(),
			Content:   message.Content,
			Parts:     message.Parts(),
			CreatedAt: message.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (h Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
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

	conversationID := chi.URLParam(r, "id")
	if err := h.store.DeleteConversation(r.Context(), conversationID, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrForbidden) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		log.Printf("delete conversation failed: user_id=%s conversation_id=%s err=%v", user.ID, conversationID, err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// authorizeConversation loads a conversation for the user and writes the HTTP
// error when access is denied. A foreign conversation is reported as not
// found so its existence is not leaked; the log keeps the distinction.
func (h Handler) authorizeConversation(ctx context.Context, w http.ResponseWriter, conversationID, userID string) (store.Conversation, error) {
	conversation, err := h.store.Authorize(ctx, conversationID, userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return store.Conversation{}, err
	}
	if errors.Is(err, store.ErrForbidden) {
		log.Printf("conversation access denied: user_id=%s conversation_id=%s", userID, conversationID)
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return store.Conversation{}, err
	}
	if err != nil {
		log.Printf("authorize conversation failed: user_id=%s conversation_id=%s err=%v", userID, conversationID, err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to load conversation")
		return store.Conversation{}, err
	}
	return conversation, nil
}
