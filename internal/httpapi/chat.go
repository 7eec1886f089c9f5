package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"polychat/backend/internal/provider"
	"polychat/backend/internal/store"
)

const (
	personaSystemPrompt = "You are a helpful assistant. Answer the user's questions and be their friend. Please format your messages with Markdown."
	titleSystemPrompt   = "You are a helpful assistant. Summarize this chat in 3-6 words. Return only the title. No quotes, no explanations."
	maxTitleRunes       = 80
)

type chatMessageRequest struct {
	ConversationID string   `json:"conversationId"`
	Message        string   `json:"message"`
	Model          string   `json:"model"`
	WebSearch      *bool    `json:"webSearch"`
	Reasoning      *bool    `json:"reasoning"`
	FileIDs        []string `json:"fileIds"`
}

// ChatMessages runs one chat turn: authorize the conversation, resolve the
// provider, stream the reply over SSE, persist it, and kick off background
// titling for still-unnamed conversations.
//
// Failures before the first frame are plain JSON errors; once the stream is
// open, provider failures travel in-band as an error frame followed by done.
// A failed write of the finished reply is logged only, the client keeps the
// streamed text either way.
func (h Handler) ChatMessages(w http.ResponseWriter, r *http.Request) {
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

	var req chatMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversationId is required")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}

	conversation, err := h.authorizeConversation(r.Context(), w, req.ConversationID, user.ID)
	if err != nil {
		return
	}

	selection, err := provider.Resolve(req.Model, boolValue(req.WebSearch), boolValue(req.Reasoning))
	if err != nil {
		var unsupported provider.UnsupportedModelError
		if errors.As(err, &unsupported) {
			writeError(w, http.StatusBadRequest, "unsupported_model", unsupported.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "resolver_error", "failed to resolve model")
		return
	}

	streamer, err := h.providers.For(selection.Family)
	if err != nil {
		log.Printf("provider lookup failed: user_id=%s model=%s err=%v", user.ID, selection.Model, err)
		writeError(w, http.StatusInternalServerError, "provider_error", "no client for model provider")
		return
	}

	files, err := h.resolveUserFiles(r.Context(), user.ID, req.FileIDs)
	if err != nil {
		switch {
		case errors.Is(err, errTooManyFileIDs):
			writeError(w, http.StatusBadRequest, "invalid_request", "too many fileIds")
		case errors.Is(err, errInvalidFileIDs):
			writeError(w, http.StatusBadRequest, "invalid_request", "one or more fileIds are invalid")
		default:
			log.Printf("resolve files failed: user_id=%s err=%v", user.ID, err)
			writeError(w, http.StatusInternalServerError, "db_error", "failed to resolve attachments")
		}
		return
	}

	history, err := h.store.ListMessages(r.Context(), conversation.ID)
	if err != nil {
		log.Printf("load history failed: user_id=%s conversation_id=%s err=%v", user.ID, conversation.ID, err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to load conversation history")
		return
	}

	attachments := make([]store.Attachment, 0, len(files))
	for _, file := range files {
		attachments = append(attachments, store.Attachment{URL: file.StoragePath, Type: file.MediaType})
	}
	if _, err := h.store.AppendMessage(r.Context(), store.Message{
		ConversationID: conversation.ID,
		Content:        strings.TrimSpace(req.Message),
		Attachments:    attachments,
	}); err != nil {
		log.Printf("persist user message failed: user_id=%s conversation_id=%s err=%v", user.ID, conversation.ID, err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to save message")
		return
	}

	settings, err := h.store.GetSettings(r.Context(), user.ID)
	if err != nil {
		log.Printf("load settings failed: user_id=%s err=%v", user.ID, err)
		settings = store.Settings{}
	}

	promptMessages := make([]provider.Message, 0, len(history)+1)
	for _, message := range history {
		promptMessages = append(promptMessages, provider.Message{
			Role:    message.Role(),
			Content: message.Content,
			Parts:   message.Parts(),
		})
	}
	promptMessages = append(promptMessages, provider.Message{
		Role:    provider.RoleUser,
		Content: h.appendFileContextToPrompt(req.Message, files),
	})

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "server does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	_ = writeSSEEvent(w, map[string]any{
		"type":           "metadata",
		"conversationId": conversation.ID,
		"model":          selection.Model,
		"provider":       string(selection.Family),
		"webSearch":      selection.SearchEnabled(),
		"reasoning":      selection.ReasoningEnabled(),
	})
	flusher.Flush()

	startedAt := time.Now()
	log.Printf(
		"chat stream start: user_id=%s conversation_id=%s model=%s provider=%s web_search=%t reasoning=%t history_messages=%d attachments=%d",
		user.ID,
		conversation.ID,
		selection.Model,
		selection.Family,
		selection.SearchEnabled(),
		selection.ReasoningEnabled(),
		len(history),
		len(files),
	)

	var assistantContent strings.Builder
	var reasoningContent strings.Builder
	sources := make([]provider.Source, 0, 8)
	seenSources := make(map[string]struct{})

	streamErr := streamer.StreamChat(r.Context(), selection, h.buildSystemPrompt(settings), promptMessages, provider.StreamHandlers{
		OnDelta: func(text string) error {
			assistantContent.WriteString(text)
			if err := writeSSEEvent(w, map[string]any{"type": "token", "delta": text}); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
		OnReasoning: func(text string) error {
			reasoningContent.WriteString(text)
			if err := writeSSEEvent(w, map[string]any{"type": "reasoning", "delta": text}); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
		OnToolCall: func(call provider.ToolCall) error {
			if err := writeSSEEvent(w, map[string]any{"type": "tool", "name": call.Name}); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
		OnSource: func(source provider.Source) error {
			if _, ok := seenSources[source.URL]; ok {
				return nil
			}
			seenSources[source.URL] = struct{}{}
			sources = append(sources, source)
			if err := writeSSEEvent(w, map[string]any{"type": "source", "url": source.URL, "title": source.Title}); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
		OnUsage: func(usage provider.Usage) error {
			if err := writeSSEEvent(w, map[string]any{"type": "usage", "usage": usage}); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
	})

	if streamErr != nil {
		if r.Context().Err() != nil {
			// The client went away; there is nobody to stream to and the
			// partial reply is discarded.
			log.Printf(
				"chat stream aborted by client: user_id=%s conversation_id=%s response_chars=%d elapsed_ms=%d",
				user.ID,
				conversation.ID,
				assistantContent.Len(),
				time.Since(startedAt).Milliseconds(),
			)
			return
		}

		log.Printf(
			"chat stream error: user_id=%s conversation_id=%s model=%s err=%v response_chars=%d elapsed_ms=%d",
			user.ID,
			conversation.ID,
			selection.Model,
			streamErr,
			assistantContent.Len(),
			time.Since(startedAt).Milliseconds(),
		)
		_ = writeSSEEvent(w, map[string]any{"type": "error", "message": "stream interrupted"})
		_ = writeSSEEvent(w, map[string]any{"type": "done"})
		flusher.Flush()
		return
	}

	// One write per completed stream, even for an empty body: a sources-only
	// reply still has citations to keep. The client already holds the full
	// reply, so a failed write is a durability problem and stays out of the
	// stream; titling is skipped because it would name a turn that was lost.
	persisted := false
	if _, err := h.store.AppendMessage(r.Context(), store.Message{
		ConversationID: conversation.ID,
		Assistant:      true,
		Content:        assistantContent.String(),
		Reasoning:      reasoningContent.String(),
		Sources:        sources,
	}); err != nil {
		log.Printf(
			"persist assistant message failed: user_id=%s conversation_id=%s err=%v content_chars=%d",
			user.ID,
			conversation.ID,
			err,
			assistantContent.Len(),
		)
	} else {
		persisted = true
	}

	if persisted && conversation.Name == store.DefaultConversationName {
		h.titles.Add(1)
		go h.generateTitle(selection, streamer, promptMessages, conversation.ID, user.ID)
	}

	log.Printf(
		"chat stream completed: user_id=%s conversation_id=%s model=%s response_chars=%d sources=%d elapsed_ms=%d",
		user.ID,
		conversation.ID,
		selection.Model,
		assistantContent.Len(),
		len(sources),
		time.Since(startedAt).Milliseconds(),
	)

	_ = writeSSEEvent(w, map[string]any{"type": "done"})
	flusher.Flush()
}

// generateTitle names an unnamed conversation from its opening exchange. It
// runs detached from the request so a closed client connection cannot cancel
// it, reuses the turn's model selection, and collects the full title before
// renaming. Every failure is logged and swallowed; the chat already
// succeeded.
func (h Handler) generateTitle(selection provider.Selection, streamer provider.Streamer, history []provider.Message, conversationID, userID string) {
	defer h.titles.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(h.cfg.TitleTimeoutSeconds)*time.Second)
	defer cancel()

	var raw strings.Builder
	err := streamer.StreamChat(ctx, selection, titleSystemPrompt, history, provider.StreamHandlers{
		OnDelta: func(text string) error {
			raw.WriteString(text)
			return nil
		},
	})
	if err != nil {
		log.Printf("title generation failed: user_id=%s conversation_id=%s err=%v", userID, conversationID, err)
		return
	}

	title := normalizeTitle(raw.String())
	if title == "" {
		log.Printf("title generation produced no title: user_id=%s conversation_id=%s", userID, conversationID)
		return
	}

	renamed, err := h.store.RenameConversationIfUnnamed(ctx, conversationID, title)
	if err != nil {
		log.Printf("title rename failed: user_id=%s conversation_id=%s err=%v", userID, conversationID, err)
		return
	}
	if !renamed {
		log.Printf("title rename skipped: user_id=%s conversation_id=%s reason=already_named", userID, conversationID)
		return
	}
	log.Printf("conversation titled: user_id=%s conversation_id=%s title=%q", userID, conversationID, title)
}

func (h Handler) buildSystemPrompt(settings store.Settings) string {
	lines := []string{personaSystemPrompt}
	if name := strings.TrimSpace(settings.DisplayName); name != "" {
		lines = append(lines, "The user's name is "+name+".")
	}
	if profession := strings.TrimSpace(settings.Profession); profession != "" {
		lines = append(lines, "The user works as a "+profession+".")
	}
	if len(settings.Traits) > 0 {
		lines = append(lines, "The user would like you to be: "+strings.Join(settings.Traits, ", ")+".")
	}
	if info := strings.TrimSpace(settings.AdditionalInfo); info != "" {
		lines = append(lines, "Additional context about the user: "+info)
	}
	return strings.Join(lines, "\n")
}

// normalizeTitle flattens a model answer into a single clean line: quotes and
// markdown emphasis stripped, whitespace collapsed, length capped.
func normalizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, "\"'`*_")
	title = strings.Join(strings.Fields(title), " ")
	title = trimToRunes(title, maxTitleRunes)
	return strings.TrimSpace(title)
}

func boolValue(value *bool) bool {
	return value != nil && *value
}
