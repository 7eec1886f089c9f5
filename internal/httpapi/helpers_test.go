package httpapi

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"polychat/backend/internal/auth"
	"polychat/backend/internal/config"
	"polychat/backend/internal/db"
	"polychat/backend/internal/provider"
	"polychat/backend/internal/session"
	"polychat/backend/internal/store"
)

// stubStreamer scripts provider behavior per call. The first call is the chat
// turn; a second call, when it happens, is the title generation.
type stubStreamer struct {
	calls  *int32
	script func(call int, ctx context.Context, sel provider.Selection, system string, messages []provider.Message, handlers provider.StreamHandlers) error
}

func newStubStreamer(script func(call int, ctx context.Context, sel provider.Selection, system string, messages []provider.Message, handlers provider.StreamHandlers) error) stubStreamer {
	return stubStreamer{calls: new(int32), script: script}
}

func (s stubStreamer) StreamChat(ctx context.Context, sel provider.Selection, system string, messages []provider.Message, handlers provider.StreamHandlers) error {
	call := int(atomic.AddInt32(s.calls, 1))
	if s.script == nil {
		return nil
	}
	return s.script(call, ctx, sel, system, messages, handlers)
}

func (s stubStreamer) callCount() int {
	return int(atomic.LoadInt32(s.calls))
}

// stubProviders hands the same streamer to every family.
type stubProviders struct {
	streamer provider.Streamer
}

func (s stubProviders) For(provider.Family) (provider.Streamer, error) {
	return s.streamer, nil
}

func newTestHandler(t *testing.T, streamer provider.Streamer) (Handler, *sql.DB) {
	t.Helper()

	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Config{
		AuthRequired:        false,
		SessionCookieName:   "polychat_session",
		SessionTTL:          time.Hour,
		GCSUploadPrefix:     "chat-uploads",
		TitleTimeoutSeconds: 5,
	}

	handler := NewHandler(cfg, database, session.NewStore(database), auth.NewVerifier(cfg), stubProviders{streamer: streamer}, nil)
	return handler, database
}

// testUser persists the anonymous session user so conversations can be seeded
// against the same row the handlers resolve.
func testUser(t *testing.T, handler Handler) session.User {
	t.Helper()

	anon := anonymousUser()
	user, err := handler.sessions.UpsertUser(context.Background(), session.Identity{
		GoogleSub:   anon.GoogleSub,
		Email:       anon.Email,
		DisplayName: anon.Name,
		AvatarURL:   anon.AvatarURL,
	})
	if err != nil {
		t.Fatalf("persist test user: %v", err)
	}
	return user
}

func seedForeignUser(t *testing.T, handler Handler) session.User {
	t.Helper()

	user, err := handler.sessions.UpsertUser(context.Background(), session.Identity{
		GoogleSub:   "foreign-sub",
		Email:       "foreign@example.com",
		DisplayName: "Foreign",
	})
	if err != nil {
		t.Fatalf("persist foreign user: %v", err)
	}
	return user
}

func seedConversation(t *testing.T, handler Handler, userID, name string) store.Conversation {
	t.Helper()

	conversation, err := handler.store.CreateConversation(context.Background(), userID, name)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conversation
}

// serveWithSession runs a handler func behind the session middleware, the way
// the router mounts it.
func serveWithSession(handler Handler, fn http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	handler.RequireSession(fn).ServeHTTP(resp, req)
	return resp
}

type sseFrame map[string]any

func parseSSEFrames(t *testing.T, body string) []sseFrame {
	t.Helper()

	frames := make([]sseFrame, 0, 8)
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var frame sseFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			t.Fatalf("parse sse frame %q: %v", payload, err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func frameTypes(frames []sseFrame) []string {
	types := make([]string, 0, len(frames))
	for _, frame := range frames {
		if kind, ok := frame["type"].(string); ok {
			types = append(types, kind)
		}
	}
	return types
}

func countMessages(t *testing.T, database *sql.DB, conversationID string) int {
	t.Helper()

	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?;`, conversationID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func conversationName(t *testing.T, database *sql.DB, conversationID string) string {
	t.Helper()

	var name string
	if err := database.QueryRow(`SELECT name FROM conversations WHERE id = ?;`, conversationID).Scan(&name); err != nil {
		t.Fatalf("read conversation name: %v", err)
	}
	return name
}
