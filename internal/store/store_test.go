package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"polychat/backend/internal/db"
	"polychat/backend/internal/provider"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(database)
}

func seedUser(t *testing.T, s Store, id string) {
	t.Helper()

	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO users (id, google_sub, email) VALUES (?, ?, ?);
`, id, "sub-"+id, id+"@example.com")
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestAuthorizeDistinguishesMissingFromForeign(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedUser(t, s, "owner")
	seedUser(t, s, "intruder")

	conversation, err := s.CreateConversation(context.Background(), "owner", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if conversation.Name != DefaultConversationName {
		t.Fatalf("unexpected default name: %q", conversation.Name)
	}

	if _, err := s.Authorize(context.Background(), conversation.ID, "owner"); err != nil {
		t.Fatalf("authorize owner: %v", err)
	}

	if _, err := s.Authorize(context.Background(), conversation.ID, "intruder"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := s.Authorize(context.Background(), "missing", "owner"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendAndListMessagesRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedUser(t, s, "owner")

	conversation, err := s.CreateConversation(context.Background(), "owner", "Notes")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if _, err := s.AppendMessage(context.Background(), Message{
		ConversationID: conversation.ID,
		Content:        "what is Go?",
		Attachments:    []Attachment{{URL: "https://files.local/doc.pdf", Type: "application/pdf"}},
	}); err != nil {
		t.Fatalf("append user message: %v", err)
	}

	if _, err := s.AppendMessage(context.Background(), Message{
		ConversationID: conversation.ID,
		Assistant:      true,
		Content:        "A programming language.",
		Reasoning:      "The user asks for a definition.",
		Sources:        []provider.Source{{URL: "https://go.dev", Title: "The Go Programming Language"}},
	}); err != nil {
		t.Fatalf("append assistant message: %v", err)
	}

	messages, err := s.ListMessages(context.Background(), conversation.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}

	if messages[0].Assistant || messages[0].Role() != provider.RoleUser {
		t.Fatalf("unexpected first message: %+v", messages[0])
	}
	if len(messages[0].Attachments) != 1 || messages[0].Attachments[0].Type != "application/pdf" {
		t.Fatalf("unexpected attachments: %+v", messages[0].Attachments)
	}

	reply := messages[1]
	if !reply.Assistant || reply.Reasoning == "" {
		t.Fatalf("unexpected assistant message: %+v", reply)
	}
	if len(reply.Sources) != 1 || reply.Sources[0].URL != "https://go.dev" {
		t.Fatalf("unexpected sources: %+v", reply.Sources)
	}
}

func TestPartsOrderIsReasoningTextFilesSources(t *testing.T) {
	t.Parallel()

	message := Message{
		Content:   "answer",
		Reasoning: "thinking",
		Sources:   []provider.Source{{URL: "https://example.com"}},
		Attachments: []Attachment{
			{URL: "https://files.local/a.txt", Type: "text/plain"},
			{URL: "https://files.local/b.txt", Type: "text/plain"},
		},
	}

	parts := message.Parts()
	types := make([]string, 0, len(parts))
	for _, part := range parts {
		types = append(types, part.Type)
	}

	want := []string{
		provider.PartReasoning,
		provider.PartText,
		provider.PartFile,
		provider.PartFile,
		provider.PartSource,
	}
	if len(types) != len(want) {
		t.Fatalf("unexpected part count: %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("unexpected part order: %v", types)
		}
	}
}

func TestRenameConversation(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedUser(t, s, "owner")

	conversation, err := s.CreateConversation(context.Background(), "owner", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if err := s.RenameConversation(context.Background(), conversation.ID, "Go questions"); err != nil {
		t.Fatalf("rename conversation: %v", err)
	}

	renamed, err := s.Authorize(context.Background(), conversation.ID, "owner")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if renamed.Name != "Go questions" {
		t.Fatalf("unexpected name: %q", renamed.Name)
	}

	if err := s.RenameConversation(context.Background(), "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteConversationChecksOwnership(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedUser(t, s, "owner")
	seedUser(t, s, "intruder")

	conversation, err := s.CreateConversation(context.Background(), "owner", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if err := s.DeleteConversation(context.Background(), conversation.ID, "intruder"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := s.DeleteConversation(context.Background(), conversation.ID, "owner"); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}

	remaining, err := s.ListConversations(context.Background(), "owner")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no conversations, got %d", len(remaining))
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedUser(t, s, "owner")

	empty, err := s.GetSettings(context.Background(), "owner")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if empty.DisplayName != "" || len(empty.Traits) != 0 {
		t.Fatalf("expected empty settings, got %+v", empty)
	}

	saved, err := s.UpsertSettings(context.Background(), "owner", Settings{
		DisplayName:    "Sam",
		Profession:     "engineer",
		Traits:         []string{"curious", " direct ", ""},
		AdditionalInfo: "prefers short answers",
	})
	if err != nil {
		t.Fatalf("upsert settings: %v", err)
	}

	if saved.DisplayName != "Sam" || saved.Profession != "engineer" {
		t.Fatalf("unexpected settings: %+v", saved)
	}
	if len(saved.Traits) != 2 || saved.Traits[0] != "curious" || saved.Traits[1] != "direct" {
		t.Fatalf("unexpected traits: %+v", saved.Traits)
	}
}
