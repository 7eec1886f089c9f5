// Package store persists conversations, messages, and user settings, and
// enforces conversation ownership for every scoped operation.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"polychat/backend/internal/provider"
)

// DefaultConversationName marks a conversation that has not been titled yet.
// The chat flow only auto-titles conversations still carrying this name.
const DefaultConversationName = "New Chat"

var (
	ErrNotFound  = errors.New("conversation not found")
	ErrForbidden = errors.New("conversation belongs to another user")
)

type Conversation struct {
	ID        string `json:"id"`
	UserID    string `json:"-"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// Attachment is a stored file reference on a message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	Assistant      bool              `json:"assistant"`
	Content        string            `json:"content"`
	Reasoning      string            `json:"reasoning,omitempty"`
	Sources        []provider.Source `json:"sources,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	CreatedAt      string            `json:"createdAt"`
}

// Role maps the assistant flag onto the provider role constants.
func (m Message) Role() string {
	if m.Assistant {
		return provider.RoleAssistant
	}
	return provider.RoleUser
}

// Parts rebuilds the typed message breakdown for replay. Order is fixed:
// reasoning first, then the text body, then attachments, then sources.
func (m Message) Parts() []provider.Part {
	parts := make([]provider.Part, 0, 2+len(m.Attachments)+len(m.Sources))
	if m.Reasoning != "" {
		parts = append(parts, provider.Part{Type: provider.PartReasoning, Text: m.Reasoning})
	}
	parts = append(parts, provider.Part{Type: provider.PartText, Text: m.Content})
	for _, attachment := range m.Attachments {
		parts = append(parts, provider.Part{
			Type:      provider.PartFile,
			URL:       attachment.URL,
			MediaType: attachment.Type,
		})
	}
	for i := range m.Sources {
		source := m.Sources[i]
		parts = append(parts, provider.Part{Type: provider.PartSource, Source: &source})
	}
	return parts
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) Store {
	return Store{db: db}
}

// Authorize loads a conversation and checks it belongs to the given user.
// ErrNotFound when no such row exists, ErrForbidden when another user owns it.
func (s Store) Authorize(ctx context.Context, conversationID, userID string) (Conversation, error) {
	query := `
SELECT id, user_id, name, created_at, updated_at
FROM conversations
WHERE id = ?
LIMIT 1;
`

	var out Conversation
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(
		&out.ID,
		&out.UserID,
		&out.Name,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if out.UserID != userID {
		return Conversation{}, ErrForbidden
	}
	return out, nil
}

func (s Store) CreateConversation(ctx context.Context, userID, name string) (Conversation, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultConversationName
	}

	query := `
INSERT INTO conversations (id, user_id, name)
VALUES (?, ?, ?)
RETURNING id, user_id, name, created_at, updated_at;
`

	var out Conversation
	if err := s.db.QueryRowContext(ctx, query, uuid.NewString(), userID, strings.TrimSpace(name)).Scan(
		&out.ID,
		&out.UserID,
		&out.Name,
		&out.CreatedAt,
		&out.UpdatedAt,
	); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return out, nil
}

func (s Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	query := `
SELECT id, user_id, name, created_at, updated_at
FROM conversations
WHERE user_id = ?
ORDER BY updated_at DESC;
`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]Conversation, 0, 16)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return conversations, nil
}

func (s Store) RenameConversation(ctx context.Context, conversationID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("conversation name is required")
	}

	result, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET name = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`, name, conversationID)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RenameConversationIfUnnamed renames only while the conversation still has
// the default name, so a user rename always wins over the auto-titler.
// Returns true when the rename was applied.
func (s Store) RenameConversationIfUnnamed(ctx context.Context, conversationID, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == DefaultConversationName {
		return false, nil
	}

	result, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET name = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND name = ?;
`, name, conversationID, DefaultConversationName)
	if err != nil {
		return false, fmt.Errorf("rename conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rename conversation: %w", err)
	}
	return affected > 0, nil
}

func (s Store) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	if _, err := s.Authorize(ctx, conversationID, userID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?;`, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// AppendMessage stores one turn. Sources and attachments are serialized to
// JSON columns; empty slices are stored as NULL so replay can skip them.
func (s Store) AppendMessage(ctx context.Context, message Message) (Message, error) {
	sourcesJSON, err := marshalOrNull(message.Sources, len(message.Sources))
	if err != nil {
		return Message{}, fmt.Errorf("marshal sources: %w", err)
	}
	attachmentsJSON, err := marshalOrNull(message.Attachments, len(message.Attachments))
	if err != nil {
		return Message{}, fmt.Errorf("marshal attachments: %w", err)
	}

	query := `
INSERT INTO messages (id, conversation_id, assistant, content, reasoning, sources, attachments)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id, created_at;
`

	out := message
	if err := s.db.QueryRowContext(
		ctx,
		query,
		uuid.NewString(),
		message.ConversationID,
		boolToInt(message.Assistant),
		message.Content,
		nullIfEmpty(message.Reasoning),
		sourcesJSON,
		attachmentsJSON,
	).Scan(&out.ID, &out.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?;
`, message.ConversationID); err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	return out, nil
}

func (s Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	query := `
SELECT id, conversation_id, assistant, COALESCE(content, ''), COALESCE(reasoning, ''), sources, attachments, created_at
FROM messages
WHERE conversation_id = ?
ORDER BY created_at ASC, rowid ASC;
`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, 32)
	for rows.Next() {
		var m Message
		var assistant int
		var sourcesJSON, attachmentsJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &assistant, &m.Content, &m.Reasoning, &sourcesJSON, &attachmentsJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Assistant = assistant != 0
		if sourcesJSON.Valid && sourcesJSON.String != "" {
			if err := json.Unmarshal([]byte(sourcesJSON.String), &m.Sources); err != nil {
				return nil, fmt.Errorf("parse message sources: %w", err)
			}
		}
		if attachmentsJSON.Valid && attachmentsJSON.String != "" {
			if err := json.Unmarshal([]byte(attachmentsJSON.String), &m.Attachments); err != nil {
				return nil, fmt.Errorf("parse message attachments: %w", err)
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func marshalOrNull(value any, length int) (any, error) {
	if length == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
