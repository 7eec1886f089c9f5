// Package session issues and resolves the cookie sessions that gate every
// chat endpoint, and owns the users table those sessions point at.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

const sessionTokenBytes = 32

// sqliteTimeLayout matches CURRENT_TIMESTAMP so expiry comparisons work as
// plain string comparisons.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// Identity is what Google (or the insecure test path) asserts about a signer.
type Identity struct {
	GoogleSub   string
	Email       string
	DisplayName string
	AvatarURL   string
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	GoogleSub string `json:"googleSub"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// Session is an issued login: the raw token goes into the cookie, only its
// digest is stored.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) Store {
	return Store{db: db}
}

// UpsertUser creates or refreshes the users row keyed by the Google subject,
// so repeat logins keep their conversations and settings.
func (s Store) UpsertUser(ctx context.Context, identity Identity) (User, error) {
	query := `
INSERT INTO users (id, google_sub, email, display_name, avatar_url)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(google_sub) DO UPDATE SET
  email = excluded.email,
  display_name = excluded.display_name,
  avatar_url = excluded.avatar_url,
  updated_at = CURRENT_TIMESTAMP
RETURNING id, google_sub, email, COALESCE(display_name, ''), COALESCE(avatar_url, ''), created_at, updated_at;
`

	var out User
	if err := s.db.QueryRowContext(
		ctx,
		query,
		uuid.NewString(),
		identity.GoogleSub,
		strings.ToLower(identity.Email),
		strings.TrimSpace(identity.DisplayName),
		strings.TrimSpace(identity.AvatarURL),
	).Scan(
		&out.ID,
		&out.GoogleSub,
		&out.Email,
		&out.Name,
		&out.AvatarURL,
		&out.CreatedAt,
		&out.UpdatedAt,
	); err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return out, nil
}

// CreateSession issues a fresh login for the user and sweeps their expired
// sessions while it is at it, so abandoned rows do not pile up.
func (s Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (Session, error) {
	rawToken, err := newSessionToken()
	if err != nil {
		return Session{}, fmt.Errorf("generate session token: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
DELETE FROM sessions WHERE user_id = ? AND expires_at <= CURRENT_TIMESTAMP;
`, userID); err != nil {
		return Session{}, fmt.Errorf("sweep expired sessions: %w", err)
	}

	expiresAt := time.Now().Add(ttl).UTC()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, user_id, token_hash, expires_at) VALUES (?, ?, ?, ?);
`, uuid.NewString(), userID, tokenDigest(rawToken), expiresAt.Format(sqliteTimeLayout)); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}

	return Session{Token: rawToken, ExpiresAt: expiresAt}, nil
}

// ResolveSession maps a cookie token back to its user. Expired and unknown
// tokens both come back as ErrNotFound.
func (s Store) ResolveSession(ctx context.Context, rawToken string) (User, error) {
	query := `
SELECT u.id, u.google_sub, u.email, COALESCE(u.display_name, ''), COALESCE(u.avatar_url, ''), u.created_at, u.updated_at
FROM sessions s
JOIN users u ON u.id = s.user_id
WHERE s.token_hash = ? AND s.expires_at > CURRENT_TIMESTAMP
LIMIT 1;
`

	var out User
	err := s.db.QueryRowContext(ctx, query, tokenDigest(rawToken)).Scan(
		&out.ID,
		&out.GoogleSub,
		&out.Email,
		&out.Name,
		&out.AvatarURL,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("resolve session: %w", err)
	}
	return out, nil
}

func (s Store) DeleteSession(ctx context.Context, rawToken string) error {
	if strings.TrimSpace(rawToken) == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?;`, tokenDigest(rawToken)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func newSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func tokenDigest(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
