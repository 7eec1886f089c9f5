package session

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"polychat/backend/internal/db"
)

func newTestStore(t *testing.T) (Store, *sql.DB) {
	t.Helper()

	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(database), database
}

func TestUpsertUserKeepsIdentityAcrossLogins(t *testing.T) {
	store, _ := newTestStore(t)

	first, err := store.UpsertUser(context.Background(), Identity{
		GoogleSub:   "sub-1",
		Email:       "Person@Example.com",
		DisplayName: "Person",
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Email != "person@example.com" {
		t.Fatalf("email should be lowercased, got %q", first.Email)
	}

	second, err := store.UpsertUser(context.Background(), Identity{
		GoogleSub:   "sub-1",
		Email:       "person@example.com",
		DisplayName: "Person Renamed",
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("repeat login must keep the user row, got %q then %q", first.ID, second.ID)
	}
	if second.Name != "Person Renamed" {
		t.Fatalf("display name should refresh, got %q", second.Name)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store, _ := newTestStore(t)

	user, err := store.UpsertUser(context.Background(), Identity{GoogleSub: "sub-2", Email: "two@example.com"})
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	login, err := store.CreateSession(context.Background(), user.ID, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if login.Token == "" || !login.ExpiresAt.After(time.Now()) {
		t.Fatalf("unexpected session: %+v", login)
	}

	resolved, err := store.ResolveSession(context.Background(), login.Token)
	if err != nil {
		t.Fatalf("resolve session: %v", err)
	}
	if resolved.ID != user.ID {
		t.Fatalf("resolved wrong user: %q", resolved.ID)
	}

	if err := store.DeleteSession(context.Background(), login.Token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := store.ResolveSession(context.Background(), login.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted session must not resolve, got %v", err)
	}
}

func TestExpiredSessionsDoNotResolveAndAreSwept(t *testing.T) {
	store, database := newTestStore(t)

	user, err := store.UpsertUser(context.Background(), Identity{GoogleSub: "sub-3", Email: "three@example.com"})
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	expired, err := store.CreateSession(context.Background(), user.ID, -time.Hour)
	if err != nil {
		t.Fatalf("create expired session: %v", err)
	}
	if _, err := store.ResolveSession(context.Background(), expired.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session must not resolve, got %v", err)
	}

	// A fresh login sweeps the user's expired rows.
	if _, err := store.CreateSession(context.Background(), user.ID, time.Hour); err != nil {
		t.Fatalf("create session: %v", err)
	}

	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM sessions WHERE user_id = ?;`, user.ID).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the live session, got %d rows", count)
	}
}
