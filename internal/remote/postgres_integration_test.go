package remote

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/crewboard/livesync/internal/livesync"
)

// These tests need a disposable Postgres database; they create and drop
// the schema themselves. Set LIVESYNC_TEST_POSTGRES_DSN to run them.

func integrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LIVESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("LIVESYNC_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			created_by TEXT NOT NULL,
			recipient TEXT,
			body TEXT NOT NULL DEFAULT '',
			read_by JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			created_by TEXT NOT NULL,
			assignee TEXT,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'open',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			created_by TEXT NOT NULL,
			kind TEXT NOT NULL,
			task_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		)`,
		`TRUNCATE users, messages, tasks, activity_log`,
	}
	for _, stmt := range stmts {
		if _, err := store.db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("preparing schema: %v", err)
		}
	}
	return store
}

func TestPostgresIntegrationFetchMessages(t *testing.T) {
	store := integrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	seed := []string{
		`INSERT INTO users (id) VALUES ('alice'), ('bob')`,
		`INSERT INTO messages (id, created_by, recipient, body, created_at)
		 VALUES ('m1', 'bob', NULL, 'hi team', $1),
		        ('m2', 'bob', 'alice', 'hi alice', $1),
		        ('m3', 'alice', NULL, 'my own', $1)`,
		`INSERT INTO messages (id, created_by, body, created_at, deleted_at)
		 VALUES ('m4', 'bob', 'gone', $1, $1)`,
	}
	for _, stmt := range seed {
		if _, err := store.db.ExecContext(ctx, stmt, now); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	messages, err := store.FetchMessages(ctx, "alice")
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2 (self-authored and deleted excluded): %+v", len(messages), messages)
	}

	users, err := store.FetchKnownUsers(ctx)
	if err != nil {
		t.Fatalf("FetchKnownUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got users %v, want alice and bob", users)
	}
}

func TestPostgresIntegrationMarkMessagesRead(t *testing.T) {
	store := integrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := store.db.ExecContext(ctx, `
		INSERT INTO messages (id, created_by, recipient, body, read_by, created_at)
		VALUES ('m1', 'bob', 'alice', 'dm', NULL, $1),
		       ('m2', 'bob', 'alice', 'dm read', '["alice"]'::jsonb, $1),
		       ('m3', 'bob', NULL, 'broadcast', NULL, $1)`, now); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	if err := store.MarkMessagesRead(ctx, livesync.DirectConversation("bob"), "alice"); err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}
	// Run it twice: the jsonb containment guard must keep it idempotent.
	if err := store.MarkMessagesRead(ctx, livesync.DirectConversation("bob"), "alice"); err != nil {
		t.Fatalf("second MarkMessagesRead: %v", err)
	}

	messages, err := store.FetchMessages(ctx, "carol")
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	for _, m := range messages {
		switch m.ID {
		case "m1", "m2":
			if !m.ReadByUser("alice") {
				t.Fatalf("message %s not marked read: %v", m.ID, m.ReadBy)
			}
			if len(m.ReadBy) != 1 {
				t.Fatalf("message %s read-by duplicated: %v", m.ID, m.ReadBy)
			}
		case "m3":
			if m.ReadByUser("alice") {
				t.Fatalf("broadcast marked read by DM scope: %v", m.ReadBy)
			}
		}
	}
}

func TestPostgresIntegrationFetchActivitySince(t *testing.T) {
	store := integrationStore(t)
	ctx := context.Background()
	cutoff := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := store.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, created_by, kind, created_at)
		VALUES ('a1', 'bob', 'task.created', $1),
		       ('a2', 'bob', 'task.done', $2)`,
		cutoff.Add(-time.Hour), cutoff.Add(time.Hour)); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	events, err := store.FetchActivity(ctx, "alice", cutoff)
	if err != nil {
		t.Fatalf("FetchActivity: %v", err)
	}
	if len(events) != 1 || events[0].ID != "a2" {
		t.Fatalf("since filter not applied: %+v", events)
	}
}
