// Package remote implements the read client for the shared Postgres
// store. Every fetch is an authoritative slice query; the engine's cache
// replaces its copy wholesale with the result.
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/crewboard/livesync/internal/livesync"
)

const defaultQueryTimeout = 15 * time.Second

// PostgresStore reads entity slices from the remote store and issues the
// mark-as-read side-channel write.
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
}

var (
	_ livesync.Fetcher    = (*PostgresStore)(nil)
	_ livesync.ReadMarker = (*PostgresStore)(nil)
)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("remote store dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening remote store: %w", err)
	}
	return &PostgresStore{db: db, timeout: defaultQueryTimeout}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// FetchMessages returns all live messages not authored by selfID. The
// unread rules exclude self-authored entities anyway, so they are
// filtered at the source.
func (s *PostgresStore) FetchMessages(ctx context.Context, selfID string) ([]livesync.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_by, COALESCE(recipient, ''), body,
		       COALESCE(read_by, '[]'::jsonb), created_at, deleted_at
		FROM messages
		WHERE created_by <> $1 AND deleted_at IS NULL
		ORDER BY created_at`, selfID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []livesync.Message
	for rows.Next() {
		var (
			m         livesync.Message
			readBy    []byte
			deletedAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.CreatedBy, &m.Recipient, &m.Body,
			&readBy, &m.CreatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.ReadBy, err = decodeReadBy(readBy)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			m.DeletedAt = &t
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// FetchTasks returns all live tasks not authored by selfID.
func (s *PostgresStore) FetchTasks(ctx context.Context, selfID string) ([]livesync.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_by, COALESCE(assignee, ''), title, status,
		       created_at, updated_at, deleted_at
		FROM tasks
		WHERE created_by <> $1 AND deleted_at IS NULL
		ORDER BY created_at`, selfID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []livesync.Task
	for rows.Next() {
		var (
			t         livesync.Task
			deletedAt sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.CreatedBy, &t.Assignee, &t.Title,
			&t.Status, &t.CreatedAt, &t.UpdatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		if deletedAt.Valid {
			dt := deletedAt.Time
			t.DeletedAt = &dt
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// FetchActivity returns activity-log rows authored by others, optionally
// restricted to rows after since.
func (s *PostgresStore) FetchActivity(ctx context.Context, selfID string, since time.Time) ([]livesync.ActivityEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, created_by, kind, COALESCE(task_id, ''), created_at, deleted_at
		FROM activity_log
		WHERE created_by <> $1 AND deleted_at IS NULL`
	args := []any{selfID}
	if !since.IsZero() {
		query += " AND created_at > $2"
		args = append(args, since)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity log: %w", err)
	}
	defer rows.Close()

	var events []livesync.ActivityEvent
	for rows.Next() {
		var (
			ev        livesync.ActivityEvent
			deletedAt sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &ev.CreatedBy, &ev.Kind, &ev.TaskID,
			&ev.CreatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scanning activity row: %w", err)
		}
		if deletedAt.Valid {
			dt := deletedAt.Time
			ev.DeletedAt = &dt
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// FetchKnownUsers returns the identities a conversation view can be
// routed to. Senders outside this set are system-generated and never
// surface as unread DMs.
func (s *PostgresStore) FetchKnownUsers(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM users WHERE deleted_at IS NULL ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkMessagesRead appends selfID to the read-by set of every live
// message in the conversation's scope that does not carry it yet. This is
// the eventually-consistent remote half of opening a conversation; the
// local watermark advance is the other half.
func (s *PostgresStore) MarkMessagesRead(ctx context.Context, conv livesync.Conversation, selfID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var scope string
	args := []any{selfID}
	switch conv.Kind {
	case livesync.ConversationTeam:
		scope = "recipient IS NULL"
	case livesync.ConversationDirect:
		scope = "created_by = $2 AND recipient = $1"
		args = append(args, conv.Peer)
	default:
		return livesync.ErrInvalidInput
	}

	query := fmt.Sprintf(`
		UPDATE messages
		SET read_by = COALESCE(read_by, '[]'::jsonb) || to_jsonb($1::text)
		WHERE %s
		  AND deleted_at IS NULL
		  AND NOT COALESCE(read_by, '[]'::jsonb) @> to_jsonb($1::text)`, scope)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("marking %s read: %w", conv.Category(), err)
	}
	return nil
}

func decodeReadBy(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var readBy []string
	if err := json.Unmarshal(raw, &readBy); err != nil {
		return nil, fmt.Errorf("decoding read_by: %w", err)
	}
	return readBy, nil
}
