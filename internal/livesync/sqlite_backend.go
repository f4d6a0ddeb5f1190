package livesync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	sqliteContinuityTable = "livesync_continuity"
	sqliteContinuityKey   = "default"
)

// SQLiteContinuityBackend stores the continuity snapshot in a local
// SQLite database, one JSON blob per state key. The database is opened
// lazily on first use.
type SQLiteContinuityBackend struct {
	path     string
	stateKey string

	initOnce sync.Once
	initErr  error
	db       *sqlx.DB
}

func NewSQLiteContinuityBackend(path string) (*SQLiteContinuityBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteContinuityBackend{
		path:     path,
		stateKey: sqliteContinuityKey,
	}, nil
}

func (b *SQLiteContinuityBackend) Load() (*continuitySnapshot, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	var payload string
	err := b.db.Get(&payload,
		fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = ?", sqliteContinuityTable),
		b.stateKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading continuity state: %w", err)
	}
	var snapshot continuitySnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, fmt.Errorf("decoding continuity state: %w", err)
	}
	return &snapshot, nil
}

func (b *SQLiteContinuityBackend) Save(state *continuitySnapshot) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		sqliteContinuityTable),
		b.stateKey, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving continuity state: %w", err)
	}
	return nil
}

func (b *SQLiteContinuityBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteContinuityBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := sqlx.Open("sqlite", b.path)
		if err != nil {
			b.initErr = fmt.Errorf("opening sqlite db: %w", err)
			return
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			b.initErr = fmt.Errorf("enabling WAL mode: %w", err)
			return
		}
		if _, err := db.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`, sqliteContinuityTable)); err != nil {
			db.Close()
			b.initErr = fmt.Errorf("creating continuity table: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}
