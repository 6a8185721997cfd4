package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carapace/carapace/internal/db"
)

// SQLiteStore persists Claude session ids in a local SQLite database.
// The single-connection pool serializes writes.
type SQLiteStore struct {
	db  *sqlx.DB
	ttl time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (or creates) the session database at path.
func OpenSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	conn, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	store := &SQLiteStore{db: conn, ttl: ttl}
	if err := store.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("session schema init: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS claude_sessions (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		group_name        TEXT NOT NULL,
		claude_session_id TEXT NOT NULL,
		recorded_at       TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_claude_sessions_group_time
		ON claude_sessions(group_name, recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save records a (group, id) observation.
func (s *SQLiteStore) Save(ctx context.Context, group, claudeSessionID string) error {
	if group == "" || claudeSessionID == "" {
		return fmt.Errorf("save requires a group and a session id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claude_sessions (group_name, claude_session_id, recorded_at)
		VALUES (?, ?, ?)`,
		group, claudeSessionID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save claude session: %w", err)
	}
	return nil
}

// GetLatest returns the most recent id for the group, or false when
// there is none or the latest is older than the TTL.
func (s *SQLiteStore) GetLatest(ctx context.Context, group string) (string, bool, error) {
	var record Record
	err := s.db.GetContext(ctx, &record, `
		SELECT group_name, claude_session_id, recorded_at
		FROM claude_sessions
		WHERE group_name = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`, group)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get latest claude session: %w", err)
	}
	if s.ttl > 0 && time.Since(record.RecordedAt) > s.ttl {
		return "", false, nil
	}
	return record.ClaudeSessionID, true, nil
}

// List returns every record for the group, newest first, ignoring TTL.
func (s *SQLiteStore) List(ctx context.Context, group string) ([]Record, error) {
	var records []Record
	err := s.db.SelectContext(ctx, &records, `
		SELECT group_name, claude_session_id, recorded_at
		FROM claude_sessions
		WHERE group_name = ?
		ORDER BY recorded_at DESC, id DESC`, group)
	if err != nil {
		return nil, fmt.Errorf("list claude sessions: %w", err)
	}
	return records, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
