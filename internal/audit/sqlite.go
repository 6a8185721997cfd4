package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carapace/carapace/internal/db"
)

const defaultQueryLimit = 100

// SQLiteLog persists audit entries in a local SQLite database. The
// connection pool is capped at one connection, so appends serialize
// through a single writer.
type SQLiteLog struct {
	db     *sqlx.DB
	ownsDB bool
}

var _ Log = (*SQLiteLog)(nil)

// OpenSQLite opens (or creates) the audit database at path.
func OpenSQLite(path string) (*SQLiteLog, error) {
	conn, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	log := &SQLiteLog{db: conn, ownsDB: true}
	if err := log.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit schema init: %w", err)
	}
	return log, nil
}

// NewSQLiteLog wraps an existing connection, for tests that share one.
func NewSQLiteLog(conn *sqlx.DB) (*SQLiteLog, error) {
	log := &SQLiteLog{db: conn}
	if err := log.initSchema(); err != nil {
		return nil, fmt.Errorf("audit schema init: %w", err)
	}
	return log, nil
}

func (l *SQLiteLog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp   TIMESTAMP NOT NULL,
		group_name  TEXT NOT NULL,
		source      TEXT NOT NULL,
		topic       TEXT NOT NULL,
		correlation TEXT NOT NULL,
		stage       TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_group_time ON audit_entries(group_name, timestamp);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Append records one entry. A zero timestamp is filled with now.
func (l *SQLiteLog) Append(ctx context.Context, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_entries (timestamp, group_name, source, topic, correlation, stage, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Group, entry.Source, entry.Topic,
		entry.Correlation, entry.Stage, entry.Outcome, entry.Error,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Query returns entries for the filter's group, newest first.
func (l *SQLiteLog) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	if filter.Group == "" {
		return nil, errGroupRequired
	}

	var clauses []string
	var args []any
	clauses = append(clauses, "group_name = ?")
	args = append(args, filter.Group)
	if filter.Topic != "" {
		clauses = append(clauses, "topic = ?")
		args = append(args, filter.Topic)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.Since)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, timestamp, group_name, source, topic, correlation, stage, outcome, error
		FROM audit_entries
		WHERE %s
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, strings.Join(clauses, " AND "))

	var entries []Entry
	if err := l.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	return entries, nil
}

// Close closes the database when the log owns it.
func (l *SQLiteLog) Close() error {
	if !l.ownsDB {
		return nil
	}
	return l.db.Close()
}
