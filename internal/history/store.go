// Package history persists finished dictation sessions. Store keeps
// transcripts in a SQLite database for the sessions listing; EventLog is an
// append-only JSONL record of one daemon run for postmortems.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/talkscribe/talkscribe/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	language   TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	ended_at   INTEGER NOT NULL,
	segments   INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	transcript TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS sessions_started_at ON sessions (started_at);
`

// Store writes and lists finished transcripts.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path with WAL and a busy
// timeout, and ensures the schema exists.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts one finished session. Times are stored as Unix milliseconds.
func (s *Store) Save(t session.Transcript) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, language, started_at, ended_at, segments, failed, transcript)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			language   = excluded.language,
			started_at = excluded.started_at,
			ended_at   = excluded.ended_at,
			segments   = excluded.segments,
			failed     = excluded.failed,
			transcript = excluded.transcript
	`, t.SessionID, t.Language, t.StartedAt.UnixMilli(), t.EndedAt.UnixMilli(),
		t.Segments, t.Failed, t.Text)
	if err != nil {
		return fmt.Errorf("save session %s: %w", t.SessionID, err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first. A non-positive limit
// means 20.
func (s *Store) Recent(limit int) ([]session.Transcript, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, language, started_at, ended_at, segments, failed, transcript
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Transcript
	for rows.Next() {
		var t session.Transcript
		var startedAt, endedAt int64
		if err := rows.Scan(&t.SessionID, &t.Language, &startedAt, &endedAt,
			&t.Segments, &t.Failed, &t.Text); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		t.StartedAt = time.UnixMilli(startedAt)
		t.EndedAt = time.UnixMilli(endedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
