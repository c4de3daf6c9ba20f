package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"openoutcry/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS journal (
    session_id TEXT    NOT NULL,
    seq        INTEGER NOT NULL,
    ts         TEXT    NOT NULL,
    kind       TEXT    NOT NULL,
    payload    TEXT    NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_journal_kind ON journal(session_id, kind);
`

// SQLiteSink appends journal records to a single SQLite database. The
// driver is pure Go, so the binary stays CGo-free. One writer connection
// keeps SQLite's single-writer model honest.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at the given path and
// applies the schema.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// Append inserts one record. Duplicate (session, seq) pairs are rejected
// by the primary key, which catches double-journaling bugs early.
func (s *SQLiteSink) Append(sessionID string, rec Record) error {
	_, err := s.db.Exec(
		`INSERT INTO journal (session_id, seq, ts, kind, payload) VALUES (?, ?, ?, ?, ?)`,
		sessionID, rec.Seq, rec.Timestamp.UTC().Format(time.RFC3339Nano),
		string(rec.Kind), string(rec.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert journal record: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// ReadSession returns every record of one session in seq order.
func (s *SQLiteSink) ReadSession(sessionID string) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT seq, ts, kind, payload FROM journal WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			ts      string
			kind    string
			payload string
		)
		if err := rows.Scan(&rec.Seq, &ts, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan journal record: %w", err)
		}
		rec.SessionID = sessionID
		rec.Kind = types.EventKind(kind)
		rec.Payload = json.RawMessage(payload)
		rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse journal timestamp: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Sessions lists the session IDs present in the database, most recent
// first.
func (s *SQLiteSink) Sessions() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT session_id FROM journal GROUP BY session_id ORDER BY MAX(seq) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
