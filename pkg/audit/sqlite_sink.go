package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists audit entries in a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (or creates) the database at path.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	s, err := NewSQLiteSink(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteSink wraps an open database and creates the table if needed.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		sequence INTEGER PRIMARY KEY,
		entry_id TEXT NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		type TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate audit_entries: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Write(ctx context.Context, e Entry) error {
	query := `INSERT INTO audit_entries (
		sequence, entry_id, timestamp, type, session_id, user_id, action, payload, payload_hash, previous_hash, entry_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		e.Sequence, e.EntryID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Type),
		e.SessionID, e.UserID, e.Action, string(e.Payload), e.PayloadHash, e.PreviousHash, e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// All returns every persisted entry in sequence order.
func (s *SQLiteSink) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, entry_id, timestamp, type, session_id, user_id, action, payload, payload_hash, previous_hash, entry_hash
		FROM audit_entries
		ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      string
			typ     string
			payload string
		)
		if err := rows.Scan(&e.Sequence, &e.EntryID, &ts, &typ, &e.SessionID, &e.UserID, &e.Action,
			&payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("entry %d: bad timestamp: %w", e.Sequence, err)
		}
		e.Type = EventType(typ)
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
