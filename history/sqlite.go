package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS call_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	kind         TEXT    NOT NULL,
	duration     INTEGER NOT NULL,
	status       TEXT    NOT NULL,
	participant1 TEXT    NOT NULL,
	participant2 TEXT    NOT NULL,
	caller_id    TEXT    NOT NULL,
	ended_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_history_ended_at ON call_history(ended_at);
`

// SQLiteStore persists call records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) the history database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	logrus.WithField("path", path).Info("Call history database opened")
	return &SQLiteStore{db: db}, nil
}

// Record inserts one call record.
func (s *SQLiteStore) Record(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_history (kind, duration, status, participant1, participant2, caller_id, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Kind, rec.Duration, string(rec.Status),
		rec.Participants[0], rec.Participants[1], rec.CallerID,
		rec.EndedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}
	return nil
}

// Recent returns up to limit records involving the given identity, newest
// first.
func (s *SQLiteStore) Recent(ctx context.Context, identity string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, duration, status, participant1, participant2, caller_id, ended_at
		 FROM call_history
		 WHERE participant1 = ? OR participant2 = ?
		 ORDER BY ended_at DESC, id DESC
		 LIMIT ?`,
		identity, identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query call history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var status string
		var endedAt int64
		if err := rows.Scan(&rec.Kind, &rec.Duration, &status,
			&rec.Participants[0], &rec.Participants[1], &rec.CallerID, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		rec.Status = Status(status)
		rec.EndedAt = time.Unix(endedAt, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
