package answers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore keeps answers in a local SQLite file. The composite key is
// enforced by a UNIQUE constraint so concurrent saves cannot both succeed.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

func OpenSQLite(ctx context.Context, path string, log *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("answers sqlite path is empty")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init answers schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS user_answers (
    id TEXT PRIMARY KEY,
    mock_id_ref TEXT NOT NULL,
    question TEXT NOT NULL,
    correct_ans TEXT,
    user_ans TEXT,
    feedback TEXT,
    rating INTEGER,
    user_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(user_id, question, mock_id_ref)
);
CREATE INDEX IF NOT EXISTS idx_user_answers_ref ON user_answers(user_id, mock_id_ref, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *SQLiteStore) Exists(ctx context.Context, key Key) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM user_answers WHERE user_id = ? AND question = ? AND mock_id_ref = ? LIMIT 1`,
		key.UserID, key.Question, key.SessionRef).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec Record) (string, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_answers(id, mock_id_ref, question, correct_ans, user_ans, feedback, rating, user_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionRef, rec.Question, rec.ReferenceAnswer, rec.CandidateAnswer, rec.Feedback, rec.Rating, rec.UserID, rec.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrDuplicate
		}
		return "", err
	}
	return rec.ID, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.SessionRef != "" {
		where = append(where, "mock_id_ref = ?")
		args = append(args, filter.SessionRef)
	}
	query := `SELECT id, mock_id_ref, question, correct_ans, user_ans, feedback, rating, user_id, created_at FROM user_answers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.SessionRef, &r.Question, &r.ReferenceAnswer, &r.CandidateAnswer, &r.Feedback, &r.Rating, &r.UserID, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}
