package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"realtime-stt-service/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stt_sessions (
    session_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    chunks INTEGER NOT NULL DEFAULT 0,
    merged_path TEXT
);
CREATE TABLE IF NOT EXISTS stt_sentences (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    text TEXT NOT NULL,
    label TEXT,
    stt_latency REAL NOT NULL,
    spoken_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stt_sentences_session ON stt_sentences(session_id, id);
`

// SQLite is a Journal backed by a local SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at dsn. A bare path
// is turned into a file: DSN with WAL enabled.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	if !strings.HasPrefix(dsn, "file:") {
		dir := filepath.Dir(dsn)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create journal dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dsn)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) OpenSession(ctx context.Context, sessionID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stt_sessions(session_id, user_id, started_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET user_id=excluded.user_id, started_at=excluded.started_at, ended_at=NULL`,
		sessionID, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("journal open session: %w", err)
	}
	return nil
}

func (s *SQLite) AppendSentence(ctx context.Context, msg models.SentenceMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stt_sentences(session_id, user_id, text, label, stt_latency, spoken_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.UserID, msg.Text, msg.Label, msg.STTLatency, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("journal append sentence: %w", err)
	}
	return nil
}

func (s *SQLite) CloseSession(ctx context.Context, summary SessionSummary) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stt_sessions SET ended_at=?, chunks=?, merged_path=? WHERE session_id=?`,
		summary.EndedAt.UTC(), summary.Chunks, summary.MergedPath, summary.SessionID)
	if err != nil {
		return fmt.Errorf("journal close session: %w", err)
	}
	return nil
}

// Sentences returns a session's sentences in insertion order.
func (s *SQLite) Sentences(ctx context.Context, sessionID string) ([]models.SentenceMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, user_id, text, COALESCE(label, ''), stt_latency, spoken_at
		 FROM stt_sentences WHERE session_id=? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal query sentences: %w", err)
	}
	defer rows.Close()

	var out []models.SentenceMessage
	for rows.Next() {
		msg := models.SentenceMessage{Type: models.TypeFullSentence}
		if err := rows.Scan(&msg.SessionID, &msg.UserID, &msg.Text, &msg.Label, &msg.STTLatency, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("journal scan sentence: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Session reports whether a session row exists and whether it has ended.
func (s *SQLite) Session(ctx context.Context, sessionID string) (exists, ended bool, chunks int, err error) {
	var endedAt sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT ended_at, chunks FROM stt_sessions WHERE session_id=?`, sessionID).Scan(&endedAt, &chunks)
	if err == sql.ErrNoRows {
		return false, false, 0, nil
	}
	if err != nil {
		return false, false, 0, fmt.Errorf("journal query session: %w", err)
	}
	return true, endedAt.Valid, chunks, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
