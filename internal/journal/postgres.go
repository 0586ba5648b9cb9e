package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"realtime-stt-service/internal/models"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS stt_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		chunks INTEGER NOT NULL DEFAULT 0,
		merged_path TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS stt_sentences (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		text TEXT NOT NULL,
		label TEXT,
		stt_latency DOUBLE PRECISION NOT NULL,
		spoken_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stt_sentences_session ON stt_sentences (session_id, id)`,
}

// Postgres is a Journal backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, s := range postgresMigrations {
		stmt := strings.TrimSpace(s)
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) OpenSession(ctx context.Context, sessionID, userID string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO stt_sessions (session_id, user_id, started_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET user_id = EXCLUDED.user_id, started_at = EXCLUDED.started_at, ended_at = NULL`,
		sessionID, userID, at)
	if err != nil {
		return fmt.Errorf("journal open session: %w", err)
	}
	return nil
}

func (p *Postgres) AppendSentence(ctx context.Context, msg models.SentenceMessage) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO stt_sentences (session_id, user_id, text, label, stt_latency, spoken_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.SessionID, msg.UserID, msg.Text, msg.Label, msg.STTLatency, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("journal append sentence: %w", err)
	}
	return nil
}

func (p *Postgres) CloseSession(ctx context.Context, summary SessionSummary) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE stt_sessions SET ended_at = $1, chunks = $2, merged_path = $3 WHERE session_id = $4`,
		summary.EndedAt, summary.Chunks, summary.MergedPath, summary.SessionID)
	if err != nil {
		return fmt.Errorf("journal close session: %w", err)
	}
	return nil
}

func (p *Postgres) Sentences(ctx context.Context, sessionID string) ([]models.SentenceMessage, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT session_id, user_id, text, COALESCE(label, ''), stt_latency, spoken_at
		 FROM stt_sentences WHERE session_id = $1 ORDER BY id`, sessionID)
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

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
