// Package journal records sessions and finalized sentences in a SQL store.
// Journaling is best-effort: callers log failures and carry on.
package journal

import (
	"context"
	"fmt"
	"time"

	"realtime-stt-service/internal/models"
)

// SessionSummary is written when a session ends.
type SessionSummary struct {
	SessionID  string
	EndedAt    time.Time
	Chunks     int
	MergedPath string
}

// Journal persists the session timeline.
type Journal interface {
	OpenSession(ctx context.Context, sessionID, userID string, at time.Time) error
	AppendSentence(ctx context.Context, msg models.SentenceMessage) error
	CloseSession(ctx context.Context, summary SessionSummary) error
	Sentences(ctx context.Context, sessionID string) ([]models.SentenceMessage, error)
	Close() error
}

// Open returns the journal for driver. "none" yields Nop.
func Open(ctx context.Context, driver, dsn string) (Journal, error) {
	switch driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", driver)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) OpenSession(context.Context, string, string, time.Time) error { return nil }
func (Nop) AppendSentence(context.Context, models.SentenceMessage) error { return nil }
func (Nop) CloseSession(context.Context, SessionSummary) error           { return nil }
func (Nop) Close() error                                                 { return nil }

func (Nop) Sentences(context.Context, string) ([]models.SentenceMessage, error) {
	return nil, nil
}
