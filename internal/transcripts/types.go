// Package transcripts archives finalized utterance transcripts.
package transcripts

import (
	"context"
	"time"
)

// Record is one finalized utterance.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists finalized transcripts. Archiving is best-effort; a failing
// store must never take the live session down with it.
type Store interface {
	Save(ctx context.Context, record Record) error
	BySession(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}
