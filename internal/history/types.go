package history

import (
	"context"
	"time"
)

// Record stores one finished consultation.
type Record struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	AgentType       string    `json:"agent_type"`
	HeyGenSessionID string    `json:"heygen_session_id"`
	EndReason       string    `json:"end_reason"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int64     `json:"duration_seconds"`
}

// Store persists and retrieves consultation history.
type Store interface {
	SaveSession(ctx context.Context, record Record) error
	RecentSessions(ctx context.Context, userID string, limit int) ([]Record, error)
	// Prune deletes records that ended before cutoff and returns how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Mode() string
	Close() error
}
