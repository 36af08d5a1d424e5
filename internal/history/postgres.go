package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists consultation history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS consultation_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			heygen_session_id TEXT NOT NULL DEFAULT '',
			end_reason TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			duration_seconds BIGINT NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_consultation_sessions_user_ended ON consultation_sessions (user_id, ended_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_consultation_sessions_ended ON consultation_sessions (ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, record Record) error {
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	record.DurationSeconds = durationSeconds(record)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO consultation_sessions
			(session_id, user_id, agent_type, heygen_session_id, end_reason, started_at, ended_at, duration_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO UPDATE SET
			end_reason=EXCLUDED.end_reason,
			ended_at=EXCLUDED.ended_at,
			duration_seconds=EXCLUDED.duration_seconds`,
		record.SessionID,
		record.UserID,
		record.AgentType,
		record.HeyGenSessionID,
		record.EndReason,
		record.StartedAt,
		record.EndedAt,
		record.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentSessions(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, user_id, agent_type, heygen_session_id, end_reason, started_at, ended_at, duration_seconds
		 FROM consultation_sessions WHERE user_id=$1 ORDER BY ended_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.SessionID, &r.UserID, &r.AgentType, &r.HeyGenSessionID, &r.EndReason, &r.StartedAt, &r.EndedAt, &r.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM consultation_sessions WHERE ended_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
