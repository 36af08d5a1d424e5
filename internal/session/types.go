package session

import "time"

type Status string

const (
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
	StatusEnded        Status = "ended"
	// StatusCooldown is never stored on a session; it is reported to users
	// who have no live session while their cooldown window is running.
	StatusCooldown Status = "cooldown"
)

// EndReason records why a session stopped.
type EndReason string

const (
	EndTerminated EndReason = "terminated"
	EndExpired    EndReason = "heartbeat_expired"
	EndProvider   EndReason = "provider_closed"
)

// Session is the server-owned consultation session.
type Session struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	AgentType       string    `json:"agent_type"`
	Status          Status    `json:"status"`
	HeyGenSessionID string    `json:"heygen_session_id"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	EndedAt         time.Time `json:"ended_at,omitempty"`
	EndReason       EndReason `json:"end_reason,omitempty"`
}

// Live reports whether the session still counts against capacity.
func (s *Session) Live() bool {
	return s.Status == StatusActive || s.Status == StatusDisconnected
}

// Duration is the elapsed time between start and end (or now for live sessions).
func (s *Session) Duration(now time.Time) time.Duration {
	end := s.EndedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(s.StartedAt)
}

// HeartbeatResponse is returned by the heartbeat endpoint.
type HeartbeatResponse struct {
	SessionID     string    `json:"session_id"`
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
