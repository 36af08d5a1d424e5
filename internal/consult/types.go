package consult

import (
	"errors"
	"fmt"
	"time"

	"github.com/damaface/consultoria/internal/avatar"
	"github.com/damaface/consultoria/internal/session"
)

var (
	ErrAvatarUnavailable = errors.New("avatar provider unavailable")
	// ErrSessionNotFound also covers sessions owned by someone else.
	ErrSessionNotFound = errors.New("session not found")
)

// CooldownError rejects a queue join while the user's cooldown runs.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown active, retry in %ds", e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds the remaining window up to whole seconds.
func (e *CooldownError) RetryAfterSeconds() int {
	secs := int(e.Remaining / time.Second)
	if e.Remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// InitializeResponse is returned when a reservation turns into a session.
type InitializeResponse struct {
	Session    *session.Session   `json:"session"`
	HeyGenData avatar.SessionData `json:"heygen_data"`
}

// CurrentResponse describes the user's live session or cooldown.
type CurrentResponse struct {
	Status                   session.Status   `json:"status"`
	Session                  *session.Session `json:"session,omitempty"`
	CooldownRemainingSeconds int              `json:"cooldown_remaining_seconds,omitempty"`
}

// Config tunes the service.
type Config struct {
	Capacity          int
	Cooldown          time.Duration
	ReservationTTL    time.Duration
	QueueStaleTimeout time.Duration
	DefaultAgentType  string
}
