package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrActiveSession = errors.New("user already has an active session")
)

type Manager struct {
	mu               sync.RWMutex
	sessions         map[string]*Session
	sessionByUser    map[string]string
	heartbeatTimeout time.Duration
	endedRetention   time.Duration
	onExpire         func(*Session)
	now              func() time.Time
}

func NewManager(heartbeatTimeout time.Duration) *Manager {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	return &Manager{
		sessions:         make(map[string]*Session),
		sessionByUser:    make(map[string]string),
		heartbeatTimeout: heartbeatTimeout,
		endedRetention:   10 * time.Minute,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// SetExpireHook registers fn to run (outside the lock) for every session the
// janitor ends because its heartbeat lapsed.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// SetEndedRetention controls how long ended sessions stay readable.
func (m *Manager) SetEndedRetention(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.endedRetention = d
	}
}

func (m *Manager) Create(userID, agentType, heygenSessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.sessionByUser[userID]; ok {
		if s, ok := m.sessions[id]; ok && s.Live() {
			return nil, ErrActiveSession
		}
	}

	now := m.now()
	s := &Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		AgentType:       agentType,
		HeyGenSessionID: heygenSessionID,
		Status:          StatusActive,
		StartedAt:       now,
		LastHeartbeat:   now,
	}
	m.sessions[s.ID] = s
	m.sessionByUser[userID] = s.ID
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// ActiveForUser returns the user's live session.
func (m *Manager) ActiveForUser(userID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := m.sessions[id]
	if !ok || !s.Live() {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// ByProviderSession returns the live session backed by the given avatar
// provider session id.
func (m *Manager) ByProviderSession(providerSessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if providerSessionID == "" {
		return nil, ErrNotFound
	}
	for _, s := range m.sessions {
		if s.HeyGenSessionID == providerSessionID && s.Live() {
			return clone(s), nil
		}
	}
	return nil, ErrNotFound
}

// Heartbeat refreshes the session's liveness. Ended sessions report ErrNotFound
// so clients treat them the same as sessions the server never knew.
func (m *Manager) Heartbeat(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.Live() {
		return nil, ErrNotFound
	}
	s.LastHeartbeat = m.now()
	return clone(s), nil
}

// SetConnected flips a live session between active and disconnected.
func (m *Manager) SetConnected(sessionID string, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.Live() {
		return ErrNotFound
	}
	if connected {
		s.Status = StatusActive
	} else {
		s.Status = StatusDisconnected
	}
	return nil
}

// End stops a live session. Ending an already ended session returns ErrNotFound.
func (m *Manager) End(sessionID string, reason EndReason) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.Live() {
		return nil, ErrNotFound
	}
	m.endLocked(s, reason, m.now())
	return clone(s), nil
}

func (m *Manager) endLocked(s *Session, reason EndReason, now time.Time) {
	s.Status = StatusEnded
	s.EndReason = reason
	s.EndedAt = now
	if m.sessionByUser[s.UserID] == s.ID {
		delete(m.sessionByUser, s.UserID)
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ExpireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Live() {
			count++
		}
	}
	return count
}

func (m *Manager) ActiveCountByAgent(agentType string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Live() && s.AgentType == agentType {
			count++
		}
	}
	return count
}

// ExpireInactive ends sessions whose heartbeat lapsed and evicts ended sessions
// past retention. It returns the sessions it ended.
func (m *Manager) ExpireInactive() []*Session {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if !s.Live() {
			if now.Sub(s.EndedAt) >= m.endedRetention {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(s.LastHeartbeat) < m.heartbeatTimeout {
			continue
		}
		m.endLocked(s, EndExpired, now)
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
	return expired
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
