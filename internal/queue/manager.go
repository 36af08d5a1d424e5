package queue

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotQueued   = errors.New("user is not queued")
	ErrNotReserved = errors.New("user has no reservation")
)

type entry struct {
	userID     string
	agentType  string
	status     Status
	seq        uint64
	joinedAt   time.Time
	reservedAt time.Time
	lastPoll   time.Time
}

// Manager keeps one FIFO per agent type. A user holds at most one entry.
type Manager struct {
	mu          sync.Mutex
	byUser      map[string]*entry
	seq         uint64
	capacity    int
	avgDuration time.Duration
	observed    func(agentType string) (time.Duration, bool)
	now         func() time.Time
}

// NewManager builds a queue whose wait estimates assume capacity concurrent
// sessions per agent type, each lasting avgDuration.
func NewManager(capacity int, avgDuration time.Duration) *Manager {
	if capacity <= 0 {
		capacity = 1
	}
	if avgDuration <= 0 {
		avgDuration = 5 * time.Minute
	}
	return &Manager{
		byUser:      make(map[string]*entry),
		capacity:    capacity,
		avgDuration: avgDuration,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// UseObservedDurations makes wait estimates prefer fn's average for the
// entry's agent type, falling back to the configured duration when fn has
// nothing yet.
func (m *Manager) UseObservedDurations(fn func(agentType string) (time.Duration, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed = fn
}

// Join enqueues the user. Joining again returns the existing entry unchanged,
// even when agentType differs.
func (m *Manager) Join(userID, agentType string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.byUser[userID]; ok {
		e.lastPoll = now
		return m.snapshotLocked(e), false
	}
	m.seq++
	e := &entry{
		userID:    userID,
		agentType: agentType,
		status:    StatusQueued,
		seq:       m.seq,
		joinedAt:  now,
		lastPoll:  now,
	}
	m.byUser[userID] = e
	return m.snapshotLocked(e), true
}

// Leave removes the user's entry, reporting whether one existed.
func (m *Manager) Leave(userID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byUser[userID]
	if !ok {
		return Entry{}, false
	}
	snap := m.snapshotLocked(e)
	delete(m.byUser, userID)
	return snap, true
}

// Status returns the user's entry and marks it as recently polled.
func (m *Manager) Status(userID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byUser[userID]
	if !ok {
		return Entry{}, ErrNotQueued
	}
	e.lastPoll = m.now()
	return m.snapshotLocked(e), nil
}

// Reserve promotes up to n queued entries at the head of agentType's line.
func (m *Manager) Reserve(agentType string, n int) []Entry {
	if n <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Entry
	for _, e := range m.lineLocked(agentType) {
		if len(out) == n {
			break
		}
		e.status = StatusReserved
		e.reservedAt = now
		out = append(out, m.snapshotLocked(e))
	}
	return out
}

// Consume removes a reserved entry, handing the slot to a session.
func (m *Manager) Consume(userID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byUser[userID]
	if !ok {
		return Entry{}, ErrNotQueued
	}
	if e.status != StatusReserved {
		return Entry{}, ErrNotReserved
	}
	snap := m.snapshotLocked(e)
	delete(m.byUser, userID)
	return snap, nil
}

// Restore puts a consumed reservation back, keeping its original place.
func (m *Manager) Restore(en Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUser[en.UserID]; ok {
		return
	}
	now := m.now()
	m.seq++
	m.byUser[en.UserID] = &entry{
		userID:     en.UserID,
		agentType:  en.AgentType,
		status:     StatusReserved,
		seq:        m.seq,
		joinedAt:   en.JoinedAt,
		reservedAt: now,
		lastPoll:   now,
	}
}

// ExpireStale drops queued entries that stopped polling and reservations that
// were never consumed.
func (m *Manager) ExpireStale(staleTimeout, reservationTTL time.Duration) []Dropped {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var dropped []Dropped
	for id, e := range m.byUser {
		var reason DropReason
		switch {
		case e.status == StatusReserved && reservationTTL > 0 && now.Sub(e.reservedAt) >= reservationTTL:
			reason = DropReservationExpired
		case e.status == StatusQueued && staleTimeout > 0 && now.Sub(e.lastPoll) >= staleTimeout:
			reason = DropStale
		default:
			continue
		}
		dropped = append(dropped, Dropped{Entry: m.snapshotLocked(e), Reason: reason})
		delete(m.byUser, id)
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].Entry.JoinedAt.Before(dropped[j].Entry.JoinedAt) })
	return dropped
}

// Depth counts queued (not reserved) entries for agentType.
func (m *Manager) Depth(agentType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lineLocked(agentType))
}

func (m *Manager) ReservedCount(agentType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.byUser {
		if e.agentType == agentType && e.status == StatusReserved {
			n++
		}
	}
	return n
}

// AgentTypes lists agent types with at least one entry, sorted.
func (m *Manager) AgentTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for _, e := range m.byUser {
		seen[e.agentType] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) lineLocked(agentType string) []*entry {
	var line []*entry
	for _, e := range m.byUser {
		if e.agentType == agentType && e.status == StatusQueued {
			line = append(line, e)
		}
	}
	sort.Slice(line, func(i, j int) bool { return line[i].seq < line[j].seq })
	return line
}

func (m *Manager) snapshotLocked(e *entry) Entry {
	out := Entry{
		UserID:     e.userID,
		Status:     e.status,
		AgentType:  e.agentType,
		JoinedAt:   e.joinedAt,
		ReservedAt: e.reservedAt,
	}
	if e.status != StatusQueued {
		return out
	}
	pos := 1
	for _, other := range m.byUser {
		if other.agentType == e.agentType && other.status == StatusQueued && other.seq < e.seq {
			pos++
		}
	}
	out.Position = pos
	out.EstimatedWaitTime = m.estimateWait(e.agentType, pos)
	return out
}

// estimateWait assumes the line advances capacity entries per average session.
func (m *Manager) estimateWait(agentType string, position int) int {
	avg := m.avgDuration
	if m.observed != nil {
		if d, ok := m.observed(agentType); ok && d > 0 {
			avg = d
		}
	}
	rounds := (position + m.capacity - 1) / m.capacity
	return int((time.Duration(rounds) * avg).Seconds())
}

// NotQueued is the entry reported for users without a place in line.
func NotQueued(agentType string) Entry {
	return Entry{Status: StatusNotQueued, AgentType: agentType}
}
