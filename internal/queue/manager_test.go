package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(capacity int) (*Manager, *time.Time) {
	m := NewManager(capacity, 5*time.Minute)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestJoinAssignsPositionsAndWaitEstimates(t *testing.T) {
	m, _ := newTestManager(2)

	a, created := m.Join("a", "consultora")
	require.True(t, created)
	b, _ := m.Join("b", "consultora")
	c, _ := m.Join("c", "consultora")
	other, _ := m.Join("d", "dermato")

	assert.Equal(t, StatusQueued, a.Status)
	assert.Equal(t, 1, a.Position)
	assert.Equal(t, 2, b.Position)
	assert.Equal(t, 3, c.Position)
	assert.Equal(t, 1, other.Position, "lines are independent per agent type")

	assert.Equal(t, 300, a.EstimatedWaitTime)
	assert.Equal(t, 300, b.EstimatedWaitTime)
	assert.Equal(t, 600, c.EstimatedWaitTime)
}

func TestWaitEstimatePrefersObservedDurations(t *testing.T) {
	m, _ := newTestManager(1)
	m.UseObservedDurations(func(agentType string) (time.Duration, bool) {
		if agentType == "consultora" {
			return 2 * time.Minute, true
		}
		return 0, false
	})

	m.Join("a", "consultora")
	b, _ := m.Join("b", "consultora")
	other, _ := m.Join("c", "dermato")

	assert.Equal(t, 240, b.EstimatedWaitTime)
	assert.Equal(t, 300, other.EstimatedWaitTime, "falls back to the configured duration")
}

func TestJoinIsIdempotent(t *testing.T) {
	m, _ := newTestManager(1)
	first, created := m.Join("a", "consultora")
	require.True(t, created)
	again, created := m.Join("a", "dermato")
	assert.False(t, created)
	assert.Equal(t, first, again)
}

func TestStatusNotQueued(t *testing.T) {
	m, _ := newTestManager(1)
	_, err := m.Status("nobody")
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestLeaveShiftsPositions(t *testing.T) {
	m, _ := newTestManager(1)
	m.Join("a", "consultora")
	m.Join("b", "consultora")

	_, ok := m.Leave("a")
	require.True(t, ok)
	_, ok = m.Leave("a")
	assert.False(t, ok)

	b, err := m.Status("b")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Position)
}

func TestReserveTakesHeadInOrder(t *testing.T) {
	m, _ := newTestManager(1)
	m.Join("a", "consultora")
	m.Join("b", "consultora")
	m.Join("c", "consultora")

	reserved := m.Reserve("consultora", 2)
	require.Len(t, reserved, 2)
	assert.Equal(t, "a", reserved[0].UserID)
	assert.Equal(t, "b", reserved[1].UserID)
	assert.Equal(t, 2, m.ReservedCount("consultora"))
	assert.Equal(t, 1, m.Depth("consultora"))

	a, err := m.Status("a")
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, a.Status)
	assert.Zero(t, a.Position)

	c, err := m.Status("c")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Position)
}

func TestConsumeRequiresReservation(t *testing.T) {
	m, _ := newTestManager(1)
	m.Join("a", "consultora")

	_, err := m.Consume("a")
	assert.ErrorIs(t, err, ErrNotReserved)
	_, err = m.Consume("x")
	assert.ErrorIs(t, err, ErrNotQueued)

	m.Reserve("consultora", 1)
	en, err := m.Consume("a")
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, en.Status)

	_, err = m.Status("a")
	assert.ErrorIs(t, err, ErrNotQueued)

	m.Restore(en)
	restored, err := m.Status("a")
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, restored.Status)
}

func TestExpireStaleDropsSilentAndUnclaimed(t *testing.T) {
	m, now := newTestManager(1)
	m.Join("silent", "consultora")
	m.Join("polling", "consultora")
	m.Join("reserved", "dermato")
	m.Reserve("dermato", 1)

	*now = now.Add(20 * time.Second)
	_, err := m.Status("polling")
	require.NoError(t, err)

	*now = now.Add(15 * time.Second)
	dropped := m.ExpireStale(30*time.Second, 30*time.Second)
	require.Len(t, dropped, 2)

	reasons := map[string]DropReason{}
	for _, d := range dropped {
		reasons[d.Entry.UserID] = d.Reason
	}
	assert.Equal(t, DropStale, reasons["silent"])
	assert.Equal(t, DropReservationExpired, reasons["reserved"])

	_, err = m.Status("polling")
	assert.NoError(t, err)
	assert.Equal(t, []string{"consultora"}, m.AgentTypes())
}
