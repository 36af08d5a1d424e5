package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type SessionDurationStats struct {
	AgentType   string  `json:"agent_type"`
	Samples     int     `json:"samples"`
	LastSeconds float64 `json:"last_seconds"`
	AvgSeconds  float64 `json:"avg_seconds"`
	P50Seconds  float64 `json:"p50_seconds"`
	P95Seconds  float64 `json:"p95_seconds"`
	P99Seconds  float64 `json:"p99_seconds"`
}

type SessionWindowSnapshot struct {
	GeneratedAt time.Time              `json:"generated_at"`
	WindowSize  int                    `json:"window_size"`
	AgentTypes  []SessionDurationStats `json:"agent_types"`
}

// SessionWindow keeps the most recent session durations per agent type in a
// fixed-size ring.
type SessionWindow struct {
	mu         sync.RWMutex
	maxSamples int
	byAgent    map[string]*durationRing
}

type durationRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func (r *durationRing) len() int {
	if r.filled {
		return len(r.values)
	}
	return r.next
}

func NewSessionWindow(maxSamples int) *SessionWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &SessionWindow{
		maxSamples: maxSamples,
		byAgent:    make(map[string]*durationRing),
	}
}

func (w *SessionWindow) Observe(agentType string, d time.Duration) {
	if w == nil || d < 0 {
		return
	}
	agentType = strings.TrimSpace(agentType)
	if agentType == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.byAgent[agentType]
	if !ok {
		ring = &durationRing{values: make([]float64, w.maxSamples)}
		w.byAgent[agentType] = ring
	}
	secs := d.Seconds()
	ring.values[ring.next] = secs
	ring.last = secs
	ring.next++
	if ring.next >= len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
}

// Average is the mean of the recorded durations for agentType. ok is false
// until at least one session of that type has ended.
func (w *SessionWindow) Average(agentType string) (time.Duration, bool) {
	if w == nil {
		return 0, false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	ring, ok := w.byAgent[agentType]
	if !ok {
		return 0, false
	}
	n := ring.len()
	if n == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range ring.values[:n] {
		sum += v
	}
	return time.Duration(sum / float64(n) * float64(time.Second)), true
}

func (w *SessionWindow) Snapshot() SessionWindowSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.byAgent))
	for agentType := range w.byAgent {
		keys = append(keys, agentType)
	}
	sort.Strings(keys)

	stats := make([]SessionDurationStats, 0, len(keys))
	for _, agentType := range keys {
		ring := w.byAgent[agentType]
		n := ring.len()
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, ring.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stats = append(stats, SessionDurationStats{
			AgentType:   agentType,
			Samples:     n,
			LastSeconds: round2(ring.last),
			AvgSeconds:  round2(sum / float64(n)),
			P50Seconds:  round2(quantile(samples, 0.50)),
			P95Seconds:  round2(quantile(samples, 0.95)),
			P99Seconds:  round2(quantile(samples, 0.99)),
		})
	}

	return SessionWindowSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		AgentTypes:  stats,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
