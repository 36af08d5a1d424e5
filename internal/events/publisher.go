// Package events fans consultation lifecycle changes out to a message bus so
// dashboards and CRM integrations can follow the queue without polling.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Type string

const (
	QueueJoined    Type = "queue.joined"
	QueueLeft      Type = "queue.left"
	QueueReserved  Type = "queue.reserved"
	QueueExpired   Type = "queue.expired"
	SessionStarted Type = "session.started"
	SessionEnded   Type = "session.ended"
)

// Event is the published payload.
type Event struct {
	Type      Type      `json:"type"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	AgentType string    `json:"agent_type,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	NATSURL string
	AMQPURL string
	Prefix  string
}

// NewPublisher builds the publisher for cfg.Backend (none|nats|amqp).
func NewPublisher(cfg Config) (Publisher, error) {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "damaface.consultoria"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none":
		return Nop{}, nil
	case "nats":
		return NewNATSPublisher(cfg.NATSURL, prefix)
	case "amqp":
		return NewAMQPPublisher(cfg.AMQPURL, prefix)
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory; useful in tests and dev.
type Recorder struct {
	ch chan Event
}

func NewRecorder(buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	return &Recorder{ch: make(chan Event, buffer)}
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	select {
	case r.ch <- ev:
		return nil
	default:
		return fmt.Errorf("recorder full, dropped %s", ev.Type)
	}
}

func (r *Recorder) Close() error { return nil }

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func subjectFor(prefix string, t Type) string {
	return prefix + "." + string(t)
}
