package queue

import "time"

type Status string

const (
	StatusNotQueued Status = "not_queued"
	StatusQueued    Status = "queued"
	StatusReserved  Status = "reserved"
)

// Entry is a user's place in the consultation queue as reported to clients.
type Entry struct {
	UserID            string    `json:"-"`
	Status            Status    `json:"status"`
	Position          int       `json:"position"`
	EstimatedWaitTime int       `json:"estimated_wait_time"`
	AgentType         string    `json:"agent_type"`
	JoinedAt          time.Time `json:"joined_at"`
	ReservedAt        time.Time `json:"reserved_at,omitempty"`
}

// JoinRequest is the body of the join endpoint.
type JoinRequest struct {
	AgentType string `json:"agent_type"`
}

// DropReason explains why the janitor removed an entry.
type DropReason string

const (
	DropStale              DropReason = "stale"
	DropReservationExpired DropReason = "reservation_expired"
)

// Dropped is an entry removed by ExpireStale.
type Dropped struct {
	Entry  Entry
	Reason DropReason
}
