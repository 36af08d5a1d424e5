// Package avatar is the server's side of the live-avatar media session. The
// provider hands out session credentials on initialize and answers the
// client's WebRTC offer over the signaling socket.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/damaface/consultoria/internal/protocol"
)

var ErrUnknownSession = errors.New("avatar session not found")

// ICEServer mirrors the browser RTCIceServer shape.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// SessionData is the opaque heygen_data blob handed to the client.
type SessionData struct {
	SessionID  string                       `json:"session_id"`
	Token      string                       `json:"token"`
	ICEServers []ICEServer                  `json:"ice_servers"`
	SDP        *protocol.SessionDescription `json:"sdp,omitempty"`
	Provider   string                       `json:"provider"`
}

type StartRequest struct {
	SessionID string
	UserID    string
	AgentType string
}

// Provider owns remote avatar sessions.
type Provider interface {
	Name() string
	StartSession(ctx context.Context, req StartRequest) (SessionData, error)
	StopSession(ctx context.Context, providerSessionID string) error
	// OpenPeer returns the media peer for a started session. Opening again
	// replaces (and closes) the previous peer.
	OpenPeer(ctx context.Context, providerSessionID string) (Peer, error)
	// OnSessionLost registers fn for sessions whose media connection failed
	// or closed without a StopSession.
	OnSessionLost(fn func(providerSessionID string))
}

// Peer is one negotiated media connection.
type Peer interface {
	Answer(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error)
	AddICECandidate(c protocol.ICECandidate) error
	// OnICECandidate registers fn for locally gathered candidates. Must be set
	// before Answer.
	OnICECandidate(fn func(protocol.ICECandidate))
	Close() error
}

// NewProvider resolves a provider name (auto|pion|mock).
func NewProvider(name string, iceServers []string) (Provider, error) {
	servers := []ICEServer{}
	if len(iceServers) > 0 {
		servers = append(servers, ICEServer{URLs: iceServers})
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "pion":
		return NewPionProvider(servers), nil
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown avatar provider %q", name)
	}
}
