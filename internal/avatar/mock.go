package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/damaface/consultoria/internal/protocol"
)

// MockSDPAnswer is the answer every mock peer returns.
const MockSDPAnswer = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=mock-avatar\r\nt=0 0\r\n"

// MockCandidate is trickled by a mock peer right after answering.
const MockCandidate = "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"

// MockProvider is a deterministic provider for tests and local development.
type MockProvider struct {
	mu       sync.Mutex
	next     int
	started  map[string]bool
	peers    map[string]*MockPeer
	startErr error
	lost     func(string)
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		started: make(map[string]bool),
		peers:   make(map[string]*MockPeer),
	}
}

func (p *MockProvider) Name() string { return "mock" }

// FailStarts makes subsequent StartSession calls return err (nil to recover).
func (p *MockProvider) FailStarts(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

func (p *MockProvider) StartSession(_ context.Context, req StartRequest) (SessionData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return SessionData{}, p.startErr
	}
	p.next++
	id := fmt.Sprintf("mock-%d", p.next)
	p.started[id] = true
	return SessionData{
		SessionID:  id,
		Token:      "mock-token-" + req.UserID,
		ICEServers: []ICEServer{},
		Provider:   p.Name(),
	}, nil
}

func (p *MockProvider) StopSession(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started[id] {
		return ErrUnknownSession
	}
	p.started[id] = false
	if peer := p.peers[id]; peer != nil {
		_ = peer.Close()
	}
	return nil
}

func (p *MockProvider) OnSessionLost(fn func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lost = fn
}

// DropSession simulates the media side going away for a running session.
func (p *MockProvider) DropSession(id string) {
	p.mu.Lock()
	running := p.started[id]
	fn := p.lost
	p.mu.Unlock()
	if running && fn != nil {
		fn(id)
	}
}

// Running reports whether id was started and not yet stopped.
func (p *MockProvider) Running(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started[id]
}

func (p *MockProvider) OpenPeer(_ context.Context, id string) (Peer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started[id] {
		return nil, ErrUnknownSession
	}
	if old := p.peers[id]; old != nil {
		_ = old.Close()
	}
	peer := &MockPeer{}
	p.peers[id] = peer
	return peer, nil
}

// Peer returns the last peer opened for id.
func (p *MockProvider) Peer(id string) *MockPeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peers[id]
}

// MockPeer records what the signaling layer fed it.
type MockPeer struct {
	mu         sync.Mutex
	onICE      func(protocol.ICECandidate)
	offers     []protocol.SessionDescription
	candidates []protocol.ICECandidate
	closed     bool
}

func (m *MockPeer) OnICECandidate(fn func(protocol.ICECandidate)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onICE = fn
}

func (m *MockPeer) Answer(_ context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return protocol.SessionDescription{}, errors.New("peer closed")
	}
	m.offers = append(m.offers, offer)
	fn := m.onICE
	m.mu.Unlock()

	if fn != nil {
		mid := "0"
		idx := uint16(0)
		fn(protocol.ICECandidate{Candidate: MockCandidate, SDPMid: &mid, SDPMLineIndex: &idx})
	}
	return protocol.SessionDescription{Type: "answer", SDP: MockSDPAnswer}, nil
}

func (m *MockPeer) AddICECandidate(c protocol.ICECandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("peer closed")
	}
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *MockPeer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockPeer) Candidates() []protocol.ICECandidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.ICECandidate(nil), m.candidates...)
}

func (m *MockPeer) Offers() []protocol.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.SessionDescription(nil), m.offers...)
}

func (m *MockPeer) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
