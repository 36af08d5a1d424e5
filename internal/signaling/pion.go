package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/damaface/consultoria/internal/avatar"
	"github.com/damaface/consultoria/internal/protocol"
)

// PionPeer is a receive-only peer for the avatar's audio and video.
type PionPeer struct {
	pc        *webrtc.PeerConnection
	closeOnce sync.Once

	mu      sync.Mutex
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func NewPionPeer(iceServers []avatar.ICEServer) (*PionPeer, error) {
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, s := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	p := &PionPeer{pc: pc}
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})
	return p, nil
}

// OnTrack registers the handler for remote avatar tracks.
func (p *PionPeer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

// OnConnectionStateChange exposes the peer connection state.
func (p *PionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *PionPeer) CreateOffer(_ context.Context) (protocol.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return protocol.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *PionPeer) SetAnswer(answer protocol.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

func (p *PionPeer) AddICECandidate(c protocol.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *PionPeer) OnICECandidate(fn func(protocol.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || fn == nil {
			return
		}
		ci := c.ToJSON()
		fn(protocol.ICECandidate{
			Candidate:        ci.Candidate,
			SDPMid:           ci.SDPMid,
			SDPMLineIndex:    ci.SDPMLineIndex,
			UsernameFragment: ci.UsernameFragment,
		})
	})
}

func (p *PionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.pc.Close() })
	return err
}
