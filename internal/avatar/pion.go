package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/damaface/consultoria/internal/logger"
	"github.com/damaface/consultoria/internal/protocol"
)

const mediaFrameInterval = 20 * time.Millisecond

var (
	// Header-only 2x2 VP8 keyframe and an Opus silence frame. Receivers see
	// live VP8/Opus tracks; there is no real avatar render behind them.
	placeholderVP8  = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00, 0x00, 0x00}
	placeholderOpus = []byte{0xf8, 0xff, 0xfe}
)

// PionProvider answers client offers with an in-process pion PeerConnection
// that publishes placeholder avatar audio and video once connected.
type PionProvider struct {
	iceServers []ICEServer

	mu       sync.Mutex
	sessions map[string]*pionPeer
	started  map[string]struct{}
	lost     func(string)
}

func NewPionProvider(iceServers []ICEServer) *PionProvider {
	return &PionProvider{
		iceServers: iceServers,
		sessions:   make(map[string]*pionPeer),
		started:    make(map[string]struct{}),
	}
}

func (p *PionProvider) Name() string { return "pion" }

func (p *PionProvider) StartSession(_ context.Context, _ StartRequest) (SessionData, error) {
	id := uuid.NewString()
	p.mu.Lock()
	p.started[id] = struct{}{}
	p.mu.Unlock()
	return SessionData{
		SessionID:  id,
		Token:      uuid.NewString(),
		ICEServers: p.iceServers,
		Provider:   p.Name(),
	}, nil
}

func (p *PionProvider) StopSession(_ context.Context, id string) error {
	p.mu.Lock()
	peer := p.sessions[id]
	delete(p.sessions, id)
	_, ok := p.started[id]
	delete(p.started, id)
	p.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	if peer != nil {
		return peer.Close()
	}
	return nil
}

func (p *PionProvider) OnSessionLost(fn func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lost = fn
}

// peerLost reports a peer whose connection dropped while it was still the
// session's current peer.
func (p *PionProvider) peerLost(pp *pionPeer) {
	if pp.stopping.Load() {
		return
	}
	p.mu.Lock()
	current := p.sessions[pp.sessionID] == pp
	fn := p.lost
	p.mu.Unlock()
	if !current || fn == nil {
		return
	}
	logger.Component("avatar").WithField("heygen_session_id", pp.sessionID).Warn("avatar peer lost")
	go fn(pp.sessionID)
}

func (p *PionProvider) OpenPeer(_ context.Context, id string) (Peer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.started[id]; !ok {
		return nil, ErrUnknownSession
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: toPionICEServers(p.iceServers)})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	peer := &pionPeer{pc: pc, sessionID: id, done: make(chan struct{})}
	if err := peer.addAvatarTracks(); err != nil {
		_ = pc.Close()
		return nil, err
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Component("avatar").WithField("heygen_session_id", id).
			Debugf("peer connection state: %s", state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			peer.startMedia()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.peerLost(peer)
		}
	})
	if old := p.sessions[id]; old != nil {
		_ = old.Close()
	}
	p.sessions[id] = peer
	return peer, nil
}

type pionPeer struct {
	pc        *webrtc.PeerConnection
	sessionID string
	video     *webrtc.TrackLocalStaticSample
	audio     *webrtc.TrackLocalStaticSample

	mediaOnce sync.Once
	closeOnce sync.Once
	stopping  atomic.Bool
	done      chan struct{}
}

func (pp *pionPeer) addAvatarTracks() error {
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "avatar")
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "avatar")
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	for _, track := range []webrtc.TrackLocal{video, audio} {
		if _, err := pp.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
	}
	pp.video, pp.audio = video, audio
	return nil
}

// startMedia feeds placeholder frames until the peer closes.
func (pp *pionPeer) startMedia() {
	pp.mediaOnce.Do(func() {
		go pp.writeMedia()
	})
}

func (pp *pionPeer) writeMedia() {
	log := logger.Component("avatar").WithField("heygen_session_id", pp.sessionID)
	ticker := time.NewTicker(mediaFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pp.done:
			return
		case <-ticker.C:
		}
		if err := pp.video.WriteSample(media.Sample{Data: placeholderVP8, Duration: mediaFrameInterval}); err != nil {
			log.WithError(err).Debug("video sample write stopped")
			return
		}
		if err := pp.audio.WriteSample(media.Sample{Data: placeholderOpus, Duration: mediaFrameInterval}); err != nil {
			log.WithError(err).Debug("audio sample write stopped")
			return
		}
	}
}

func (pp *pionPeer) OnICECandidate(fn func(protocol.ICECandidate)) {
	pp.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || fn == nil {
			return
		}
		fn(fromPionCandidate(c.ToJSON()))
	})
}

func (pp *pionPeer) Answer(_ context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	err := pp.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pp.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pp.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return protocol.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (pp *pionPeer) AddICECandidate(c protocol.ICECandidate) error {
	if pp.pc.RemoteDescription() == nil {
		return errors.New("ice candidate before offer")
	}
	return pp.pc.AddICECandidate(toPionCandidate(c))
}

func (pp *pionPeer) Close() error {
	var err error
	pp.closeOnce.Do(func() {
		pp.stopping.Store(true)
		close(pp.done)
		err = pp.pc.Close()
	})
	return err
}

func toPionICEServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return out
}

func toPionCandidate(c protocol.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromPionCandidate(c webrtc.ICECandidateInit) protocol.ICECandidate {
	return protocol.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
