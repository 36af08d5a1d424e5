package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damaface/consultoria/internal/avatar"
	"github.com/damaface/consultoria/internal/protocol"
)

type fakePeer struct {
	mu         sync.Mutex
	onICE      func(protocol.ICECandidate)
	answers    []protocol.SessionDescription
	candidates []protocol.ICECandidate
	closed     bool
}

func (f *fakePeer) CreateOffer(context.Context) (protocol.SessionDescription, error) {
	return protocol.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (f *fakePeer) SetAnswer(a protocol.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, a)
	return nil
}

func (f *fakePeer) AddICECandidate(c protocol.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePeer) OnICECandidate(fn func(protocol.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePeer) emit(candidate string) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	fn(protocol.ICECandidate{Candidate: candidate})
}

func (f *fakePeer) snapshot() ([]protocol.SessionDescription, []protocol.ICECandidate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.SessionDescription(nil), f.answers...), append([]protocol.ICECandidate(nil), f.candidates...), f.closed
}

// signalServer accepts one socket, records what the client sends and lets
// the test push server messages.
type signalServer struct {
	*httptest.Server
	received chan protocol.Envelope
	conns    chan *websocket.Conn
}

func newSignalServer(t *testing.T) *signalServer {
	t.Helper()
	s := &signalServer{received: make(chan protocol.Envelope, 32), conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			s.received <- env
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *signalServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *signalServer) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-s.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return protocol.Envelope{}
	}
}

func (s *signalServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

type errRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errRecorder) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func TestCandidateBeforeOpenIsDeliveredAfterOpen(t *testing.T) {
	srv := newSignalServer(t)
	peer := &fakePeer{}
	b := NewBridge(peer)
	errs := &errRecorder{}
	b.OnError = errs.record
	defer b.Close()

	require.NoError(t, b.Start(context.Background()))
	peer.emit("candidate:early")

	require.NoError(t, b.Connect(context.Background(), srv.url(), nil))
	peer.emit("candidate:late")

	assert.Equal(t, protocol.TypeSDP, srv.next(t).Type)
	early := srv.next(t)
	assert.Equal(t, protocol.TypeICE, early.Type)
	assert.Contains(t, string(early.Data), "candidate:early")
	late := srv.next(t)
	assert.Contains(t, string(late.Data), "candidate:late")
	assert.Empty(t, errs.all())
}

func TestCandidateAfterCloseReportsError(t *testing.T) {
	peer := &fakePeer{}
	b := NewBridge(peer)
	errs := &errRecorder{}
	b.OnError = errs.record

	require.NoError(t, b.Close())
	peer.emit("candidate:orphan")

	got := errs.all()
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], ErrBridgeClosed)
	_, _, closed := peer.snapshot()
	assert.True(t, closed)
}

func TestPendingBufferOverflowReportsError(t *testing.T) {
	peer := &fakePeer{}
	b := NewBridge(peer, WithMaxPending(2))
	errs := &errRecorder{}
	b.OnError = errs.record
	defer b.Close()

	for i := 0; i < 3; i++ {
		peer.emit("candidate")
	}
	got := errs.all()
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], ErrPendingFull)
}

func TestServerMessagesReachPeer(t *testing.T) {
	srv := newSignalServer(t)
	peer := &fakePeer{}
	b := NewBridge(peer)
	errs := &errRecorder{}
	b.OnError = errs.record
	closedWith := make(chan string, 1)
	b.OnClose = func(reason string) { closedWith <- reason }

	require.NoError(t, b.Connect(context.Background(), srv.url(), nil))
	require.NoError(t, b.Start(context.Background()))
	conn := srv.conn(t)
	assert.Equal(t, protocol.TypeSDP, srv.next(t).Type)

	answer, _ := protocol.Encode(protocol.Answer{Description: protocol.SessionDescription{Type: "answer", SDP: "v=0 answer"}})
	ice, _ := protocol.Encode(protocol.Candidate{Candidate: protocol.ICECandidate{Candidate: "candidate:remote"}})
	require.NoError(t, conn.WriteJSON(answer))
	require.NoError(t, conn.WriteJSON(ice))
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Type: protocol.TypeError, Message: "avatar busy"}))
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Type: protocol.TypeClose, Message: "terminated"}))

	select {
	case reason := <-closedWith:
		assert.Equal(t, "terminated", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not close")
	}
	<-b.Done()

	answers, candidates, closed := peer.snapshot()
	require.Len(t, answers, 1)
	assert.Equal(t, "v=0 answer", answers[0].SDP)
	require.Len(t, candidates, 1)
	assert.Equal(t, "candidate:remote", candidates[0].Candidate)
	assert.True(t, closed)

	got := errs.all()
	require.Len(t, got, 1)
	var remote *RemoteError
	require.True(t, errors.As(got[0], &remote))
	assert.Equal(t, "avatar busy", remote.Message)

	assert.ErrorIs(t, b.Connect(context.Background(), srv.url(), nil), ErrBridgeClosed)
}

func TestPionPeerNegotiatesWithAvatarPeer(t *testing.T) {
	ctx := context.Background()
	provider := avatar.NewPionProvider(nil)
	data, err := provider.StartSession(ctx, avatar.StartRequest{UserID: "u1"})
	require.NoError(t, err)
	defer provider.StopSession(ctx, data.SessionID)
	remote, err := provider.OpenPeer(ctx, data.SessionID)
	require.NoError(t, err)
	remote.OnICECandidate(func(protocol.ICECandidate) {})

	local, err := NewPionPeer(data.ICEServers)
	require.NoError(t, err)
	defer local.Close()
	local.OnICECandidate(func(protocol.ICECandidate) {})

	offer, err := local.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)

	answer, err := remote.Answer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, local.SetAnswer(answer))
}

func TestPionPeerReceivesAvatarVideoTrack(t *testing.T) {
	ctx := context.Background()
	provider := avatar.NewPionProvider(nil)
	data, err := provider.StartSession(ctx, avatar.StartRequest{UserID: "u1"})
	require.NoError(t, err)
	defer provider.StopSession(ctx, data.SessionID)
	remote, err := provider.OpenPeer(ctx, data.SessionID)
	require.NoError(t, err)

	toLocal := make(chan protocol.ICECandidate, 64)
	toRemote := make(chan protocol.ICECandidate, 64)
	remote.OnICECandidate(func(c protocol.ICECandidate) { toLocal <- c })

	local, err := NewPionPeer(data.ICEServers)
	require.NoError(t, err)
	defer local.Close()
	local.OnICECandidate(func(c protocol.ICECandidate) { toRemote <- c })
	mimeTypes := make(chan string, 4)
	local.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		mimeTypes <- track.Codec().MimeType
	})

	offer, err := local.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := remote.Answer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, local.SetAnswer(answer))

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case c := <-toLocal:
				_ = local.AddICECandidate(c)
			case c := <-toRemote:
				_ = remote.AddICECandidate(c)
			case <-done:
				return
			}
		}
	}()

	deadline := time.After(15 * time.Second)
	for {
		select {
		case mime := <-mimeTypes:
			if strings.EqualFold(mime, webrtc.MimeTypeVP8) {
				return
			}
		case <-deadline:
			t.Fatal("no VP8 track received from the avatar peer")
		}
	}
}
