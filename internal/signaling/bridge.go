// Package signaling bridges a local WebRTC peer to the consultation
// signaling socket: offer out, answer and trickled ICE in, local ICE out.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/damaface/consultoria/internal/logger"
	"github.com/damaface/consultoria/internal/protocol"
)

var (
	ErrBridgeClosed = errors.New("signaling bridge closed")
	ErrPendingFull  = errors.New("signaling send buffer full")
	ErrConnected    = errors.New("signaling bridge already connected")
)

// RemoteError is an error message sent by the server.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote signaling error: " + e.Message }

// Peer is the local side of the media session.
type Peer interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (protocol.SessionDescription, error)
	SetAnswer(answer protocol.SessionDescription) error
	AddICECandidate(c protocol.ICECandidate) error
	OnICECandidate(fn func(protocol.ICECandidate))
	Close() error
}

type state int

const (
	stateIdle state = iota
	stateOpen
	stateClosed
)

const DefaultMaxPending = 64

// Bridge relays signaling for one session. Messages produced before the
// socket opens are buffered up to a bound and flushed in order on open.
// Anything that cannot be delivered is reported through OnError.
type Bridge struct {
	peer       Peer
	dialer     *websocket.Dialer
	maxPending int
	log        *logrus.Entry

	OnError func(error)
	OnClose func(reason string)

	mu      sync.Mutex
	state   state
	conn    *websocket.Conn
	pending []any
	done    chan struct{}

	writeMu sync.Mutex
}

type Option func(*Bridge)

func WithDialer(d *websocket.Dialer) Option {
	return func(b *Bridge) { b.dialer = d }
}

func WithMaxPending(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxPending = n
		}
	}
}

// NewBridge subscribes to the peer's local candidates right away so none are
// lost while the socket is still connecting.
func NewBridge(peer Peer, opts ...Option) *Bridge {
	b := &Bridge{
		peer:       peer,
		dialer:     websocket.DefaultDialer,
		maxPending: DefaultMaxPending,
		log:        logger.Component("signaling"),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	peer.OnICECandidate(func(c protocol.ICECandidate) {
		b.send(protocol.Candidate{Candidate: c})
	})
	return b
}

// Done is closed once the bridge shuts down.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Connect dials the signaling socket, flushes buffered messages and starts
// reading server messages.
func (b *Bridge) Connect(ctx context.Context, url string, header http.Header) error {
	b.mu.Lock()
	switch b.state {
	case stateClosed:
		b.mu.Unlock()
		return ErrBridgeClosed
	case stateOpen:
		b.mu.Unlock()
		return ErrConnected
	}
	b.mu.Unlock()

	conn, _, err := b.dialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}

	b.mu.Lock()
	if b.state == stateClosed {
		b.mu.Unlock()
		_ = conn.Close()
		return ErrBridgeClosed
	}
	b.conn = conn
	b.state = stateOpen
	// Flush under writeMu so later sends queue behind the buffered ones.
	b.writeMu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, msg := range pending {
		if err := b.writeLocked(conn, msg); err != nil {
			b.emitError(err)
		}
	}
	b.writeMu.Unlock()

	go b.readLoop(conn)
	return nil
}

// Start creates the local offer and sends it.
func (b *Bridge) Start(ctx context.Context) error {
	offer, err := b.peer.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return b.deliver(protocol.Offer{Description: offer})
}

// Close shuts the bridge down without waiting for the server.
func (b *Bridge) Close() error {
	b.shutdown("")
	return nil
}

func (b *Bridge) send(msg any) {
	if err := b.deliver(msg); err != nil {
		b.emitError(err)
	}
}

func (b *Bridge) deliver(msg any) error {
	b.mu.Lock()
	switch b.state {
	case stateClosed:
		b.mu.Unlock()
		return ErrBridgeClosed
	case stateIdle:
		defer b.mu.Unlock()
		if len(b.pending) >= b.maxPending {
			return ErrPendingFull
		}
		b.pending = append(b.pending, msg)
		return nil
	}
	conn := b.conn
	b.mu.Unlock()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.writeLocked(conn, msg)
}

func (b *Bridge) writeLocked(conn *websocket.Conn, msg any) error {
	env, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !b.closed() {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					b.emitError(fmt.Errorf("read signaling: %w", err))
				}
				b.shutdown("connection_lost")
			}
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			b.emitError(err)
			continue
		}
		switch m := msg.(type) {
		case protocol.Answer:
			if err := b.peer.SetAnswer(m.Description); err != nil {
				b.emitError(fmt.Errorf("apply answer: %w", err))
			}
		case protocol.Candidate:
			if err := b.peer.AddICECandidate(m.Candidate); err != nil {
				b.emitError(fmt.Errorf("add remote candidate: %w", err))
			}
		case protocol.ErrorMessage:
			b.emitError(&RemoteError{Message: m.Message})
		case protocol.CloseMessage:
			b.log.WithField("reason", m.Message).Info("server closed signaling")
			b.shutdown(m.Message)
			return
		}
	}
}

func (b *Bridge) closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateClosed
}

func (b *Bridge) shutdown(reason string) {
	b.mu.Lock()
	if b.state == stateClosed {
		b.mu.Unlock()
		return
	}
	b.state = stateClosed
	conn := b.conn
	b.pending = nil
	b.mu.Unlock()

	if conn != nil {
		b.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		b.writeMu.Unlock()
		_ = conn.Close()
	}
	_ = b.peer.Close()
	close(b.done)
	if b.OnClose != nil {
		b.OnClose(reason)
	}
}

func (b *Bridge) emitError(err error) {
	b.log.WithError(err).Debug("signaling error")
	if b.OnError != nil {
		b.OnError(err)
	}
}
