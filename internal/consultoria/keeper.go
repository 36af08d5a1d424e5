package consultoria

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/damaface/consultoria/internal/consult"
	"github.com/damaface/consultoria/internal/reliability"
	"github.com/damaface/consultoria/internal/session"
)

const DefaultHeartbeatInterval = 10 * time.Second

// End reasons reported to OnSessionEnd.
const (
	EndReasonTerminated = "terminated"
	EndReasonNotFound   = "session_not_found"
)

// ErrSessionHeld is returned by Initialize while a session is still held.
var ErrSessionHeld = errors.New("session already held; terminate it first")

// SessionKeeper owns the client's current session and heartbeats it while it
// exists. A 404 heartbeat clears the session and reports the end once.
type SessionKeeper struct {
	client   *Client
	interval time.Duration

	OnSessionEnd func(s *session.Session, reason string)
	OnError      func(error)

	mu      sync.Mutex
	current *session.Session
	cancel  context.CancelFunc
	endOnce *sync.Once

	beatMu sync.Mutex
}

func NewSessionKeeper(client *Client, interval time.Duration) *SessionKeeper {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &SessionKeeper{client: client, interval: interval}
}

// Session returns the live session, or nil.
func (k *SessionKeeper) Session() *session.Session {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		return nil
	}
	c := *k.current
	return &c
}

// Initialize redeems the caller's reservation and starts heartbeating.
func (k *SessionKeeper) Initialize(ctx context.Context) (consult.InitializeResponse, error) {
	if k.Session() != nil {
		return consult.InitializeResponse{}, ErrSessionHeld
	}
	res, err := k.client.InitializeSession(ctx)
	if err != nil {
		return consult.InitializeResponse{}, err
	}

	beatCtx, cancel := context.WithCancel(context.Background())
	k.mu.Lock()
	if k.current != nil {
		k.mu.Unlock()
		cancel()
		return consult.InitializeResponse{}, ErrSessionHeld
	}
	k.current = res.Session
	k.cancel = cancel
	k.endOnce = new(sync.Once)
	once := k.endOnce
	k.mu.Unlock()

	go k.loop(beatCtx, cancel, res.Session, once)
	return res, nil
}

// Terminate stops heartbeating and ends the session on the backend. A 404
// means the backend already ended it and is not an error.
func (k *SessionKeeper) Terminate(ctx context.Context) error {
	k.stop()
	k.mu.Lock()
	sess, once := k.current, k.endOnce
	k.current = nil
	k.mu.Unlock()
	if sess == nil {
		return nil
	}

	_, err := k.client.TerminateSession(ctx, sess.ID)
	if err != nil && !reliability.IsNotFound(err) {
		return err
	}
	k.fireEnd(once, sess, EndReasonTerminated)
	return nil
}

func (k *SessionKeeper) stop() {
	k.mu.Lock()
	cancel := k.cancel
	k.cancel = nil
	k.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	k.beatMu.Lock()
	defer k.beatMu.Unlock()
}

func (k *SessionKeeper) loop(ctx context.Context, cancel context.CancelFunc, sess *session.Session, once *sync.Once) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		gone, err := k.beat(ctx, sess.ID)
		if gone {
			k.mu.Lock()
			if k.current != nil && k.current.ID == sess.ID {
				k.current = nil
				k.cancel = nil
			}
			k.mu.Unlock()
			cancel()
			k.fireEnd(once, sess, EndReasonNotFound)
			return
		}
		if err != nil && k.OnError != nil {
			k.OnError(err)
		}
	}
}

// beat reports gone=true when the backend no longer knows the session.
func (k *SessionKeeper) beat(ctx context.Context, sessionID string) (bool, error) {
	k.beatMu.Lock()
	defer k.beatMu.Unlock()
	if ctx.Err() != nil {
		return false, nil
	}
	_, err := k.client.Heartbeat(ctx, sessionID)
	if ctx.Err() != nil {
		return false, nil
	}
	if reliability.IsNotFound(err) {
		return true, nil
	}
	return false, err
}

func (k *SessionKeeper) fireEnd(once *sync.Once, sess *session.Session, reason string) {
	if once == nil {
		return
	}
	once.Do(func() {
		if k.OnSessionEnd != nil {
			k.OnSessionEnd(sess, reason)
		}
	})
}
