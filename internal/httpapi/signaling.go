package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/damaface/consultoria/internal/avatar"
	"github.com/damaface/consultoria/internal/logger"
	"github.com/damaface/consultoria/internal/protocol"
)

// handleSignalingWS relays SDP and ICE between the client and the avatar
// peer for one live session. All socket writes go through a single writer.
func (s *Server) handleSignalingWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, err := s.service.SignalingSession(identityFrom(r.Context()).UserID, sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer, err := s.service.Provider().OpenPeer(ctx, sess.HeyGenSessionID)
	if err != nil {
		if errors.Is(err, avatar.ErrUnknownSession) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "avatar_unavailable", err.Error())
		return
	}
	defer peer.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := logger.Component("signaling").WithField("session_id", sessionID)
	s.service.SetConnected(sessionID, true)
	defer s.service.SetConnected(sessionID, false)
	s.countSessionEvent("ws_connected")

	out := newOutbox(ctx, signalingOutbox, log)
	peer.OnICECandidate(func(c protocol.ICECandidate) {
		out.send(protocol.Candidate{Candidate: c})
	})

	ended, stopWatch := s.service.WatchEnd(sessionID)
	defer stopWatch()
	go func() {
		select {
		case <-ctx.Done():
		case reason := <-ended:
			out.sendClose(protocol.CloseMessage{Message: string(reason)})
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeSignaling(ctx, cancel, conn, out)
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			out.send(protocol.ErrorMessage{Message: err.Error()})
			continue
		}
		switch m := parsed.(type) {
		case protocol.Offer:
			s.countWSMessage("inbound", protocol.TypeSDP)
			answer, err := peer.Answer(ctx, m.Description)
			if err != nil {
				log.WithError(err).Warn("answer offer failed")
				if s.metrics != nil {
					s.metrics.ProviderErrors.WithLabelValues(s.service.Provider().Name(), "answer").Inc()
				}
				out.send(protocol.ErrorMessage{Message: err.Error()})
				continue
			}
			out.send(protocol.Answer{Description: answer})
		case protocol.Candidate:
			s.countWSMessage("inbound", protocol.TypeICE)
			if err := peer.AddICECandidate(m.Candidate); err != nil {
				out.send(protocol.ErrorMessage{Message: err.Error()})
			}
		}
	}

	cancel()
	<-writerDone
	s.countSessionEvent("ws_disconnected")
}

// writeSignaling is the socket's only writer. It drains the outbox and pings
// on pingPeriod so idle sockets outlive the read deadline.
func (s *Server) writeSignaling(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out *outbox) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()
	fail := func() {
		cancel()
		_ = conn.Close()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				fail()
				return
			}
		case msg := <-out.ch:
			env, err := protocol.Encode(msg)
			if err != nil {
				out.log.WithError(err).Error("encode signaling message")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(env); err != nil {
				fail()
				return
			}
			s.countWSMessage("outbound", env.Type)
			if env.Type == protocol.TypeClose {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, env.Message),
					time.Now().Add(time.Second))
				fail()
				return
			}
		}
	}
}

func (s *Server) countWSMessage(direction string, t protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

func (s *Server) countSessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

// outbox queues messages for the writer. Ordinary messages are dropped when
// the queue is full; close always waits for room.
type outbox struct {
	ch   chan any
	done <-chan struct{}
	log  *logrus.Entry
}

func newOutbox(ctx context.Context, size int, log *logrus.Entry) *outbox {
	return &outbox{ch: make(chan any, size), done: ctx.Done(), log: log}
}

func (o *outbox) send(msg any) bool {
	select {
	case <-o.done:
		return false
	case o.ch <- msg:
		return true
	default:
		o.log.Warn("signaling outbound queue full, dropping message")
		return false
	}
}

func (o *outbox) sendClose(msg protocol.CloseMessage) bool {
	select {
	case <-o.done:
		return false
	case o.ch <- msg:
		return true
	}
}
