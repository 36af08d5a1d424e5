package consult

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/damaface/consultoria/internal/avatar"
	"github.com/damaface/consultoria/internal/cooldown"
	"github.com/damaface/consultoria/internal/events"
	"github.com/damaface/consultoria/internal/history"
	"github.com/damaface/consultoria/internal/logger"
	"github.com/damaface/consultoria/internal/observability"
	"github.com/damaface/consultoria/internal/queue"
	"github.com/damaface/consultoria/internal/session"
)

// Service owns the queue → reservation → session lifecycle. Compound
// operations run under mu so capacity checks and promotions never interleave.
type Service struct {
	cfg       Config
	queue     *queue.Manager
	sessions  *session.Manager
	cooldowns cooldown.Store
	history   history.Store
	publisher events.Publisher
	provider  avatar.Provider
	metrics   *observability.Metrics
	log       *logrus.Entry
	now       func() time.Time

	mu       sync.Mutex
	watchers map[string][]chan session.EndReason
}

type Deps struct {
	Queue     *queue.Manager
	Sessions  *session.Manager
	Cooldowns cooldown.Store
	History   history.Store
	Publisher events.Publisher
	Provider  avatar.Provider
	Metrics   *observability.Metrics
}

func New(cfg Config, deps Deps) *Service {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if strings.TrimSpace(cfg.DefaultAgentType) == "" {
		cfg.DefaultAgentType = "consultora"
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Cooldowns == nil {
		deps.Cooldowns = cooldown.NewInMemoryStore()
	}
	if deps.History == nil {
		deps.History = history.NewInMemoryStore()
	}
	s := &Service{
		cfg:       cfg,
		queue:     deps.Queue,
		sessions:  deps.Sessions,
		cooldowns: deps.Cooldowns,
		history:   deps.History,
		publisher: deps.Publisher,
		provider:  deps.Provider,
		metrics:   deps.Metrics,
		log:       logger.Component("consult"),
		now:       func() time.Time { return time.Now().UTC() },
		watchers:  make(map[string][]chan session.EndReason),
	}
	s.sessions.SetExpireHook(s.onSessionExpired)
	s.provider.OnSessionLost(s.onProviderLost)
	return s
}

// Provider exposes the avatar provider for signaling.
func (s *Service) Provider() avatar.Provider { return s.provider }

// HistoryMode reports which history backend is active.
func (s *Service) HistoryMode() string { return s.history.Mode() }

func (s *Service) agentType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return s.cfg.DefaultAgentType
	}
	return t
}

// JoinQueue places the user in line unless they hold a live session or are cooling down.
func (s *Service) JoinQueue(ctx context.Context, userID, agentType string) (queue.Entry, error) {
	agentType = s.agentType(agentType)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.sessions.ActiveForUser(userID); err == nil {
		return queue.Entry{}, session.ErrActiveSession
	}
	remaining, err := s.cooldowns.Remaining(ctx, userID)
	if err != nil {
		return queue.Entry{}, fmt.Errorf("check cooldown: %w", err)
	}
	if remaining > 0 {
		return queue.Entry{}, &CooldownError{Remaining: remaining}
	}

	entry, created := s.queue.Join(userID, agentType)
	if created {
		s.observeQueue("joined")
		s.publish(ctx, events.Event{Type: events.QueueJoined, UserID: userID, AgentType: entry.AgentType})
		s.log.WithFields(logrus.Fields{"user_id": userID, "agent_type": entry.AgentType}).Info("queue joined")
	}
	s.dispatchLocked(ctx, entry.AgentType)
	return s.queue.Status(userID)
}

// LeaveQueue drops the user's entry. Leaving when not queued is not an error.
func (s *Service) LeaveQueue(ctx context.Context, userID string) queue.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queue.Leave(userID)
	if !ok {
		return queue.NotQueued(s.cfg.DefaultAgentType)
	}
	s.observeQueue("left")
	s.publish(ctx, events.Event{Type: events.QueueLeft, UserID: userID, AgentType: entry.AgentType})
	s.log.WithFields(logrus.Fields{"user_id": userID, "agent_type": entry.AgentType}).Info("queue left")
	s.dispatchLocked(ctx, entry.AgentType)
	return queue.NotQueued(entry.AgentType)
}

// QueueStatus reports the user's entry; queue.ErrNotQueued when absent.
func (s *Service) QueueStatus(ctx context.Context, userID string) (queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.queue.Status(userID)
	if err != nil {
		return queue.Entry{}, err
	}
	if entry.Status == queue.StatusReserved {
		return entry, nil
	}
	s.dispatchLocked(ctx, entry.AgentType)
	return s.queue.Status(userID)
}

// InitializeSession turns the user's reservation into a live avatar session.
func (s *Service) InitializeSession(ctx context.Context, userID string) (InitializeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.sessions.ActiveForUser(userID); err == nil {
		return InitializeResponse{}, session.ErrActiveSession
	}
	entry, err := s.queue.Consume(userID)
	if err != nil {
		return InitializeResponse{}, err
	}

	data, err := s.provider.StartSession(ctx, avatar.StartRequest{UserID: userID, AgentType: entry.AgentType})
	if err != nil {
		s.queue.Restore(entry)
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues(s.provider.Name(), "start_session").Inc()
		}
		s.log.WithError(err).WithField("user_id", userID).Warn("avatar start failed")
		return InitializeResponse{}, fmt.Errorf("%w: %v", ErrAvatarUnavailable, err)
	}

	sess, err := s.sessions.Create(userID, entry.AgentType, data.SessionID)
	if err != nil {
		_ = s.provider.StopSession(ctx, data.SessionID)
		s.queue.Restore(entry)
		return InitializeResponse{}, err
	}

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("started").Inc()
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}
	s.publish(ctx, events.Event{Type: events.SessionStarted, UserID: userID, SessionID: sess.ID, AgentType: sess.AgentType})
	s.log.WithFields(logrus.Fields{"user_id": userID, "session_id": sess.ID, "heygen_session_id": data.SessionID}).Info("session started")
	return InitializeResponse{Session: sess, HeyGenData: data}, nil
}

// Heartbeat keeps the user's session alive.
func (s *Service) Heartbeat(_ context.Context, userID, sessionID string) (*session.Session, error) {
	if _, err := s.ownedSession(userID, sessionID); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Heartbeat(sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// TerminateSession ends the user's session and starts the cooldown.
func (s *Service) TerminateSession(ctx context.Context, userID, sessionID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ownedSession(userID, sessionID); err != nil {
		return nil, err
	}
	ended, err := s.sessions.End(sessionID, session.EndTerminated)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	s.finishLocked(ctx, ended)
	return ended, nil
}

// EndByProvider ends a session whose media side went away.
func (s *Service) EndByProvider(ctx context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ended, err := s.sessions.End(sessionID, session.EndProvider)
	if err != nil {
		return
	}
	s.finishLocked(ctx, ended)
}

func (s *Service) onProviderLost(providerSessionID string) {
	sess, err := s.sessions.ByProviderSession(providerSessionID)
	if err != nil {
		return
	}
	s.log.WithFields(logrus.Fields{"user_id": sess.UserID, "session_id": sess.ID}).Warn("avatar media lost")
	s.EndByProvider(context.Background(), sess.ID)
}

// CurrentSession returns the live session, or the cooldown pseudo-status.
func (s *Service) CurrentSession(ctx context.Context, userID string) (CurrentResponse, error) {
	if sess, err := s.sessions.ActiveForUser(userID); err == nil {
		return CurrentResponse{Status: sess.Status, Session: sess}, nil
	}
	remaining, err := s.cooldowns.Remaining(ctx, userID)
	if err != nil {
		return CurrentResponse{}, fmt.Errorf("check cooldown: %w", err)
	}
	if remaining > 0 {
		ce := CooldownError{Remaining: remaining}
		return CurrentResponse{Status: session.StatusCooldown, CooldownRemainingSeconds: ce.RetryAfterSeconds()}, nil
	}
	return CurrentResponse{}, ErrSessionNotFound
}

// History lists the user's finished consultations, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]history.Record, error) {
	return s.history.RecentSessions(ctx, userID, limit)
}

// PruneHistory deletes history older than retention.
func (s *Service) PruneHistory(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.history.Prune(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.WithField("removed", n).Info("history pruned")
	}
	return n, nil
}

// SignalingSession returns the user's live session for the signaling socket.
func (s *Service) SignalingSession(userID, sessionID string) (*session.Session, error) {
	return s.ownedSession(userID, sessionID)
}

// SetConnected records whether the session's signaling socket is attached.
func (s *Service) SetConnected(sessionID string, connected bool) {
	_ = s.sessions.SetConnected(sessionID, connected)
}

// WatchEnd returns a channel that receives the end reason once the session ends.
func (s *Service) WatchEnd(sessionID string) (<-chan session.EndReason, func()) {
	ch := make(chan session.EndReason, 1)
	s.mu.Lock()
	s.watchers[sessionID] = append(s.watchers[sessionID], ch)
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watchers[sessionID]
		for i, c := range list {
			if c == ch {
				s.watchers[sessionID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.watchers[sessionID]) == 0 {
			delete(s.watchers, sessionID)
		}
	}
	return ch, cancel
}

// StartJanitor periodically expires stale queue entries and unclaimed
// reservations, then refills freed capacity.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one janitor pass.
func (s *Service) Sweep(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.queue.ExpireStale(s.cfg.QueueStaleTimeout, s.cfg.ReservationTTL) {
		s.observeQueue("expired_" + string(d.Reason))
		s.publish(ctx, events.Event{Type: events.QueueExpired, UserID: d.Entry.UserID, AgentType: d.Entry.AgentType, Reason: string(d.Reason)})
		s.log.WithFields(logrus.Fields{"user_id": d.Entry.UserID, "reason": d.Reason}).Info("queue entry expired")
	}
	for _, agentType := range s.queue.AgentTypes() {
		s.dispatchLocked(ctx, agentType)
	}
}

func (s *Service) onSessionExpired(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"user_id": sess.UserID, "session_id": sess.ID}).Warn("session heartbeat expired")
	s.finishLocked(context.Background(), sess)
}

func (s *Service) finishLocked(ctx context.Context, sess *session.Session) {
	log := s.log.WithFields(logrus.Fields{"user_id": sess.UserID, "session_id": sess.ID, "reason": sess.EndReason})

	if err := s.cooldowns.Start(ctx, sess.UserID, s.cfg.Cooldown); err != nil {
		log.WithError(err).Error("start cooldown failed")
	}
	if sess.HeyGenSessionID != "" {
		if err := s.provider.StopSession(ctx, sess.HeyGenSessionID); err != nil && !errors.Is(err, avatar.ErrUnknownSession) {
			log.WithError(err).Warn("avatar stop failed")
			if s.metrics != nil {
				s.metrics.ProviderErrors.WithLabelValues(s.provider.Name(), "stop_session").Inc()
			}
		}
	}
	err := s.history.SaveSession(ctx, history.Record{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		AgentType:       sess.AgentType,
		HeyGenSessionID: sess.HeyGenSessionID,
		EndReason:       string(sess.EndReason),
		StartedAt:       sess.StartedAt,
		EndedAt:         sess.EndedAt,
	})
	if err != nil {
		log.WithError(err).Error("save history failed")
	}
	s.publish(ctx, events.Event{Type: events.SessionEnded, UserID: sess.UserID, SessionID: sess.ID, AgentType: sess.AgentType, Reason: string(sess.EndReason)})
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(string(sess.EndReason)).Inc()
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
		s.metrics.ObserveSessionDuration(sess.AgentType, sess.Duration(s.now()))
	}
	for _, ch := range s.watchers[sess.ID] {
		select {
		case ch <- sess.EndReason:
		default:
		}
	}
	delete(s.watchers, sess.ID)
	log.Info("session ended")

	s.dispatchLocked(ctx, sess.AgentType)
}

// dispatchLocked promotes queued entries while live sessions plus pending
// reservations stay under capacity.
func (s *Service) dispatchLocked(ctx context.Context, agentType string) {
	free := s.cfg.Capacity - s.sessions.ActiveCountByAgent(agentType) - s.queue.ReservedCount(agentType)
	now := s.now()
	for _, e := range s.queue.Reserve(agentType, free) {
		s.observeQueue("reserved")
		if s.metrics != nil {
			s.metrics.ObserveQueueWait(now.Sub(e.JoinedAt))
		}
		s.publish(ctx, events.Event{Type: events.QueueReserved, UserID: e.UserID, AgentType: agentType})
		s.log.WithFields(logrus.Fields{"user_id": e.UserID, "agent_type": agentType}).Info("queue slot reserved")
	}
	if s.metrics != nil {
		s.metrics.QueueDepth.WithLabelValues(agentType).Set(float64(s.queue.Depth(agentType)))
	}
}

func (s *Service) ownedSession(userID, sessionID string) (*session.Session, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil || sess.UserID != userID || !sess.Live() {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) observeQueue(event string) {
	if s.metrics != nil {
		s.metrics.QueueEvents.WithLabelValues(event).Inc()
	}
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithField("event", ev.Type).Warn("publish event failed")
	}
}
