package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/damaface/consultoria/internal/config"
	"github.com/damaface/consultoria/internal/consult"
	"github.com/damaface/consultoria/internal/observability"
)

const (
	signalingPongWait   = 60 * time.Second
	signalingPingPeriod = 25 * time.Second
	signalingOutbox     = 64
)

type Server struct {
	cfg      config.Config
	service  *consult.Service
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	// pingPeriod must stay below pongWait so an idle socket is kept open.
	pingPeriod time.Duration
	pongWait   time.Duration
}

func New(cfg config.Config, service *consult.Service, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		service:    service,
		metrics:    metrics,
		pingPeriod: signalingPingPeriod,
		pongWait:   signalingPongWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/stats/sessions", s.handleSessionStats)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/users/me/", s.handleMe)

		r.Route("/consultoria/queue", func(r chi.Router) {
			r.Post("/join/", s.handleJoinQueue)
			r.Post("/leave/", s.handleLeaveQueue)
			r.Get("/status/", s.handleQueueStatus)
		})
		r.Route("/consultoria/session", func(r chi.Router) {
			r.Post("/initialize/", s.handleInitializeSession)
			r.Post("/heartbeat/", s.handleHeartbeat)
			r.Post("/terminate/", s.handleTerminateSession)
			r.Get("/current/", s.handleCurrentSession)
			r.Get("/history/", s.handleSessionHistory)
			r.Get("/ws", s.handleSignalingWS)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"avatar_provider": s.service.Provider().Name(),
		"history_mode":    s.service.HistoryMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"avatar_provider": s.service.Provider().Name(),
		"history_mode":    s.service.HistoryMode(),
	})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusServiceUnavailable, "metrics_disabled", "session stats unavailable")
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Durations.Snapshot())
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, identityFrom(r.Context()))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type cooldownResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
