package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/damaface/consultoria/internal/consult"
	"github.com/damaface/consultoria/internal/history"
	"github.com/damaface/consultoria/internal/queue"
	"github.com/damaface/consultoria/internal/session"
)

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type historyResponse struct {
	Sessions []history.Record `json:"sessions"`
}

func (s *Server) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	var req queue.JoinRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	entry, err := s.service.JoinQueue(r.Context(), identityFrom(r.Context()).UserID, req.AgentType)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.LeaveQueue(r.Context(), identityFrom(r.Context()).UserID))
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	entry, err := s.service.QueueStatus(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleInitializeSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.InitializeSession(r.Context(), identityFrom(r.Context()).UserID)
	if errors.Is(err, queue.ErrNotQueued) {
		respondError(w, http.StatusConflict, "not_reserved", err.Error())
		return
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := decodeSessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.service.Heartbeat(r.Context(), identityFrom(r.Context()).UserID, sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session.HeartbeatResponse{
		SessionID:     sess.ID,
		Status:        sess.Status,
		LastHeartbeat: sess.LastHeartbeat,
	})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := decodeSessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.service.TerminateSession(r.Context(), identityFrom(r.Context()).UserID, sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	cur, err := s.service.CurrentSession(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cur)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 100)
	}
	records, err := s.service.History(r.Context(), identityFrom(r.Context()).UserID, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	respondJSON(w, http.StatusOK, historyResponse{Sessions: records})
}

func decodeSessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return "", false
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session_id")
		return "", false
	}
	return id, true
}

func respondServiceError(w http.ResponseWriter, err error) {
	var cd *consult.CooldownError
	switch {
	case errors.As(err, &cd):
		w.Header().Set("Retry-After", strconv.Itoa(cd.RetryAfterSeconds()))
		respondJSON(w, http.StatusConflict, cooldownResponse{Error: err.Error(), Code: "cooldown_active", RetryAfter: cd.RetryAfterSeconds()})
	case errors.Is(err, session.ErrActiveSession):
		respondError(w, http.StatusConflict, "session_active", err.Error())
	case errors.Is(err, queue.ErrNotQueued):
		respondError(w, http.StatusNotFound, "not_queued", err.Error())
	case errors.Is(err, queue.ErrNotReserved):
		respondError(w, http.StatusConflict, "not_reserved", err.Error())
	case errors.Is(err, consult.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, consult.ErrAvatarUnavailable):
		respondError(w, http.StatusBadGateway, "avatar_unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
