package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/damaface/consultoria/internal/avatar"
	"github.com/damaface/consultoria/internal/config"
	"github.com/damaface/consultoria/internal/consult"
	"github.com/damaface/consultoria/internal/cooldown"
	"github.com/damaface/consultoria/internal/history"
	"github.com/damaface/consultoria/internal/logger"
	"github.com/damaface/consultoria/internal/observability"
	"github.com/damaface/consultoria/internal/protocol"
	"github.com/damaface/consultoria/internal/queue"
	"github.com/damaface/consultoria/internal/session"
)

func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	return newTestServerWith(t, cfg, metrics, nil)
}

func newTestServerWith(t *testing.T, cfg config.Config, metrics *observability.Metrics, tune func(*Server)) *httptest.Server {
	t.Helper()
	svc := consult.New(consult.Config{Capacity: 1, Cooldown: 2 * time.Hour}, consult.Deps{
		Queue:     queue.NewManager(1, 5*time.Minute),
		Sessions:  session.NewManager(time.Minute),
		Cooldowns: cooldown.NewInMemoryStore(),
		History:   history.NewInMemoryStore(),
		Provider:  avatar.NewMockProvider(),
		Metrics:   metrics,
	})
	api := New(cfg, svc, metrics)
	if tune != nil {
		tune(api)
	}
	ts := httptest.NewServer(api.Router())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, method, url, userID string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return res.StatusCode
}

func TestConsultationFlow(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	var entry queue.Entry
	if code := call(t, http.MethodPost, ts.URL+"/consultoria/queue/join/", "u1", map[string]string{}, &entry); code != http.StatusOK {
		t.Fatalf("join status = %d, want %d", code, http.StatusOK)
	}
	if entry.Status != queue.StatusReserved {
		t.Fatalf("join status = %q, want %q", entry.Status, queue.StatusReserved)
	}

	var second queue.Entry
	call(t, http.MethodPost, ts.URL+"/consultoria/queue/join/", "u2", nil, &second)
	if second.Status != queue.StatusQueued || second.Position != 1 {
		t.Fatalf("second entry = %+v, want queued at position 1", second)
	}

	var started consult.InitializeResponse
	if code := call(t, http.MethodPost, ts.URL+"/consultoria/session/initialize/", "u1", nil, &started); code != http.StatusCreated {
		t.Fatalf("initialize status = %d, want %d", code, http.StatusCreated)
	}
	if started.Session == nil || started.HeyGenData.SessionID == "" {
		t.Fatalf("initialize response missing data: %+v", started)
	}

	var hb session.HeartbeatResponse
	if code := call(t, http.MethodPost, ts.URL+"/consultoria/session/heartbeat/", "u1", sessionRequest{SessionID: started.Session.ID}, &hb); code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, want %d", code, http.StatusOK)
	}
	if hb.Status != session.StatusActive {
		t.Fatalf("heartbeat session status = %q, want active", hb.Status)
	}

	if code := call(t, http.MethodPost, ts.URL+"/consultoria/session/heartbeat/", "u2", sessionRequest{SessionID: started.Session.ID}, nil); code != http.StatusNotFound {
		t.Fatalf("foreign heartbeat status = %d, want %d", code, http.StatusNotFound)
	}

	if code := call(t, http.MethodPost, ts.URL+"/consultoria/session/terminate/", "u1", sessionRequest{SessionID: started.Session.ID}, nil); code != http.StatusOK {
		t.Fatalf("terminate status = %d, want %d", code, http.StatusOK)
	}

	if code := call(t, http.MethodPost, ts.URL+"/consultoria/session/heartbeat/", "u1", sessionRequest{SessionID: started.Session.ID}, nil); code != http.StatusNotFound {
		t.Fatalf("heartbeat after terminate status = %d, want %d", code, http.StatusNotFound)
	}

	var promoted queue.Entry
	call(t, http.MethodGet, ts.URL+"/consultoria/queue/status/", "u2", nil, &promoted)
	if promoted.Status != queue.StatusReserved {
		t.Fatalf("u2 status after terminate = %q, want reserved", promoted.Status)
	}

	var cd cooldownResponse
	if code := call(t, http.MethodPost, ts.URL+"/consultoria/queue/join/", "u1", nil, &cd); code != http.StatusConflict {
		t.Fatalf("rejoin status = %d, want %d", code, http.StatusConflict)
	}
	if cd.Code != "cooldown_active" || cd.RetryAfter < 7190 {
		t.Fatalf("rejoin body = %+v, want cooldown_active with ~7200s", cd)
	}

	var hist historyResponse
	call(t, http.MethodGet, ts.URL+"/consultoria/session/history/", "u1", nil, &hist)
	if len(hist.Sessions) != 1 {
		t.Fatalf("history len = %d, want 1", len(hist.Sessions))
	}
}

func TestQueueStatusNotQueued(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	var body errorResponse
	if code := call(t, http.MethodGet, ts.URL+"/consultoria/queue/status/", "u1", nil, &body); code != http.StatusNotFound {
		t.Fatalf("status code = %d, want %d", code, http.StatusNotFound)
	}
	if body.Code != "not_queued" {
		t.Fatalf("error code = %q, want not_queued", body.Code)
	}

	if code := call(t, http.MethodPost, ts.URL+"/consultoria/session/initialize/", "u1", nil, &body); code != http.StatusConflict {
		t.Fatalf("initialize code = %d, want %d", code, http.StatusConflict)
	}
	if body.Code != "not_reserved" {
		t.Fatalf("error code = %q, want not_reserved", body.Code)
	}
}

func TestRequiresIdentity(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	if code := call(t, http.MethodPost, ts.URL+"/consultoria/queue/join/", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous join = %d, want %d", code, http.StatusUnauthorized)
	}

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestJWTAuthentication(t *testing.T) {
	const secret = "test-secret"
	ts := newTestServer(t, config.Config{AuthJWTSecret: secret})

	token, err := IssueToken(secret, "user-42", "Ana", "client", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/users/me/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /users/me/ error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var me Identity
	if err := json.NewDecoder(res.Body).Decode(&me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.UserID != "user-42" || me.Name != "Ana" {
		t.Fatalf("identity = %+v", me)
	}

	forged, _ := IssueToken("other-secret", "user-42", "", "", time.Hour)
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/users/me/", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	res2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /users/me/ error = %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token status = %d, want %d", res2.StatusCode, http.StatusUnauthorized)
	}

	// X-User-ID is ignored once JWT auth is on.
	if code := call(t, http.MethodGet, ts.URL+"/users/me/", "user-42", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("header-only status = %d, want %d", code, http.StatusUnauthorized)
	}
}

func TestSignalingWebSocket(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	call(t, http.MethodPost, ts.URL+"/consultoria/queue/join/", "u1", nil, nil)
	var started consult.InitializeResponse
	call(t, http.MethodPost, ts.URL+"/consultoria/session/initialize/", "u1", nil, &started)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/consultoria/session/ws?user_id=u1&session_id=" + started.Session.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	offer, _ := protocol.Encode(protocol.Offer{Description: protocol.SessionDescription{Type: "offer", SDP: "v=0"}})
	if err := conn.WriteJSON(offer); err != nil {
		t.Fatalf("write offer: %v", err)
	}

	seen := map[protocol.MessageType]protocol.Envelope{}
	for len(seen) < 2 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		seen[env.Type] = env
	}
	answer, ok := seen[protocol.TypeAnswer]
	if !ok {
		t.Fatalf("no answer received: %+v", seen)
	}
	parsed, err := protocol.ParseServerMessage(mustJSON(t, answer))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	if got := parsed.(protocol.Answer).Description.SDP; got != avatar.MockSDPAnswer {
		t.Fatalf("answer sdp = %q", got)
	}
	if _, ok := seen[protocol.TypeICE]; !ok {
		t.Fatalf("no ice candidate received: %+v", seen)
	}

	bad := []byte(`{"type":"bogus"}`)
	if err := conn.WriteMessage(websocket.TextMessage, bad); err != nil {
		t.Fatalf("write bogus: %v", err)
	}
	var errEnv protocol.Envelope
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&errEnv); err != nil {
		t.Fatalf("read error envelope: %v", err)
	}
	if errEnv.Type != protocol.TypeError {
		t.Fatalf("type = %q, want error", errEnv.Type)
	}

	call(t, http.MethodPost, ts.URL+"/consultoria/session/terminate/", "u1", sessionRequest{SessionID: started.Session.ID}, nil)

	var closing protocol.Envelope
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&closing); err != nil {
		t.Fatalf("read close: %v", err)
	}
	if closing.Type != protocol.TypeClose || closing.Message != string(session.EndTerminated) {
		t.Fatalf("close envelope = %+v", closing)
	}
}

func TestSignalingRejectsForeignSession(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	call(t, http.MethodPost, ts.URL+"/consultoria/queue/join/", "u1", nil, nil)
	var started consult.InitializeResponse
	call(t, http.MethodPost, ts.URL+"/consultoria/session/initialize/", "u1", nil, &started)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/consultoria/session/ws?user_id=u2&session_id=" + started.Session.ID
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("Dial() succeeded for foreign session")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %v, want 404", res)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestSessionStatsAfterTerminate(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	call(t, http.MethodPost, ts.URL+"/consultoria/queue/join/", "u1", map[string]string{}, nil)
	var started consult.InitializeResponse
	if code := call(t, http.MethodPost, ts.URL+"/consultoria/session/initialize/", "u1", nil, &started); code != http.StatusCreated {
		t.Fatalf("initialize status = %d, want %d", code, http.StatusCreated)
	}
	body := sessionRequest{SessionID: started.Session.ID}
	if code := call(t, http.MethodPost, ts.URL+"/consultoria/session/terminate/", "u1", body, nil); code != http.StatusOK {
		t.Fatalf("terminate status = %d, want %d", code, http.StatusOK)
	}

	var snap observability.SessionWindowSnapshot
	if code := call(t, http.MethodGet, ts.URL+"/stats/sessions", "", nil, &snap); code != http.StatusOK {
		t.Fatalf("stats status = %d, want %d", code, http.StatusOK)
	}
	if len(snap.AgentTypes) != 1 || snap.AgentTypes[0].AgentType != "consultora" || snap.AgentTypes[0].Samples != 1 {
		t.Fatalf("stats = %+v, want one consultora sample", snap.AgentTypes)
	}
}

func TestSignalingSocketSurvivesIdlePeriods(t *testing.T) {
	ts := newTestServerWith(t, config.Config{}, nil, func(s *Server) {
		s.pongWait = 200 * time.Millisecond
		s.pingPeriod = 50 * time.Millisecond
	})

	call(t, http.MethodPost, ts.URL+"/consultoria/queue/join/", "u1", nil, nil)
	var started consult.InitializeResponse
	call(t, http.MethodPost, ts.URL+"/consultoria/session/initialize/", "u1", nil, &started)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/consultoria/session/ws?user_id=u1&session_id=" + started.Session.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// Reading keeps answering the server's pings with pongs.
	envelopes := make(chan protocol.Envelope, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				readErr <- err
				return
			}
			envelopes <- env
		}
	}()

	offer, _ := protocol.Encode(protocol.Offer{Description: protocol.SessionDescription{Type: "offer", SDP: "v=0"}})
	if err := conn.WriteJSON(offer); err != nil {
		t.Fatalf("write offer: %v", err)
	}

	idle := time.After(time.Second)
	for waiting := true; waiting; {
		select {
		case err := <-readErr:
			t.Fatalf("socket closed while idle: %v", err)
		case <-envelopes:
		case <-idle:
			waiting = false
		}
	}

	var cur consult.CurrentResponse
	call(t, http.MethodGet, ts.URL+"/consultoria/session/current/", "u1", nil, &cur)
	if cur.Session == nil || cur.Session.Status != session.StatusActive {
		t.Fatalf("current = %+v, want an active connected session", cur)
	}

	call(t, http.MethodPost, ts.URL+"/consultoria/session/terminate/", "u1", sessionRequest{SessionID: started.Session.ID}, nil)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-readErr:
			t.Fatalf("socket closed before close envelope: %v", err)
		case env := <-envelopes:
			if env.Type == protocol.TypeClose {
				if env.Message != string(session.EndTerminated) {
					t.Fatalf("close message = %q", env.Message)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no close envelope after terminate")
		}
	}
}

func TestOutboxDropsWhenFullButKeepsClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := newOutbox(ctx, 1, logger.Component("test"))

	if !out.send(protocol.ErrorMessage{Message: "first"}) {
		t.Fatalf("send() = false on empty outbox")
	}
	if out.send(protocol.ErrorMessage{Message: "second"}) {
		t.Fatalf("send() = true on full outbox")
	}

	queued := make(chan bool, 1)
	go func() { queued <- out.sendClose(protocol.CloseMessage{Message: "terminated"}) }()

	if msg := <-out.ch; msg.(protocol.ErrorMessage).Message != "first" {
		t.Fatalf("first message = %+v", msg)
	}
	if !<-queued {
		t.Fatalf("sendClose() = false")
	}
	if msg := <-out.ch; msg.(protocol.CloseMessage).Message != "terminated" {
		t.Fatalf("second message = %+v, want close", msg)
	}

	cancel()
	if out.sendClose(protocol.CloseMessage{Message: "late"}) {
		t.Fatalf("sendClose() = true after shutdown")
	}
}

func TestJoinRejectsTruncatedBody(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/consultoria/queue/join/", strings.NewReader(`{"agent_type":"x`))
	req.Header.Set("X-User-ID", "u1")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST join error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("truncated join = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if code := call(t, http.MethodGet, ts.URL+"/consultoria/queue/status/", "u1", nil, nil); code != http.StatusNotFound {
		t.Fatalf("status after rejected join = %d, want %d", code, http.StatusNotFound)
	}
}
