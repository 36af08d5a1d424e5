// Package consultoria is the client side of the consultation lifecycle: a
// typed REST client, the queue poller and the session heartbeat keeper.
package consultoria

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/damaface/consultoria/internal/consult"
	"github.com/damaface/consultoria/internal/history"
	"github.com/damaface/consultoria/internal/logger"
	"github.com/damaface/consultoria/internal/queue"
	"github.com/damaface/consultoria/internal/reliability"
	"github.com/damaface/consultoria/internal/session"
)

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter int
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) HTTPStatus() int { return e.StatusCode }

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	userID     string
	retries    int
	backoff    time.Duration

	rest *resty.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken authenticates with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithUserID authenticates with the X-User-ID header (dev servers only).
func WithUserID(userID string) Option {
	return func(c *Client) { c.userID = strings.TrimSpace(userID) }
}

// WithRetries retries read-only requests on 429/5xx and transport errors
// with exponential backoff.
func WithRetries(n int, base time.Duration) Option {
	return func(c *Client) {
		c.retries = max(n, 0)
		c.backoff = base
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		backoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	rest := resty.New()
	if c.httpClient != nil {
		rest = resty.NewWithClient(c.httpClient)
	} else {
		rest.SetTimeout(30 * time.Second)
	}
	rest.SetBaseURL(c.baseURL).
		SetLogger(logger.Component("consultoria")).
		SetHeader("Accept", "application/json")
	if c.token != "" {
		rest.SetAuthToken(c.token)
	} else if c.userID != "" {
		rest.SetHeader("X-User-ID", c.userID)
	}
	if c.retries > 0 {
		backoff := c.backoff
		rest.SetRetryCount(c.retries).
			SetRetryWaitTime(backoff).
			SetRetryMaxWaitTime(5 * time.Second).
			SetRetryAfter(func(_ *resty.Client, r *resty.Response) (time.Duration, error) {
				attempt := 1
				if r != nil && r.Request != nil {
					attempt = r.Request.Attempt
				}
				return reliability.ExponentialBackoff(attempt-1, backoff, 5*time.Second), nil
			}).
			AddRetryCondition(retryableRead)
	}
	c.rest = rest
	return c
}

// retryableRead retries GETs only; POSTs change server state.
func retryableRead(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return true
	}
	return reliability.IsRetryableHTTPStatus(r.StatusCode())
}

func (c *Client) JoinQueue(ctx context.Context, agentType string) (queue.Entry, error) {
	var out queue.Entry
	err := c.do(ctx, http.MethodPost, "/consultoria/queue/join/", queue.JoinRequest{AgentType: agentType}, &out)
	return out, err
}

func (c *Client) LeaveQueue(ctx context.Context) (queue.Entry, error) {
	var out queue.Entry
	err := c.do(ctx, http.MethodPost, "/consultoria/queue/leave/", nil, &out)
	return out, err
}

// QueueStatus reports the caller's entry. A 404 means not queued, not failure.
func (c *Client) QueueStatus(ctx context.Context) (queue.Entry, error) {
	var out queue.Entry
	err := c.do(ctx, http.MethodGet, "/consultoria/queue/status/", nil, &out)
	if reliability.IsNotFound(err) {
		return queue.NotQueued(""), nil
	}
	return out, err
}

func (c *Client) InitializeSession(ctx context.Context) (consult.InitializeResponse, error) {
	var out consult.InitializeResponse
	err := c.do(ctx, http.MethodPost, "/consultoria/session/initialize/", nil, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, sessionID string) (session.HeartbeatResponse, error) {
	var out session.HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/consultoria/session/heartbeat/", map[string]string{"session_id": sessionID}, &out)
	return out, err
}

func (c *Client) TerminateSession(ctx context.Context, sessionID string) (*session.Session, error) {
	var out session.Session
	if err := c.do(ctx, http.MethodPost, "/consultoria/session/terminate/", map[string]string{"session_id": sessionID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CurrentSession(ctx context.Context) (consult.CurrentResponse, error) {
	var out consult.CurrentResponse
	err := c.do(ctx, http.MethodGet, "/consultoria/session/current/", nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, limit int) ([]history.Record, error) {
	var out struct {
		Sessions []history.Record `json:"sessions"`
	}
	path := "/consultoria/session/history/"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Sessions, err
}

// SignalingURL is the websocket URL for sessionID, carrying credentials in
// the query since browsers cannot set headers on the upgrade.
func (c *Client) SignalingURL(sessionID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/consultoria/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	if c.token != "" {
		q.Set("access_token", c.token)
	} else if c.userID != "" {
		q.Set("user_id", c.userID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type apiErrorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	req := c.rest.R().
		SetContext(ctx).
		SetError(&apiErrorBody{})
	if in != nil {
		req.SetBody(in)
	}
	if out != nil {
		req.SetResult(out)
	}
	res, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if res.StatusCode() < 200 || res.StatusCode() > 299 {
		apiErr := &APIError{StatusCode: res.StatusCode(), Message: strings.TrimSpace(string(res.Body()))}
		if body, ok := res.Error().(*apiErrorBody); ok && body.Code != "" {
			apiErr.Code = body.Code
			apiErr.Message = body.Error
			apiErr.RetryAfter = body.RetryAfter
		}
		return apiErr
	}
	return nil
}

// IsCooldown reports whether err is the backend's cooldown rejection.
func IsCooldown(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "cooldown_active"
}
