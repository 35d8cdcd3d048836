// Package notify delivers operator alerts and audit records to an HTTP log service
// that authenticates with an API key exchanged for a short-lived bearer session.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	loginPath = "/api/v1/auth/login"
	logsPath  = "/api/v1/logs"

	// A session this close to expiry is renewed before use.
	sessionRenewBefore = 2 * time.Minute
	maxReplyBytes      = 1 << 20
)

// Client posts entries to the log service. The API key is traded for a session on
// first use, again when the session nears expiry, and after the service refuses it.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	// mu guards sess and serializes logins.
	mu   sync.Mutex
	sess session
	now  func() time.Time
}

type session struct {
	token   string
	expires time.Time
}

func (s session) usable(now time.Time) bool {
	if s.token == "" {
		return false
	}
	return s.expires.IsZero() || s.expires.Sub(now) >= sessionRenewBefore
}

// HTTPError is a non-2xx answer from the log service.
type HTTPError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("notify %s http %d: %s", e.Op, e.Status, e.Body)
}

// Entry is one record in the log service.
type Entry struct {
	Agent      string         `json:"agent"`
	Action     string         `json:"action"`
	Level      string         `json:"level"`
	Details    map[string]any `json:"details"`
	SessionKey string         `json:"session_key"`
	Metadata   map[string]any `json:"metadata"`
}

// loginReply carries either an absolute expiry or a lifetime in seconds.
type loginReply struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at,omitempty"`
	ExpiresIn int64  `json:"expires_in,omitempty"`
}

func (r loginReply) session(now time.Time) session {
	s := session{token: strings.TrimSpace(r.Token)}
	if at, err := time.Parse(time.RFC3339, strings.TrimSpace(r.ExpiresAt)); err == nil {
		s.expires = at
	} else if r.ExpiresIn > 0 {
		s.expires = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return s
}

// Login opens a fresh session, replacing any held one.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.login(ctx)
	return err
}

// login must be called with mu held.
func (c *Client) login(ctx context.Context) (session, error) {
	key := strings.TrimSpace(c.APIKey)
	if key == "" {
		return session{}, errors.New("notify api key is empty")
	}
	var reply loginReply
	if err := c.post(ctx, "login", loginPath, "", map[string]string{"api_key": key}, &reply); err != nil {
		return session{}, err
	}
	s := reply.session(c.clock())
	if s.token == "" {
		return session{}, errors.New("notify login returned no token")
	}
	c.sess = s
	return s, nil
}

// bearer returns a usable session token, logging in when needed.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.usable(c.clock()) {
		return c.sess.token, nil
	}
	s, err := c.login(ctx)
	return s.token, err
}

// forget drops the session if it is still the one that was refused.
func (c *Client) forget(token string) {
	c.mu.Lock()
	if c.sess.token == token {
		c.sess = session{}
	}
	c.mu.Unlock()
}

// Post writes one entry.
func (c *Client) Post(ctx context.Context, e Entry) error {
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	err = c.post(ctx, "post entry", logsPath, token, e, nil)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusUnauthorized {
		c.forget(token)
	}
	return err
}

// post sends body as JSON and decodes a 2xx reply into out when out is non-nil.
func (c *Client) post(ctx context.Context, op, path, token string, body, out any) error {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return errors.New("notify base url is empty")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("notify %s: encode: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return &HTTPError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("notify %s: decode: %w", op, err)
	}
	return nil
}

func (c *Client) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// IsRetryable treats transport errors, 401 (a new session is opened on the next try),
// 429 and 5xx as transient.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
