package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"tradepipeline/internal/breaker"
	"tradepipeline/internal/retry"
)

type logService struct {
	logins   int32
	logs     int32
	failLogs int32

	mu   sync.Mutex
	last Entry
}

func (s *logService) lastRequest() Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *logService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.logins, 1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["api_key"] != "key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(loginReply{Token: "tok", ExpiresAt: time.Now().Add(time.Hour).Format(time.RFC3339)})
	})
	mux.HandleFunc("/api/v1/logs", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization=%q", r.Header.Get("Authorization"))
		}
		if atomic.LoadInt32(&s.failLogs) > 0 {
			atomic.AddInt32(&s.failLogs, -1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req Entry
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.last = req
		s.mu.Unlock()
		atomic.AddInt32(&s.logs, 1)
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func TestNotifierDeliversAlert(t *testing.T) {
	svc := &logService{}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	n := NewNotifier(&Client{BaseURL: srv.URL, APIKey: "key-1", HTTP: srv.Client()}, "", retry.Policy{MaxAttempts: 1}, nil)
	err := n.Alert(context.Background(), breaker.Alert{Source: "exchange", Kind: "opened", Severity: breaker.SeverityCritical, Message: "5 failures", At: time.Now()})
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	if atomic.LoadInt32(&svc.logins) != 1 || atomic.LoadInt32(&svc.logs) != 1 {
		t.Fatalf("logins=%d logs=%d", svc.logins, svc.logs)
	}
	if svc.lastRequest().Action != "alert_opened" || svc.lastRequest().Level != "error" || svc.lastRequest().Agent != "trade-pipeline" {
		t.Fatalf("request=%+v", svc.lastRequest())
	}
	_ = n.Alert(context.Background(), breaker.Alert{Kind: "recovered", Severity: breaker.SeverityInfo})
	if atomic.LoadInt32(&svc.logins) != 1 {
		t.Fatalf("token should be reused, logins=%d", svc.logins)
	}
}

func TestNotifierRetriesTransientFailure(t *testing.T) {
	svc := &logService{failLogs: 1}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	n := NewNotifier(&Client{BaseURL: srv.URL, APIKey: "key-1", HTTP: srv.Client()}, "agent", retry.Policy{MaxAttempts: 2}, nil)
	if err := n.Alert(context.Background(), breaker.Alert{Kind: "opened"}); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if atomic.LoadInt32(&svc.logs) != 1 {
		t.Fatalf("logs=%d want=1", svc.logs)
	}
}

func TestNotifierBreakerOpensAfterFailures(t *testing.T) {
	svc := &logService{failLogs: 100}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	n := NewNotifier(&Client{BaseURL: srv.URL, APIKey: "key-1", HTTP: srv.Client()}, "agent", retry.Policy{MaxAttempts: 1}, nil)
	for i := 0; i < 3; i++ {
		err := n.Alert(context.Background(), breaker.Alert{Kind: "opened"})
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadGateway {
			t.Fatalf("attempt %d err=%v", i, err)
		}
	}
	if err := n.Alert(context.Background(), breaker.Alert{Kind: "opened"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v want ErrUnavailable", err)
	}
	if n.State() != "open" {
		t.Fatalf("state=%s want=open", n.State())
	}
}

func TestLoginRejectsBadKey(t *testing.T) {
	svc := &logService{}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, APIKey: "wrong", HTTP: srv.Client()}
	err := c.Login(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		t.Fatalf("err=%v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("401 should be retryable after token refresh")
	}
	if IsRetryable(&HTTPError{Status: http.StatusBadRequest}) {
		t.Fatalf("400 is final")
	}
}

func TestPostOpensNewSessionAfterUnauthorized(t *testing.T) {
	var logins, posts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&logins, 1)
		_ = json.NewEncoder(w).Encode(loginReply{Token: fmt.Sprintf("tok-%d", n), ExpiresIn: 3600})
	})
	mux.HandleFunc("/api/v1/logs", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		atomic.AddInt32(&posts, 1)
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	n := NewNotifier(&Client{BaseURL: srv.URL, APIKey: "key-1", HTTP: srv.Client()}, "agent", retry.Policy{MaxAttempts: 2}, nil)
	if err := n.Alert(context.Background(), breaker.Alert{Kind: "opened"}); err != nil {
		t.Fatalf("got=%v want=nil", err)
	}
	if got := atomic.LoadInt32(&logins); got != 2 {
		t.Fatalf("logins=%d want=2", got)
	}
	if got := atomic.LoadInt32(&posts); got != 1 {
		t.Fatalf("posts=%d want=1", got)
	}
}

func TestSessionRenewedBeforeExpiry(t *testing.T) {
	svc := &logService{}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	now := time.Now()
	c := &Client{BaseURL: srv.URL, APIKey: "key-1", HTTP: srv.Client()}
	c.now = func() time.Time { return now }
	if err := c.Post(context.Background(), Entry{Action: "a"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	now = now.Add(30 * time.Minute)
	_ = c.Post(context.Background(), Entry{Action: "b"})
	if got := atomic.LoadInt32(&svc.logins); got != 1 {
		t.Fatalf("logins=%d want=1", got)
	}
	now = now.Add(29 * time.Minute)
	_ = c.Post(context.Background(), Entry{Action: "c"})
	if got := atomic.LoadInt32(&svc.logins); got != 2 {
		t.Fatalf("logins=%d want=2", got)
	}
}

func TestAuditMiddlewareLogsWrites(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &logService{}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	n := NewNotifier(&Client{BaseURL: srv.URL, APIKey: "key-1", HTTP: srv.Client()}, "agent", retry.Policy{MaxAttempts: 1}, nil)
	r := gin.New()
	r.Use(AuditMiddleware(n, nil))
	r.GET("/api/v1/cycles", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/breakers/x/reset", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/v1/cycles", nil),
		httptest.NewRequest(http.MethodPost, "/api/v1/breakers/x/reset", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	if atomic.LoadInt32(&svc.logs) != 1 || svc.lastRequest().Action != "http_write" {
		t.Fatalf("logs=%d last=%+v", atomic.LoadInt32(&svc.logs), svc.lastRequest())
	}
}
