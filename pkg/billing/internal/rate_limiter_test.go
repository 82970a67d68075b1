package internal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRateLimiter_BurstThenReject(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(3, time.Minute)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatalf("request %d: expected allow", i)
		}
	}
	if limiter.allow("10.0.0.1") {
		t.Fatal("expected fourth request to be rejected")
	}
	if !limiter.allow("10.0.0.2") {
		t.Fatal("other clients have their own bucket")
	}

	now = now.Add(20 * time.Second)
	if !limiter.allow("10.0.0.1") {
		t.Fatal("expected a token to be refilled after a third of the window")
	}
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(10, time.Minute)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		limiter.allow("192.168.1." + strings.Repeat("1", i%5+1))
	}
	if limiter.Len() == 0 {
		t.Fatal("expected tracked clients")
	}

	now = now.Add(idleTTL + time.Minute)
	for i := 0; i < 100; i++ {
		limiter.allow("10.0.0.1")
	}
	if got := limiter.Len(); got != 1 {
		t.Fatalf("expected only the active client to remain, got %d", got)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.RemoteAddr = "203.0.113.9:4242"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	if got := ClientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected host of RemoteAddr, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", " 203.0.113.1 , 10.0.0.1")
	if got := ClientIP(req); got != "203.0.113.1" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}

func TestReadBodyStrict(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if _, err := ReadBodyStrict(rec, req, 16); err == nil {
		t.Fatal("expected error for empty body")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 32)))
	if _, err := ReadBodyStrict(rec, req, 16); err == nil || !strings.Contains(err.Error(), "payload too large") {
		t.Fatalf("expected payload too large, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"ok":true}`))
	body, err := ReadBodyStrict(rec, req, 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", body)
	}
}
