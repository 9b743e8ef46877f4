package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := newRateLimiter(5, time.Second)
	defer rl.stop()

	// First 5 requests should be allowed
	for i := 0; i < 5; i++ {
		if !rl.allow("192.168.1.1") {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}

	// 6th request should be denied
	if rl.allow("192.168.1.1") {
		t.Error("6th request should be denied")
	}

	// Different IP should be allowed
	if !rl.allow("192.168.1.2") {
		t.Error("Request from different IP should be allowed")
	}
}

func TestRateLimiter_Window(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	defer rl.stop()

	now := time.Now()
	rl.now = func() time.Time { return now }

	if !rl.allow("192.168.1.1") || !rl.allow("192.168.1.1") {
		t.Fatal("first two requests should be allowed")
	}
	if rl.allow("192.168.1.1") {
		t.Error("Third request should be denied")
	}

	now = now.Add(61 * time.Second)
	if !rl.allow("192.168.1.1") {
		t.Error("Request after window should be allowed")
	}
}

func TestRateLimiter_Evict(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)
	defer rl.stop()

	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.allow("10.0.0.1")

	now = now.Add(3 * time.Minute)
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.visitors) != 0 {
		t.Errorf("expected idle visitor to be evicted, have %d", len(rl.visitors))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)
	defer rl.stop()

	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		expected   string
	}{
		{
			name:       "RemoteAddr only",
			remoteAddr: "192.168.1.1:12345",
			expected:   "192.168.1.1",
		},
		{
			name:       "X-Forwarded-For single IP",
			remoteAddr: "127.0.0.1:12345",
			xff:        "203.0.113.1",
			expected:   "203.0.113.1",
		},
		{
			name:       "X-Forwarded-For multiple IPs",
			remoteAddr: "127.0.0.1:12345",
			xff:        "203.0.113.1, 198.51.100.1, 192.0.2.1",
			expected:   "203.0.113.1",
		},
		{
			name:       "X-Real-IP",
			remoteAddr: "127.0.0.1:12345",
			xri:        "203.0.113.5",
			expected:   "203.0.113.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			var got string
			middleware.RealIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = getClientIP(r)
			})).ServeHTTP(httptest.NewRecorder(), req)

			if got != tt.expected {
				t.Errorf("got %q, expected %q", got, tt.expected)
			}
		})
	}
}
