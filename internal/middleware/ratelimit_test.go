package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, rps, burst int, rejected *int) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiter(&RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: rps,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
		OnReject:          func() { *rejected++ },
	})
	t.Cleanup(rl.Stop)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func send(h http.Handler, producer, remote string) int {
	req := httptest.NewRequest(http.MethodPost, "/v1/wins", nil)
	if producer != "" {
		req.Header.Set(ProducerHeader, producer)
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	var rejected int
	rl, now := newTestLimiter(t, 2, 3, &rejected)
	h := rl.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		if code := send(h, "router", ""); code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202 within burst, got %d", i, code)
		}
	}
	if code := send(h, "router", ""); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", code)
	}
	if rejected != 1 {
		t.Errorf("expected reject hook once, got %d", rejected)
	}

	// Another producer has its own bucket
	if code := send(h, "tracker", ""); code != http.StatusAccepted {
		t.Errorf("expected independent bucket, got %d", code)
	}

	// 2 rps refills one token in 500ms
	*now = now.Add(500 * time.Millisecond)
	if code := send(h, "router", ""); code != http.StatusAccepted {
		t.Errorf("expected refill to admit one request, got %d", code)
	}
}

func TestRateLimiterFallsBackToIP(t *testing.T) {
	var rejected int
	rl, _ := newTestLimiter(t, 1, 1, &rejected)
	h := rl.Middleware(okHandler())

	if code := send(h, "", "10.0.0.1:5000"); code != http.StatusAccepted {
		t.Fatalf("expected first request admitted, got %d", code)
	}
	if code := send(h, "", "10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Errorf("expected same IP on another port to share the bucket, got %d", code)
	}
	if code := send(h, "", "10.0.0.2:5000"); code != http.StatusAccepted {
		t.Errorf("expected other IP admitted, got %d", code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Enabled: false, RequestsPerSecond: 1, BurstSize: 1})
	defer rl.Stop()
	h := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		if code := send(h, "router", ""); code != http.StatusAccepted {
			t.Fatalf("expected disabled limiter to pass, got %d", code)
		}
	}
}

func TestRateLimiterEvictIdle(t *testing.T) {
	var rejected int
	rl, now := newTestLimiter(t, 1, 1, &rejected)
	h := rl.Middleware(okHandler())

	send(h, "router", "")
	*now = now.Add(2 * time.Minute)
	rl.evictIdle()

	rl.mu.Lock()
	n := len(rl.clients)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("expected idle producer evicted, got %d entries", n)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "1.1.1.1,2.2.2.2"}, "", "1.1.1.1"},
		{"real ip", map[string]string{"X-Real-IP": "3.3.3.3"}, "", "3.3.3.3"},
		{"remote addr", nil, "4.4.4.4:1234", "4.4.4.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if tt.remote != "" {
				req.RemoteAddr = tt.remote
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
