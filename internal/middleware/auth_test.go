package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newAuthHandler(auth *Auth, producer *string) http.Handler {
	return auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if producer != nil {
			*producer = r.Header.Get(ProducerHeader)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		enabled      bool
		path         string
		headers      map[string]string
		wantCode     int
		wantProducer string
		wantFailures int
	}{
		{"disabled", false, "/v1/wins", nil, http.StatusAccepted, "", 0},
		{"missing key", true, "/v1/wins", nil, http.StatusUnauthorized, "", 1},
		{"invalid key", true, "/v1/wins", map[string]string{"X-API-Key": "nope"}, http.StatusForbidden, "", 1},
		{"valid key", true, "/v1/wins", map[string]string{"X-API-Key": "router-key"}, http.StatusAccepted, "router", 0},
		{"bearer token", true, "/v1/events", map[string]string{"Authorization": "Bearer tracker-key"}, http.StatusAccepted, "tracker", 0},
		{"status bypass", true, "/status", nil, http.StatusAccepted, "", 0},
		{"metrics bypass", true, "/metrics", nil, http.StatusAccepted, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failures := 0
			cfg := DefaultAuthConfig()
			cfg.Enabled = tt.enabled
			cfg.APIKeys = ParseAPIKeys("router-key:router,tracker-key:tracker")
			cfg.OnFailure = func() { failures++ }

			var producer string
			handler := newAuthHandler(NewAuth(cfg), &producer)

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if producer != tt.wantProducer {
				t.Errorf("expected producer %q, got %q", tt.wantProducer, producer)
			}
			if failures != tt.wantFailures {
				t.Errorf("expected %d failures, got %d", tt.wantFailures, failures)
			}
		})
	}
}

func TestAuthProducerHeaderCannotBeSpoofed(t *testing.T) {
	cfg := DefaultAuthConfig()
	cfg.Enabled = true
	cfg.APIKeys = map[string]string{"k": "real"}

	var producer string
	handler := newAuthHandler(NewAuth(cfg), &producer)

	req := httptest.NewRequest(http.MethodPost, "/v1/wins", nil)
	req.Header.Set("X-API-Key", "k")
	req.Header.Set(ProducerHeader, "spoofed")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if producer != "real" {
		t.Errorf("expected authenticated producer, got %q", producer)
	}
}

func TestAuthAddRemoveAPIKey(t *testing.T) {
	cfg := DefaultAuthConfig()
	cfg.Enabled = true
	auth := NewAuth(cfg)
	handler := newAuthHandler(auth, nil)

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/wins", nil)
		req.Header.Set("X-API-Key", "new-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusForbidden {
		t.Errorf("expected 403 before adding, got %d", code)
	}
	auth.AddAPIKey("new-key", "p")
	if code := send(); code != http.StatusAccepted {
		t.Errorf("expected 202 after adding, got %d", code)
	}
	auth.RemoveAPIKey("new-key")
	if code := send(); code != http.StatusForbidden {
		t.Errorf("expected 403 after removing, got %d", code)
	}
}

func TestParseAPIKeys(t *testing.T) {
	tests := []struct {
		input    string
		expected map[string]string
	}{
		{"", map[string]string{}},
		{"key1:p1", map[string]string{"key1": "p1"}},
		{"key1:p1,key2:p2", map[string]string{"key1": "p1", "key2": "p2"}},
		{"key1", map[string]string{"key1": "default"}},
		{" key1 : p1 , key2 : p2 ", map[string]string{"key1": "p1", "key2": "p2"}},
	}

	for _, tt := range tests {
		result := ParseAPIKeys(tt.input)
		if len(result) != len(tt.expected) {
			t.Errorf("input %q: expected %d keys, got %d", tt.input, len(tt.expected), len(result))
			continue
		}
		for k, v := range tt.expected {
			if result[k] != v {
				t.Errorf("input %q: expected %s=%s, got %s", tt.input, k, v, result[k])
			}
		}
	}
}
