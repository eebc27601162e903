package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
)

func TestLoggingTagsRequests(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(logger.Config{Level: "info", Format: "json"}, &buf)
	defer logger.Init(logger.DefaultConfig())

	var seenID string
	handler := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = logger.RequestID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/wins", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seenID != "req-1" {
		t.Errorf("expected request id in context, got %q", seenID)
	}
	if rec.Header().Get(RequestIDHeader) != "req-1" {
		t.Error("expected request id echoed")
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["request_id"] != "req-1" || entry["status"] != float64(http.StatusAccepted) || entry["path"] != "/v1/wins" {
		t.Errorf("unexpected log entry %v", entry)
	}
}

func TestLoggingGeneratesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(logger.Config{Level: "info"}, &buf)
	defer logger.Init(logger.DefaultConfig())

	handler := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if len(rec.Header().Get(RequestIDHeader)) != 36 {
		t.Errorf("expected generated uuid, got %q", rec.Header().Get(RequestIDHeader))
	}
	if buf.Len() != 0 {
		t.Errorf("expected status checks below info level, got %q", buf.String())
	}
}
