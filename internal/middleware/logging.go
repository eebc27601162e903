package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
)

// RequestIDHeader is read from and echoed back on every request
const RequestIDHeader = "X-Request-ID"

// statusRecorder captures the status code written by the next handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging tags each request with an ID and logs it on completion. Monitoring
// paths are logged at debug level.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)
		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log := logger.FromContext(r.Context())
		event := log.Info()
		if r.URL.Path == "/status" || r.URL.Path == "/metrics" {
			event = log.Debug()
		} else if rec.status >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Str("producer", r.Header.Get(ProducerHeader)).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
