package middleware

import (
	"net/http"
)

// SizeLimitConfig holds request size limit configuration
type SizeLimitConfig struct {
	Enabled      bool
	MaxBodySize  int64 // Max request body size in bytes
	MaxURLLength int   // Max URL length
}

// DefaultSizeLimitConfig returns default size limit configuration
func DefaultSizeLimitConfig() *SizeLimitConfig {
	return &SizeLimitConfig{
		Enabled:      true,
		MaxBodySize:  1024 * 1024,
		MaxURLLength: 8192,
	}
}

// SizeLimiter rejects oversized injection requests before they are decoded
type SizeLimiter struct {
	config *SizeLimitConfig
}

// NewSizeLimiter creates a new size limiter. Zero limits take the defaults.
func NewSizeLimiter(config *SizeLimitConfig) *SizeLimiter {
	defaults := DefaultSizeLimitConfig()
	if config == nil {
		config = defaults
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = defaults.MaxBodySize
	}
	if config.MaxURLLength <= 0 {
		config.MaxURLLength = defaults.MaxURLLength
	}
	return &SizeLimiter{config: config}
}

// Middleware returns the size limiting middleware handler
func (sl *SizeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if len(r.URL.String()) > sl.config.MaxURLLength {
			http.Error(w, `{"error":"URL too long"}`, http.StatusRequestURITooLong)
			return
		}

		if r.ContentLength > sl.config.MaxBodySize {
			http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}

		// Bodies without Content-Length are cut off while reading
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, sl.config.MaxBodySize)
		}

		next.ServeHTTP(w, r)
	})
}
