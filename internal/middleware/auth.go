// Package middleware provides HTTP middleware for the injection API
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
)

// ProducerHeader carries the authenticated producer to downstream handlers
const ProducerHeader = "X-Producer-ID"

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled     bool
	APIKeys     map[string]string // key -> producer ID mapping
	HeaderName  string            // Header to check for API key (default: X-API-Key)
	BypassPaths []string          // Paths that don't require auth
	OnFailure   func()            // Called on every rejected request
}

// DefaultAuthConfig returns default auth configuration
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		HeaderName:  "X-API-Key",
		BypassPaths: []string{"/status", "/metrics"},
	}
}

// ParseAPIKeys parses keys in the format "key1:producer1,key2:producer2".
// A key without a producer maps to "default".
func ParseAPIKeys(value string) map[string]string {
	keys := make(map[string]string)
	if value == "" {
		return keys
	}

	for _, pair := range strings.Split(value, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) == 2 {
			keys[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		} else if len(parts) == 1 && parts[0] != "" {
			keys[strings.TrimSpace(parts[0])] = "default"
		}
	}
	return keys
}

// Auth provides API key authentication middleware
type Auth struct {
	config *AuthConfig
	mu     sync.RWMutex
}

// NewAuth creates a new Auth middleware
func NewAuth(config *AuthConfig) *Auth {
	if config == nil {
		config = DefaultAuthConfig()
	}
	if config.HeaderName == "" {
		config.HeaderName = "X-API-Key"
	}
	return &Auth{config: config}
}

// Middleware returns the authentication middleware handler
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.RLock()
		config := a.config
		a.mu.RUnlock()

		if !config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		for _, path := range config.BypassPaths {
			if strings.HasPrefix(r.URL.Path, path) {
				next.ServeHTTP(w, r)
				return
			}
		}

		apiKey := r.Header.Get(config.HeaderName)
		if apiKey == "" {
			authHeader := r.Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				apiKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if apiKey == "" {
			a.fail()
			http.Error(w, `{"error":"missing API key"}`, http.StatusUnauthorized)
			return
		}

		producerID, valid := a.validateKey(apiKey)
		if !valid {
			a.fail()
			http.Error(w, `{"error":"invalid API key"}`, http.StatusForbidden)
			return
		}

		r.Header.Set(ProducerHeader, producerID)

		next.ServeHTTP(w, r)
	})
}

func (a *Auth) fail() {
	if a.config.OnFailure != nil {
		a.config.OnFailure()
	}
}

// validateKey checks if an API key is valid and returns the associated producer ID
func (a *Auth) validateKey(key string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for validKey, producerID := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(validKey)) == 1 {
			return producerID, true
		}
	}
	return "", false
}

// AddAPIKey adds a new API key at runtime
func (a *Auth) AddAPIKey(key, producerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config.APIKeys == nil {
		a.config.APIKeys = make(map[string]string)
	}
	a.config.APIKeys[key] = producerID
}

// RemoveAPIKey removes an API key at runtime
func (a *Auth) RemoveAPIKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.config.APIKeys, key)
}
