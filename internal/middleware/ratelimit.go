package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond int           // Max requests per second per producer
	BurstSize         int           // Max burst size
	CleanupInterval   time.Duration // How often to clean up idle producers
	OnReject          func()        // Called on every rejected request
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 10000,
		BurstSize:         1000,
		CleanupInterval:   time.Minute,
	}
}

// clientState tracks rate limit state for a single producer
type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter provides rate limiting middleware using token bucket algorithm
type RateLimiter struct {
	config  *RateLimitConfig
	clients map[string]*clientState
	mu      sync.Mutex
	now     func() time.Time
	stopCh  chan struct{}
	stop    sync.Once
}

// NewRateLimiter creates a new rate limiter. Stop releases its cleanup
// goroutine.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	rl := &RateLimiter{
		config:  config,
		clients: make(map[string]*clientState),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// cleanup periodically removes idle producer entries
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, state := range rl.clients {
		if now.Sub(state.lastCheck) > rl.config.CleanupInterval {
			delete(rl.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stop.Do(func() { close(rl.stopCh) })
}

// Middleware returns the rate limiting middleware handler
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		// Prefer the producer set by auth, fall back to IP
		clientID := r.Header.Get(ProducerHeader)
		if clientID == "" {
			clientID = getClientIP(r)
		}

		limit := strconv.Itoa(rl.config.RequestsPerSecond)
		if !rl.allow(clientID) {
			if rl.config.OnReject != nil {
				rl.config.OnReject()
			}
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", "0")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-RateLimit-Limit", limit)

		next.ServeHTTP(w, r)
	})
}

// allow checks if a request from the given producer should be allowed
func (rl *RateLimiter) allow(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	state, exists := rl.clients[clientID]

	if !exists {
		// New producer starts with a full bucket, minus this request
		rl.clients[clientID] = &clientState{
			tokens:    float64(rl.config.BurstSize - 1),
			lastCheck: now,
		}
		return true
	}

	elapsed := now.Sub(state.lastCheck).Seconds()
	state.tokens += elapsed * float64(rl.config.RequestsPerSecond)
	if state.tokens > float64(rl.config.BurstSize) {
		state.tokens = float64(rl.config.BurstSize)
	}
	state.lastCheck = now

	if state.tokens < 1 {
		return false
	}

	state.tokens--
	return true
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Strip port if present
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
