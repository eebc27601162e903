// Package agents tracks bidding agent configuration and delivers matched
// outcomes back to the agent that placed the bid
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
)

// AgentConfig is the post-auction view of a bidding agent's configuration
type AgentConfig struct {
	Agent   string   `json:"agent"`
	Account []string `json:"account,omitempty"`
	// Channel overrides the default notification channel
	Channel string `json:"channel,omitempty"`
	// EventLabels lists the campaign event labels the agent wants.
	// Empty means all labels.
	EventLabels []string `json:"eventLabels,omitempty"`
	// SkipLosses suppresses loss notifications
	SkipLosses bool `json:"skipLosses,omitempty"`
}

// WantsLabel reports whether the agent subscribed to label
func (c AgentConfig) WantsLabel(label string) bool {
	if len(c.EventLabels) == 0 {
		return true
	}
	for _, l := range c.EventLabels {
		if l == label {
			return true
		}
	}
	return false
}

// Source resolves an agent's configuration by name
type Source interface {
	Get(agent string) (AgentConfig, bool)
}

// HashReader reads every field of a hash
type HashReader interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Listener caches agent configurations published as JSON values of a
// Redis hash keyed by agent name
type Listener struct {
	store    HashReader
	key      string
	interval time.Duration

	mu      sync.RWMutex
	configs map[string]AgentConfig
	loaded  time.Time
}

// NewListener creates a listener over the hash at key
func NewListener(store HashReader, key string, interval time.Duration) *Listener {
	return &Listener{
		store:    store,
		key:      key,
		interval: interval,
		configs:  make(map[string]AgentConfig),
	}
}

// Get returns the cached configuration for agent
func (l *Listener) Get(agent string) (AgentConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.configs[agent]
	return c, ok
}

// Len returns the number of cached agents
func (l *Listener) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.configs)
}

// LoadedAt returns the time of the last successful refresh
func (l *Listener) LoadedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded
}

// Refresh reloads every configuration. Entries that fail to decode are
// skipped and logged; the rest replace the cache atomically.
func (l *Listener) Refresh(ctx context.Context) error {
	raw, err := l.store.HGetAll(ctx, l.key)
	if err != nil {
		return fmt.Errorf("failed to load agent configs from %s: %w", l.key, err)
	}

	configs := make(map[string]AgentConfig, len(raw))
	for name, value := range raw {
		var cfg AgentConfig
		if err := json.Unmarshal([]byte(value), &cfg); err != nil {
			logger.Agents().Warn().Err(err).Str("agent", name).Msg("Skipping malformed agent config")
			continue
		}
		if cfg.Agent == "" {
			cfg.Agent = name
		}
		configs[name] = cfg
	}

	l.mu.Lock()
	l.configs = configs
	l.loaded = time.Now()
	l.mu.Unlock()

	logger.Agents().Debug().Int("agents", len(configs)).Msg("Agent configs refreshed")
	return nil
}

// Run refreshes the cache every interval until ctx is done
func (l *Listener) Run(ctx context.Context) {
	if err := l.Refresh(ctx); err != nil {
		logger.Agents().Warn().Err(err).Msg("Initial agent config load failed")
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				logger.Agents().Warn().Err(err).Msg("Agent config refresh failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Static is a fixed configuration source
type Static map[string]AgentConfig

// Get returns the configuration for agent
func (s Static) Get(agent string) (AgentConfig, bool) {
	c, ok := s[agent]
	return c, ok
}
