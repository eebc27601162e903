// Package logger provides structured logging for the post-auction service
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

// RequestIDKey is the context key for request IDs
const RequestIDKey ContextKey = "request_id"

var (
	// Log is the global logger instance
	Log = zerolog.New(os.Stdout).With().Timestamp().Str("service", "pas").Logger()
)

// Config holds logger configuration
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, console
	TimeFormat string `yaml:"time_format"` // time format for console output
}

// DefaultConfig returns sensible defaults for production
func DefaultConfig() Config {
	return Config{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global logger
func Init(cfg Config) {
	InitWithWriter(cfg, os.Stdout)
}

// InitWithWriter initializes the global logger writing to out
func InitWithWriter(cfg Config, out io.Writer) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	output := out
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: cfg.TimeFormat,
		}
	}

	Log = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "pas").
		Logger()
}

// WithRequestID adds a request ID to the logger context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestID returns the request ID stored in ctx, if any
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// FromContext returns the HTTP logger tagged with the request ID in ctx
func FromContext(ctx context.Context) *zerolog.Logger {
	id := RequestID(ctx)
	if id == "" {
		return HTTP()
	}
	l := HTTP().With().Str("request_id", id).Logger()
	return &l
}

// Auction returns a logger for events of one auction
func Auction(auctionID string) *zerolog.Logger {
	l := Log.With().Str("auction_id", auctionID).Logger()
	return &l
}

// Matcher returns a logger for the matching loop
func Matcher() *zerolog.Logger {
	return component("matcher")
}

// Router returns a logger for outcome routing
func Router() *zerolog.Logger {
	return component("router")
}

// Banker returns a logger for ledger events
func Banker() *zerolog.Logger {
	return component("banker")
}

// Agents returns a logger for agent configuration and notification
func Agents() *zerolog.Logger {
	return component("agents")
}

// Transport returns a logger for inbound transport events
func Transport() *zerolog.Logger {
	return component("transport")
}

// HTTP returns a logger for HTTP events
func HTTP() *zerolog.Logger {
	return component("http")
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// getEnv returns environment variable or default
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
