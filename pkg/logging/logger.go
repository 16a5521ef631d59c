// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelTrace logs every RPC round trip and gate transition.
	LevelTrace LogLevel = "trace"

	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// LevelFromVerbosity maps a repeated -v count onto a level. A zero count
// keeps base.
func LevelFromVerbosity(count int, base LogLevel) LogLevel {
	switch {
	case count >= 2:
		return LevelTrace
	case count == 1:
		return LevelDebug
	default:
		return base
	}
}

// ValidLevel reports whether level names a known log level.
func ValidLevel(level LogLevel) bool {
	switch strings.ToLower(string(level)) {
	case "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Trace: Wire-level detail
//   - Individual RPC round trips (method, batch size, duration)
//   - Gate permit acquisition and release
//
// Debug: Per-unit progress
//   - Signature pages (cursor, page size, in-range count)
//   - Detail batches (size, dropped signatures)
//   - Cache hits/misses per batch
//
// Info: Run milestones
//   - Configuration loaded, stores connected
//   - Extraction started/complete with totals
//   - Outputs written
//
// Warn: Degraded but progressing
//   - Retry attempts and de-ratings (new batch size, new permits)
//   - Cache errors (fallback to RPC)
//   - Authoritative store not matching every signature
//
// Error: Fatal paths
//   - Retries exhausted
//   - Integrity violations
//   - Authoritative store lagging
//   - Configuration errors
//
// Context Fields:
//   - component: emitting component (client, paginator, aggregator, ...)
//   - account / group: account being processed
//   - method: JSON-RPC method
//   - error_class: rate_limit, server, network, client, decode
//   - batch_size / permits: throughput after a de-rating
//   - duration: elapsed time
