// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
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

	// File, when set, receives a JSON copy of every log line.
	File string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger. The returned closer releases
// the log file, if any.
func Setup(cfg Config) (zerolog.Logger, func() error, error) {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	// Configure output
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	closer := func() error { return nil }
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return zerolog.Nop(), closer, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("open log file: %w", err)
		}
		output = zerolog.MultiLevelWriter(output, f)
		closer = f.Close
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger, closer, nil
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
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

// ForRun returns a component logger carrying the data source and run id.
func ForRun(component, source, runID string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("data_source", source).
		Str("run_id", runID).
		Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, fingerprint, TTL, lock contention)
//   - Per-page commits (page, content hash, new items)
//   - Pacing waits and worker lifecycle
//
// Info: Normal operation events
//   - Run start/finish with entity counts
//   - Entity start, resume point and completion
//   - Recovery rollbacks
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts
//   - Entity failures recorded on the processing state
//   - Weekly budget close to exhaustion
//   - Cache errors (fallback to provider request)
//
// Error: Error conditions requiring attention
//   - Run-fatal errors (quota, authentication, storage)
//   - Failed requests after retries
//   - Configuration errors
//
// Context Fields:
//   - component: Emitting component (client, orchestrator, recovery, ...)
//   - data_source: Provider name from the api section
//   - run_id: Run identifier
//   - entity_id: Entity being ingested
//   - page: 1-based page number
//   - status_code: HTTP status code
//   - attempt: Attempt number within a retry sequence
//   - backoff: Delay before the next attempt
//   - error_class: Transport error class (client, server, rate_limit, network, auth)
//   - error_kind: Ingestion error kind (transient_exhausted, permanent, ...)
