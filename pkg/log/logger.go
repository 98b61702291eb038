// Package log provides structured logging for gomine services.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hako/durafmt"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "nop", "", "error", "text")
}

type ctxKey string

// PassIDKey is the context key under which the miner stores the current pass id.
const PassIDKey ctxKey = "pass_id"

// WithContext returns a logger carrying the pass id stored in ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := ctx.Value(PassIDKey); id != nil {
		return l.WithFields("pass_id", id)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithWork returns a logger scoped to one work unit
func (l *Logger) WithWork(prevHash string, height int64, extranonce uint32) *Logger {
	return l.WithFields("prev_hash", prevHash, "height", height, "extranonce", extranonce)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogSearchReport logs the end of a search pass
func (l *Logger) LogSearchReport(backend, reason string, trials uint64, elapsed time.Duration, hashRate float64) {
	l.Info("search pass finished",
		"backend", backend,
		"reason", reason,
		"trials", trials,
		"elapsed", durafmt.Parse(elapsed.Round(time.Millisecond)).LimitFirstN(2).String(),
		"elapsed_ms", elapsed.Milliseconds(),
		"hash_rate", hashRate,
	)
}

// LogBlockFound logs when a block is found
func (l *Logger) LogBlockFound(blockHash string, height int64, extranonce, nonce uint32, difficulty float64) {
	l.Info("block found",
		"block_hash", blockHash,
		"height", height,
		"extranonce", extranonce,
		"nonce", nonce,
		"difficulty", difficulty,
	)
}

// LogDispatch logs a device exchange
func (l *Logger) LogDispatch(device, outcome string, latency time.Duration) {
	l.Debug("device dispatch",
		"device", device,
		"outcome", outcome,
		"latency_ms", float64(latency.Microseconds())/1e3,
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count uint64, duration time.Duration) {
	var throughput float64
	if duration > 0 {
		throughput = float64(count) / duration.Seconds()
	}
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration", durafmt.Parse(duration).LimitFirstN(2).String(),
		"throughput_ops_sec", throughput,
	)
}
