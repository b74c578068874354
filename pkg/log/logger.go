// Package log provides structured logging for the miner.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
)

type ctxKey string

// SessionKey carries a stratum session id through a context.
const SessionKey ctxKey = "session_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w.
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

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "dev", "error", "text")
}

// WithContext returns a logger with the session id carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id, ok := ctx.Value(SessionKey).(string); ok && id != "" {
		return l.WithFields("session_id", id)
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

// WithPool returns a logger tagged with a pool's id and URL.
func (l *Logger) WithPool(id int, url string) *Logger {
	return l.WithFields("pool", id, "pool_url", url)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation in a human readable form.
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration", durafmt.ParseShort(d).String(),
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction string, message []byte) {
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.Debug("stratum message",
		"direction", direction,
		"message", strings.TrimSpace(string(message)),
	)
}

// LogShareResult logs the pool's verdict on a submitted share.
func (l *Logger) LogShareResult(jobID string, difficulty float64, accepted bool, reason string) {
	status := "accepted"
	level := slog.LevelInfo
	if !accepted {
		status = "rejected"
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "share "+status,
		"job_id", jobID,
		"difficulty", humanize.SIWithDigits(difficulty, 2, ""),
		"reason", reason,
	)
}

// LogBlockFound logs a share that solved a network block.
func (l *Logger) LogBlockFound(blockHash string, poolID int, difficulty float64) {
	l.Info("block found",
		"block_hash", blockHash,
		"pool", poolID,
		"difficulty", humanize.SIWithDigits(difficulty, 2, ""),
	)
}

// LogPoolSwitch logs a change of the current pool.
func (l *Logger) LogPoolSwitch(from, to int, strategy string) {
	l.Info("switching pools",
		"from_pool", from,
		"to_pool", to,
		"strategy", strategy,
	)
}
