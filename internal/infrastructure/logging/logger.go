package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/lockgate-core/internal/infrastructure/config"
)

// Logger wraps slog.Logger with Lockgate's default fields and credential
// redaction. Safe for concurrent use.
type Logger struct {
	*slog.Logger

	// closer is the log file when output is "file"; nil otherwise.
	closer io.Closer
}

// New creates a new Logger with the specified configuration.
//
// JSON is the default format; text is for development. Attributes named
// token, secret, password or authorization are logged as Redacted.
//
// If the log file cannot be opened the logger falls back to stderr and
// records the failure as its first entry.
//
// Parameters:
//   - cfg: Logging configuration from config.yaml
//   - version: Application version for default field
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	var (
		output  io.Writer
		closer  io.Closer
		openErr error
	)
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			output = os.Stderr
			openErr = fmt.Errorf("opening log file %s: %w", cfg.File, err)
		} else {
			output, closer = f, f
		}
	default:
		output = os.Stdout
	}

	l := NewWithWriter(cfg, version, output)
	l.closer = closer
	if openErr != nil {
		l.Error("log file unavailable, logging to stderr", "error", openErr)
	}
	return l
}

// NewWithWriter creates a Logger writing to w, ignoring cfg.Output.
// Used by tests and by callers that own the destination.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler.WithAttrs([]slog.Attr{
			slog.String("service", "lockgate"),
			slog.String("version", version),
		})),
	}
}

// Redacted replaces the value of any attribute whose key names a credential.
const Redacted = "[redacted]"

// sensitiveKeys are matched case-insensitively against the last segment of
// an attribute key, so both "token" and "jwt.secret" are caught.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"access_token":  {},
	"authorization": {},
	"secret":        {},
	"password":      {},
}

func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	if _, ok := sensitiveKeys[key]; ok && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional default attributes.
//
// The child shares the parent's destination but does not own it;
// only the root logger's Close releases a log file.
//
// Example:
//
//	lockLogger := logger.With("component", "omni")
//	lockLogger.Info("listening") // Includes component=omni
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Close releases the log file, if any. Safe to call on any logger.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in JSON format at info level.
// It should only be used during early startup before config is available.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
