package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/udmi-device/internal/infrastructure/config"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// Logger wraps slog.Logger with a runtime-adjustable level.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New creates a Logger from cfg. Every entry carries service and version.
func New(cfg config.LoggingConfig, version string) *Logger {
	return newLogger(cfg, version, outputFor(cfg.Output))
}

func newLogger(cfg config.LoggingConfig, version string, output io.Writer) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "udmi-device"),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler), level: level}
}

func outputFor(name string) io.Writer {
	if strings.ToLower(name) == "stderr" {
		return os.Stderr
	}
	return os.Stdout
}

// parseLevel converts a string log level to slog.Level.
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FromUDMI maps a UDMI severity onto the nearest slog level.
func FromUDMI(l udmi.Level) slog.Level {
	switch {
	case l >= udmi.LevelError:
		return slog.LevelError
	case l >= udmi.LevelWarning:
		return slog.LevelWarn
	case l >= udmi.LevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// SetLevel changes the minimum level of this logger and every logger derived
// from it with With.
func (l *Logger) SetLevel(level slog.Level) {
	if l.level != nil {
		l.level.Set(level)
	}
}

// SetUDMILevel applies a cloud-issued system.min_loglevel.
func (l *Logger) SetUDMILevel(level udmi.Level) {
	l.SetLevel(FromUDMI(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	if l.level == nil {
		return slog.LevelInfo
	}
	return l.level.Level()
}

// With returns a new Logger with additional default attributes. The level
// stays shared with the parent.
//
// Example:
//
//	mqttLogger := logger.With("component", "mqtt")
//	mqttLogger.Info("connected") // Includes component=mqtt
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
	}
}

// Default creates a logger for use before configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
