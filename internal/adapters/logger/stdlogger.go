// Package logger implements ports.Logger on top of zerolog, with a
// level-threshold LogLevel type and Debug/Info/Warn/Error method set.
package logger

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ZeroLogger implements the ports.Logger interface using zerolog.
type ZeroLogger struct {
	logger zerolog.Logger
}

// LogLevel defines the logging level.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the LogLevel.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string level to LogLevel.
func ParseLevel(levelStr string) LogLevel {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo // Default to Info
	}
}

func (l LogLevel) zerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewStdLogger creates a new zerolog-backed logger, JSON to stderr at
// the given threshold level.
func NewStdLogger(level LogLevel) *ZeroLogger {
	zl := zerolog.New(os.Stderr).Level(level.zerologLevel()).With().Timestamp().Logger()
	return &ZeroLogger{logger: zl}
}

// NewConsoleLogger creates a human-readable console logger, for local
// development where JSON lines are harder to scan.
func NewConsoleLogger(level LogLevel) *ZeroLogger {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	zl := zerolog.New(writer).Level(level.zerologLevel()).With().Timestamp().Logger()
	return &ZeroLogger{logger: zl}
}

func withFields(e *zerolog.Event, fields ...map[string]interface{}) *zerolog.Event {
	if len(fields) > 0 && fields[0] != nil {
		e = e.Fields(fields[0])
	}
	return e
}

// Debug logs a message at Debug level.
func (l *ZeroLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.logger.Debug(), fields...).Msg(msg)
}

// Info logs a message at Info level.
func (l *ZeroLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.logger.Info(), fields...).Msg(msg)
}

// Warn logs a message at Warning level.
func (l *ZeroLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.logger.Warn(), fields...).Msg(msg)
}

// Error logs an error message at Error level.
func (l *ZeroLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	withFields(l.logger.Error().Err(err), fields...).Msg(msg)
}
