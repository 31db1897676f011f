package peer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug so pion's trace output stays
// hidden unless explicitly enabled.
const levelTrace = slog.Level(-8)

// NewLoggerFactory returns a pion LoggerFactory that writes through logger.
// Each pion scope becomes a "scope" attribute.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return &loggerFactory{logger: logger}
}

type loggerFactory struct {
	logger *slog.Logger
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{logger: f.logger.With("scope", scope)}
}

type leveledLogger struct {
	logger *slog.Logger
}

func (l *leveledLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *leveledLogger) Trace(msg string) { l.log(levelTrace, msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	l.log(levelTrace, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *leveledLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
