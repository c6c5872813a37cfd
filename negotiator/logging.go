package negotiator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogFactory routes pion's internal logs into slog.
type slogFactory struct {
	logger *slog.Logger
}

var _ logging.LoggerFactory = slogFactory{}

func (f slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{f.logger.With("pion", scope)}
}

// trace goes below slog's debug level
const levelTrace = slog.LevelDebug - 4

type pionLogger struct {
	l *slog.Logger
}

func (p pionLogger) log(level slog.Level, msg string) {
	p.l.Log(context.Background(), level, msg)
}

func (p pionLogger) Trace(msg string) { p.log(levelTrace, msg) }
func (p pionLogger) Tracef(format string, args ...interface{}) {
	p.log(levelTrace, fmt.Sprintf(format, args...))
}
func (p pionLogger) Debug(msg string) { p.log(slog.LevelDebug, msg) }
func (p pionLogger) Debugf(format string, args ...interface{}) {
	p.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (p pionLogger) Info(msg string) { p.log(slog.LevelInfo, msg) }
func (p pionLogger) Infof(format string, args ...interface{}) {
	p.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (p pionLogger) Warn(msg string) { p.log(slog.LevelWarn, msg) }
func (p pionLogger) Warnf(format string, args ...interface{}) {
	p.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (p pionLogger) Error(msg string) { p.log(slog.LevelError, msg) }
func (p pionLogger) Errorf(format string, args ...interface{}) {
	p.log(slog.LevelError, fmt.Sprintf(format, args...))
}
