package core

import "github.com/hupe1980/agentcrew/logging"

// loggerAdapter gives run and tool contexts LogX shorthands bound to a
// logger that already carries the run's attributes.
type loggerAdapter struct {
	logger logging.Logger
}

func newLoggerAdapter(l logging.Logger) *loggerAdapter {
	return &loggerAdapter{logger: logging.OrNoOp(l)}
}

// Logger returns the bound logger.
func (l *loggerAdapter) Logger() logging.Logger { return l.logger }

func (l *loggerAdapter) LogDebug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *loggerAdapter) LogInfo(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *loggerAdapter) LogWarn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *loggerAdapter) LogError(msg string, args ...any) { l.logger.Error(msg, args...) }
