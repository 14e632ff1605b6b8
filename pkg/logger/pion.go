package logger

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// PionLoggerFactory routes pion's internal logging into zap.
type PionLoggerFactory struct {
	log   *zap.SugaredLogger
	level zapcore.Level
}

// NewPionLoggerFactory creates a factory; pion messages below level are discarded.
func NewPionLoggerFactory(log *zap.SugaredLogger, level string) *PionLoggerFactory {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.WarnLevel
	}
	return &PionLoggerFactory{log: log, level: lvl}
}

func (f *PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: f.log.With("mod", scope), level: f.level}
}

type pionLogger struct {
	log   *zap.SugaredLogger
	level zapcore.Level
}

func (p *pionLogger) enabled(l zapcore.Level) bool { return l >= p.level }

// pion's trace level has no zap equivalent; it is folded into debug.
func (p *pionLogger) Trace(msg string) { p.Debug(msg) }

func (p *pionLogger) Tracef(format string, args ...interface{}) { p.Debugf(format, args...) }

func (p *pionLogger) Debug(msg string) {
	if p.enabled(zapcore.DebugLevel) {
		p.log.Debug(msg)
	}
}

func (p *pionLogger) Debugf(format string, args ...interface{}) {
	if p.enabled(zapcore.DebugLevel) {
		p.log.Debugf(format, args...)
	}
}

func (p *pionLogger) Info(msg string) {
	if p.enabled(zapcore.InfoLevel) {
		p.log.Info(msg)
	}
}

func (p *pionLogger) Infof(format string, args ...interface{}) {
	if p.enabled(zapcore.InfoLevel) {
		p.log.Infof(format, args...)
	}
}

func (p *pionLogger) Warn(msg string) {
	if p.enabled(zapcore.WarnLevel) {
		p.log.Warn(msg)
	}
}

func (p *pionLogger) Warnf(format string, args ...interface{}) {
	if p.enabled(zapcore.WarnLevel) {
		p.log.Warnf(format, args...)
	}
}

func (p *pionLogger) Error(msg string) { p.log.Error(msg) }

func (p *pionLogger) Errorf(format string, args ...interface{}) { p.log.Errorf(format, args...) }
