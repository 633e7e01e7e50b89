// Package logging builds the process logger and routes pion's internal
// logging into it.
package logging

import (
	"fmt"

	pionlogging "github.com/pion/logging"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger at level. Development loggers print human
// readable console output.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	log, err := cfg.Build()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return log, nil
}

// PionFactory adapts a zap logger to pion's LoggerFactory. pion scopes
// become named child loggers under "pion".
type PionFactory struct {
	log *zap.Logger
}

// NewPionFactory returns a factory writing through log. pion is chatty at
// debug level, so its trace output is dropped.
func NewPionFactory(log *zap.Logger) *PionFactory {
	if log == nil {
		log = zap.NewNop()
	}
	return &PionFactory{log: log.Named("pion")}
}

// NewLogger implements pionlogging.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) pionlogging.LeveledLogger {
	return &pionLogger{log: f.log.Named(scope).Sugar()}
}

var _ pionlogging.LoggerFactory = (*PionFactory)(nil)

type pionLogger struct {
	log *zap.SugaredLogger
}

func (l *pionLogger) Trace(string)          {}
func (l *pionLogger) Tracef(string, ...any) {}

func (l *pionLogger) Debug(msg string) { l.log.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Info(msg string) { l.log.Info(msg) }
func (l *pionLogger) Infof(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Warn(msg string) { l.log.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Error(msg string) { l.log.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}
