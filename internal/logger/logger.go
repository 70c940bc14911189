// Package logger is the rsyscall equivalent of lxd's shared/logger:
// a thin wrapper around logrus exposing package-level leveled logging calls,
// so transports, the monitor, and the epoll loop can log without each
// constructing their own logrus.Logger.
package logger

import (
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// SetLevel adjusts the package-wide log level (default: logrus.InfoLevel).
func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}

// WithField returns an entry pre-populated with one field, for call sites
// that want to tag a whole sequence of log lines (e.g. a task id).
func WithField(key string, value any) *logrus.Entry {
	return log.WithField(key, value)
}

func Debug(args ...any)                 { log.Debug(args...) }
func Debugf(format string, args ...any) { log.Debugf(format, args...) }
func Info(args ...any)                  { log.Info(args...) }
func Infof(format string, args ...any)  { log.Infof(format, args...) }
func Warn(args ...any)                  { log.Warn(args...) }
func Warnf(format string, args ...any)  { log.Warnf(format, args...) }
func Error(args ...any)                 { log.Error(args...) }
func Errorf(format string, args ...any) { log.Errorf(format, args...) }
