// Package ctxlog provides context-scoped structured logging, following the
// same shape as the teacher's internal/dcontext package: a Logger interface
// satisfied by *logrus.Entry, threaded through context.Context so that every
// layer of a call chain can attach fields (operation, state id, package)
// without passing a logger value explicitly.
package ctxlog

import (
	"context"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the leveled-logging interface carried in a context. It is
// satisfied by *logrus.Entry and *logrus.Logger.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(key string, value interface{}) *logrus.Entry
	WithFields(fields logrus.Fields) *logrus.Entry
	WithError(err error) *logrus.Entry
}

type loggerKey struct{}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = logrus.StandardLogger().WithField("go.version", runtime.Version())
)

// SetDefault replaces the logger used when a context carries none.
func SetDefault(l Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// WithLogger returns a context carrying l, retrievable with GetLogger.
func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// WithFields attaches structured fields to whatever logger ctx already
// carries (or the default logger) and returns a context carrying the
// result, mirroring dcontext.WithLogger(ctx, GetLogger(ctx, keys...)).
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogger(ctx, GetLogger(ctx).WithFields(fields))
}

// GetLogger returns the logger carried by ctx, or the package default if
// none was attached.
func GetLogger(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}
