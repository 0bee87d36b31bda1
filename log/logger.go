package log

import (
	"sync"

	"go.uber.org/zap"
)

var (
	rootLogger Logger
	nopLogger  Logger = &logger{zap.NewNop().Sugar()}
	mutex             = &sync.Mutex{}
)

type Logger interface {
	Debug(args ...any)
	Debugf(template string, args ...any)
	Debugw(msg string, keysAndValues ...any)
	Info(args ...any)
	Infof(template string, args ...any)
	Infow(msg string, keysAndValues ...any)
	Warn(args ...any)
	Warnf(template string, args ...any)
	Warnw(msg string, keysAndValues ...any)
	Error(args ...any)
	Errorf(template string, args ...any)
	Errorw(msg string, keysAndValues ...any)
	Named(name string) Logger
	With(keysAndValues ...any) Logger
	Sync() error
}

type logger struct {
	*zap.SugaredLogger
}

func (l *logger) Named(name string) Logger {
	return &logger{l.SugaredLogger.Named(name)}
}

func (l *logger) With(keysAndValues ...any) Logger {
	return &logger{l.SugaredLogger.With(keysAndValues...)}
}

// Global returns the root logger, a no-op logger until Setup is called.
func Global() Logger {
	mutex.Lock()
	defer mutex.Unlock()
	if rootLogger == nil {
		return nopLogger
	}
	return rootLogger
}

func Nop() Logger {
	return nopLogger
}

// Wrap adapts an existing zap logger, mostly for tests.
func Wrap(l *zap.Logger) Logger {
	return &logger{l.Sugar()}
}

func Setup(options *Options) {
	mutex.Lock()
	defer mutex.Unlock()
	if rootLogger != nil {
		rootLogger.Warn("can't re setup root logger")
		return
	}
	rootLogger = New(options)
}

// New builds a logger writing below-warn levels to stdout and the rest to stderr.
func New(options *Options) Logger {
	zapSugarLogger := zap.New(options.core(), options.zapOptions()...).Sugar()
	if options.name != "" {
		zapSugarLogger = zapSugarLogger.Named(options.name)
	}
	return &logger{zapSugarLogger}
}
