// Package log provides a global logger with configurable logging level.
// Formatting goes through a zap core so host applications can splice in their
// own logger with SetLogger; by default nothing is emitted until SetLevel
// raises the level.

package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anomalies that are not expected to occur during normal use.
	LevelWarning              // Logs anomalies that are expected to occur occasionally during normal use.
	LevelInfo                 // Logs major events.
	LevelDebug                // Logs detailed IO
)

var (
	logMutex       sync.Mutex
	globalLogLevel Level
	sugar          *zap.SugaredLogger
)

// SetLevel controls how verbose the package-level logger is. The default,
// LevelNone, suppresses all output.
func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLogLevel = level
}

// SetLogger replaces the default zap logger. Useful for hosts that want the
// library's output routed through their own zap configuration.
func SetLogger(logger *zap.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	sugar = logger.Sugar()
}

func logger() *zap.SugaredLogger {
	if sugar == nil {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
		built, err := cfg.Build(zap.WithCaller(false))
		if err != nil {
			// The static production config is known-good; reaching this
			// means zap itself is broken.
			panic(err)
		}
		sugar = built.Sugar()
	}
	return sugar
}

func logAt(level Level, format string, a ...interface{}) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if level > globalLogLevel {
		return
	}
	l := logger()
	switch level {
	case LevelDebug:
		l.Debugf(format, a...)
	case LevelInfo:
		l.Infof(format, a...)
	case LevelWarning:
		l.Warnf(format, a...)
	case LevelError:
		l.Errorf(format, a...)
	}
}

func Debug(format string, a ...interface{}) {
	logAt(LevelDebug, format, a...)
}

func Info(format string, a ...interface{}) {
	logAt(LevelInfo, format, a...)
}

func Warning(format string, a ...interface{}) {
	logAt(LevelWarning, format, a...)
}

func Error(format string, a ...interface{}) {
	logAt(LevelError, format, a...)
}
