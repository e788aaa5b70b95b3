// Package logger is a thin wrapper around a process-wide zap SugaredLogger.
// Until Init is called every call is a no-op, so packages and tests can log
// freely without setup.
package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log atomic.Pointer[zap.SugaredLogger]

func init() {
	log.Store(zap.NewNop().Sugar())
}

// Init builds the JSON logger. level is one of debug, info, warn, error;
// anything else falls back to info.
func Init(level string, development bool) {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      development,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := config.Build()
	if err != nil {
		fallback := zap.NewExample().Sugar()
		fallback.Warnw("Failed to initialize custom logger, using fallback", "error", err)
		log.Store(fallback)
		return
	}
	log.Store(l.Sugar())
}

// Set replaces the logger, e.g. with zaptest's observer in tests.
func Set(l *zap.Logger) {
	log.Store(l.Sugar())
}

func Debug(msg string, keysAndValues ...interface{}) {
	log.Load().Debugw(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...interface{}) {
	log.Load().Infow(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...interface{}) {
	log.Load().Warnw(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...interface{}) {
	log.Load().Errorw(msg, keysAndValues...)
}

func Fatal(msg string, err error) {
	log.Load().Fatalw(msg, "error", err)
}

func Sync() {
	_ = log.Load().Sync()
}
