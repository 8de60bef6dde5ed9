// Package logging builds the zap loggers used by the server and the sync agent.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	rotateMaxSizeMB  = 20
	rotateMaxBackups = 5
	rotateMaxAgeDays = 30
)

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	return cfg.Build()
}

// NewFileLogger writes JSON logs to a size-rotated file instead of stderr. An empty
// path falls back to NewLogger.
func NewFileLogger(level, path string) (*zap.Logger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewLogger(level)
	}
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotateMaxSizeMB,
		MaxBackups: rotateMaxBackups,
		MaxAge:     rotateMaxAgeDays,
		Compress:   true,
	}
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.AddSync(sink), zap.NewAtomicLevelAt(parseLevel(level)))
	return zap.New(core, zap.AddCaller()), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
