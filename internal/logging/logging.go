// Package logging is the single construction point for the process's
// zap.Logger, matching the logging style used throughout the rest of
// this module (structured fields, no fmt.Sprintf-built messages).
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger for the given level name ("debug", "info",
// "warn", "error"; anything else falls back to "info"). Production
// encoding (JSON, ISO8601 timestamps) is always used; there is no
// separate "development" mode since this is a long-running network
// daemon, not a short-lived CLI invocation.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
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
