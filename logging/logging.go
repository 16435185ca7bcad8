// Package logging builds the process logger. The level defaults to the one
// the caller passes to Setup and can be overridden with the DIRMI_LOG_LEVEL
// environment variable (debug, info, warn, error).
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Setup returns a production logger at the given default level, honoring
// DIRMI_LOG_LEVEL when set. Falls back to a no-op logger if construction
// fails rather than aborting the host process.
func Setup(defaultLevel zapcore.Level) *zap.Logger {
	level := defaultLevel
	if env := os.Getenv("DIRMI_LOG_LEVEL"); env != "" {
		if parsed, err := zapcore.ParseLevel(env); err == nil {
			level = parsed
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
