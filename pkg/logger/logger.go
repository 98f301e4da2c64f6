package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process logger. It is a no-op logger until Init runs.
var Log = zap.NewNop()

// Init builds the process logger. Production gets JSON output with
// sampling; anything else gets the coloured console encoder.
func Init(level string, env string) error {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	config.Level = zap.NewAtomicLevelAt(parseLevel(level))

	built, err := config.Build()
	if err != nil {
		return err
	}
	Log = built.With(zap.String("service", "nexus-miracle"))
	return nil
}

func parseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// ForCall returns a child of base tagged with the call id. A nil base
// falls back to the process logger.
func ForCall(base *zap.Logger, callID string) *zap.Logger {
	if base == nil {
		base = Log
	}
	return base.With(CallID(callID))
}

func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
