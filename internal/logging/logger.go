// Package logging builds the zap loggers used across flowlint.
// Subsystems log through named child loggers so output can be filtered
// by category (boot, lint, run, watch, store, plugin).
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names used for child loggers.
const (
	CategoryBoot   = "boot"
	CategoryLint   = "lint"
	CategoryFormat = "format"
	CategoryGit    = "git"
	CategoryRun    = "run"
	CategoryWatch  = "watch"
	CategoryStore  = "store"
	CategoryPlugin = "plugin"
)

// Options controls logger construction.
type Options struct {
	Level string // debug, info, warn, error
	JSON  bool   // machine-readable output instead of console encoding
}

// New builds the root logger. Callers own Sync.
func New(opts Options) (*zap.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableCaller = true
	if !opts.JSON {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Category returns the named child logger for a subsystem.
func Category(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named(name)
}

// Nop returns a discard logger for tests and optional dependencies.
func Nop() *zap.Logger {
	return zap.NewNop()
}

func parseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
