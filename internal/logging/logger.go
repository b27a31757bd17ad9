// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options maps the shared CLI verbosity flags onto a zap configuration.
// Debug and Quiet win over Level when set.
type Options struct {
	Debug bool
	Quiet bool
	Level string // "debug", "info", "warn", "error"
}

// New builds a zap.Logger for the given verbosity options.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch {
	case opts.Debug:
		level = zapcore.DebugLevel
	case opts.Quiet:
		level = zapcore.WarnLevel
	case opts.Level != "":
		parsed, err := zapcore.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	if level == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
