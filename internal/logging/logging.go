// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package logging builds the zap loggers used across the engine.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures logger construction.
type Options struct {
	Level  string    // debug, info, warn, error. Default: info
	JSON   bool      // JSON encoding instead of console
	Output io.Writer // Default: stderr
}

// New builds a logger for opts. An unknown level is an error.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		l, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var encoder zapcore.Encoder
	if opts.JSON {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), zap.NewAtomicLevelAt(level))
	return zap.New(core), nil
}

// Must is like New but panics on error.
func Must(opts Options) *zap.Logger {
	logger, err := New(opts)
	if err != nil {
		panic(err)
	}
	return logger
}
