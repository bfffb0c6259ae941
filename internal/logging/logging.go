// SPDX-License-Identifier: GPL-3.0-or-later

// Package logging constructs the zap loggers used by the commands.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production JSON logger writing to stderr at the given
// level, e.g. "debug" or "info".
func New(level string, options ...zap.Option) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return cfg.Build(options...)
}

// NewDevelopment returns a human readable logger at debug level.
func NewDevelopment(options ...zap.Option) (*zap.Logger, error) {
	return zap.NewDevelopment(options...)
}
