// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package logger

import (
	"go.uber.org/zap"

	"github.com/canonical/relcore"
)

// Zap wraps a zap.Logger to implement relcore.Logger.
type Zap struct {
	logger *zap.SugaredLogger
}

// NewZap creates a relcore.Logger from a zap.Logger.
func NewZap(logger *zap.Logger) relcore.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Zap{logger: logger.Sugar()}
}

// Error logs an error message with key-value pairs.
func (z *Zap) Error(msg string, args ...any) {
	z.logger.Errorw(msg, args...)
}

// Warn logs a warning message with key-value pairs.
func (z *Zap) Warn(msg string, args ...any) {
	z.logger.Warnw(msg, args...)
}

// Info logs an info message with key-value pairs.
func (z *Zap) Info(msg string, args ...any) {
	z.logger.Infow(msg, args...)
}
